package soundcord

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"layeh.com/gopus"
)

const (
	audioChannels  = 2
	audioFrameRate = 48000
	audioFrameSize = 960
	audioMaxBytes  = (audioFrameSize * 2) * 2

	// connectionPollInterval is how often the transport's Ready flag is
	// sampled to derive state transitions.
	connectionPollInterval = time.Second

	// opusSendTimeout bounds how long a frame may wait on the transport
	// before the player gives up.
	opusSendTimeout = 5 * time.Second
)

var ErrVoiceNotReady = errors.New("voice transport not ready for opus packets")

// voiceJoiner is the slice of the discord session used to establish
// voice connections.
type voiceJoiner interface {
	ChannelVoiceJoin(
		guildID string,
		channelID string,
		mute bool,
		deaf bool,
	) (*discordgo.VoiceConnection, error)
}

// DiscordVoiceTransport implements VoiceTransport over discordgo.
type DiscordVoiceTransport struct {
	session    voiceJoiner
	ffmpegPath string
	logger     *slog.Logger
}

func NewDiscordVoiceTransport(
	session voiceJoiner,
	ffmpegPath string,
	logger *slog.Logger,
) *DiscordVoiceTransport {
	if ffmpegPath == "" {
		ffmpegPath = DefaultFFmpegPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordVoiceTransport{
		session:    session,
		ffmpegPath: ffmpegPath,
		logger:     logger.With(loggerNameKey, "voice_transport"),
	}
}

// Join implements VoiceTransport. The bot joins unmuted and deafened.
func (t *DiscordVoiceTransport) Join(
	_ context.Context,
	guildID string,
	channelID string,
) (VoiceConnection, error) {
	vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, err
	}
	conn := &discordVoiceConnection{
		vc:         vc,
		ffmpegPath: t.ffmpegPath,
		logger: t.logger.With(
			slog.Group("connection", columnGuildID, guildID, "channel_id", channelID),
		),
		states: make(chan ConnectionState, 8),
		closed: make(chan struct{}),
	}
	go conn.monitor()
	return conn, nil
}

// discordVoiceConnection wraps a discordgo voice connection, deriving
// ConnectionState transitions from its Ready flag.
type discordVoiceConnection struct {
	vc         *discordgo.VoiceConnection
	ffmpegPath string
	logger     *slog.Logger

	states    chan ConnectionState
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *discordVoiceConnection) monitor() {
	ticker := time.NewTicker(connectionPollInterval)
	defer ticker.Stop()

	ready := true
	for {
		select {
		case <-c.closed:
			close(c.states)
			return
		case <-ticker.C:
			c.vc.RLock()
			nowReady := c.vc.Ready
			c.vc.RUnlock()
			if nowReady == ready {
				continue
			}
			ready = nowReady
			state := ConnectionReconnecting
			if !ready {
				state = ConnectionDisconnected
			}
			select {
			case c.states <- state:
			default:
				// Listener lagging; drop rather than block the monitor.
			}
		}
	}
}

func (c *discordVoiceConnection) StateChanges() <-chan ConnectionState {
	return c.states
}

func (c *discordVoiceConnection) Disconnect() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.vc.Disconnect()
}

// NewPlayer implements VoiceConnection. The returned player decodes the
// stream with ffmpeg, applies the gain to each PCM sample, encodes with
// opus and feeds the transport. It starts paused.
func (c *discordVoiceConnection) NewPlayer(
	ctx context.Context,
	src io.ReadCloser,
	gain PlaybackGain,
) (AudioPlayer, error) {
	encoder, err := gopus.NewEncoder(audioFrameRate, audioChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("error creating opus encoder: %w", err)
	}
	p := &discordPlayer{
		vc:         c.vc,
		ffmpegPath: c.ffmpegPath,
		src:        src,
		gain:       gain,
		encoder:    encoder,
		logger:     c.logger,
		states:     make(chan PlayerState, 2),
		start:      make(chan struct{}),
		stop:       make(chan struct{}),
	}
	go p.run(context.WithoutCancel(ctx))
	return p, nil
}

// discordPlayer is a single ffmpeg -> gain -> opus -> transport
// pipeline. It is created paused and runs to EOF unless stopped.
type discordPlayer struct {
	vc         *discordgo.VoiceConnection
	ffmpegPath string
	src        io.ReadCloser
	gain       PlaybackGain
	encoder    *gopus.Encoder
	logger     *slog.Logger

	states chan PlayerState

	start     chan struct{}
	startOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
}

func (p *discordPlayer) States() <-chan PlayerState {
	return p.states
}

func (p *discordPlayer) Start() error {
	p.startOnce.Do(func() { close(p.start) })
	return nil
}

func (p *discordPlayer) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *discordPlayer) run(ctx context.Context) {
	defer close(p.states)
	defer func() {
		_ = p.src.Close()
	}()

	select {
	case <-p.start:
	case <-p.stop:
		return
	case <-ctx.Done():
		return
	}

	if err := p.stream(ctx); err != nil {
		p.logger.Error("playback pipeline failed", tint.Err(err))
		return
	}
	select {
	case p.states <- PlayerIdle:
	case <-p.stop:
	}
}

// stream decodes the source to 48kHz stereo s16le PCM, scales each
// sample by the configured gain, and sends opus-encoded frames to the
// transport until EOF or stop.
func (p *discordPlayer) stream(ctx context.Context) error {
	cmd := exec.CommandContext(
		ctx,
		p.ffmpegPath,
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", audioFrameRate),
		"-ac", fmt.Sprintf("%d", audioChannels),
		"pipe:1",
	)
	cmd.Stdin = p.src
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error creating ffmpeg pipe: %w", err)
	}
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("error starting ffmpeg: %w", err)
	}
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}()

	if err = p.vc.Speaking(true); err != nil {
		return fmt.Errorf("error setting speaking state: %w", err)
	}
	defer func() {
		_ = p.vc.Speaking(false)
	}()

	factor := p.gain.LinearFactor()
	reader := bufio.NewReaderSize(out, 16384)
	frame := make([]int16, audioFrameSize*audioChannels)

	for {
		select {
		case <-p.stop:
			return nil
		default:
		}

		err = binary.Read(reader, binary.LittleEndian, &frame)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading PCM frame: %w", err)
		}

		scaleFrame(frame, factor)

		opus, encErr := p.encoder.Encode(frame, audioFrameSize, audioMaxBytes)
		if encErr != nil {
			return fmt.Errorf("error encoding frame: %w", encErr)
		}

		p.vc.RLock()
		ready, sendCh := p.vc.Ready, p.vc.OpusSend
		p.vc.RUnlock()
		if !ready || sendCh == nil {
			return ErrVoiceNotReady
		}

		select {
		case sendCh <- opus:
		case <-p.stop:
			return nil
		case <-time.After(opusSendTimeout):
			return fmt.Errorf("timed out sending opus frame")
		}
	}
}

// scaleFrame applies a linear gain factor to PCM samples in place,
// clipping to the int16 range.
func scaleFrame(frame []int16, factor float64) {
	if factor == 1.0 {
		return
	}
	for i, sample := range frame {
		scaled := float64(sample) * factor
		switch {
		case scaled > math.MaxInt16:
			frame[i] = math.MaxInt16
		case scaled < math.MinInt16:
			frame[i] = math.MinInt16
		default:
			frame[i] = int16(scaled)
		}
	}
}
