package soundcord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	// playHistorySize is the number of recent playback start times
	// remembered per guild, used by the burst heuristic.
	playHistorySize = 3

	// burstWindow is the maximum span between the oldest and newest
	// remembered play for the guild to count as "bursty".
	burstWindow = 40 * time.Second

	// burstLingerDelay is how long a bursty guild's voice connection
	// lingers after a sound finishes before disconnecting.
	burstLingerDelay = 20 * time.Second

	// reconnectGracePeriod is how long an unexpectedly disconnected
	// transport has to start re-signalling or re-connecting before the
	// connection is torn down.
	reconnectGracePeriod = 5 * time.Second

	// playRateLimit / playRateWindow: each (member, guild) pair may start
	// playRateLimit sounds per playRateWindow.
	playRateLimit  = 2
	playRateWindow = 10 * time.Second

	// fallbackGainDecibels is applied when a sound's mean volume is
	// unknown and analysis failed.
	fallbackGainDecibels = -15.0

	// maxGainDecibels caps the normalization boost for very quiet sounds.
	maxGainDecibels = 20.0

	// volumeMultiplierExponent shapes the per-guild volume multiplier
	// before it's applied to the linear output gain.
	volumeMultiplierExponent = 1.2
)

const (
	deniedCannotPlaySounds  = "User can not play sounds"
	deniedCannotJoinChannel = "Bot can not join this channel"
	deniedRateLimitedFormat = "Rate limit exceeded: Wait **%.2f seconds**"
)

// errPlaybackSuperseded is the cancellation cause set when a newer play
// replaces the current player. Any other cause (stop, connection
// teardown) completes the play without the superseded flag.
var errPlaybackSuperseded = errors.New("playback superseded")

// ConnectionState describes a voice transport state transition, as
// reported by VoiceConnection.StateChanges.
type ConnectionState int

const (
	ConnectionReady ConnectionState = iota
	ConnectionDisconnected
	ConnectionResignalling
	ConnectionReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionReady:
		return "ready"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionResignalling:
		return "resignalling"
	case ConnectionReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// PlayerState is emitted by an AudioPlayer as it moves through its
// lifecycle. Both PlayerIdle and PlayerPaused complete a pending play;
// only PlayerIdle deregisters the player and runs the disconnect
// heuristic.
type PlayerState int

const (
	PlayerIdle PlayerState = iota
	PlayerPaused
)

// VoiceTransport establishes real-time voice connections. The production
// implementation wraps discordgo; tests substitute fakes.
type VoiceTransport interface {
	Join(ctx context.Context, guildID string, channelID string) (VoiceConnection, error)
}

// VoiceConnection is an established voice transport for a single guild.
type VoiceConnection interface {
	// NewPlayer builds an audio player for the given stream. The player
	// is created paused; playback begins on AudioPlayer.Start. The player
	// takes ownership of the stream and closes it when it stops.
	NewPlayer(ctx context.Context, src io.ReadCloser, gain PlaybackGain) (AudioPlayer, error)

	// StateChanges delivers transport state transitions. The channel is
	// closed when the connection is destroyed.
	StateChanges() <-chan ConnectionState

	Disconnect() error
}

// AudioPlayer is a single audio output pipeline attached to a
// VoiceConnection.
type AudioPlayer interface {
	// Start begins playback of a paused player.
	Start() error

	// Stop tears the pipeline down without emitting further states.
	Stop()

	// States delivers player lifecycle transitions. The channel is closed
	// once the player reaches a terminal state.
	States() <-chan PlayerState
}

// LoudnessAnalyzer computes the integrated mean volume, in decibels, of
// an audio byte stream.
type LoudnessAnalyzer interface {
	MeanVolume(ctx context.Context, src io.Reader) (float64, error)
}

// SoundStore provides the playback manager's view of sound persistence:
// opening audio streams and memoizing analyzed mean volumes.
type SoundStore interface {
	Open(ctx context.Context, sound *Sound) (io.ReadCloser, error)
	SetMeanVolume(ctx context.Context, sound *Sound, meanVolume float64) error
}

// PermissionResolver answers whether a member may trigger sound playback
// in their guild.
type PermissionResolver interface {
	CanPlaySounds(ctx context.Context, member *Member) bool
}

// GuildVolumeProvider returns the guild's configured sound volume
// multiplier (1.0 when unset).
type GuildVolumeProvider interface {
	SoundVolume(ctx context.Context, guildID string) float64
}

// Member identifies the guild member requesting playback.
type Member struct {
	UserID  string
	GuildID string
	RoleIDs []string

	// Admin is true for guild administrators, who bypass group checks.
	Admin bool
}

// VoiceChannel is a resolved playback destination. Joinable and
// Speakable reflect the bot's own permissions in the channel.
type VoiceChannel struct {
	ID        string
	GuildID   string
	Name      string
	Stage     bool
	Joinable  bool
	Speakable bool
}

// PlaybackGain is the output gain applied to a playback resource: a
// decibel adjustment from volume normalization, plus a linear multiplier
// derived from the guild's volume setting.
type PlaybackGain struct {
	Decibels   float64
	Multiplier float64
}

// LinearFactor converts the gain to a single linear scaling factor for
// PCM samples.
func (g PlaybackGain) LinearFactor() float64 {
	return math.Pow(10, g.Decibels/20) * g.Multiplier
}

// playbackGain computes the output gain for a sound. With a known mean
// volume, quiet sounds are boosted toward a common loudness (capped at
// maxGainDecibels) and the guild multiplier is applied; without one, a
// fixed attenuation is used and the multiplier is skipped.
func playbackGain(meanVolume *float64, guildVolume float64) PlaybackGain {
	if meanVolume == nil {
		return PlaybackGain{Decibels: fallbackGainDecibels, Multiplier: 1.0}
	}
	return PlaybackGain{
		Decibels:   math.Min(maxGainDecibels, -20+math.Abs(*meanVolume)),
		Multiplier: math.Pow(guildVolume, volumeMultiplierExponent),
	}
}

// PlayResult is the outcome of a playback request. Exactly one of the
// following holds: Played is true (the sound ran to completion, or was
// superseded by a newer request, per Superseded), or Denied carries a
// human-readable refusal for the requesting user.
type PlayResult struct {
	Played     bool   `json:"played"`
	Superseded bool   `json:"superseded,omitempty"`
	Denied     string `json:"denied,omitempty"`
}

// VoiceSession bundles a guild's voice connection, active player, recent
// play history and disconnect timing state. Sessions are created lazily
// on the first play request for a guild and persist across connection
// teardowns, so short-term usage bursts are remembered across brief
// reconnect blips.
type VoiceSession struct {
	guildID string

	mu     sync.Mutex
	conn   VoiceConnection
	player AudioPlayer

	// joinMu serializes channel joins: without it, two concurrent first
	// plays for the guild could each establish a connection.
	joinMu sync.Mutex

	// watchCancel detaches the completion watcher of the current player.
	// Replaced, never stacked, on each new play. The cancel cause records
	// whether the play was superseded or torn down.
	watchCancel context.CancelCauseFunc

	// recoveryCancel stops the disconnect-recovery watcher of the current
	// connection. Replaced, never stacked, per connection.
	recoveryCancel context.CancelFunc

	// disconnectTimer is the pending deferred disconnect, if any.
	// Cancelled whenever a new sound starts playing.
	disconnectTimer *time.Timer

	history *History[time.Time]
}

// VoiceManager owns all voice sessions, keyed by guild ID, and is the
// sole mutator of their connection and player state. It enforces playback
// permissions and rate limits, normalizes volume, and decides when to
// disconnect idle sessions.
type VoiceManager struct {
	transport VoiceTransport
	analyzer  LoudnessAnalyzer
	sounds    SoundStore
	perms     PermissionResolver
	volumes   GuildVolumeProvider
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*VoiceSession
	limiters map[string]*rate.Limiter

	// now is replaceable for tests.
	now func() time.Time
}

func NewVoiceManager(
	transport VoiceTransport,
	analyzer LoudnessAnalyzer,
	sounds SoundStore,
	perms PermissionResolver,
	volumes GuildVolumeProvider,
	logger *slog.Logger,
) *VoiceManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceManager{
		transport: transport,
		analyzer:  analyzer,
		sounds:    sounds,
		perms:     perms,
		volumes:   volumes,
		logger:    logger.With(loggerNameKey, "voice_manager"),
		sessions:  map[string]*VoiceSession{},
		limiters:  map[string]*rate.Limiter{},
		now:       time.Now,
	}
}

// PlaySound is the playback request entry point. Preconditions are
// checked in order, short-circuiting on the first failure: the member's
// effective permissions, the destination channel, then the per-(member,
// guild) rate limiter. Denials are returned in PlayResult.Denied, never
// as errors. On success it blocks until the sound finishes or is
// superseded by a newer request for the same guild.
//
// Only infrastructure failures (joining the channel, opening the audio
// stream) are returned as errors, and carry no user-facing message.
func (m *VoiceManager) PlaySound(
	ctx context.Context,
	sound *Sound,
	member *Member,
	channel *VoiceChannel,
) (PlayResult, error) {
	if sound == nil {
		m.logger.ErrorContext(ctx, "no sound to play")
		return PlayResult{}, nil
	}
	logger := m.logger.With(
		slog.Group(
			"play_request",
			"sound_id", sound.ID,
			"command", sound.Command,
			"guild_id", member.GuildID,
			columnUserID, member.UserID,
		),
	)
	ctx = WithLogger(ctx, logger)

	if !m.perms.CanPlaySounds(ctx, member) {
		logger.InfoContext(ctx, "member can not play sounds")
		return PlayResult{Denied: deniedCannotPlaySounds}, nil
	}

	if channel == nil || channel.Stage || !channel.Joinable || !channel.Speakable {
		logger.InfoContext(ctx, "channel not usable", "channel", channel)
		return PlayResult{Denied: deniedCannotJoinChannel}, nil
	}

	if wait, ok := m.reservePlay(member); !ok {
		logger.InfoContext(ctx, "play rate limited", "wait", wait)
		return PlayResult{
			Denied: fmt.Sprintf(deniedRateLimitedFormat, wait.Seconds()),
		}, nil
	}

	return m.play(ctx, sound, channel)
}

// Stop tears down the guild's voice session, if any.
func (m *VoiceManager) Stop(guildID string) {
	m.teardown(guildID)
}

// ActiveGuilds returns the IDs of guilds with a live voice connection.
func (m *VoiceManager) ActiveGuilds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var guilds []string
	for id, sess := range m.sessions {
		sess.mu.Lock()
		if sess.conn != nil {
			guilds = append(guilds, id)
		}
		sess.mu.Unlock()
	}
	return guilds
}

// session returns the guild's VoiceSession, creating it on first use.
func (m *VoiceManager) session(guildID string) *VoiceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[guildID]
	if !ok {
		history, err := NewHistory[time.Time](playHistorySize)
		if err != nil {
			panic(err)
		}
		sess = &VoiceSession{guildID: guildID, history: history}
		m.sessions[guildID] = sess
	}
	return sess
}

// reservePlay applies the per-(member, guild) rate limit. On rejection it
// returns the wait until the next permitted play.
func (m *VoiceManager) reservePlay(member *Member) (time.Duration, bool) {
	key := member.UserID + "#" + member.GuildID
	m.mu.Lock()
	limiter, ok := m.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Every(playRateWindow/playRateLimit),
			playRateLimit,
		)
		m.limiters[key] = limiter
	}
	m.mu.Unlock()

	r := limiter.ReserveN(m.now(), 1)
	if delay := r.DelayFrom(m.now()); delay > 0 {
		r.CancelAt(m.now())
		return delay, false
	}
	return 0, true
}

func (m *VoiceManager) play(
	ctx context.Context,
	sound *Sound,
	channel *VoiceChannel,
) (PlayResult, error) {
	_, logger := contextOrDefaultLogger(ctx, m.logger)
	sess := m.session(channel.GuildID)

	conn, err := m.ensureConnection(ctx, sess, channel)
	if err != nil {
		logger.ErrorContext(ctx, "unable to join voice channel", tint.Err(err))
		return PlayResult{}, err
	}

	sess.mu.Lock()
	sess.history.Push(m.now())
	sess.mu.Unlock()

	gain := playbackGain(
		m.resolveMeanVolume(ctx, sound),
		m.volumes.SoundVolume(ctx, channel.GuildID),
	)
	logger.InfoContext(
		ctx,
		"starting playback",
		slog.Group(
			"gain",
			"decibels", gain.Decibels,
			"multiplier", gain.Multiplier,
		),
	)

	stream, err := m.sounds.Open(ctx, sound)
	if err != nil {
		return PlayResult{}, fmt.Errorf("opening audio stream: %w", err)
	}

	done, err := m.startPlayer(ctx, sess, conn, stream, gain)
	if err != nil {
		_ = stream.Close()
		return PlayResult{}, err
	}

	select {
	case <-ctx.Done():
		return PlayResult{}, ctx.Err()
	case result := <-done:
		return result, nil
	}
}

// startPlayer replaces the session's active player with a new one for the
// given stream, cancels any pending deferred disconnect, and begins
// playback. The previous player, if any, is superseded: its watcher is
// detached before it's stopped, so its completion can never fire the
// disconnect heuristic.
func (m *VoiceManager) startPlayer(
	ctx context.Context,
	sess *VoiceSession,
	conn VoiceConnection,
	stream io.ReadCloser,
	gain PlaybackGain,
) (<-chan PlayResult, error) {
	player, err := conn.NewPlayer(ctx, stream, gain)
	if err != nil {
		return nil, fmt.Errorf("creating audio player: %w", err)
	}

	sess.mu.Lock()
	if sess.disconnectTimer != nil {
		sess.disconnectTimer.Stop()
		sess.disconnectTimer = nil
	}
	if sess.watchCancel != nil {
		sess.watchCancel(errPlaybackSuperseded)
		sess.watchCancel = nil
	}
	if sess.player != nil {
		sess.player.Stop()
	}
	sess.player = player

	watchCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	sess.watchCancel = cancel
	sess.mu.Unlock()

	done := make(chan PlayResult, 1)
	go m.watchPlayer(watchCtx, sess, player, done)

	if err = player.Start(); err != nil {
		cancel(nil)
		player.Stop()
		sess.mu.Lock()
		if sess.player == player {
			sess.player = nil
			sess.watchCancel = nil
		}
		sess.mu.Unlock()
		return nil, fmt.Errorf("starting audio player: %w", err)
	}
	return done, nil
}

// watchPlayer observes a single player's lifecycle and completes the
// caller's pending result exactly once. A play completes on PlayerIdle or
// PlayerPaused; only PlayerIdle deregisters the player and consults the
// burst heuristic. Context cancellation means the play was cut short:
// the cancel cause distinguishes supersession from stop/teardown.
func (m *VoiceManager) watchPlayer(
	ctx context.Context,
	sess *VoiceSession,
	player AudioPlayer,
	done chan<- PlayResult,
) {
	completed := false
	complete := func(result PlayResult) {
		if !completed {
			completed = true
			done <- result
		}
	}
	for {
		select {
		case <-ctx.Done():
			complete(PlayResult{
				Played:     true,
				Superseded: errors.Is(context.Cause(ctx), errPlaybackSuperseded),
			})
			return
		case state, ok := <-player.States():
			if !ok {
				state = PlayerIdle
			}
			switch state {
			case PlayerPaused:
				complete(PlayResult{Played: true})
			case PlayerIdle:
				complete(PlayResult{Played: true})
				m.playerFinished(sess, player)
				return
			}
		}
	}
}

// playerFinished deregisters a player that ran to completion and decides
// whether to disconnect immediately or linger.
func (m *VoiceManager) playerFinished(sess *VoiceSession, player AudioPlayer) {
	sess.mu.Lock()
	if sess.player != player {
		// Superseded between the state emission and now.
		sess.mu.Unlock()
		return
	}
	sess.player = nil
	sess.watchCancel = nil
	linger := m.shouldLinger(sess.history)
	if linger {
		sess.disconnectTimer = time.AfterFunc(
			burstLingerDelay,
			func() { m.teardown(sess.guildID) },
		)
	}
	sess.mu.Unlock()

	if linger {
		m.logger.Info(
			"lingering before disconnect",
			"guild_id", sess.guildID,
			"delay", burstLingerDelay,
		)
		return
	}
	m.teardown(sess.guildID)
}

// shouldLinger reports whether the guild is in a usage burst: at least
// playHistorySize plays recorded, spanning less than burstWindow. Callers
// must hold sess.mu.
func (m *VoiceManager) shouldLinger(history *History[time.Time]) bool {
	if !history.Full() {
		return false
	}
	oldest, _ := history.First()
	newest, _ := history.Last()
	return newest.Sub(oldest) < burstWindow
}

// ensureConnection returns the session's live connection, joining the
// channel if there is none. A failed join destroys any partial connection
// state and is not retried.
func (m *VoiceManager) ensureConnection(
	ctx context.Context,
	sess *VoiceSession,
	channel *VoiceChannel,
) (VoiceConnection, error) {
	// Holding joinMu across the check and the join keeps a second play
	// from establishing its own connection while the first is mid-join.
	sess.joinMu.Lock()
	defer sess.joinMu.Unlock()

	sess.mu.Lock()
	if conn := sess.conn; conn != nil {
		sess.mu.Unlock()
		return conn, nil
	}
	sess.mu.Unlock()

	conn, err := m.transport.Join(ctx, channel.GuildID, channel.ID)
	if err != nil {
		m.teardown(channel.GuildID)
		return nil, fmt.Errorf("joining voice channel %s: %w", channel.ID, err)
	}

	sess.mu.Lock()
	sess.conn = conn
	if sess.recoveryCancel != nil {
		sess.recoveryCancel()
	}
	recoveryCtx, cancel := context.WithCancel(context.Background())
	sess.recoveryCancel = cancel
	sess.mu.Unlock()

	go m.watchConnection(recoveryCtx, sess, conn)
	return conn, nil
}

// watchConnection reacts to unexpected transport disconnects: the
// connection gets reconnectGracePeriod to start re-signalling or
// re-connecting, and is torn down entirely if neither happens in time.
func (m *VoiceManager) watchConnection(
	ctx context.Context,
	sess *VoiceSession,
	conn VoiceConnection,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-conn.StateChanges():
			if !ok {
				return
			}
			if state != ConnectionDisconnected {
				continue
			}
			m.logger.Warn(
				"voice transport disconnected",
				"guild_id", sess.guildID,
			)
			if m.awaitRecovery(ctx, conn) {
				continue
			}
			m.teardown(sess.guildID)
			return
		}
	}
}

// awaitRecovery waits up to reconnectGracePeriod for the transport to
// signal recovery after a disconnect.
func (m *VoiceManager) awaitRecovery(
	ctx context.Context,
	conn VoiceConnection,
) bool {
	timer := time.NewTimer(reconnectGracePeriod)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			// Watcher replaced or session torn down; nothing left to do.
			return true
		case <-timer.C:
			return false
		case state, ok := <-conn.StateChanges():
			if !ok {
				return false
			}
			if state == ConnectionResignalling || state == ConnectionReconnecting {
				m.logger.Info("voice transport recovering", "state", state.String())
				return true
			}
		}
	}
}

// resolveMeanVolume returns the sound's memoized mean volume, analyzing
// and persisting it when absent. Analysis failures are non-fatal: the
// caller falls back to fixed attenuation.
func (m *VoiceManager) resolveMeanVolume(
	ctx context.Context,
	sound *Sound,
) *float64 {
	if sound.MeanVolume != nil {
		return sound.MeanVolume
	}
	_, logger := contextOrDefaultLogger(ctx, m.logger)

	stream, err := m.sounds.Open(ctx, sound)
	if err != nil {
		logger.WarnContext(ctx, "unable to open stream for analysis", tint.Err(err))
		return nil
	}
	defer func() {
		_ = stream.Close()
	}()

	meanVolume, err := m.analyzer.MeanVolume(ctx, stream)
	if err != nil {
		logger.WarnContext(ctx, "loudness analysis failed", tint.Err(err))
		return nil
	}
	sound.MeanVolume = &meanVolume

	// Memoize back to storage, best-effort.
	go func() {
		persistCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx),
			dbOperationTimeout,
		)
		defer cancel()
		if err := m.sounds.SetMeanVolume(persistCtx, sound, meanVolume); err != nil {
			logger.Warn("unable to persist mean volume", tint.Err(err))
		}
	}()

	return &meanVolume
}

// teardown destroys the guild's connection and player state. The play
// history and the session record itself survive, so usage bursts are
// remembered across reconnects.
func (m *VoiceManager) teardown(guildID string) {
	m.mu.Lock()
	sess, ok := m.sessions[guildID]
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.disconnectTimer != nil {
		sess.disconnectTimer.Stop()
		sess.disconnectTimer = nil
	}
	if sess.watchCancel != nil {
		sess.watchCancel(nil)
		sess.watchCancel = nil
	}
	if sess.player != nil {
		sess.player.Stop()
		sess.player = nil
	}
	conn := sess.conn
	sess.conn = nil
	if sess.recoveryCancel != nil {
		sess.recoveryCancel()
		sess.recoveryCancel = nil
	}
	sess.mu.Unlock()

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			m.logger.Error(
				"error disconnecting voice connection",
				tint.Err(err),
				"guild_id", guildID,
			)
		} else {
			m.logger.Info("disconnected voice connection", "guild_id", guildID)
		}
	}
}
