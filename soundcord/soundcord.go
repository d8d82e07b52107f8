package soundcord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Soundcord is the top-level bot: database, sound library, guild
// settings, the Discord gateway, the voice playback manager, and the
// optional web API.
type Soundcord struct {
	config *Config

	db      *gorm.DB
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	voice   *VoiceManager
	sounds  *SoundLibrary
	guilds  *GuildStore
	api     *API

	startedAt time.Time
	runMu     sync.Mutex
}

// New validates the config and assembles the bot. Nothing connects
// until Run.
func New(config *Config) (*Soundcord, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logHandler := newLogHandler(config.LogLevel)
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	bot := &Soundcord{
		config:     config,
		logger:     logger,
		logHandler: logHandler,
	}
	bot.discord = newDiscord(config.Discord)
	bot.discord.logger = slog.New(newLogHandler(config.Discord.LogLevel)).With(
		loggerNameKey, "discord",
	)
	bot.discord.bot = bot
	return bot, nil
}

// Run connects everything and blocks until ctx is cancelled or a fatal
// component error occurs.
func (b *Soundcord) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	b.startedAt = time.Now()

	startupCtx, startupCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startupCancel()

	if err := b.initDB(startupCtx); err != nil {
		return err
	}

	b.sounds = NewSoundLibrary(b.db, b.writeDB, b.config.Sounds, b.logger)
	b.guilds = NewGuildStore(b.db, b.writeDB, b.logger)

	session, err := b.discord.newSession()
	if err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	b.discord.session = session
	discordgo.Logger = discordgoLoggerFunc(ctx, b.logHandler)

	b.voice = NewVoiceManager(
		NewDiscordVoiceTransport(session, b.config.Sounds.FFmpegPath, b.logger),
		NewFFmpegLoudnessAnalyzer(b.config.Sounds.FFmpegPath, b.logger),
		b.sounds,
		b.guilds,
		b.guilds,
		b.logger,
	)

	if b.config.API != nil && b.config.API.Enabled {
		b.api, err = newAPI(b, b.config.API)
		if err != nil {
			return fmt.Errorf("error creating api server: %w", err)
		}
	}

	b.registerGatewayHandlers()

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			b.logger.Error("error closing discord session", tint.Err(closeErr))
		}
	}()

	if _, err = b.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	g, groupCtx := errgroup.WithContext(ctx)
	if b.api != nil {
		g.Go(func() error {
			return b.api.Serve(groupCtx)
		})
	}
	g.Go(func() error {
		<-groupCtx.Done()
		b.shutdownVoice()
		return nil
	})

	b.logger.Info("soundcord running")
	return g.Wait()
}

func (b *Soundcord) initDB(ctx context.Context) error {
	gormLogger := newGORMLogger(
		newLogHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	db, err := CreateDB(
		ctx,
		b.config.DatabaseType,
		b.config.Database,
		WithGormConfig(&gorm.Config{Logger: gormLogger}),
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(
		db,
		b.logger,
		b.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

func (b *Soundcord) registerGatewayHandlers() {
	d := b.discord
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerInteractionCreate()),
		d.session.AddHandler(d.handlerVoiceStateUpdate()),
	)
}

// shutdownVoice disconnects every live voice session.
func (b *Soundcord) shutdownVoice() {
	for _, guildID := range b.voice.ActiveGuilds() {
		b.voice.Stop(guildID)
	}
}

// playJoinSound plays the configured join sound for a member who just
// entered a voice channel. Best-effort: failures are logged, never
// surfaced to the member.
func (b *Soundcord) playJoinSound(
	ctx context.Context,
	vsu *discordgo.VoiceStateUpdate,
) {
	logger := b.logger.With(
		slog.Group(
			"join_sound",
			columnGuildID, vsu.GuildID,
			columnUserID, vsu.UserID,
		),
	)

	guild, err := b.guilds.Get(ctx, vsu.GuildID)
	if err != nil {
		logger.Error("error loading guild settings", tint.Err(err))
		return
	}
	if !guild.JoinSoundsEnabled {
		return
	}

	soundID, ok, err := b.guilds.GetJoinSound(ctx, vsu.GuildID, vsu.UserID)
	if err != nil {
		logger.Error("error loading join sound", tint.Err(err))
		return
	}
	if !ok {
		return
	}
	sound, err := b.sounds.ByID(ctx, vsu.GuildID, soundID)
	if err != nil {
		logger.Warn("join sound no longer exists", tint.Err(err))
		return
	}

	member := &Member{
		UserID:  vsu.UserID,
		GuildID: vsu.GuildID,
		RoleIDs: vsu.Member.Roles,
		Admin:   false,
	}
	channel := b.discord.resolveVoiceChannel(vsu.ChannelID)

	result, err := b.voice.PlaySound(ctx, sound, member, channel)
	switch {
	case err != nil:
		logger.Error("error playing join sound", tint.Err(err))
	case result.Denied != "":
		logger.Info("join sound denied", "denied", result.Denied)
	}
}
