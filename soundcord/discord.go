package soundcord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the gateway session: connection lifecycle, slash
// command registration, and the event handlers feeding the rest of the
// bot.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *Soundcord
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes the underlying discordgo session. Gateway state
// tracking stays enabled: voice-state lookups and channel permission
// checks read from it.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			columnUserID, s.State.User.ID,
			"username", s.State.User.Username,
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		var userID string
		var username string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.NotificationChannelID != "" {
			if _, sendErr := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// handlerVoiceStateUpdate plays a member's configured join sound when
// they enter a voice channel. Bots, channel-to-channel moves, and
// leaves are ignored.
func (d *Discord) handlerVoiceStateUpdate() func(
	s *discordgo.Session,
	vsu *discordgo.VoiceStateUpdate,
) {
	return func(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
		if vsu == nil || vsu.ChannelID == "" {
			return
		}
		if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID != "" {
			return
		}
		if vsu.Member == nil || vsu.Member.User == nil || vsu.Member.User.Bot {
			return
		}
		if vsu.UserID == d.session.BotUserID() {
			return
		}
		go d.bot.playJoinSound(context.Background(), vsu)
	}
}

// resolveVoiceChannel builds the playback manager's view of a voice
// channel, including whether the bot itself can join and speak there.
// Returns nil if the channel can't be resolved.
func (d *Discord) resolveVoiceChannel(channelID string) *VoiceChannel {
	if channelID == "" {
		return nil
	}
	ch, err := d.session.Channel(channelID)
	if err != nil || ch == nil {
		d.logger.Warn("unable to resolve channel", tint.Err(err), "channel_id", channelID)
		return nil
	}
	if ch.Type != discordgo.ChannelTypeGuildVoice &&
		ch.Type != discordgo.ChannelTypeGuildStageVoice {
		return nil
	}

	perms, err := d.session.UserChannelPermissions(d.session.BotUserID(), channelID)
	if err != nil {
		d.logger.Warn(
			"unable to resolve channel permissions",
			tint.Err(err),
			"channel_id", channelID,
		)
		return nil
	}
	return &VoiceChannel{
		ID:      ch.ID,
		GuildID: ch.GuildID,
		Name:    ch.Name,
		Stage:   ch.Type == discordgo.ChannelTypeGuildStageVoice,
		Joinable: perms&discordgo.PermissionViewChannel != 0 &&
			perms&discordgo.PermissionVoiceConnect != 0,
		Speakable: perms&discordgo.PermissionVoiceSpeak != 0,
	}
}

// findUserVoiceState returns the channel ID of the voice channel the
// user currently occupies in the guild, if any.
func (d *Discord) findUserVoiceState(guildID, userID string) (string, error) {
	states, err := d.session.GuildVoiceStates(guildID)
	if err != nil {
		return "", fmt.Errorf("error retrieving guild voice states: %w", err)
	}
	for _, vs := range states {
		if vs.UserID == userID {
			return vs.ChannelID, nil
		}
	}
	return "", fmt.Errorf("user not in any voice channel")
}

// memberFromInteraction builds the playback manager's Member from a
// guild interaction. Returns nil for DM interactions.
func memberFromInteraction(i *discordgo.InteractionCreate) *Member {
	if i.Member == nil || i.Member.User == nil || i.GuildID == "" {
		return nil
	}
	return &Member{
		UserID:  i.Member.User.ID,
		GuildID: i.GuildID,
		RoleIDs: i.Member.Roles,
		Admin:   i.Member.Permissions&discordgo.PermissionAdministrator != 0,
	}
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		applicationCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}
	return created, nil
}

// DiscordSessionHandler defines the subset of discordgo.Session methods
// used by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites application commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction's response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateCustomStatus sets the bot user's custom status
	UpdateCustomStatus(status string) error

	// ChannelVoiceJoin joins the given voice channel
	ChannelVoiceJoin(
		guildID string,
		channelID string,
		mute bool,
		deaf bool,
	) (*discordgo.VoiceConnection, error)

	// Channel resolves a channel, preferring gateway state over REST
	Channel(channelID string) (*discordgo.Channel, error)

	// UserChannelPermissions returns the user's effective permissions in
	// the given channel
	UserChannelPermissions(userID string, channelID string) (int64, error)

	// GuildVoiceStates returns the guild's current voice states
	GuildVoiceStates(guildID string) ([]*discordgo.VoiceState, error)

	// BotUserID returns the bot's own user ID
	BotUserID() string

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session].
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) ChannelVoiceJoin(
	guildID string,
	channelID string,
	mute bool,
	deaf bool,
) (*discordgo.VoiceConnection, error) {
	return d.session.ChannelVoiceJoin(guildID, channelID, mute, deaf)
}

func (d DiscordSession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := d.session.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return d.session.Channel(channelID)
}

func (d DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
) (int64, error) {
	return d.session.UserChannelPermissions(userID, channelID)
}

func (d DiscordSession) GuildVoiceStates(
	guildID string,
) ([]*discordgo.VoiceState, error) {
	guild, err := d.session.State.Guild(guildID)
	if err != nil {
		return nil, err
	}
	return guild.VoiceStates, nil
}

func (d DiscordSession) BotUserID() string {
	if d.session.State != nil && d.session.State.User != nil {
		return d.session.State.User.ID
	}
	return ""
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// errorMessage is the generic user-facing failure message.
func (d *Discord) errorMessage() string {
	if d.config.ErrorMessage != "" {
		return d.config.ErrorMessage
	}
	return DefaultDiscordErrorMessage
}

// getDiscordUser returns the [discordgo.User] associated with the
// interaction. Users don't always appear in the same place in the
// interaction object, so this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
