package soundcord

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "soundcord.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultLogLevel              = slog.LevelInfo
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultAPIListen        = "127.0.0.1:5000"
	DefaultAPISessionMaxAge = 6 * time.Hour

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsGuildVoiceStates
	DefaultDiscordCustomStatus   = "/play a sound!"
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"

	// DefaultEnvPrefix prefixes environment variable config keys
	// (e.g. SC_DISCORD_TOKEN). EnvvarSetEnvPrefix overrides the prefix
	// itself.
	DefaultEnvPrefix   = "SC"
	EnvvarSetEnvPrefix = "SC_ENV_PREFIX"

	DefaultSoundDataDir      = "sounds"
	DefaultSoundMaxFileSize  = 8 << 20 // discord attachment ceiling for bots
	DefaultSoundCommandMax   = 32
	DefaultFFmpegPath        = "ffmpeg"
	DefaultGuildSoundVolume  = 1.0
	MaxGuildSoundVolume      = 5.0
	discordMaxMessageLength  = 2000
	DefaultAPICORSMaxAge     = 12 * time.Hour
	DefaultAPICORSCredential = true
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultSoundExtensions = []string{".mp3", ".ogg", ".wav", ".flac", ".m4a"}
)

// Config is the top-level bot configuration, loaded via viper in cmd/
// and validated with binding tags before startup.
type Config struct {
	// Database connection string (filename for sqlite, DSN for postgres)
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds bot initialization. If it elapses, startup
	// is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time allowed for a graceful shutdown before
	// connections are force-closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Sounds configures sound storage and the audio pipeline
	Sounds *SoundConfig `yaml:"sounds" mapstructure:"sounds" json:"sounds"`

	// API configures the companion web API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Development enables permissive CORS and pprof endpoints
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// DiscordConfig holds Discord gateway and presentation settings.
type DiscordConfig struct {
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID restricts slash command registration to one guild
	// (global registration when empty)
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// DiscordGoLogLevel sets the log level of the discordgo library itself
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// NotificationChannelID, when set, receives StartupMessage on connect
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// ErrorMessage is shown to users when a command fails unexpectedly
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	httpClient *http.Client
}

// SoundConfig holds sound file storage and audio tooling settings.
type SoundConfig struct {
	// DataDir is the directory sound files are stored under
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir" binding:"required"`

	// MaxFileSize limits uploaded sound files, in bytes
	MaxFileSize int64 `yaml:"max_file_size" mapstructure:"max_file_size" json:"max_file_size" binding:"min=1"`

	// Extensions is the allow-list of sound file extensions
	Extensions []string `yaml:"extensions" mapstructure:"extensions" json:"extensions"`

	// FFmpegPath is the ffmpeg binary used for decoding and loudness analysis
	FFmpegPath string `yaml:"ffmpeg_path" mapstructure:"ffmpeg_path" json:"ffmpeg_path" binding:"required"`
}

// APIConfig configures the companion web API server.
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// Secret seeds the session cookie keys. If empty, a random secret is
	// generated and sessions won't survive restarts.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// AdminUsername / AdminPassword are the web API login credentials.
	// The password is hashed at startup and never logged.
	AdminUsername string `yaml:"admin_username" mapstructure:"admin_username" json:"admin_username" binding:"required_if=Enabled true"`
	AdminPassword string `yaml:"admin_password" mapstructure:"admin_password" json:"admin_password" log:"[redacted]" binding:"required_if=Enabled true"`

	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// CORSAllowOrigins lists allowed CORS origins ('*' in development
	// when empty)
	CORSAllowOrigins []string `yaml:"cors_allow_origins" mapstructure:"cors_allow_origins" json:"cors_allow_origins"`
}

// GINCORSConfig converts the API CORS settings to a gin-contrib/cors config.
func (c APIConfig) GINCORSConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.CORSAllowOrigins,
		AllowMethods:     DefaultCORSAllowMethods,
		AllowHeaders:     DefaultCORSAllowHeaders,
		AllowCredentials: DefaultAPICORSCredential,
		MaxAge:           DefaultAPICORSMaxAge,
	}
}

func levelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a fully-populated Config with default values.
// cmd/ overwrites these from viper before validation.
func DefaultConfig() *Config {
	return &Config{
		Database:              DefaultDatabase,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      levelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              levelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          levelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: levelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
			ErrorMessage:      DefaultDiscordErrorMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Sounds: &SoundConfig{
			DataDir:     DefaultSoundDataDir,
			MaxFileSize: DefaultSoundMaxFileSize,
			Extensions:  DefaultSoundExtensions,
			FFmpegPath:  DefaultFFmpegPath,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			LogLevel:          levelVar(DefaultAPILogLevel),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

// Validate checks the config against its binding tags.
func (c *Config) Validate() error {
	return structValidator.Struct(c)
}
