package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/soundcord/soundcord/soundcord"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = soundcord.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "soundcord [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", soundcord.DefaultDatabase)
	viper.SetDefault("database_type", soundcord.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		soundcord.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		soundcord.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)

	viper.SetDefault("log_level", soundcord.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", soundcord.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", soundcord.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		soundcord.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		soundcord.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		soundcord.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		soundcord.DefaultDiscordStartupMessage,
	)
	viper.SetDefault(
		"discord.error_message",
		soundcord.DefaultDiscordErrorMessage,
	)
	viper.SetDefault(
		"discord.custom_status",
		soundcord.DefaultDiscordCustomStatus,
	)

	// Sound storage / audio pipeline
	viper.SetDefault("sounds.data_dir", soundcord.DefaultSoundDataDir)
	viper.SetDefault("sounds.max_file_size", soundcord.DefaultSoundMaxFileSize)
	viper.SetDefault("sounds.extensions", soundcord.DefaultSoundExtensions)
	viper.SetDefault("sounds.ffmpeg_path", soundcord.DefaultFFmpegPath)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", soundcord.DefaultAPIListen)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.admin_username", "")
	viper.SetDefault("api.admin_password", "")
	viper.SetDefault("api.log_level", soundcord.DefaultAPILogLevel.String())
	viper.SetDefault(
		"api.session_max_age",
		soundcord.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", soundcord.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		soundcord.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", soundcord.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", soundcord.DefaultIdleTimeout)
	viper.SetDefault("api.cors_allow_origins", []string{})

	envPrefix := os.Getenv(soundcord.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = soundcord.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"sounds.extensions",
		viper.GetStringSlice("sounds.extensions"),
	)
	viper.Set(
		"api.cors_allow_origins",
		viper.GetStringSlice("api.cors_allow_origins"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
