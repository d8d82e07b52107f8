package soundcord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

// discordGoLogLevels maps discordgo's integer log levels onto slog levels.
var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
	discordgo.LogDebug:         slog.LevelDebug,
}

// newLogHandler returns the standard tint handler used across the bot.
func newLogHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		os.Stdout, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// discordgoLoggerFunc adapts a slog.Handler to discordgo's package-level
// logger hook.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// gormStructuredLogger adapts slog to GORM's logger interface.
type gormStructuredLogger struct {
	logger        *slog.Logger
	slowThreshold time.Duration
}

func newGORMLogger(handler slog.Handler, slowThreshold time.Duration) gormlogger.Interface {
	if slowThreshold == 0 {
		slowThreshold = DefaultDatabaseSlowThreshold
	}
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		slowThreshold: slowThreshold,
	}
}

func (g *gormStructuredLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(ctx context.Context, msg string, args ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
}

func (g *gormStructuredLogger) Warn(ctx context.Context, msg string, args ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
}

func (g *gormStructuredLogger) Error(ctx context.Context, msg string, args ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{
		"elapsed", elapsed,
		"rows", rows,
		"sql", sql,
	}
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		g.logger.ErrorContext(ctx, "query error", append(attrs, tint.Err(err))...)
	case elapsed > g.slowThreshold:
		g.logger.WarnContext(ctx, "slow query", attrs...)
	default:
		g.logger.DebugContext(ctx, "query", attrs...)
	}
}
