package soundcord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	ErrSoundNotFound     = errors.New("sound not found")
	ErrSoundExists       = errors.New("a sound with that command already exists")
	ErrSoundTooLarge     = errors.New("sound file too large")
	ErrSoundBadExtension = errors.New("unsupported sound file extension")
	ErrSoundBadCommand   = errors.New("invalid sound command")
)

// Sound is a single playable audio clip belonging to a guild. MeanVolume
// is the memoized integrated loudness in decibels, computed on first
// playback and reused afterward (nil until then).
type Sound struct {
	ModelUintID
	ModelUnixTime
	GuildID     string   `gorm:"index:idx_sound_guild_command,unique" json:"guild_id"`
	Command     string   `gorm:"index:idx_sound_guild_command,unique" json:"command"`
	Description string   `json:"description"`
	CreatorID   string   `json:"creator_id"`
	FilePath    string   `json:"-"`
	MeanVolume  *float64 `json:"mean_volume,omitempty"`
}

func (s Sound) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(s.ID)),
		slog.String(columnGuildID, s.GuildID),
		slog.String(columnSoundCommand, s.Command),
		slog.String("creator_id", s.CreatorID),
	)
}

// SoundLibrary persists sound records and their audio files. It backs
// both the chat/API CRUD surface and the playback manager's SoundStore.
type SoundLibrary struct {
	db      *gorm.DB
	writeDB DBI
	config  *SoundConfig
	logger  *slog.Logger
}

func NewSoundLibrary(
	db *gorm.DB,
	writeDB DBI,
	config *SoundConfig,
	logger *slog.Logger,
) *SoundLibrary {
	if logger == nil {
		logger = slog.Default()
	}
	return &SoundLibrary{
		db:      db,
		writeDB: writeDB,
		config:  config,
		logger:  logger.With(loggerNameKey, "sound_library"),
	}
}

// ByCommand resolves a guild's sound by its command name.
func (l *SoundLibrary) ByCommand(
	ctx context.Context,
	guildID string,
	command string,
) (*Sound, error) {
	var sound Sound
	err := l.db.WithContext(ctx).Where(
		"guild_id = ? AND command = ?",
		guildID,
		strings.ToLower(command),
	).First(&sound).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSoundNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sound, nil
}

// ByID resolves a guild's sound by primary key.
func (l *SoundLibrary) ByID(
	ctx context.Context,
	guildID string,
	id uint,
) (*Sound, error) {
	var sound Sound
	err := l.db.WithContext(ctx).Where(
		"guild_id = ? AND id = ?",
		guildID,
		id,
	).First(&sound).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSoundNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sound, nil
}

// ForGuild lists a guild's sounds, ordered by command.
func (l *SoundLibrary) ForGuild(
	ctx context.Context,
	guildID string,
) ([]Sound, error) {
	var sounds []Sound
	err := l.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("command asc").
		Find(&sounds).Error
	return sounds, err
}

// Create stores a new sound record and its audio bytes. The command is
// lowercased and must be unique within the guild; the file extension
// must be allow-listed and the stream must not exceed the configured
// size limit.
func (l *SoundLibrary) Create(
	ctx context.Context,
	guildID string,
	creatorID string,
	command string,
	description string,
	filename string,
	data io.Reader,
) (*Sound, error) {
	command = strings.ToLower(strings.TrimSpace(command))
	if command == "" || len(command) > DefaultSoundCommandMax ||
		strings.ContainsAny(command, " \t\n") {
		return nil, ErrSoundBadCommand
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !slices.Contains(l.config.Extensions, ext) {
		return nil, fmt.Errorf("%w: %s", ErrSoundBadExtension, ext)
	}

	if _, err := l.ByCommand(ctx, guildID, command); err == nil {
		return nil, ErrSoundExists
	} else if !errors.Is(err, ErrSoundNotFound) {
		return nil, err
	}

	guildDir := filepath.Join(l.config.DataDir, guildID)
	if err := os.MkdirAll(guildDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating sound directory: %w", err)
	}
	path := filepath.Join(guildDir, command+ext)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("error creating sound file: %w", err)
	}

	written, err := io.Copy(f, io.LimitReader(data, l.config.MaxFileSize+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && written > l.config.MaxFileSize {
		err = ErrSoundTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	sound := &Sound{
		GuildID:     guildID,
		Command:     command,
		Description: description,
		CreatorID:   creatorID,
		FilePath:    path,
	}
	if _, err = l.writeDB.Create(sound); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("error saving sound: %w", err)
	}
	l.logger.InfoContext(ctx, "created sound", "sound", sound)
	return sound, nil
}

// Remove deletes the sound record and its audio file.
func (l *SoundLibrary) Remove(ctx context.Context, sound *Sound) error {
	if _, err := l.writeDB.Delete(sound); err != nil {
		return fmt.Errorf("error deleting sound: %w", err)
	}
	if sound.FilePath != "" {
		if err := os.Remove(sound.FilePath); err != nil && !os.IsNotExist(err) {
			l.logger.WarnContext(
				ctx,
				"unable to remove sound file",
				tint.Err(err),
				"path", sound.FilePath,
			)
		}
	}
	l.logger.InfoContext(ctx, "removed sound", "sound", sound)
	return nil
}

// Open returns the sound's audio byte stream. Callers (or the player
// they hand the stream to) own the returned ReadCloser.
func (l *SoundLibrary) Open(
	_ context.Context,
	sound *Sound,
) (io.ReadCloser, error) {
	f, err := os.Open(sound.FilePath)
	if err != nil {
		return nil, fmt.Errorf("error opening sound file: %w", err)
	}
	return f, nil
}

// SetMeanVolume memoizes a sound's analyzed mean volume.
func (l *SoundLibrary) SetMeanVolume(
	_ context.Context,
	sound *Sound,
	meanVolume float64,
) error {
	_, err := l.writeDB.Update(sound, columnSoundMeanVolume, meanVolume)
	return err
}
