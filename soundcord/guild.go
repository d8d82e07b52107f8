package soundcord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	ErrVolumeOutOfRange = fmt.Errorf(
		"sound volume must be between 0.0 and %.1f",
		MaxGuildSoundVolume,
	)
	ErrGroupNotFound = errors.New("permission group not found")
)

// Guild holds a guild's persisted settings. Records are created lazily
// with defaults the first time a guild is seen.
type Guild struct {
	ModelStringID
	ModelUnixTime

	// SoundVolume is the guild-wide playback volume multiplier,
	// 0.0–5.0.
	SoundVolume float64 `gorm:"default:1" json:"sound_volume"`

	// JoinSoundsEnabled toggles playing members' join sounds.
	JoinSoundsEnabled bool `gorm:"default:true" json:"join_sounds_enabled"`
}

// PermissionGroup maps a set of Discord roles onto sound capabilities.
// A member's effective permissions are the union of all groups matching
// any of their roles; a matching Banned group overrides everything.
type PermissionGroup struct {
	ModelUintID
	ModelUnixTime
	GuildID string `gorm:"index" json:"guild_id"`
	Name    string `json:"name"`

	CanPlaySounds   bool `json:"can_play_sounds"`
	CanUploadSounds bool `json:"can_upload_sounds"`
	CanManageGuild  bool `json:"can_manage_guild"`
	Banned          bool `json:"banned"`

	// RoleIDs holds the mapped Discord role IDs, record-separator joined.
	RoleIDs string `json:"-"`
}

// Roles returns the group's mapped role IDs.
func (g PermissionGroup) Roles() []string {
	if g.RoleIDs == "" {
		return nil
	}
	return strings.Split(g.RoleIDs, recordSeparator)
}

// SetRoles replaces the group's mapped role IDs.
func (g *PermissionGroup) SetRoles(roleIDs []string) {
	g.RoleIDs = strings.Join(roleIDs, recordSeparator)
}

// HasRole reports whether the group maps any of the given role IDs.
func (g PermissionGroup) HasRole(roleIDs []string) bool {
	for _, mapped := range g.Roles() {
		for _, id := range roleIDs {
			if mapped == id {
				return true
			}
		}
	}
	return false
}

// JoinSound references the sound played when a user joins a voice
// channel in a guild.
type JoinSound struct {
	ModelUintID
	ModelUnixTime
	GuildID string `gorm:"index:idx_join_sound_guild_user,unique" json:"guild_id"`
	UserID  string `gorm:"index:idx_join_sound_guild_user,unique" json:"user_id"`
	SoundID uint   `json:"sound_id"`
}

// MemberPermissions is a member's resolved capability set.
type MemberPermissions struct {
	CanPlaySounds   bool `json:"can_play_sounds"`
	CanUploadSounds bool `json:"can_upload_sounds"`
	CanManageGuild  bool `json:"can_manage_guild"`
	Banned          bool `json:"banned"`
}

// GuildStore persists guild settings, permission groups and join
// sounds, and resolves member permissions for the playback manager.
type GuildStore struct {
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger
}

func NewGuildStore(db *gorm.DB, writeDB DBI, logger *slog.Logger) *GuildStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildStore{
		db:      db,
		writeDB: writeDB,
		logger:  logger.With(loggerNameKey, "guild_store"),
	}
}

// Get returns the guild's settings, creating a default record on first
// sight.
func (s *GuildStore) Get(ctx context.Context, guildID string) (*Guild, error) {
	var guild Guild
	err := s.db.WithContext(ctx).First(&guild, "id = ?", guildID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		guild = Guild{
			ModelStringID:     ModelStringID{ID: guildID},
			SoundVolume:       DefaultGuildSoundVolume,
			JoinSoundsEnabled: true,
		}
		if _, err = s.writeDB.Create(&guild); err != nil {
			return nil, fmt.Errorf("error creating guild record: %w", err)
		}
		return &guild, nil
	}
	if err != nil {
		return nil, err
	}
	return &guild, nil
}

// SetSoundVolume updates the guild's volume multiplier, enforcing the
// 0.0–5.0 range.
func (s *GuildStore) SetSoundVolume(
	ctx context.Context,
	guildID string,
	volume float64,
) error {
	if volume < 0 || volume > MaxGuildSoundVolume {
		return ErrVolumeOutOfRange
	}
	guild, err := s.Get(ctx, guildID)
	if err != nil {
		return err
	}
	_, err = s.writeDB.Update(guild, columnGuildVolume, volume)
	return err
}

// SoundVolume implements GuildVolumeProvider. Lookup failures fall back
// to the default multiplier so playback isn't blocked on settings reads.
func (s *GuildStore) SoundVolume(ctx context.Context, guildID string) float64 {
	guild, err := s.Get(ctx, guildID)
	if err != nil {
		s.logger.WarnContext(
			ctx,
			"unable to load guild volume",
			tint.Err(err),
			columnGuildID, guildID,
		)
		return DefaultGuildSoundVolume
	}
	return guild.SoundVolume
}

// Groups lists the guild's permission groups.
func (s *GuildStore) Groups(
	ctx context.Context,
	guildID string,
) ([]PermissionGroup, error) {
	var groups []PermissionGroup
	err := s.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("name asc").
		Find(&groups).Error
	return groups, err
}

// SaveGroup creates or updates a permission group.
func (s *GuildStore) SaveGroup(
	_ context.Context,
	group *PermissionGroup,
) error {
	_, err := s.writeDB.Save(group)
	return err
}

// DeleteGroup removes a guild's permission group by name.
func (s *GuildStore) DeleteGroup(
	ctx context.Context,
	guildID string,
	name string,
) error {
	var group PermissionGroup
	err := s.db.WithContext(ctx).Where(
		"guild_id = ? AND name = ?",
		guildID,
		name,
	).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrGroupNotFound
	}
	if err != nil {
		return err
	}
	_, err = s.writeDB.Delete(&group)
	return err
}

// Resolve computes a member's effective permissions: the union of all
// groups matching their roles. A banned match clears everything else.
// Guild administrators always hold every capability. With no groups
// configured for the guild, everyone may play and administrators hold
// the rest.
func (s *GuildStore) Resolve(
	ctx context.Context,
	member *Member,
) MemberPermissions {
	if member == nil {
		return MemberPermissions{}
	}

	if member.Admin {
		return MemberPermissions{
			CanPlaySounds:   true,
			CanUploadSounds: true,
			CanManageGuild:  true,
		}
	}

	groups, err := s.Groups(ctx, member.GuildID)
	if err != nil {
		s.logger.ErrorContext(
			ctx,
			"unable to load permission groups",
			tint.Err(err),
			columnGuildID, member.GuildID,
		)
		return MemberPermissions{}
	}

	if len(groups) == 0 {
		return MemberPermissions{CanPlaySounds: true}
	}

	var perms MemberPermissions
	matched := false
	for _, group := range groups {
		if !group.HasRole(member.RoleIDs) {
			continue
		}
		matched = true
		if group.Banned {
			return MemberPermissions{Banned: true}
		}
		perms.CanPlaySounds = perms.CanPlaySounds || group.CanPlaySounds
		perms.CanUploadSounds = perms.CanUploadSounds || group.CanUploadSounds
		perms.CanManageGuild = perms.CanManageGuild || group.CanManageGuild
	}
	if !matched {
		// Ungrouped members keep the baseline play capability.
		return MemberPermissions{CanPlaySounds: true}
	}
	return perms
}

// CanPlaySounds implements PermissionResolver for the playback manager.
func (s *GuildStore) CanPlaySounds(ctx context.Context, member *Member) bool {
	perms := s.Resolve(ctx, member)
	return !perms.Banned && perms.CanPlaySounds
}

// GetJoinSound returns the sound ID configured for the given user in the
// guild, if any.
func (s *GuildStore) GetJoinSound(
	ctx context.Context,
	guildID string,
	userID string,
) (uint, bool, error) {
	var js JoinSound
	err := s.db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?",
		guildID,
		userID,
	).First(&js).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return js.SoundID, true, nil
}

// SetJoinSound sets or replaces the user's join sound in the guild.
func (s *GuildStore) SetJoinSound(
	ctx context.Context,
	guildID string,
	userID string,
	soundID uint,
) error {
	var js JoinSound
	err := s.db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?",
		guildID,
		userID,
	).First(&js).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		js = JoinSound{GuildID: guildID, UserID: userID, SoundID: soundID}
		_, err = s.writeDB.Create(&js)
	case err == nil:
		js.SoundID = soundID
		_, err = s.writeDB.Save(&js)
	}
	return err
}

// ClearJoinSound removes the user's join sound in the guild.
func (s *GuildStore) ClearJoinSound(
	ctx context.Context,
	guildID string,
	userID string,
) error {
	_, err := s.writeDB.Delete(
		&JoinSound{},
		"guild_id = ? AND user_id = ?",
		guildID,
		userID,
	)
	return err
}
