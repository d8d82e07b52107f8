package soundcord

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testDB opens a throwaway sqlite database for the test.
func testDB(t *testing.T) (*gorm.DB, DBI) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "soundcord_test.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbPath)
	require.NoError(t, err)
	return db, NewDatabase(db, nil, false)
}

// testSoundConfig returns a SoundConfig rooted in a temp directory.
func testSoundConfig(t *testing.T) *SoundConfig {
	t.Helper()
	return &SoundConfig{
		DataDir:     t.TempDir(),
		MaxFileSize: DefaultSoundMaxFileSize,
		Extensions:  DefaultSoundExtensions,
		FFmpegPath:  DefaultFFmpegPath,
	}
}

// testSoundLibrary builds a SoundLibrary over a throwaway database.
func testSoundLibrary(t *testing.T) *SoundLibrary {
	t.Helper()
	db, writeDB := testDB(t)
	return NewSoundLibrary(db, writeDB, testSoundConfig(t), nil)
}

// testGuildStore builds a GuildStore over a throwaway database.
func testGuildStore(t *testing.T) *GuildStore {
	t.Helper()
	db, writeDB := testDB(t)
	return NewGuildStore(db, writeDB, nil)
}
