package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/soundcord/soundcord/soundcord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")
	dataDir := filepath.Join(tempDir, "sounds")

	os.Setenv("SC_DATABASE_TYPE", "sqlite")
	os.Setenv("SC_DATABASE", dbPath)
	os.Setenv("SC_SOUNDS_DATA_DIR", dataDir)
	t.Cleanup(
		func() {
			os.Unsetenv("SC_DATABASE_TYPE")
			os.Unsetenv("SC_DATABASE")
			os.Unsetenv("SC_SOUNDS_DATA_DIR")
		},
	)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "Initialization complete")
	assert.DirExists(t, dataDir)

	// The database should exist and be migrated
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)

	for _, model := range []any{
		&soundcord.Sound{},
		&soundcord.Guild{},
		&soundcord.PermissionGroup{},
		&soundcord.JoinSound{},
	} {
		assert.Truef(
			t,
			db.Migrator().HasTable(model),
			"expected table for %T",
			model,
		)
	}
}
