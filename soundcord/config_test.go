package soundcord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app-id"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validTestConfig().Validate())
}

func TestConfigValidateRequiresDiscordToken(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.Discord.Token = ""
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateDatabaseType(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.DatabaseType = "mysql"
	assert.Error(t, cfg.Validate())

	cfg.DatabaseType = dbTypePostgres
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidateAPICredentials(t *testing.T) {
	t.Parallel()

	// Credentials aren't required while the API is disabled
	cfg := validTestConfig()
	cfg.API.Enabled = false
	require.NoError(t, cfg.Validate())

	cfg.API.Enabled = true
	assert.Error(t, cfg.Validate())

	cfg.API.AdminUsername = "admin"
	cfg.API.AdminPassword = "hunter2"
	assert.NoError(t, cfg.Validate())
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, DefaultSoundDataDir, cfg.Sounds.DataDir)
	assert.Equal(t, int64(DefaultSoundMaxFileSize), cfg.Sounds.MaxFileSize)
	assert.Equal(t, DefaultFFmpegPath, cfg.Sounds.FFmpegPath)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.False(t, cfg.API.Enabled)
	assert.NotZero(t, cfg.Discord.GatewayIntents)
}
