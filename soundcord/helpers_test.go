package soundcord

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	t.Parallel()

	hashed, err := hashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hashed)

	ok, err := verifyPassword(hashed, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword(hashed, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = verifyPassword("not-a-hash", "hunter2")
	assert.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	logger := slog.Default().With("test", t.Name())
	ctx = WithLogger(ctx, logger)
	found, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, found)

	_, fallback := contextOrDefaultLogger(context.Background(), logger)
	assert.Same(t, logger, fallback)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "", truncate("", 5))
}

func TestCapitalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Sound not found", capitalize("sound not found"))
	assert.Equal(t, "Already upper", capitalize("Already upper"))
	assert.Equal(t, "", capitalize(""))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()

	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	other, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}
