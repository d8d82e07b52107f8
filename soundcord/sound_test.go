package soundcord

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoundLibraryCreate(t *testing.T) {
	t.Parallel()
	lib := testSoundLibrary(t)
	ctx := context.Background()

	sound, err := lib.Create(
		ctx,
		"guild-1",
		"user-1",
		"Airhorn",
		"an airhorn",
		"airhorn.mp3",
		bytes.NewReader([]byte("fake audio bytes")),
	)
	require.NoError(t, err)
	require.NotNil(t, sound)

	// Commands are normalized to lowercase
	assert.Equal(t, "airhorn", sound.Command)
	assert.Equal(t, "guild-1", sound.GuildID)
	assert.Equal(t, "user-1", sound.CreatorID)
	assert.Nil(t, sound.MeanVolume)
	assert.FileExists(t, sound.FilePath)

	// The stored bytes round-trip through Open
	stream, err := lib.Open(ctx, sound)
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, []byte("fake audio bytes"), data)

	found, err := lib.ByCommand(ctx, "guild-1", "AIRHORN")
	require.NoError(t, err)
	assert.Equal(t, sound.ID, found.ID)

	byID, err := lib.ByID(ctx, "guild-1", sound.ID)
	require.NoError(t, err)
	assert.Equal(t, sound.Command, byID.Command)
}

func TestSoundLibraryCreateDuplicate(t *testing.T) {
	t.Parallel()
	lib := testSoundLibrary(t)
	ctx := context.Background()

	_, err := lib.Create(
		ctx,
		"guild-1",
		"user-1",
		"horn",
		"",
		"horn.mp3",
		bytes.NewReader([]byte("a")),
	)
	require.NoError(t, err)

	_, err = lib.Create(
		ctx,
		"guild-1",
		"user-2",
		"HORN",
		"",
		"other.mp3",
		bytes.NewReader([]byte("b")),
	)
	assert.ErrorIs(t, err, ErrSoundExists)

	// Same command in another guild is fine
	_, err = lib.Create(
		ctx,
		"guild-2",
		"user-1",
		"horn",
		"",
		"horn.mp3",
		bytes.NewReader([]byte("c")),
	)
	assert.NoError(t, err)
}

func TestSoundLibraryCreateValidation(t *testing.T) {
	t.Parallel()
	lib := testSoundLibrary(t)
	ctx := context.Background()

	_, err := lib.Create(
		ctx,
		"guild-1",
		"user-1",
		"",
		"",
		"x.mp3",
		bytes.NewReader(nil),
	)
	assert.ErrorIs(t, err, ErrSoundBadCommand)

	_, err = lib.Create(
		ctx,
		"guild-1",
		"user-1",
		"has spaces",
		"",
		"x.mp3",
		bytes.NewReader(nil),
	)
	assert.ErrorIs(t, err, ErrSoundBadCommand)

	_, err = lib.Create(
		ctx,
		"guild-1",
		"user-1",
		strings.Repeat("a", DefaultSoundCommandMax+1),
		"",
		"x.mp3",
		bytes.NewReader(nil),
	)
	assert.ErrorIs(t, err, ErrSoundBadCommand)

	_, err = lib.Create(
		ctx,
		"guild-1",
		"user-1",
		"horn",
		"",
		"x.exe",
		bytes.NewReader(nil),
	)
	assert.ErrorIs(t, err, ErrSoundBadExtension)
}

func TestSoundLibraryCreateTooLarge(t *testing.T) {
	t.Parallel()
	db, writeDB := testDB(t)
	config := testSoundConfig(t)
	config.MaxFileSize = 8
	lib := NewSoundLibrary(db, writeDB, config, nil)

	_, err := lib.Create(
		context.Background(),
		"guild-1",
		"user-1",
		"big",
		"",
		"big.mp3",
		bytes.NewReader([]byte("way more than eight bytes")),
	)
	assert.ErrorIs(t, err, ErrSoundTooLarge)

	// Nothing is left behind on failure
	_, err = lib.ByCommand(context.Background(), "guild-1", "big")
	assert.ErrorIs(t, err, ErrSoundNotFound)
}

func TestSoundLibraryRemove(t *testing.T) {
	t.Parallel()
	lib := testSoundLibrary(t)
	ctx := context.Background()

	sound, err := lib.Create(
		ctx,
		"guild-1",
		"user-1",
		"bye",
		"",
		"bye.ogg",
		bytes.NewReader([]byte("x")),
	)
	require.NoError(t, err)
	path := sound.FilePath

	require.NoError(t, lib.Remove(ctx, sound))
	assert.NoFileExists(t, path)

	_, err = lib.ByCommand(ctx, "guild-1", "bye")
	assert.ErrorIs(t, err, ErrSoundNotFound)
}

func TestSoundLibraryForGuild(t *testing.T) {
	t.Parallel()
	lib := testSoundLibrary(t)
	ctx := context.Background()

	for _, command := range []string{"zebra", "apple", "mango"} {
		_, err := lib.Create(
			ctx,
			"guild-1",
			"user-1",
			command,
			"",
			command+".mp3",
			bytes.NewReader([]byte("x")),
		)
		require.NoError(t, err)
	}

	sounds, err := lib.ForGuild(ctx, "guild-1")
	require.NoError(t, err)
	require.Len(t, sounds, 3)
	assert.Equal(t, "apple", sounds[0].Command)
	assert.Equal(t, "mango", sounds[1].Command)
	assert.Equal(t, "zebra", sounds[2].Command)

	empty, err := lib.ForGuild(ctx, "guild-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSoundLibrarySetMeanVolume(t *testing.T) {
	t.Parallel()
	lib := testSoundLibrary(t)
	ctx := context.Background()

	sound, err := lib.Create(
		ctx,
		"guild-1",
		"user-1",
		"quiet",
		"",
		"quiet.wav",
		bytes.NewReader([]byte("x")),
	)
	require.NoError(t, err)

	require.NoError(t, lib.SetMeanVolume(ctx, sound, -21.5))

	reloaded, err := lib.ByID(ctx, "guild-1", sound.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.MeanVolume)
	assert.Equal(t, -21.5, *reloaded.MeanVolume)
}
