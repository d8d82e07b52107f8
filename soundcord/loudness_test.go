package soundcord

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMeanVolume(t *testing.T) {
	t.Parallel()

	output := `
[Parsed_volumedetect_0 @ 0x5617f1f3cb40] n_samples: 480000
[Parsed_volumedetect_0 @ 0x5617f1f3cb40] mean_volume: -18.3 dB
[Parsed_volumedetect_0 @ 0x5617f1f3cb40] max_volume: -2.1 dB
`
	mean, err := parseMeanVolume(output)
	require.NoError(t, err)
	assert.Equal(t, -18.3, mean)
}

func TestParseMeanVolumeInteger(t *testing.T) {
	t.Parallel()

	mean, err := parseMeanVolume("mean_volume: -20 dB")
	require.NoError(t, err)
	assert.Equal(t, -20.0, mean)
}

func TestParseMeanVolumePositive(t *testing.T) {
	t.Parallel()

	mean, err := parseMeanVolume("mean_volume: 1.5 dB")
	require.NoError(t, err)
	assert.Equal(t, 1.5, mean)
}

func TestParseMeanVolumeMissing(t *testing.T) {
	t.Parallel()

	_, err := parseMeanVolume("size=N/A time=00:00:10.00 bitrate=N/A speed= 500x")
	assert.Error(t, err)
}

func TestScaleFrame(t *testing.T) {
	t.Parallel()

	frame := []int16{100, -100, 0, 1000}
	scaleFrame(frame, 0.5)
	assert.Equal(t, []int16{50, -50, 0, 500}, frame)
}

func TestScaleFrameClips(t *testing.T) {
	t.Parallel()

	frame := []int16{math.MaxInt16, math.MinInt16, 1}
	scaleFrame(frame, 4.0)
	assert.Equal(t, []int16{math.MaxInt16, math.MinInt16, 4}, frame)
}

func TestScaleFrameUnityNoOp(t *testing.T) {
	t.Parallel()

	frame := []int16{123, -456}
	scaleFrame(frame, 1.0)
	assert.Equal(t, []int16{123, -456}, frame)
}
