package soundcord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
)

// meanVolumePattern matches ffmpeg volumedetect output, e.g.
// "[Parsed_volumedetect_0 @ 0x...] mean_volume: -18.3 dB"
var meanVolumePattern = regexp.MustCompile(`mean_volume:\s*(-?\d+(?:\.\d+)?)\s*dB`)

// FFmpegLoudnessAnalyzer computes a stream's integrated mean volume by
// piping it through ffmpeg's volumedetect filter and parsing the
// summary it prints to stderr.
type FFmpegLoudnessAnalyzer struct {
	path   string
	logger *slog.Logger
}

func NewFFmpegLoudnessAnalyzer(
	path string,
	logger *slog.Logger,
) *FFmpegLoudnessAnalyzer {
	if path == "" {
		path = DefaultFFmpegPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegLoudnessAnalyzer{
		path:   path,
		logger: logger.With(loggerNameKey, "loudness_analyzer"),
	}
}

// MeanVolume implements LoudnessAnalyzer.
func (a *FFmpegLoudnessAnalyzer) MeanVolume(
	ctx context.Context,
	src io.Reader,
) (float64, error) {
	cmd := exec.CommandContext(
		ctx,
		a.path,
		"-i", "pipe:0",
		"-af", "volumedetect",
		"-f", "null",
		"-",
	)
	cmd.Stdin = src
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf(
			"ffmpeg volumedetect failed: %w (%s)",
			err,
			truncate(stderr.String(), 512),
		)
	}
	return parseMeanVolume(stderr.String())
}

// parseMeanVolume extracts the mean_volume value, in decibels, from
// ffmpeg volumedetect output.
func parseMeanVolume(output string) (float64, error) {
	match := meanVolumePattern.FindStringSubmatch(output)
	if match == nil {
		return 0, fmt.Errorf("no mean_volume in ffmpeg output")
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing mean_volume %q: %w", match[1], err)
	}
	return value, nil
}
