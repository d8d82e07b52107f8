package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/soundcord/soundcord/soundcord"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := soundcord.Version
	originalCommitSHA := soundcord.CommitSHA
	originalBuildTime := soundcord.BuildTime

	t.Cleanup(
		func() {
			soundcord.Version = originalVersion
			soundcord.CommitSHA = originalCommitSHA
			soundcord.BuildTime = originalBuildTime
		},
	)

	soundcord.Version = "1.0.0"
	soundcord.CommitSHA = "abc123"
	soundcord.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		soundcord.Version,
		soundcord.CommitSHA,
		soundcord.BuildTime,
	)
	assert.Equal(t, expected, output)
}
