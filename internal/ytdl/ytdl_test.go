package ytdl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecWithProgressCapturesBothStreams(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-downloader")
	content := "#!/bin/sh\n" +
		"echo 'stdout destination line'\n" +
		"echo '[download]  42.0% of 10.00MiB at 1.00MiB/s ETA 00:05' 1>&2\n"
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))

	dl := &YoutubeDl{path: script, timeout: time.Minute}

	var percents []float64
	out, err := dl.execWithProgress(context.Background(), func(_ string, percent float64, _, _ int64, _ string) {
		percents = append(percents, percent)
	})
	require.NoError(t, err)

	assert.Contains(t, out, "stdout destination line")
	assert.Contains(t, out, "42.0%")
	require.NotEmpty(t, percents)
	assert.InDelta(t, 42.0, percents[0], 0.01)
}

func TestExecWithProgressReturnsOutputOnFailure(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-downloader")
	content := "#!/bin/sh\necho 'HTTP Error 429: Too Many Requests' 1>&2\nexit 1\n"
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))

	dl := &YoutubeDl{path: script, timeout: time.Minute}

	out, err := dl.execWithProgress(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, out, "HTTP Error 429")
}
