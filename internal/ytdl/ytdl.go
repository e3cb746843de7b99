package ytdl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tubecast/internal/feed"
	"tubecast/internal/model"
)

const (
	// DefaultDownloadTimeout bounds a single youtube-dl invocation.
	DefaultDownloadTimeout = 10 * time.Minute
	// UpdatePeriod is how often the self-update loop runs.
	UpdatePeriod = 24 * time.Hour
)

// ErrTooManyRequests is returned when the provider blocks the host with
// HTTP 429. The pipeline halts the feed on it instead of burning through
// the remaining queue.
var ErrTooManyRequests = errors.New(http.StatusText(http.StatusTooManyRequests))

// ProgressFunc receives download progress updates. Stage is one of the
// progress package stage names, percent is 0-100, total may be zero when the
// size is unknown, and speed is a human string like "1.2MiB/s".
type ProgressFunc func(stage string, percent float64, downloaded, total int64, speed string)

// Config is the [downloader] configuration section.
type Config struct {
	// SelfUpdate toggles a 24h self-update loop plus one blocking update at
	// startup.
	SelfUpdate bool `toml:"self_update"`
	// UpdateChannel selects the release channel: stable, nightly or master.
	UpdateChannel string `toml:"update_channel"`
	// UpdateVersion pins a specific version ("stable@2023.07.06" or a bare
	// tag). Empty means latest.
	UpdateVersion string `toml:"update_version"`
	// Timeout in minutes for a single download to finish.
	Timeout int `toml:"timeout"`
	// CustomBinary points at an alternative youtube-dl fork. Self updates
	// are disabled for custom binaries.
	CustomBinary string `toml:"custom_binary"`
}

// PlaylistMetadata is the channel-level subset of youtube-dl's -J output.
type PlaylistMetadata struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Thumbnails  []PlaylistThumbnail `json:"thumbnails"`
	Channel     string              `json:"channel"`
	ChannelID   string              `json:"channel_id"`
	ChannelURL  string              `json:"channel_url"`
	WebpageURL  string              `json:"webpage_url"`
}

type PlaylistThumbnail struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Resolution string `json:"resolution"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// YoutubeDl shells out to a youtube-dl compatible binary. The update lock
// serializes downloads against self updates so the binary is never replaced
// mid-invocation.
type YoutubeDl struct {
	path          string
	timeout       time.Duration
	updateChannel string
	updateVersion string
	updateLock    sync.Mutex
}

// New locates the binary, verifies it responds to --version, checks for
// ffmpeg or avconv, and optionally kicks off the self-update loop.
func New(ctx context.Context, cfg Config) (*YoutubeDl, error) {
	var (
		path string
		err  error
	)

	if cfg.CustomBinary != "" {
		path = cfg.CustomBinary

		// Don't update custom binaries.
		slog.Warn("using custom youtube-dl binary, turning self updates off", "path", path)
		cfg.SelfUpdate = false
	} else {
		path, err = exec.LookPath("youtube-dl")
		if err != nil {
			return nil, fmt.Errorf("youtube-dl binary not found: %w", err)
		}

		slog.Debug("found youtube-dl binary", "path", path)
	}

	if cfg.UpdateChannel == "" {
		cfg.UpdateChannel = "stable"
	}

	timeout := DefaultDownloadTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Minute
	}

	dl := &YoutubeDl{
		path:          path,
		timeout:       timeout,
		updateChannel: cfg.UpdateChannel,
		updateVersion: cfg.UpdateVersion,
	}

	version, err := dl.exec(ctx, "--version")
	if err != nil {
		return nil, fmt.Errorf("could not run youtube-dl: %w", err)
	}

	slog.Info("using youtube-dl", "version", strings.TrimSpace(version), "timeout", timeout)

	if err := dl.ensureDependencies(ctx); err != nil {
		return nil, err
	}

	if cfg.SelfUpdate {
		// Blocking update at launch so the first feed run uses a current
		// extractor.
		if err := dl.Update(ctx); err != nil {
			slog.Error("failed to update youtube-dl", "error", err)
		}

		go func() {
			for {
				time.Sleep(UpdatePeriod)

				if err := dl.Update(context.Background()); err != nil {
					slog.Error("youtube-dl self update failed", "error", err)
				}
			}
		}()
	}

	return dl, nil
}

// ensureDependencies checks for ffmpeg or avconv, required for audio
// extraction and format remuxing.
func (dl *YoutubeDl) ensureDependencies(ctx context.Context) error {
	found := false

	for _, binary := range []string{"ffmpeg", "avconv"} {
		path, err := exec.LookPath(binary)
		if err != nil {
			continue
		}

		output, err := exec.CommandContext(ctx, path, "-version").CombinedOutput()
		if err != nil {
			return fmt.Errorf("could not get %s version: %w", binary, err)
		}

		found = true
		slog.Info("found post-processor", "binary", binary, "version", firstLine(string(output)))
	}

	if !found {
		return errors.New("either ffmpeg or avconv is required")
	}

	return nil
}

// Version returns the binary's reported version.
func (dl *YoutubeDl) Version(ctx context.Context) (string, error) {
	out, err := dl.exec(ctx, "--version")
	return strings.TrimSpace(out), err
}

// Update self-updates the binary, honoring the configured channel or pinned
// version. Holds the update lock so no download runs concurrently.
func (dl *YoutubeDl) Update(ctx context.Context) error {
	dl.updateLock.Lock()
	defer dl.updateLock.Unlock()

	var args []string
	switch {
	case dl.updateVersion != "":
		slog.Info("updating youtube-dl to pinned version", "version", dl.updateVersion)
		args = []string{"--update-to", dl.updateVersion, "--verbose"}
	case dl.updateChannel != "" && dl.updateChannel != "stable":
		slog.Info("updating youtube-dl", "channel", dl.updateChannel)
		args = []string{"--update-to", dl.updateChannel, "--verbose"}
	default:
		slog.Info("updating youtube-dl to latest stable version")
		args = []string{"--update", "--verbose"}
	}

	output, err := dl.exec(ctx, args...)
	if err != nil {
		slog.Error("self update failed", "output", output)
		return fmt.Errorf("failed to self update youtube-dl: %w", err)
	}

	return nil
}

// PlaylistMetadata fetches channel-level metadata without enumerating any
// playlist entries. Extra args are appended verbatim, e.g. auth headers.
func (dl *YoutubeDl) PlaylistMetadata(ctx context.Context, url string, extraArgs ...string) (PlaylistMetadata, error) {
	args := []string{
		"--playlist-items", "0",
		"-J",
		"-q",
		"--no-warnings",
	}
	args = append(args, extraArgs...)
	args = append(args, url)

	dl.updateLock.Lock()
	defer dl.updateLock.Unlock()

	output, err := dl.exec(ctx, args...)
	if err != nil {
		if strings.Contains(output, "HTTP Error 429") {
			return PlaylistMetadata{}, ErrTooManyRequests
		}

		slog.Error("failed to get playlist metadata", "url", url, "output", output)
		return PlaylistMetadata{}, errors.New(output)
	}

	var metadata PlaylistMetadata
	if err := json.Unmarshal([]byte(output), &metadata); err != nil {
		return PlaylistMetadata{}, fmt.Errorf("failed to parse playlist metadata: %w", err)
	}

	return metadata, nil
}

// PlaylistEntry is the per-item subset of youtube-dl's -J playlist dump.
type PlaylistEntry struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Duration    float64 `json:"duration"`
	WebpageURL  string  `json:"webpage_url"`
	URL         string  `json:"url"`
	Thumbnail   string  `json:"thumbnail"`
	Timestamp   int64   `json:"timestamp"`
	UploadDate  string  `json:"upload_date"` // YYYYMMDD fallback when timestamp is absent
}

type playlistDump struct {
	Entries []PlaylistEntry `json:"entries"`
}

// PlaylistEntries enumerates up to limit items of a channel or playlist,
// newest first as reported by the provider.
func (dl *YoutubeDl) PlaylistEntries(ctx context.Context, url string, limit int, extraArgs ...string) ([]PlaylistEntry, error) {
	args := []string{
		"--playlist-items", fmt.Sprintf("1:%d", limit),
		"-J",
		"-q",
		"--no-warnings",
	}
	args = append(args, extraArgs...)
	args = append(args, url)

	dl.updateLock.Lock()
	defer dl.updateLock.Unlock()

	output, err := dl.exec(ctx, args...)
	if err != nil {
		if strings.Contains(output, "HTTP Error 429") {
			return nil, ErrTooManyRequests
		}

		slog.Error("failed to enumerate playlist", "url", url, "output", output)
		return nil, errors.New(output)
	}

	var dump playlistDump
	if err := json.Unmarshal([]byte(output), &dump); err != nil {
		return nil, fmt.Errorf("failed to parse playlist entries: %w", err)
	}

	return dump.Entries, nil
}

// Download fetches an episode into a temp directory and returns a reader over
// the resulting file. Closing the reader removes the temp directory. Progress
// may be nil.
func (dl *YoutubeDl) Download(ctx context.Context, feedConfig *feed.Config, episode *model.Episode, progress ProgressFunc) (r io.ReadCloser, err error) {
	tmpDir, err := os.MkdirTemp("", "tubecast-")
	if err != nil {
		return nil, fmt.Errorf("failed to get temp dir for download: %w", err)
	}

	defer func() {
		if err != nil {
			if cleanupErr := os.RemoveAll(tmpDir); cleanupErr != nil {
				slog.Error("could not remove temp dir", "dir", tmpDir, "error", cleanupErr)
			}
		}
	}()

	// Output template; youtube-dl substitutes the real extension.
	template := filepath.Join(tmpDir, fmt.Sprintf("%s.%s", episode.ID, "%(ext)s"))

	args := buildArgs(feedConfig, episode, template)

	dl.updateLock.Lock()
	defer dl.updateLock.Unlock()

	output, err := dl.execWithProgress(ctx, progress, args...)
	if err != nil {
		if strings.Contains(output, "HTTP Error 429") {
			return nil, ErrTooManyRequests
		}

		slog.Error("youtube-dl failed", "episode_id", episode.ID, "output", output)
		return nil, errors.New(output)
	}

	path := filepath.Join(tmpDir, feed.EpisodeName(feedConfig, episode))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open downloaded file: %w", err)
	}

	return &tempFile{File: f, dir: tmpDir}, nil
}

func (dl *YoutubeDl) exec(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dl.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, dl.path, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("failed to execute youtube-dl: %w", err)
	}

	return string(output), nil
}

// execWithProgress runs the binary while feeding stderr lines through the
// progress parser.
func (dl *YoutubeDl) execWithProgress(ctx context.Context, progress ProgressFunc, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dl.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, dl.path, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start youtube-dl: %w", err)
	}

	// Each stream gets its own builder; they are joined only after both the
	// draining goroutine and Wait have finished.
	var stdoutBuilder, stderrBuilder strings.Builder
	stderrDone := make(chan struct{})

	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			stderrBuilder.WriteString(line)
			stderrBuilder.WriteString("\n")

			if progress != nil {
				parseProgressLine(line, progress)
			}
		}
	}()

	stdoutScanner := bufio.NewScanner(stdout)
	for stdoutScanner.Scan() {
		stdoutBuilder.WriteString(stdoutScanner.Text())
		stdoutBuilder.WriteString("\n")
	}

	err = cmd.Wait()
	<-stderrDone

	output := stdoutBuilder.String() + stderrBuilder.String()
	if err != nil {
		return output, fmt.Errorf("failed to execute youtube-dl: %w", err)
	}

	return output, nil
}

// tempFile removes its temp directory on Close so a download leaves nothing
// behind once the artifact has been persisted.
type tempFile struct {
	*os.File
	dir string
}

func (f *tempFile) Close() error {
	err := f.File.Close()

	if removeErr := os.RemoveAll(f.dir); removeErr != nil {
		slog.Error("could not remove temp dir", "dir", f.dir, "error", removeErr)
	}

	return err
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
