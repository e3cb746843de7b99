package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"tubecast/internal/model"
)

// Duration is a time.Duration that unmarshals from TOML strings like "12h".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config describes a single feed subscription.
type Config struct {
	// ID is the feed identifier, also used as the XML file name.
	ID string `toml:"-"`
	// URL is the channel or playlist address to subscribe to.
	URL string `toml:"url"`
	// PageSize caps how many episodes are pulled per update.
	PageSize int `toml:"page_size"`
	// UpdatePeriod drives "@every" scheduling; implies a boot-time kick.
	UpdatePeriod Duration `toml:"update_period"`
	// CronSchedule, when set, takes precedence over UpdatePeriod and defers
	// the first run to the next cron tick.
	CronSchedule string        `toml:"cron_schedule"`
	Quality      model.Quality `toml:"quality"`
	Format       model.Format  `toml:"format"`
	CustomFormat CustomFormat  `toml:"custom_format"`
	// MaxHeight clips the video resolution for high quality video feeds.
	MaxHeight    int           `toml:"max_height"`
	Filters      Filters       `toml:"filters"`
	PlaylistSort model.Sorting `toml:"playlist_sort"`
	// Clean is this feed's cleanup policy; nil means the global policy (or
	// none) applies.
	Clean  *Cleanup `toml:"clean"`
	Custom Custom   `toml:"custom"`
	// YouTubeDLArgs are appended verbatim to every download invocation.
	YouTubeDLArgs []string `toml:"youtube_dl_args"`
	// PostEpisodeDownload hooks run after each successful download.
	PostEpisodeDownload []*Hook `toml:"post_episode_download"`
	// OPML includes the feed in the combined OPML document.
	OPML bool `toml:"opml"`
}

// CustomFormat configures format=custom downloads.
type CustomFormat struct {
	YouTubeDLFormat string `toml:"youtube_dl_format"`
	Extension       string `toml:"extension"`
}

// Cleanup keeps the last KeepLast downloaded episodes; 0 keeps everything.
type Cleanup struct {
	KeepLast int `toml:"keep_last"`
}

// Custom overrides feed document metadata.
type Custom struct {
	CoverArt        string        `toml:"cover_art"`
	CoverArtQuality model.Quality `toml:"cover_art_quality"`
	Category        string        `toml:"category"`
	Subcategories   []string      `toml:"subcategories"`
	Explicit        bool          `toml:"explicit"`
	Language        string        `toml:"lang"`
	Author          string        `toml:"author"`
	Title           string        `toml:"title"`
	Description     string        `toml:"description"`
	OwnerName       string        `toml:"ownerName"`
	OwnerEmail      string        `toml:"ownerEmail"`
	Link            string        `toml:"link"`
}

// Hook is a shell command executed after an episode download.
type Hook struct {
	Command string `toml:"command"`
	// Timeout bounds the hook; zero means no limit.
	Timeout Duration `toml:"timeout"`
}

// Invoke runs the hook with the given extra environment variables appended to
// the current environment. A non-zero exit is returned as an error, as is
// exceeding the configured timeout.
func (h *Hook) Invoke(env []string) error {
	if h.Command == "" {
		return errors.New("hook command is empty")
	}

	ctx := context.Background()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(h.Timeout))
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", h.Command)
	cmd.Env = append(os.Environ(), env...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hook %q failed: %w (output: %s)", h.Command, err, output)
	}
	return nil
}

// EpisodeName returns the artifact file name for an episode given the feed's
// configured format.
func EpisodeName(cfg *Config, episode *model.Episode) string {
	ext := "mp4"
	if cfg.Format == model.FormatAudio {
		ext = "mp3"
	}
	if cfg.Format == model.FormatCustom {
		ext = cfg.CustomFormat.Extension
	}

	return fmt.Sprintf("%s.%s", episode.ID, ext)
}

// KeyProvider hands out provider API keys, rotating across the configured
// list so quota exhaustion on one key moves on to the next.
type KeyProvider struct {
	mu   sync.Mutex
	keys []string
	next int
}

func NewKeyProvider(keys []string) (*KeyProvider, error) {
	if len(keys) == 0 {
		return nil, errors.New("no keys supplied")
	}
	return &KeyProvider{keys: keys}, nil
}

func (p *KeyProvider) Get() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := p.keys[p.next]
	p.next = (p.next + 1) % len(p.keys)
	return key
}
