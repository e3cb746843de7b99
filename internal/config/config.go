package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"

	"tubecast/internal/db"
	"tubecast/internal/feed"
	"tubecast/internal/fs"
	"tubecast/internal/history"
	"tubecast/internal/model"
	"tubecast/internal/server"
	"tubecast/internal/ytdl"
)

// Config is the full TOML configuration document.
type Config struct {
	// Server is the web server configuration.
	Server server.Config `toml:"server"`
	// Storage selects and configures the artifact store.
	Storage fs.Config `toml:"storage"`
	// Log is the optional logging configuration.
	Log Log `toml:"log"`
	// Database is the metadata store configuration.
	Database db.Config `toml:"database"`
	// Feeds maps feed ID to its subscription config. The ID becomes the
	// feed document name: http://host/{FEED_ID}.xml.
	Feeds map[string]*feed.Config `toml:"feeds"`
	// Tokens holds provider API credentials, rotated per request.
	Tokens map[model.Provider][]string `toml:"tokens"`
	// Downloader configures the youtube-dl subprocess.
	Downloader ytdl.Config `toml:"downloader"`
	// Cleanup is the global policy for feeds without their own.
	Cleanup *feed.Cleanup `toml:"cleanup"`
	// History configures job run tracking.
	History history.Config `toml:"history"`
}

// Log configures the optional log file.
type Log struct {
	// Filename to write the log to instead of stderr.
	Filename   string `toml:"filename"`
	MaxSize    int    `toml:"max_size"` // MB
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"` // days
	Compress   bool   `toml:"compress"`
	Debug      bool   `toml:"debug"`
}

// Load reads TOML configuration from path. A missing file yields a default
// configuration so the server can come up empty and be populated via the API.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default configuration", "path", path)
			cfg := &Config{
				Feeds: make(map[string]*feed.Config),
			}
			cfg.applyDefaults(path)
			cfg.applyEnv()
			if err := cfg.validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Config{}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal toml: %w", err)
	}

	for id, f := range cfg.Feeds {
		f.ID = id
	}

	cfg.applyDefaults(path)
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	var result *multierror.Error

	if c.Server.Path != "" {
		pathReg := regexp.MustCompile(model.PathRegex)
		if !pathReg.MatchString(c.Server.Path) {
			result = multierror.Append(result, fmt.Errorf("server handle path must match %s or be empty", model.PathRegex))
		}
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.Local.DataDir == "" {
			result = multierror.Append(result, errors.New("data directory is required for local storage"))
		}
	case "s3":
		if c.Storage.S3.EndpointURL == "" || c.Storage.S3.Region == "" || c.Storage.S3.Bucket == "" {
			result = multierror.Append(result, errors.New("s3 storage requires endpoint_url, region and bucket to be set"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown storage type: %s", c.Storage.Type))
	}

	if c.Downloader.Timeout < 0 {
		result = multierror.Append(result, errors.New("downloader timeout must not be negative"))
	}

	for provider, keys := range c.Tokens {
		if len(keys) == 0 {
			result = multierror.Append(result, fmt.Errorf("empty token list for provider %q", provider))
		}
	}

	// Zero feeds is fine: feeds can be added later through the API.
	for id, f := range c.Feeds {
		if f.URL == "" {
			result = multierror.Append(result, fmt.Errorf("URL is required for feed %q", id))
		}
	}

	return result.ErrorOrNil()
}

func (c *Config) applyDefaults(configPath string) {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Server.Hostname == "" {
		if c.Server.Port != 80 {
			c.Server.Hostname = fmt.Sprintf("http://localhost:%d", c.Server.Port)
		} else {
			c.Server.Hostname = "http://localhost"
		}
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "local"
	}
	if c.Storage.Type == "local" && c.Storage.Local.DataDir == "" {
		c.Storage.Local.DataDir = filepath.Join(filepath.Dir(configPath), "data")
	}

	if c.Log.Filename != "" {
		if c.Log.MaxSize == 0 {
			c.Log.MaxSize = model.DefaultLogMaxSize
		}
		if c.Log.MaxAge == 0 {
			c.Log.MaxAge = model.DefaultLogMaxAge
		}
		if c.Log.MaxBackups == 0 {
			c.Log.MaxBackups = model.DefaultLogMaxBackups
		}
	}

	if c.Database.Dir == "" {
		c.Database.Dir = filepath.Join(filepath.Dir(configPath), "db")
	}

	if c.History.RetentionDays == 0 {
		c.History.RetentionDays = 30
	}
	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = 1000
	}
	// History defaults on unless a [history] section says otherwise.
	data, err := os.ReadFile(configPath)
	if err != nil || !strings.Contains(string(data), "[history]") {
		c.History.Enabled = true
	}

	for _, f := range c.Feeds {
		if f.UpdatePeriod == 0 {
			f.UpdatePeriod = feed.Duration(model.DefaultUpdatePeriod)
		}
		if f.Quality == "" {
			f.Quality = model.DefaultQuality
		}
		if f.Custom.CoverArtQuality == "" {
			f.Custom.CoverArtQuality = model.DefaultQuality
		}
		if f.Format == "" {
			f.Format = model.DefaultFormat
		}
		if f.PageSize == 0 {
			f.PageSize = model.DefaultPageSize
		}
		if f.PlaylistSort == "" {
			f.PlaylistSort = model.SortingDesc
		}
		if f.Clean == nil && c.Cleanup != nil {
			f.Clean = c.Cleanup
		}
	}
}

func (c *Config) applyEnv() {
	tokenVars := map[model.Provider]string{
		model.ProviderYoutube:    "TUBECAST_YOUTUBE_API_KEY",
		model.ProviderVimeo:      "TUBECAST_VIMEO_API_KEY",
		model.ProviderSoundcloud: "TUBECAST_SOUNDCLOUD_API_KEY",
		model.ProviderTwitch:     "TUBECAST_TWITCH_API_KEY",
	}

	// Environment tokens replace config tokens. Multiple keys may be
	// separated by spaces for rotation.
	for provider, envVar := range tokenVars {
		val, ok := os.LookupEnv(envVar)
		if !ok {
			continue
		}

		slog.Info("using API token from environment", "var", envVar, "provider", provider)
		if c.Tokens == nil {
			c.Tokens = make(map[model.Provider][]string)
		}
		c.Tokens[provider] = strings.Fields(val)
	}

	if val, ok := os.LookupEnv("TUBECAST_HISTORY_ENABLED"); ok {
		c.History.Enabled = val == "true" || val == "1"
	}
	if val, ok := os.LookupEnv("TUBECAST_HISTORY_RETENTION_DAYS"); ok {
		if days, err := strconv.Atoi(val); err == nil {
			c.History.RetentionDays = days
		}
	}
	if val, ok := os.LookupEnv("TUBECAST_HISTORY_MAX_ENTRIES"); ok {
		if entries, err := strconv.Atoi(val); err == nil {
			c.History.MaxEntries = entries
		}
	}
}
