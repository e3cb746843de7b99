package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"tubecast/internal/api"
	"tubecast/internal/config"
	"tubecast/internal/db"
	"tubecast/internal/feed"
	"tubecast/internal/fs"
	"tubecast/internal/history"
	"tubecast/internal/model"
	"tubecast/internal/scheduler"
	"tubecast/internal/server"
	"tubecast/internal/update"
	"tubecast/internal/ytdl"
)

// historyCleanupInterval is how often the retention policy is applied.
const historyCleanupInterval = 24 * time.Hour

func main() {
	var (
		configPath string
		headless   bool
		debug      bool
	)
	flag.StringVar(&configPath, "config", "config.toml", "path to the configuration file")
	flag.BoolVar(&headless, "headless", false, "run one update round for every feed and exit")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	if env := os.Getenv("TUBECAST_CONFIG_PATH"); env != "" {
		configPath = env
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	logCleanup, err := setupLogging(cfg.Log, debug)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logCleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, configPath, headless); err != nil {
		slog.Error("tubecast failed", "error", err)
		os.Exit(1)
	}

	slog.Info("gracefully stopped")
}

func run(ctx context.Context, cfg *config.Config, configPath string, headless bool) error {
	downloader, err := ytdl.New(ctx, cfg.Downloader)
	if err != nil {
		return fmt.Errorf("failed to initialize downloader: %w", err)
	}

	database, err := db.NewBadger(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()

	if version, err := database.Version(); err == nil {
		slog.Info("opened database", "dir", cfg.Database.Dir, "version", version)
	}

	storage, files, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return err
	}

	keys := make(map[model.Provider]*feed.KeyProvider)
	for provider, list := range cfg.Tokens {
		keyProvider, err := feed.NewKeyProvider(list)
		if err != nil {
			return fmt.Errorf("invalid tokens for provider %q: %w", provider, err)
		}
		keys[provider] = keyProvider
	}

	recorder := history.NewRecorder(database, cfg.History.Enabled)
	updater := update.NewUpdater(cfg.Feeds, keys, cfg.Server.Hostname, downloader, database, storage, recorder)

	if headless {
		return runHeadless(ctx, cfg, updater)
	}

	sched := scheduler.New(updater)
	for _, feedConfig := range cfg.Feeds {
		if err := sched.ScheduleFeed(feedConfig); err != nil {
			return err
		}
	}

	apiHandler := api.New(cfg, config.NewWriter(configPath), database, updater, sched)
	srv := server.New(cfg.Server, files, database, apiHandler.Register)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := sched.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.History.Enabled {
		group.Go(func() error {
			ticker := time.NewTicker(historyCleanupInterval)
			defer ticker.Stop()

			for {
				if err := recorder.CleanupOldEntries(groupCtx, cfg.History.RetentionDays, cfg.History.MaxEntries); err != nil {
					slog.Error("history cleanup failed", "error", err)
				}

				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	return group.Wait()
}

// runHeadless performs one update round for every configured feed and exits.
func runHeadless(ctx context.Context, cfg *config.Config, updater *update.Manager) error {
	slog.Info("running in headless mode", "feeds", len(cfg.Feeds))

	var failed int
	for _, feedConfig := range cfg.Feeds {
		if err := updater.Update(ctx, feedConfig, model.TriggerManual); err != nil {
			slog.Error("feed update failed", "feed_id", feedConfig.ID, "error", err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d feed updates failed", failed, len(cfg.Feeds))
	}
	return nil
}

// newArtifactStore builds the configured artifact backend. Local storage also
// provides the filesystem the HTTP server mounts; S3 content is served by the
// bucket itself.
func newArtifactStore(ctx context.Context, cfg *config.Config) (fs.Storage, http.FileSystem, error) {
	switch cfg.Storage.Type {
	case "local":
		local, err := fs.NewLocal(cfg.Storage.Local.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize local storage: %w", err)
		}
		return local, local, nil
	case "s3":
		remote, err := fs.NewS3(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		return remote, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
}

// setupLogging installs the process-wide JSON logger, optionally writing to
// the configured log file with size/age based rotation. The returned function
// closes the rotating writer.
func setupLogging(logCfg config.Log, debug bool) (func(), error) {
	level := slog.LevelInfo
	if debug || logCfg.Debug {
		level = slog.LevelDebug
	}

	var output io.Writer = os.Stdout
	cleanup := func() {}

	if logCfg.Filename != "" {
		rotator := &lumberjack.Logger{
			Filename:   logCfg.Filename,
			MaxSize:    logCfg.MaxSize,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAge,
			Compress:   logCfg.Compress,
		}
		output = rotator
		cleanup = func() { _ = rotator.Close() }
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	return cleanup, nil
}
