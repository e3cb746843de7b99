package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"tubecast/internal/builder"
	"tubecast/internal/db"
	"tubecast/internal/feed"
	"tubecast/internal/fs"
	"tubecast/internal/history"
	"tubecast/internal/model"
	"tubecast/internal/progress"
	"tubecast/internal/ytdl"
)

// Downloader is everything the pipeline needs from the download driver:
// episode downloads plus the listing capability the builders consume.
type Downloader interface {
	builder.Downloader
	Download(ctx context.Context, feedConfig *feed.Config, episode *model.Episode, progress ytdl.ProgressFunc) (io.ReadCloser, error)
}

// Manager runs the per-feed update pipeline. Updates are serialized by the
// scheduler's single worker; the manager itself holds no per-update state
// beyond the progress tracker.
type Manager struct {
	hostname        string
	downloader      Downloader
	db              db.Storage
	fs              fs.Storage
	keys            map[model.Provider]*feed.KeyProvider
	progressTracker *progress.Tracker
	recorder        *history.Recorder

	mu    sync.RWMutex
	feeds map[string]*feed.Config
}

func NewUpdater(
	feeds map[string]*feed.Config,
	keys map[model.Provider]*feed.KeyProvider,
	hostname string,
	downloader Downloader,
	database db.Storage,
	storage fs.Storage,
	recorder *history.Recorder,
) *Manager {
	if feeds == nil {
		feeds = make(map[string]*feed.Config)
	}

	return &Manager{
		hostname:        hostname,
		downloader:      downloader,
		db:              database,
		fs:              storage,
		feeds:           feeds,
		keys:            keys,
		progressTracker: progress.NewTracker(),
		recorder:        recorder,
	}
}

// ProgressTracker exposes the tracker for the API's progress endpoints.
func (u *Manager) ProgressTracker() *progress.Tracker {
	return u.progressTracker
}

// Recorder exposes the history recorder for the API's history endpoints.
func (u *Manager) Recorder() *history.Recorder {
	return u.recorder
}

// FeedConfig returns the config for one feed.
func (u *Manager) FeedConfig(feedID string) (*feed.Config, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	cfg, ok := u.feeds[feedID]
	return cfg, ok
}

// Feeds returns a copy of the feed config map.
func (u *Manager) Feeds() map[string]*feed.Config {
	u.mu.RLock()
	defer u.mu.RUnlock()

	result := make(map[string]*feed.Config, len(u.feeds))
	for id, cfg := range u.feeds {
		result[id] = cfg
	}
	return result
}

// SetFeedConfig adds or replaces a feed config at runtime.
func (u *Manager) SetFeedConfig(cfg *feed.Config) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.feeds[cfg.ID] = cfg
}

// RemoveFeedConfig forgets a feed config at runtime.
func (u *Manager) RemoveFeedConfig(feedID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	delete(u.feeds, feedID)
}

// Update runs the whole pipeline for one feed: fetch and reconcile the
// listing, select the download set, download, clean up, publish the feed
// documents, and close out the history entry.
func (u *Manager) Update(ctx context.Context, feedConfig *feed.Config, trigger model.TriggerType) error {
	slog.Info("updating feed",
		"feed_id", feedConfig.ID,
		"url", feedConfig.URL,
		"format", feedConfig.Format,
		"quality", feedConfig.Quality)

	started := time.Now()

	feedTitle := getFeedTitle(ctx, u.db, feedConfig.ID)
	historyID, _ := u.recorder.LogFeedUpdateStart(ctx, feedConfig.ID, feedTitle, trigger)

	stats := model.JobStatistics{}

	if err := u.updateFeed(ctx, feedConfig); err != nil {
		err = fmt.Errorf("update failed: %w", err)
		_ = u.recorder.LogFeedUpdateEnd(ctx, historyID, model.JobStatusFailed, stats, err.Error())
		return err
	}

	downloadList, ignored, err := u.fetchEpisodes(ctx, feedConfig)
	if err != nil {
		err = fmt.Errorf("fetch episodes failed: %w", err)
		_ = u.recorder.LogFeedUpdateEnd(ctx, historyID, model.JobStatusFailed, stats, err.Error())
		return err
	}

	stats.EpisodesQueued = len(downloadList)
	stats.EpisodesIgnored = ignored

	episodeIDs := make([]string, len(downloadList))
	for i, episode := range downloadList {
		episodeIDs[i] = episode.ID
	}

	downloaded, failed, bytesDownloaded, halted := u.downloadEpisodesWithStats(ctx, feedConfig, downloadList)
	stats.EpisodesDownloaded = downloaded
	stats.EpisodesFailed = failed
	stats.BytesDownloaded = bytesDownloaded

	if err := u.cleanup(ctx, feedConfig); err != nil {
		slog.Error("cleanup failed", "feed_id", feedConfig.ID, "error", err)
	}

	if err := u.buildXML(ctx, feedConfig); err != nil {
		err = fmt.Errorf("xml build failed: %w", err)
		_ = u.recorder.LogFeedUpdateEnd(ctx, historyID, model.JobStatusFailed, stats, err.Error())
		return err
	}

	if err := u.buildOPML(ctx); err != nil {
		err = fmt.Errorf("opml build failed: %w", err)
		_ = u.recorder.LogFeedUpdateEnd(ctx, historyID, model.JobStatusFailed, stats, err.Error())
		return err
	}

	slog.Info("successfully updated feed", "feed_id", feedConfig.ID, "elapsed", time.Since(started))

	status := model.JobStatusSuccess
	switch {
	case stats.EpisodesFailed > 0 && stats.EpisodesDownloaded == 0:
		status = model.JobStatusFailed
	case stats.EpisodesFailed > 0:
		status = model.JobStatusPartial
	case halted && stats.EpisodesDownloaded < stats.EpisodesQueued:
		// Rate limited mid-run: the rest of the queue carries over.
		status = model.JobStatusPartial
	}

	_ = u.recorder.LogFeedUpdateEndWithEpisodes(ctx, historyID, feedConfig.ID, episodeIDs, status, stats, "")
	return nil
}

// updateFeed fetches the remote listing and reconciles it with storage.
func (u *Manager) updateFeed(ctx context.Context, feedConfig *feed.Config) error {
	provider, err := builder.ParseURL(feedConfig.URL)
	if err != nil {
		return fmt.Errorf("failed to parse URL %s: %w", feedConfig.URL, err)
	}

	key := ""
	if keyProvider, ok := u.keys[provider]; ok {
		key = keyProvider.Get()
	}

	listing, err := builder.New(ctx, provider, key, u.downloader)
	if err != nil {
		return err
	}

	result, err := listing.Build(ctx, feedConfig)
	if err != nil {
		return err
	}

	slog.Debug("received episodes", "feed_id", feedConfig.ID, "count", len(result.Episodes), "title", result.Title)

	// Pending (new/error) episodes vanish with the listing; blocked ones are
	// sticky and must never be overwritten. Everything else is preserved.
	pending := make(map[string]struct{})
	blocked := make(map[string]struct{})
	if err := u.db.WalkEpisodes(ctx, feedConfig.ID, func(episode *model.Episode) error {
		switch episode.Status {
		case model.EpisodeBlocked:
			blocked[episode.ID] = struct{}{}
		case model.EpisodeNew, model.EpisodeError:
			pending[episode.ID] = struct{}{}
		}
		return nil
	}); err != nil {
		return err
	}

	filtered := make([]*model.Episode, 0, len(result.Episodes))
	for _, episode := range result.Episodes {
		if _, isBlocked := blocked[episode.ID]; isBlocked {
			slog.Debug("skipping blocked episode", "episode_id", episode.ID)
			continue
		}
		filtered = append(filtered, episode)
	}
	result.Episodes = filtered

	if err := u.db.AddFeed(ctx, feedConfig.ID, result); err != nil {
		return err
	}

	for _, episode := range result.Episodes {
		delete(pending, episode.ID)
	}

	// Garbage-collect pending episodes the upstream channel no longer lists.
	for id := range pending {
		slog.Info("removing vanished episode", "feed_id", feedConfig.ID, "episode_id", id)
		if err := u.db.DeleteEpisode(ctx, feedConfig.ID, id); err != nil {
			return err
		}
	}

	return nil
}

// fetchEpisodes walks stored episodes and selects up to page_size candidates
// for download, persisting filter rejections as ignored. Returns the download
// list and how many episodes were newly ignored.
func (u *Manager) fetchEpisodes(ctx context.Context, feedConfig *feed.Config) ([]*model.Episode, int, error) {
	var (
		feedID       = feedConfig.ID
		downloadList []*model.Episode
		ignored      int
		pageSize     = feedConfig.PageSize
	)

	err := u.db.WalkEpisodes(ctx, feedID, func(episode *model.Episode) error {
		if episode.Status == model.EpisodeBlocked {
			return nil
		}
		// Queued episodes carried over from a halted run are selectable again.
		if episode.Status != model.EpisodeNew &&
			episode.Status != model.EpisodeError &&
			episode.Status != model.EpisodeQueued {
			return nil
		}

		if !feedConfig.Filters.Matches(episode) {
			// Persist the rejection so the filter isn't re-evaluated on
			// every run.
			if episode.Status == model.EpisodeNew {
				if err := u.db.UpdateEpisode(ctx, feedID, episode.ID, func(ep *model.Episode) error {
					ep.Status = model.EpisodeIgnored
					return nil
				}); err != nil {
					slog.Warn("failed to mark episode as ignored", "episode_id", episode.ID, "error", err)
				} else {
					ignored++
				}
			}
			return nil
		}

		pageSize--
		if pageSize < 0 {
			return nil
		}

		downloadList = append(downloadList, episode)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build update list: %w", err)
	}

	return downloadList, ignored, nil
}

// downloadEpisodesWithStats measures per-episode outcomes by diffing episode
// state before and after the download loop.
func (u *Manager) downloadEpisodesWithStats(ctx context.Context, feedConfig *feed.Config, downloadList []*model.Episode) (downloaded, failed int, bytesDownloaded int64, halted bool) {
	before := u.collectEpisodeStats(ctx, feedConfig.ID, downloadList)
	halted = u.downloadEpisodes(ctx, feedConfig, downloadList)
	after := u.collectEpisodeStats(ctx, feedConfig.ID, downloadList)

	return after.downloaded - before.downloaded,
		after.failed - before.failed,
		after.bytesDownloaded - before.bytesDownloaded,
		halted
}

type episodeStats struct {
	downloaded      int
	failed          int
	bytesDownloaded int64
}

func (u *Manager) collectEpisodeStats(ctx context.Context, feedID string, episodes []*model.Episode) episodeStats {
	stats := episodeStats{}
	for _, episode := range episodes {
		current, err := u.db.GetEpisode(ctx, feedID, episode.ID)
		if err != nil {
			continue
		}
		switch current.Status {
		case model.EpisodeDownloaded:
			stats.downloaded++
			stats.bytesDownloaded += current.Size
		case model.EpisodeError:
			stats.failed++
		}
	}
	return stats
}

// downloadEpisodes runs the download loop. Returns true when the run halted
// early on a rate limit.
func (u *Manager) downloadEpisodes(ctx context.Context, feedConfig *feed.Config, downloadList []*model.Episode) (halted bool) {
	var (
		downloadCount = len(downloadList)
		downloaded    = 0
		feedID        = feedConfig.ID
	)

	if downloadCount == 0 {
		slog.Info("no episodes to download", "feed_id", feedID)
		return false
	}
	slog.Info("downloading episodes", "feed_id", feedID, "count", downloadCount)

	u.progressTracker.InitFeedProgress(feedID, downloadCount)
	defer u.progressTracker.ClearFeed(feedID)

	for _, episode := range downloadList {
		if err := u.db.UpdateEpisode(ctx, feedID, episode.ID, func(ep *model.Episode) error {
			ep.Status = model.EpisodeQueued
			return nil
		}); err != nil {
			slog.Warn("failed to mark episode as queued", "episode_id", episode.ID, "error", err)
		}
	}
	u.progressTracker.QueueEpisodes(feedID, downloadCount)

	for _, episode := range downloadList {
		episodeName := feed.EpisodeName(feedConfig, episode)
		artifactPath := fmt.Sprintf("%s/%s", feedID, episodeName)

		// Idempotent re-entry: a previous run may have committed the
		// artifact without updating the record.
		size, err := u.fs.Size(ctx, artifactPath)
		if err == nil {
			slog.Info("episode already exists in artifact store", "episode_id", episode.ID)

			if err := u.db.UpdateEpisode(ctx, feedID, episode.ID, func(ep *model.Episode) error {
				ep.Size = size
				ep.Status = model.EpisodeDownloaded
				return nil
			}); err != nil {
				slog.Error("failed to update file info", "episode_id", episode.ID, "error", err)
			}

			u.progressTracker.CompleteEpisode(feedID, episode.ID)
			downloaded++
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			slog.Error("failed to stat artifact", "episode_id", episode.ID, "error", err)
			continue
		}

		if err := u.db.UpdateEpisode(ctx, feedID, episode.ID, func(ep *model.Episode) error {
			ep.Status = model.EpisodeDownloading
			return nil
		}); err != nil {
			slog.Warn("failed to mark episode as downloading", "episode_id", episode.ID, "error", err)
		}
		u.progressTracker.StartEpisode(feedID, episode.ID, episode.Title)

		episodeID := episode.ID
		sink := func(stage string, percent float64, downloadedBytes, total int64, speed string) {
			u.progressTracker.UpdateEpisode(feedID, episodeID, stage, percent, downloadedBytes, total, speed)
		}

		slog.Info("downloading episode", "episode_id", episode.ID, "url", episode.VideoURL)
		tempFile, err := u.downloader.Download(ctx, feedConfig, episode, sink)
		if err != nil {
			// The provider blocked us; keep the rest of the queue for the
			// next run and still rebuild the feed document.
			if errors.Is(err, ytdl.ErrTooManyRequests) {
				slog.Warn("server responded with 'Too Many Requests', halting run", "feed_id", feedID)
				if err := u.db.UpdateEpisode(ctx, feedID, episode.ID, func(ep *model.Episode) error {
					ep.Status = model.EpisodeQueued
					return nil
				}); err != nil {
					slog.Error("failed to requeue episode", "episode_id", episode.ID, "error", err)
				}
				return true
			}

			slog.Error("failed to download episode", "episode_id", episode.ID, "error", err)
			if err := u.db.UpdateEpisode(ctx, feedID, episode.ID, func(ep *model.Episode) error {
				ep.Status = model.EpisodeError
				ep.Error = err.Error()
				return nil
			}); err != nil {
				slog.Error("failed to record episode error", "episode_id", episode.ID, "error", err)
			}

			continue
		}

		fileSize, err := u.fs.Create(ctx, artifactPath, tempFile)
		tempFile.Close()
		if err != nil {
			slog.Error("failed to copy file", "episode_id", episode.ID, "error", err)
			if err := u.db.UpdateEpisode(ctx, feedID, episode.ID, func(ep *model.Episode) error {
				ep.Status = model.EpisodeError
				ep.Error = fmt.Sprintf("failed to copy file: %v", err)
				return nil
			}); err != nil {
				slog.Error("failed to record episode error", "episode_id", episode.ID, "error", err)
			}
			continue
		}

		u.runHooks(feedConfig, episode, artifactPath)

		slog.Info("successfully downloaded episode", "episode_id", episode.ID, "size", fileSize)
		if err := u.db.UpdateEpisode(ctx, feedID, episode.ID, func(ep *model.Episode) error {
			ep.Size = fileSize
			ep.Status = model.EpisodeDownloaded
			ep.Error = ""
			return nil
		}); err != nil {
			slog.Error("failed to commit episode", "episode_id", episode.ID, "error", err)
			continue
		}

		u.progressTracker.CompleteEpisode(feedID, episode.ID)
		downloaded++
	}

	slog.Info("download loop finished", "feed_id", feedID, "downloaded", downloaded)
	return false
}

// runHooks invokes every post-download hook; failures are logged, never fatal.
func (u *Manager) runHooks(feedConfig *feed.Config, episode *model.Episode, artifactPath string) {
	if len(feedConfig.PostEpisodeDownload) == 0 {
		return
	}

	env := []string{
		"EPISODE_FILE=" + artifactPath,
		"FEED_NAME=" + feedConfig.ID,
		"EPISODE_TITLE=" + episode.Title,
	}

	for i, hook := range feedConfig.PostEpisodeDownload {
		if err := hook.Invoke(env); err != nil {
			slog.Error("post download hook failed", "hook", i+1, "episode_id", episode.ID, "error", err)
		} else {
			slog.Debug("post download hook executed", "hook", i+1, "episode_id", episode.ID)
		}
	}
}

// cleanup applies the keep-last policy: everything past the N most recent
// downloaded episodes loses its artifact and becomes cleaned.
func (u *Manager) cleanup(ctx context.Context, feedConfig *feed.Config) error {
	var (
		feedID = feedConfig.ID
		list   []*model.Episode
		result *multierror.Error
	)

	if feedConfig.Clean == nil {
		return nil
	}

	count := feedConfig.Clean.KeepLast
	if count < 1 {
		return nil
	}

	slog.Info("running cleaner", "feed_id", feedID, "keep_last", count)
	if err := u.db.WalkEpisodes(ctx, feedID, func(episode *model.Episode) error {
		if episode.Status == model.EpisodeDownloaded {
			list = append(list, episode)
		}
		return nil
	}); err != nil {
		return err
	}

	if count >= len(list) {
		return nil
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].PubDate.After(list[j].PubDate)
	})

	for _, episode := range list[count:] {
		slog.Info("cleaning episode", "feed_id", feedID, "episode_id", episode.ID, "title", episode.Title)

		path := fmt.Sprintf("%s/%s", feedID, feed.EpisodeName(feedConfig, episode))
		if err := u.fs.Delete(ctx, path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, fmt.Errorf("failed to delete episode %s: %w", episode.ID, err))
			continue
		}

		if err := u.db.UpdateEpisode(ctx, feedID, episode.ID, func(ep *model.Episode) error {
			ep.Status = model.EpisodeCleaned
			ep.Title = ""
			ep.Description = ""
			return nil
		}); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to mark episode %s as cleaned: %w", episode.ID, err))
			continue
		}
	}

	return result.ErrorOrNil()
}

// buildXML renders the feed document and writes <feedID>.xml to the artifact
// store.
func (u *Manager) buildXML(ctx context.Context, feedConfig *feed.Config) error {
	f, err := u.db.GetFeed(ctx, feedConfig.ID)
	if err != nil {
		return err
	}

	document, err := feed.BuildXML(f, feedConfig, u.hostname)
	if err != nil {
		return err
	}

	xmlName := fmt.Sprintf("%s.xml", feedConfig.ID)
	if _, err := u.fs.Create(ctx, xmlName, bytes.NewReader([]byte(document))); err != nil {
		return fmt.Errorf("failed to upload new XML feed: %w", err)
	}

	return nil
}

// buildOPML renders the subscription export for every opted-in feed.
func (u *Manager) buildOPML(ctx context.Context) error {
	var entries []feed.OPMLEntry

	for id, cfg := range u.Feeds() {
		if !cfg.OPML {
			continue
		}
		entries = append(entries, feed.OPMLEntry{
			FeedID: id,
			Title:  getFeedTitle(ctx, u.db, id),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FeedID < entries[j].FeedID })

	document, err := feed.BuildOPML(entries, u.hostname)
	if err != nil {
		return err
	}

	if _, err := u.fs.Create(ctx, "tubecast.opml", bytes.NewReader([]byte(document))); err != nil {
		return fmt.Errorf("failed to upload OPML: %w", err)
	}

	return nil
}

func getFeedTitle(ctx context.Context, storage db.Storage, feedID string) string {
	f, err := storage.GetFeed(ctx, feedID)
	if err != nil || f == nil || f.Title == "" {
		return feedID
	}
	return f.Title
}
