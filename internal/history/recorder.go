package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tubecast/internal/db"
	"tubecast/internal/model"
)

// Config is the [history] configuration section.
type Config struct {
	Enabled       bool `toml:"enabled"`
	RetentionDays int  `toml:"retention_days"`
	MaxEntries    int  `toml:"max_entries"`
}

// Recorder is the single entry point for history writes. When disabled, every
// method is a no-op returning nil.
type Recorder struct {
	storage db.Storage
	enabled bool
}

func NewRecorder(storage db.Storage, enabled bool) *Recorder {
	return &Recorder{
		storage: storage,
		enabled: enabled,
	}
}

// newEntryID builds an ID whose lexicographic order matches chronological
// order: "<unix>-<uuid>".
func newEntryID() string {
	return fmt.Sprintf("%d-%s", time.Now().Unix(), uuid.New().String())
}

// LogFeedUpdateStart opens a running entry for a feed update and returns its
// ID for the later close-out.
func (r *Recorder) LogFeedUpdateStart(ctx context.Context, feedID, feedTitle string, trigger model.TriggerType) (string, error) {
	if !r.enabled {
		return "", nil
	}

	entry := &model.HistoryEntry{
		ID:          newEntryID(),
		JobType:     model.JobTypeFeedUpdate,
		FeedID:      feedID,
		FeedTitle:   feedTitle,
		StartTime:   time.Now(),
		Status:      model.JobStatusRunning,
		TriggerType: trigger,
	}

	if err := r.storage.AddHistory(ctx, entry); err != nil {
		slog.Warn("failed to create history entry", "feed_id", feedID, "error", err)
		return "", err
	}

	return entry.ID, nil
}

// LogFeedUpdateEnd closes a running entry with a terminal status.
func (r *Recorder) LogFeedUpdateEnd(ctx context.Context, entryID string, status model.JobStatus, stats model.JobStatistics, errMsg string) error {
	if !r.enabled || entryID == "" {
		return nil
	}

	err := r.storage.UpdateHistory(ctx, entryID, func(entry *model.HistoryEntry) error {
		now := time.Now()
		entry.EndTime = &now
		entry.Duration = now.Sub(entry.StartTime)
		entry.Status = status
		entry.Statistics = stats
		entry.Error = errMsg
		return nil
	})
	if err != nil {
		slog.Warn("failed to close history entry", "entry_id", entryID, "error", err)
		return err
	}

	return nil
}

// LogFeedUpdateEndWithEpisodes closes a running entry and attaches the
// per-episode outcome for every listed episode. Missing episodes are skipped
// with a warning.
func (r *Recorder) LogFeedUpdateEndWithEpisodes(ctx context.Context, entryID, feedID string, episodeIDs []string, status model.JobStatus, stats model.JobStatistics, errMsg string) error {
	if !r.enabled || entryID == "" {
		return nil
	}

	details := make([]model.EpisodeDetail, 0, len(episodeIDs))
	for _, episodeID := range episodeIDs {
		episode, err := r.storage.GetEpisode(ctx, feedID, episodeID)
		if err != nil {
			slog.Warn("failed to load episode for history entry",
				"feed_id", feedID, "episode_id", episodeID, "error", err)
			continue
		}

		details = append(details, model.EpisodeDetail{
			ID:       episode.ID,
			Title:    episode.Title,
			Status:   string(episode.Status),
			Error:    episode.Error,
			Size:     episode.Size,
			Duration: episode.Duration,
		})
	}
	stats.EpisodeDetails = details

	return r.LogFeedUpdateEnd(ctx, entryID, status, stats, errMsg)
}

// LogEpisodeRetry records a one-shot manual retry outcome.
func (r *Recorder) LogEpisodeRetry(ctx context.Context, feedID, feedTitle, episodeID, episodeTitle string, success bool, errMsg string) error {
	return r.logEpisodeOp(ctx, model.JobTypeEpisodeRetry, feedID, feedTitle, episodeID, episodeTitle, success, errMsg)
}

// LogEpisodeDelete records a one-shot manual delete outcome.
func (r *Recorder) LogEpisodeDelete(ctx context.Context, feedID, feedTitle, episodeID, episodeTitle string, success bool, errMsg string) error {
	return r.logEpisodeOp(ctx, model.JobTypeEpisodeDelete, feedID, feedTitle, episodeID, episodeTitle, success, errMsg)
}

// LogEpisodeBlock records a one-shot manual block outcome.
func (r *Recorder) LogEpisodeBlock(ctx context.Context, feedID, feedTitle, episodeID, episodeTitle string, success bool, errMsg string) error {
	return r.logEpisodeOp(ctx, model.JobTypeEpisodeBlock, feedID, feedTitle, episodeID, episodeTitle, success, errMsg)
}

func (r *Recorder) logEpisodeOp(ctx context.Context, jobType model.JobType, feedID, feedTitle, episodeID, episodeTitle string, success bool, errMsg string) error {
	if !r.enabled {
		return nil
	}

	status := model.JobStatusSuccess
	if !success {
		status = model.JobStatusFailed
	}

	now := time.Now()
	entry := &model.HistoryEntry{
		ID:           newEntryID(),
		JobType:      jobType,
		FeedID:       feedID,
		FeedTitle:    feedTitle,
		EpisodeID:    episodeID,
		EpisodeTitle: episodeTitle,
		StartTime:    now,
		EndTime:      &now,
		Duration:     0,
		Status:       status,
		TriggerType:  model.TriggerManual,
		Error:        errMsg,
	}

	if err := r.storage.AddHistory(ctx, entry); err != nil {
		slog.Warn("failed to record episode operation",
			"job_type", jobType, "feed_id", feedID, "episode_id", episodeID, "error", err)
		return err
	}

	return nil
}

// CleanupOldEntries applies the retention policy to stored history.
func (r *Recorder) CleanupOldEntries(ctx context.Context, retentionDays, maxEntries int) error {
	if !r.enabled {
		return nil
	}

	slog.Info("cleaning up history", "retention_days", retentionDays, "max_entries", maxEntries)
	return r.storage.CleanupHistory(ctx, retentionDays, maxEntries)
}
