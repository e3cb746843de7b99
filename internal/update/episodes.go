package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"tubecast/internal/feed"
	"tubecast/internal/model"
)

// DeleteEpisode removes both the stored record and the media artifact.
func (u *Manager) DeleteEpisode(ctx context.Context, feedID, episodeID string) error {
	feedConfig, ok := u.FeedConfig(feedID)
	if !ok {
		return fmt.Errorf("feed %q not found", feedID)
	}

	episode, err := u.db.GetEpisode(ctx, feedID, episodeID)
	if err != nil {
		_ = u.recorder.LogEpisodeDelete(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, "", false, err.Error())
		return fmt.Errorf("failed to get episode %s/%s: %w", feedID, episodeID, err)
	}

	u.deleteArtifact(ctx, feedConfig, episode)

	if err := u.db.DeleteEpisode(ctx, feedID, episodeID); err != nil {
		_ = u.recorder.LogEpisodeDelete(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, episode.Title, false, err.Error())
		return fmt.Errorf("failed to delete episode %s/%s: %w", feedID, episodeID, err)
	}

	slog.Info("deleted episode", "feed_id", feedID, "episode_id", episodeID)
	_ = u.recorder.LogEpisodeDelete(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, episode.Title, true, "")
	return nil
}

// BlockEpisode marks an episode blocked so reconciliation never resurrects
// it, removing any existing artifact. Unknown IDs get a blocked stub record
// so future listings are filtered before the first download.
func (u *Manager) BlockEpisode(ctx context.Context, feedID, episodeID string) error {
	feedConfig, ok := u.FeedConfig(feedID)
	if !ok {
		return fmt.Errorf("feed %q not found", feedID)
	}

	episodeTitle := ""

	episode, err := u.db.GetEpisode(ctx, feedID, episodeID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		slog.Info("episode not in database, creating blocked stub", "feed_id", feedID, "episode_id", episodeID)
		episode = &model.Episode{
			ID:     episodeID,
			Status: model.EpisodeBlocked,
		}
		stub := &model.Feed{
			ID:       feedID,
			Episodes: []*model.Episode{episode},
		}
		if err := u.db.AddFeed(ctx, feedID, stub); err != nil {
			_ = u.recorder.LogEpisodeBlock(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, episodeTitle, false, err.Error())
			return fmt.Errorf("failed to create blocked episode %s/%s: %w", feedID, episodeID, err)
		}
	case err != nil:
		_ = u.recorder.LogEpisodeBlock(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, episodeTitle, false, err.Error())
		return fmt.Errorf("failed to get episode %s/%s: %w", feedID, episodeID, err)
	default:
		episodeTitle = episode.Title
		if err := u.db.UpdateEpisode(ctx, feedID, episodeID, func(ep *model.Episode) error {
			ep.Status = model.EpisodeBlocked
			return nil
		}); err != nil {
			_ = u.recorder.LogEpisodeBlock(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, episodeTitle, false, err.Error())
			return fmt.Errorf("failed to block episode %s/%s: %w", feedID, episodeID, err)
		}
	}

	u.deleteArtifact(ctx, feedConfig, episode)

	slog.Info("blocked episode", "feed_id", feedID, "episode_id", episodeID)
	_ = u.recorder.LogEpisodeBlock(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, episodeTitle, true, "")
	return nil
}

// RetryEpisode resets an episode and runs the per-episode download path,
// then rebuilds the feed document so the result is immediately visible.
func (u *Manager) RetryEpisode(ctx context.Context, feedID, episodeID string) error {
	feedConfig, ok := u.FeedConfig(feedID)
	if !ok {
		return fmt.Errorf("feed %q not found", feedID)
	}

	episode, err := u.db.GetEpisode(ctx, feedID, episodeID)
	if err != nil {
		_ = u.recorder.LogEpisodeRetry(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, "", false, err.Error())
		return fmt.Errorf("failed to get episode %s/%s: %w", feedID, episodeID, err)
	}

	episodeTitle := episode.Title
	episodeName := feed.EpisodeName(feedConfig, episode)
	artifactPath := fmt.Sprintf("%s/%s", feedID, episodeName)

	if err := u.db.UpdateEpisode(ctx, feedID, episodeID, func(ep *model.Episode) error {
		ep.Status = model.EpisodeNew
		ep.Error = ""
		return nil
	}); err != nil {
		return fmt.Errorf("failed to reset episode status: %w", err)
	}

	// Already committed by a previous run?
	size, err := u.fs.Size(ctx, artifactPath)
	if err == nil {
		slog.Info("episode already exists in artifact store", "episode_id", episodeID)

		if err := u.db.UpdateEpisode(ctx, feedID, episodeID, func(ep *model.Episode) error {
			ep.Size = size
			ep.Status = model.EpisodeDownloaded
			return nil
		}); err != nil {
			return fmt.Errorf("failed to update file info: %w", err)
		}

		_ = u.recorder.LogEpisodeRetry(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, episodeTitle, true, "")
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}

	slog.Info("retrying episode download", "feed_id", feedID, "episode_id", episodeID, "url", episode.VideoURL)
	tempFile, err := u.downloader.Download(ctx, feedConfig, episode, nil)
	if err != nil {
		if updateErr := u.db.UpdateEpisode(ctx, feedID, episodeID, func(ep *model.Episode) error {
			ep.Status = model.EpisodeError
			ep.Error = err.Error()
			return nil
		}); updateErr != nil {
			slog.Error("failed to record episode error", "episode_id", episodeID, "error", updateErr)
		}
		_ = u.recorder.LogEpisodeRetry(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, episodeTitle, false, err.Error())
		return fmt.Errorf("download failed: %w", err)
	}

	fileSize, err := u.fs.Create(ctx, artifactPath, tempFile)
	tempFile.Close()
	if err != nil {
		if updateErr := u.db.UpdateEpisode(ctx, feedID, episodeID, func(ep *model.Episode) error {
			ep.Status = model.EpisodeError
			ep.Error = fmt.Sprintf("failed to copy file: %v", err)
			return nil
		}); updateErr != nil {
			slog.Error("failed to record episode error", "episode_id", episodeID, "error", updateErr)
		}
		_ = u.recorder.LogEpisodeRetry(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, episodeTitle, false, err.Error())
		return fmt.Errorf("failed to copy file: %w", err)
	}

	u.runHooks(feedConfig, episode, artifactPath)

	if err := u.db.UpdateEpisode(ctx, feedID, episodeID, func(ep *model.Episode) error {
		ep.Size = fileSize
		ep.Status = model.EpisodeDownloaded
		ep.Error = ""
		return nil
	}); err != nil {
		return err
	}

	if err := u.buildXML(ctx, feedConfig); err != nil {
		slog.Warn("failed to rebuild feed document after retry", "feed_id", feedID, "error", err)
	}

	slog.Info("successfully retried episode", "feed_id", feedID, "episode_id", episodeID)
	_ = u.recorder.LogEpisodeRetry(ctx, feedID, getFeedTitle(ctx, u.db, feedID), episodeID, episodeTitle, true, "")
	return nil
}

// deleteArtifact removes the episode's media file, treating a missing file as
// already deleted.
func (u *Manager) deleteArtifact(ctx context.Context, feedConfig *feed.Config, episode *model.Episode) {
	path := fmt.Sprintf("%s/%s", feedConfig.ID, feed.EpisodeName(feedConfig, episode))

	if err := u.fs.Delete(ctx, path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to delete media file", "path", path, "error", err)
		}
		return
	}

	slog.Info("deleted media file", "path", path)
}
