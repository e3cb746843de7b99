package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"tubecast/internal/model"
)

// DeleteFeed removes a feed entirely: every artifact, the stored records, the
// published document, and the runtime config.
func (u *Manager) DeleteFeed(ctx context.Context, feedID string) error {
	feedConfig, ok := u.FeedConfig(feedID)
	if !ok {
		return fmt.Errorf("feed %q not found", feedID)
	}

	// Artifacts first: once the records are gone there is no way to name
	// the files.
	if err := u.db.WalkEpisodes(ctx, feedID, func(episode *model.Episode) error {
		u.deleteArtifact(ctx, feedConfig, episode)
		return nil
	}); err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("failed to walk episodes of %q: %w", feedID, err)
	}

	if err := u.fs.Delete(ctx, fmt.Sprintf("%s.xml", feedID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to delete feed document", "feed_id", feedID, "error", err)
	}

	if err := u.db.DeleteFeed(ctx, feedID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("failed to delete feed %q: %w", feedID, err)
	}

	u.RemoveFeedConfig(feedID)

	if err := u.buildOPML(ctx); err != nil {
		slog.Warn("failed to rebuild OPML after feed deletion", "error", err)
	}

	slog.Info("deleted feed", "feed_id", feedID)
	return nil
}
