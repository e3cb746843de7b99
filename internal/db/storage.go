package db

import (
	"context"

	"tubecast/internal/model"
)

const CurrentVersion = 1

// Config is the database configuration section.
type Config struct {
	// Dir is the directory the key-value store lives in.
	Dir string `toml:"dir"`
}

// Storage is the typed gateway over the durable key-value store. All methods
// are transactional; reads observe consistent snapshots.
type Storage interface {
	Close() error
	Version() (int, error)

	// AddFeed upserts the feed record and appends the supplied episodes with
	// insert-if-absent semantics: existing episode records are never
	// overwritten. All writes happen in one transaction.
	AddFeed(ctx context.Context, feedID string, feed *model.Feed) error

	// GetFeed returns the feed record plus its complete episode list.
	GetFeed(ctx context.Context, feedID string) (*model.Feed, error)

	// WalkFeeds iterates stored feeds; a callback error aborts the scan.
	WalkFeeds(ctx context.Context, cb func(feed *model.Feed) error) error

	// DeleteFeed removes the feed record and every episode under it in one
	// transaction. History entries are intentionally retained.
	DeleteFeed(ctx context.Context, feedID string) error

	GetEpisode(ctx context.Context, feedID, episodeID string) (*model.Episode, error)

	// UpdateEpisode performs a read-modify-write in one transaction. The
	// mutator must not change the episode ID, and a status change must be a
	// legal transition (ErrInvalidTransition otherwise); writing the status
	// back to new is the explicit retry reset and always allowed.
	UpdateEpisode(ctx context.Context, feedID, episodeID string, cb func(episode *model.Episode) error) error

	DeleteEpisode(ctx context.Context, feedID, episodeID string) error

	// WalkEpisodes iterates episodes belonging to feedID in key order.
	WalkEpisodes(ctx context.Context, feedID string, cb func(episode *model.Episode) error) error

	AddHistory(ctx context.Context, entry *model.HistoryEntry) error
	GetHistory(ctx context.Context, id string) (*model.HistoryEntry, error)

	// ListHistory scans newest-first, applies filters in-memory and returns
	// one page plus the total number of matching entries.
	ListHistory(ctx context.Context, filters model.HistoryFilters, page, pageSize int) ([]*model.HistoryEntry, int, error)

	UpdateHistory(ctx context.Context, id string, cb func(entry *model.HistoryEntry) error) error
	DeleteHistory(ctx context.Context, id string) error

	// CleanupHistory deletes entries older than retentionDays and, beyond
	// that, entries past the maxEntries newest. (0, 0) deletes everything.
	CleanupHistory(ctx context.Context, retentionDays, maxEntries int) error

	GetHistoryStats(ctx context.Context) (count int, oldestEntry *model.HistoryEntry, err error)
}
