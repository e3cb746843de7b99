package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"tubecast/internal/model"
)

const (
	versionPath   = "tubecast/version"
	feedPrefix    = "feed/"
	feedPath      = "feed/%s"
	episodePrefix = "episode/%s/"
	episodePath   = "episode/%s/%s" // feedID + episodeID
	historyPrefix = "history/"
	historyPath   = "history/%s"         // historyID (unix-uuid)
	historyByFeed = "history_feed/%s/%s" // feedID + historyID
)

// Badger implements Storage on top of an embedded BadgerDB instance.
type Badger struct {
	db *badger.DB
}

var _ Storage = (*Badger)(nil)

// NewBadger opens (creating if needed) the database directory and stamps the
// schema version key on first open.
func NewBadger(cfg *Config) (*Badger, error) {
	dir := cfg.Dir

	slog.Info("opening database", "dir", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not mkdir database dir: %w", err)
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &Badger{db: db}

	if err := db.Update(func(txn *badger.Txn) error {
		err := storage.setObj(txn, []byte(versionPath), CurrentVersion, false)
		if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
			return err
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to write database version: %w", err)
	}

	return storage, nil
}

func (b *Badger) Close() error {
	slog.Debug("closing database")
	return b.db.Close()
}

func (b *Badger) Version() (int, error) {
	version := -1

	err := b.db.View(func(txn *badger.Txn) error {
		return b.getObj(txn, []byte(versionPath), &version)
	})

	return version, err
}

func (b *Badger) AddFeed(_ context.Context, feedID string, feed *model.Feed) error {
	return b.db.Update(func(txn *badger.Txn) error {
		// The feed record is stored without its episode list; episodes live
		// under their own keys and GetFeed reassembles them via prefix scan.
		record := *feed
		record.Episodes = nil

		feedKey := b.getKey(feedPath, feedID)
		if err := b.setObj(txn, feedKey, &record, true); err != nil {
			return err
		}

		// Append episodes; records that already exist stay untouched.
		for _, episode := range feed.Episodes {
			episodeKey := b.getKey(episodePath, feedID, episode.ID)
			err := b.setObj(txn, episodeKey, episode, false)
			if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
				return fmt.Errorf("failed to save episode %q: %w", episode.ID, err)
			}
		}

		return nil
	})
}

func (b *Badger) GetFeed(_ context.Context, feedID string) (*model.Feed, error) {
	var (
		feed    = model.Feed{}
		feedKey = b.getKey(feedPath, feedID)
	)

	if err := b.db.View(func(txn *badger.Txn) error {
		if err := b.getObj(txn, feedKey, &feed); err != nil {
			return err
		}

		feed.ID = feedID

		return b.walkEpisodes(txn, feedID, func(episode *model.Episode) error {
			feed.Episodes = append(feed.Episodes, episode)
			return nil
		})
	}); err != nil {
		return nil, err
	}

	return &feed, nil
}

func (b *Badger) WalkFeeds(_ context.Context, cb func(feed *model.Feed) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := b.getKey(feedPrefix)
		opts.Prefix = prefix
		opts.PrefetchValues = true
		return b.iterate(txn, opts, func(item *badger.Item) error {
			feed := &model.Feed{}
			if err := b.unmarshalObj(item, feed); err != nil {
				return err
			}

			// Key layout: tubecast/v1/feed/{feedID}
			if key := item.Key(); len(key) > len(prefix) {
				feed.ID = string(key[len(prefix):])
			}

			return cb(feed)
		})
	})
}

func (b *Badger) DeleteFeed(_ context.Context, feedID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		feedKey := b.getKey(feedPath, feedID)
		if err := txn.Delete(feedKey); err != nil {
			return fmt.Errorf("failed to delete feed %q: %w", feedID, err)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.getKey(episodePrefix, feedID)
		opts.PrefetchValues = false
		if err := b.iterate(txn, opts, func(item *badger.Item) error {
			return txn.Delete(item.KeyCopy(nil))
		}); err != nil {
			return fmt.Errorf("failed to delete episodes for feed %q: %w", feedID, err)
		}

		return nil
	})
}

func (b *Badger) GetEpisode(_ context.Context, feedID, episodeID string) (*model.Episode, error) {
	var (
		episode model.Episode
		key     = b.getKey(episodePath, feedID, episodeID)
	)

	err := b.db.View(func(txn *badger.Txn) error {
		return b.getObj(txn, key, &episode)
	})
	if err != nil {
		return nil, err
	}

	return &episode, nil
}

func (b *Badger) UpdateEpisode(_ context.Context, feedID, episodeID string, cb func(episode *model.Episode) error) error {
	var (
		key     = b.getKey(episodePath, feedID, episodeID)
		episode model.Episode
	)

	return b.db.Update(func(txn *badger.Txn) error {
		if err := b.getObj(txn, key, &episode); err != nil {
			return err
		}

		previous := episode.Status

		if err := cb(&episode); err != nil {
			return err
		}

		if episode.ID != episodeID {
			return errors.New("can't change episode ID")
		}

		// A write back to new is the explicit user retry reset; everything
		// else must follow the status machine.
		if episode.Status != model.EpisodeNew && !previous.CanTransition(episode.Status) {
			return fmt.Errorf("%w: %s to %s", model.ErrInvalidTransition, previous, episode.Status)
		}

		return b.setObj(txn, key, &episode, true)
	})
}

func (b *Badger) DeleteEpisode(_ context.Context, feedID, episodeID string) error {
	key := b.getKey(episodePath, feedID, episodeID)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (b *Badger) WalkEpisodes(_ context.Context, feedID string, cb func(episode *model.Episode) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return b.walkEpisodes(txn, feedID, cb)
	})
}

func (b *Badger) walkEpisodes(txn *badger.Txn, feedID string, cb func(episode *model.Episode) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = b.getKey(episodePrefix, feedID)
	opts.PrefetchValues = true
	return b.iterate(txn, opts, func(item *badger.Item) error {
		episode := &model.Episode{}
		if err := b.unmarshalObj(item, episode); err != nil {
			return err
		}

		return cb(episode)
	})
}

// iterate visits every key under opts.Prefix. For reverse scans the iterator
// seeks to prefix||0xFF (the end of the prefix range) and falls back to the
// last valid key within the prefix.
func (b *Badger) iterate(txn *badger.Txn, opts badger.IteratorOptions, cb func(item *badger.Item) error) error {
	iter := txn.NewIterator(opts)
	defer iter.Close()

	if opts.Reverse && len(opts.Prefix) > 0 {
		seekKey := make([]byte, len(opts.Prefix)+1)
		copy(seekKey, opts.Prefix)
		seekKey[len(opts.Prefix)] = 0xFF
		iter.Seek(seekKey)

		if !iter.Valid() || !bytes.HasPrefix(iter.Item().Key(), opts.Prefix) {
			iter.Rewind()
		}
	} else {
		iter.Rewind()
	}

	for ; iter.Valid(); iter.Next() {
		if err := cb(iter.Item()); err != nil {
			return err
		}
	}

	return nil
}

func (b *Badger) getKey(format string, a ...any) []byte {
	resourcePath := fmt.Sprintf(format, a...)
	return []byte(fmt.Sprintf("tubecast/v%d/%s", CurrentVersion, resourcePath))
}

func (b *Badger) setObj(txn *badger.Txn, key []byte, obj any, overwrite bool) error {
	if !overwrite {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return model.ErrAlreadyExists
		case errors.Is(err, badger.ErrKeyNotFound):
			// Free to insert.
		default:
			return fmt.Errorf("failed to check whether key exists: %w", err)
		}
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to serialize object for key %q: %w", key, err)
	}

	return txn.Set(key, data)
}

func (b *Badger) getObj(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.ErrNotFound
		}
		return err
	}

	return b.unmarshalObj(item, out)
}

func (b *Badger) unmarshalObj(item *badger.Item, out any) error {
	// Decode inside the value callback; the buffer is only valid within it.
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func (b *Badger) AddHistory(_ context.Context, entry *model.HistoryEntry) error {
	return b.db.Update(func(txn *badger.Txn) error {
		historyKey := b.getKey(historyPath, entry.ID)
		if err := b.setObj(txn, historyKey, entry, true); err != nil {
			return fmt.Errorf("failed to save history entry: %w", err)
		}

		// Secondary index for feed-scoped scans; the value is the entry ID.
		if entry.FeedID != "" {
			feedIndexKey := b.getKey(historyByFeed, entry.FeedID, entry.ID)
			if err := txn.Set(feedIndexKey, []byte(entry.ID)); err != nil {
				return fmt.Errorf("failed to save feed history index: %w", err)
			}
		}

		return nil
	})
}

func (b *Badger) GetHistory(_ context.Context, id string) (*model.HistoryEntry, error) {
	var (
		entry model.HistoryEntry
		key   = b.getKey(historyPath, id)
	)

	err := b.db.View(func(txn *badger.Txn) error {
		return b.getObj(txn, key, &entry)
	})
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

func (b *Badger) ListHistory(_ context.Context, filters model.HistoryFilters, page, pageSize int) ([]*model.HistoryEntry, int, error) {
	var (
		entries []*model.HistoryEntry
		total   int
		skip    = (page - 1) * pageSize
	)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Reverse = true // newest first

		if filters.FeedID != "" {
			opts.Prefix = b.getKey(historyByFeed, filters.FeedID, "")
		} else {
			opts.Prefix = b.getKey(historyPrefix)
		}

		return b.iterate(txn, opts, func(item *badger.Item) error {
			entry := &model.HistoryEntry{}

			if filters.FeedID != "" {
				// Dereference the index value into the main table.
				var historyID string
				if err := item.Value(func(val []byte) error {
					historyID = string(val)
					return nil
				}); err != nil {
					return err
				}

				historyKey := b.getKey(historyPath, historyID)
				if err := b.getObj(txn, historyKey, entry); err != nil {
					return err
				}
			} else {
				if err := b.unmarshalObj(item, entry); err != nil {
					return err
				}
			}

			if !matchHistoryFilters(entry, filters) {
				return nil
			}

			total++
			if total <= skip || len(entries) >= pageSize {
				return nil
			}

			entries = append(entries, entry)
			return nil
		})
	})

	return entries, total, err
}

func matchHistoryFilters(entry *model.HistoryEntry, filters model.HistoryFilters) bool {
	if filters.JobType != "" && entry.JobType != filters.JobType {
		return false
	}
	if filters.Status != "" && entry.Status != filters.Status {
		return false
	}
	if !filters.StartDate.IsZero() && entry.StartTime.Before(filters.StartDate) {
		return false
	}
	if !filters.EndDate.IsZero() && entry.StartTime.After(filters.EndDate) {
		return false
	}
	if filters.Search != "" {
		needle := strings.ToLower(filters.Search)
		if !strings.Contains(strings.ToLower(entry.FeedTitle), needle) &&
			!strings.Contains(strings.ToLower(entry.EpisodeTitle), needle) {
			return false
		}
	}
	return true
}

func (b *Badger) UpdateHistory(_ context.Context, id string, cb func(entry *model.HistoryEntry) error) error {
	var (
		key   = b.getKey(historyPath, id)
		entry model.HistoryEntry
	)

	return b.db.Update(func(txn *badger.Txn) error {
		if err := b.getObj(txn, key, &entry); err != nil {
			return err
		}

		if err := cb(&entry); err != nil {
			return err
		}

		if entry.ID != id {
			return errors.New("can't change history entry ID")
		}

		return b.setObj(txn, key, &entry, true)
	})
}

func (b *Badger) DeleteHistory(_ context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		var entry model.HistoryEntry
		key := b.getKey(historyPath, id)
		if err := b.getObj(txn, key, &entry); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil // already gone
			}
			return err
		}

		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("failed to delete history entry: %w", err)
		}

		if entry.FeedID != "" {
			feedIndexKey := b.getKey(historyByFeed, entry.FeedID, id)
			if err := txn.Delete(feedIndexKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("failed to delete feed history index: %w", err)
			}
		}

		return nil
	})
}

func (b *Badger) CleanupHistory(ctx context.Context, retentionDays, maxEntries int) error {
	var (
		toDelete []string
		seen     int
		cutoff   = time.Now().AddDate(0, 0, -retentionDays)
	)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.getKey(historyPrefix)
		opts.PrefetchValues = true
		opts.Reverse = true // newest first, so rank == seen

		return b.iterate(txn, opts, func(item *badger.Item) error {
			entry := &model.HistoryEntry{}
			if err := b.unmarshalObj(item, entry); err != nil {
				return err
			}

			seen++

			// (0, 0) wipes everything.
			if retentionDays == 0 && maxEntries == 0 {
				toDelete = append(toDelete, entry.ID)
				return nil
			}

			if retentionDays > 0 && entry.StartTime.Before(cutoff) {
				toDelete = append(toDelete, entry.ID)
				return nil
			}

			if maxEntries > 0 && seen > maxEntries {
				toDelete = append(toDelete, entry.ID)
			}

			return nil
		})
	})
	if err != nil {
		return err
	}

	slog.Debug("history cleanup scan complete", "marked", len(toDelete), "scanned", seen)

	for _, id := range toDelete {
		if err := b.DeleteHistory(ctx, id); err != nil {
			return fmt.Errorf("failed to delete history entry %s: %w", id, err)
		}
	}

	return nil
}

func (b *Badger) GetHistoryStats(_ context.Context) (int, *model.HistoryEntry, error) {
	var (
		count  int
		oldest *model.HistoryEntry
	)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.getKey(historyPrefix)
		opts.PrefetchValues = true

		return b.iterate(txn, opts, func(item *badger.Item) error {
			entry := &model.HistoryEntry{}
			if err := b.unmarshalObj(item, entry); err != nil {
				return err
			}

			count++
			if oldest == nil || entry.StartTime.Before(oldest.StartTime) {
				oldest = entry
			}

			return nil
		})
	})

	return count, oldest, err
}
