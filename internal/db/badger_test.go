package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubecast/internal/model"
)

func openTestDB(t *testing.T) *Badger {
	t.Helper()

	storage, err := NewBadger(&Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	return storage
}

func TestVersion(t *testing.T) {
	storage := openTestDB(t)

	version, err := storage.Version()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, version)
}

func TestAddFeedInsertIfAbsent(t *testing.T) {
	storage := openTestDB(t)
	ctx := context.Background()

	feed := &model.Feed{
		ID:    "f1",
		Title: "Test Feed",
		Episodes: []*model.Episode{
			{ID: "a", Title: "first", Status: model.EpisodeNew},
		},
	}
	require.NoError(t, storage.AddFeed(ctx, "f1", feed))

	// Flip the stored episode to downloaded, then re-add the feed with the
	// same episode coming back from the listing.
	require.NoError(t, storage.UpdateEpisode(ctx, "f1", "a", func(ep *model.Episode) error {
		ep.Status = model.EpisodeDownloaded
		ep.Size = 123
		return nil
	}))

	feed.Episodes = []*model.Episode{
		{ID: "a", Title: "first", Status: model.EpisodeNew},
		{ID: "b", Title: "second", Status: model.EpisodeNew},
	}
	require.NoError(t, storage.AddFeed(ctx, "f1", feed))

	a, err := storage.GetEpisode(ctx, "f1", "a")
	require.NoError(t, err)
	assert.Equal(t, model.EpisodeDownloaded, a.Status, "existing episode must not be overwritten")
	assert.EqualValues(t, 123, a.Size)

	b, err := storage.GetEpisode(ctx, "f1", "b")
	require.NoError(t, err)
	assert.Equal(t, model.EpisodeNew, b.Status)
}

func TestGetFeedReturnsEachEpisodeOnce(t *testing.T) {
	storage := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.AddFeed(ctx, "f1", &model.Feed{
		ID:    "f1",
		Title: "Test Feed",
		Episodes: []*model.Episode{
			{ID: "a", Status: model.EpisodeNew},
			{ID: "b", Status: model.EpisodeNew},
		},
	}))

	feed, err := storage.GetFeed(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, feed.Episodes, 2)

	var ids []string
	for _, ep := range feed.Episodes {
		ids = append(ids, ep.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestGetFeedNotFound(t *testing.T) {
	storage := openTestDB(t)

	_, err := storage.GetFeed(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestWalkEpisodesScopedToFeed(t *testing.T) {
	storage := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.AddFeed(ctx, "f1", &model.Feed{
		ID:       "f1",
		Episodes: []*model.Episode{{ID: "a"}, {ID: "b"}},
	}))
	require.NoError(t, storage.AddFeed(ctx, "f2", &model.Feed{
		ID:       "f2",
		Episodes: []*model.Episode{{ID: "c"}},
	}))

	var ids []string
	require.NoError(t, storage.WalkEpisodes(ctx, "f1", func(ep *model.Episode) error {
		ids = append(ids, ep.ID)
		return nil
	}))

	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestUpdateEpisodeRejectsIdentityChange(t *testing.T) {
	storage := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.AddFeed(ctx, "f1", &model.Feed{
		ID:       "f1",
		Episodes: []*model.Episode{{ID: "a"}},
	}))

	err := storage.UpdateEpisode(ctx, "f1", "a", func(ep *model.Episode) error {
		ep.ID = "z"
		return nil
	})
	assert.Error(t, err)
}

func TestUpdateEpisodeRejectsIllegalTransition(t *testing.T) {
	storage := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.AddFeed(ctx, "f1", &model.Feed{
		ID:       "f1",
		Episodes: []*model.Episode{{ID: "a", Status: model.EpisodeDownloaded}},
	}))

	err := storage.UpdateEpisode(ctx, "f1", "a", func(ep *model.Episode) error {
		ep.Status = model.EpisodeDownloading
		return nil
	})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	// The record is untouched after the rejected write.
	episode, err := storage.GetEpisode(ctx, "f1", "a")
	require.NoError(t, err)
	assert.Equal(t, model.EpisodeDownloaded, episode.Status)

	// The explicit retry reset back to new is always allowed.
	require.NoError(t, storage.UpdateEpisode(ctx, "f1", "a", func(ep *model.Episode) error {
		ep.Status = model.EpisodeNew
		return nil
	}))
}

func TestDeleteFeedKeepsHistory(t *testing.T) {
	storage := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, storage.AddFeed(ctx, "f1", &model.Feed{
		ID:       "f1",
		Episodes: []*model.Episode{{ID: "a"}, {ID: "b"}},
	}))
	require.NoError(t, storage.AddHistory(ctx, &model.HistoryEntry{
		ID:        "100-x",
		FeedID:    "f1",
		JobType:   model.JobTypeFeedUpdate,
		StartTime: time.Now(),
	}))

	require.NoError(t, storage.DeleteFeed(ctx, "f1"))

	_, err := storage.GetFeed(ctx, "f1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = storage.GetEpisode(ctx, "f1", "a")
	assert.ErrorIs(t, err, model.ErrNotFound)

	entry, err := storage.GetHistory(ctx, "100-x")
	require.NoError(t, err)
	assert.Equal(t, "f1", entry.FeedID)
}

func addHistoryEntries(t *testing.T, storage *Badger, n int) {
	t.Helper()

	base := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := 0; i < n; i++ {
		entry := &model.HistoryEntry{
			ID:        fmt.Sprintf("%d-entry%04d", base.Add(time.Duration(i)*time.Minute).Unix(), i),
			JobType:   model.JobTypeFeedUpdate,
			FeedID:    "f1",
			Status:    model.JobStatusSuccess,
			StartTime: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, storage.AddHistory(context.Background(), entry))
	}
}

func TestListHistoryPaginationNewestFirst(t *testing.T) {
	storage := openTestDB(t)
	ctx := context.Background()

	addHistoryEntries(t, storage, 100)

	page1, total, err := storage.ListHistory(ctx, model.HistoryFilters{}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 100, total)
	require.Len(t, page1, 20)

	// Newest first, strictly descending by start time.
	for i := 1; i < len(page1); i++ {
		assert.True(t, page1[i].StartTime.Before(page1[i-1].StartTime))
	}

	page5, total, err := storage.ListHistory(ctx, model.HistoryFilters{}, 5, 20)
	require.NoError(t, err)
	assert.Equal(t, 100, total)
	require.Len(t, page5, 20)
	assert.True(t, page5[0].StartTime.Before(page1[19].StartTime))
}

func TestListHistoryFeedIndex(t *testing.T) {
	storage := openTestDB(t)
	ctx := context.Background()

	now := time.Now()
	for i, feedID := range []string{"f1", "f2", "f1"} {
		require.NoError(t, storage.AddHistory(ctx, &model.HistoryEntry{
			ID:        fmt.Sprintf("%d-%d", now.Unix()+int64(i), i),
			JobType:   model.JobTypeFeedUpdate,
			FeedID:    feedID,
			StartTime: now.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, total, err := storage.ListHistory(ctx, model.HistoryFilters{FeedID: "f1"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, entry := range entries {
		assert.Equal(t, "f1", entry.FeedID)
	}
}

func TestCleanupHistoryRetention(t *testing.T) {
	storage := openTestDB(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40)
	require.NoError(t, storage.AddHistory(ctx, &model.HistoryEntry{
		ID: fmt.Sprintf("%d-old", old.Unix()), FeedID: "f1", StartTime: old,
	}))
	recent := time.Now().Add(-time.Hour)
	require.NoError(t, storage.AddHistory(ctx, &model.HistoryEntry{
		ID: fmt.Sprintf("%d-recent", recent.Unix()), FeedID: "f1", StartTime: recent,
	}))

	require.NoError(t, storage.CleanupHistory(ctx, 30, 100))

	count, oldest, err := storage.GetHistoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NotNil(t, oldest)
	assert.WithinDuration(t, recent, oldest.StartTime, time.Second)
}

func TestCleanupHistoryMaxEntries(t *testing.T) {
	storage := openTestDB(t)
	ctx := context.Background()

	addHistoryEntries(t, storage, 10)

	require.NoError(t, storage.CleanupHistory(ctx, 365, 3))

	count, _, err := storage.GetHistoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCleanupHistoryDeleteAll(t *testing.T) {
	storage := openTestDB(t)
	ctx := context.Background()

	addHistoryEntries(t, storage, 5)

	require.NoError(t, storage.CleanupHistory(ctx, 0, 0))

	count, oldest, err := storage.GetHistoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Nil(t, oldest)

	// Feed index entries must be gone as well.
	entries, total, err := storage.ListHistory(ctx, model.HistoryFilters{FeedID: "f1"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, entries)
}
