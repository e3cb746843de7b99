package update

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubecast/internal/db"
	"tubecast/internal/feed"
	"tubecast/internal/fs"
	"tubecast/internal/history"
	"tubecast/internal/model"
	"tubecast/internal/ytdl"
)

// fakeDriver serves canned listings and downloads from memory.
type fakeDriver struct {
	metadata    ytdl.PlaylistMetadata
	entries     []ytdl.PlaylistEntry
	content     map[string]string // episodeID -> media bytes
	rateLimited map[string]bool   // episodeID -> respond with 429
	downloads   []string          // episode IDs in download order
}

func (d *fakeDriver) PlaylistMetadata(_ context.Context, _ string, _ ...string) (ytdl.PlaylistMetadata, error) {
	return d.metadata, nil
}

func (d *fakeDriver) PlaylistEntries(_ context.Context, _ string, limit int, _ ...string) ([]ytdl.PlaylistEntry, error) {
	if len(d.entries) > limit {
		return d.entries[:limit], nil
	}
	return d.entries, nil
}

func (d *fakeDriver) Download(_ context.Context, _ *feed.Config, episode *model.Episode, sink ytdl.ProgressFunc) (io.ReadCloser, error) {
	if d.rateLimited[episode.ID] {
		return nil, ytdl.ErrTooManyRequests
	}

	if sink != nil {
		sink("downloading", 50, 1, 2, "1.0MiB/s")
		sink("downloading", 100, 2, 2, "1.0MiB/s")
	}

	d.downloads = append(d.downloads, episode.ID)

	content, ok := d.content[episode.ID]
	if !ok {
		content = "media-" + episode.ID
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

type testEnv struct {
	manager *Manager
	storage db.Storage
	driver  *fakeDriver
	dataDir string
}

func newTestEnv(t *testing.T, feedConfig *feed.Config, driver *fakeDriver) *testEnv {
	t.Helper()

	storage, err := db.NewBadger(&db.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	dataDir := t.TempDir()
	local, err := fs.NewLocal(dataDir)
	require.NoError(t, err)

	recorder := history.NewRecorder(storage, true)

	manager := NewUpdater(
		map[string]*feed.Config{feedConfig.ID: feedConfig},
		nil,
		"http://localhost:8080",
		driver,
		storage,
		local,
		recorder,
	)

	return &testEnv{manager: manager, storage: storage, driver: driver, dataDir: dataDir}
}

func entry(id string, duration float64, pubDate time.Time) ytdl.PlaylistEntry {
	return ytdl.PlaylistEntry{
		ID:         id,
		Title:      "Episode " + id,
		Duration:   duration,
		WebpageURL: "https://youtube.com/watch?v=" + id,
		Timestamp:  pubDate.Unix(),
	}
}

func audioFeed(id string) *feed.Config {
	return &feed.Config{
		ID:       id,
		URL:      "https://youtube.com/channel/UC-" + id,
		Format:   model.FormatAudio,
		Quality:  model.QualityHigh,
		PageSize: 50,
	}
}

func (e *testEnv) episodeStatus(t *testing.T, feedID, episodeID string) model.EpisodeStatus {
	t.Helper()

	episode, err := e.storage.GetEpisode(context.Background(), feedID, episodeID)
	require.NoError(t, err)
	return episode.Status
}

func (e *testEnv) artifactExists(name string) bool {
	_, err := os.Stat(filepath.Join(e.dataDir, name))
	return err == nil
}

func (e *testEnv) latestHistory(t *testing.T) *model.HistoryEntry {
	t.Helper()

	entries, _, err := e.storage.ListHistory(context.Background(), model.HistoryFilters{}, 1, 1)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[0]
}

func TestUpdateFreshFeedAllSucceed(t *testing.T) {
	now := time.Now()
	driver := &fakeDriver{
		metadata: ytdl.PlaylistMetadata{Title: "Channel One"},
		entries: []ytdl.PlaylistEntry{
			entry("A", 120, now.Add(-3*time.Hour)),
			entry("B", 300, now.Add(-2*time.Hour)),
			entry("C", 60, now.Add(-1*time.Hour)),
		},
		content: map[string]string{"A": "aaaa", "B": "bbbbbb", "C": "cc"},
	}

	env := newTestEnv(t, audioFeed("F1"), driver)
	require.NoError(t, env.manager.Update(context.Background(), env.manager.feeds["F1"], model.TriggerScheduled))

	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, model.EpisodeDownloaded, env.episodeStatus(t, "F1", id))
		assert.True(t, env.artifactExists("F1/"+id+".mp3"), "artifact for %s", id)
	}
	assert.True(t, env.artifactExists("F1.xml"))

	hist := env.latestHistory(t)
	assert.Equal(t, model.JobStatusSuccess, hist.Status)
	assert.Equal(t, 3, hist.Statistics.EpisodesQueued)
	assert.Equal(t, 3, hist.Statistics.EpisodesDownloaded)
	assert.Equal(t, 0, hist.Statistics.EpisodesFailed)
	assert.EqualValues(t, len("aaaa")+len("bbbbbb")+len("cc"), hist.Statistics.BytesDownloaded)
	assert.Len(t, hist.Statistics.EpisodeDetails, 3)

	// Tracker is cleared once the run finishes.
	assert.False(t, env.manager.ProgressTracker().HasActiveDownloads())
}

func TestUpdateFilterRejectsShortVideos(t *testing.T) {
	now := time.Now()
	driver := &fakeDriver{
		entries: []ytdl.PlaylistEntry{
			entry("A", 60, now.Add(-2*time.Hour)),
			entry("B", 200, now.Add(-1*time.Hour)),
		},
	}

	cfg := audioFeed("F1")
	cfg.Filters = feed.Filters{MinDuration: 120}

	env := newTestEnv(t, cfg, driver)
	require.NoError(t, env.manager.Update(context.Background(), cfg, model.TriggerScheduled))

	assert.Equal(t, model.EpisodeIgnored, env.episodeStatus(t, "F1", "A"))
	assert.Equal(t, model.EpisodeDownloaded, env.episodeStatus(t, "F1", "B"))

	hist := env.latestHistory(t)
	assert.Equal(t, model.JobStatusSuccess, hist.Status)
	assert.Equal(t, 1, hist.Statistics.EpisodesQueued)
	assert.Equal(t, 1, hist.Statistics.EpisodesDownloaded)
	assert.Equal(t, 1, hist.Statistics.EpisodesIgnored)
}

func TestUpdateRateLimitHaltsRun(t *testing.T) {
	now := time.Now()
	driver := &fakeDriver{
		entries: []ytdl.PlaylistEntry{
			entry("A", 100, now.Add(-3*time.Hour)),
			entry("B", 100, now.Add(-2*time.Hour)),
			entry("C", 100, now.Add(-1*time.Hour)),
		},
		rateLimited: map[string]bool{"B": true},
	}

	env := newTestEnv(t, audioFeed("F1"), driver)
	require.NoError(t, env.manager.Update(context.Background(), env.manager.feeds["F1"], model.TriggerScheduled))

	assert.Equal(t, model.EpisodeDownloaded, env.episodeStatus(t, "F1", "A"))
	assert.Equal(t, model.EpisodeQueued, env.episodeStatus(t, "F1", "B"))
	assert.Equal(t, model.EpisodeQueued, env.episodeStatus(t, "F1", "C"))
	assert.Equal(t, []string{"A"}, driver.downloads)

	// The feed document is still rebuilt.
	assert.True(t, env.artifactExists("F1.xml"))

	hist := env.latestHistory(t)
	assert.Equal(t, model.JobStatusPartial, hist.Status)
	assert.Equal(t, 1, hist.Statistics.EpisodesDownloaded)
	assert.Equal(t, 0, hist.Statistics.EpisodesFailed)
	assert.Empty(t, hist.Error)
}

func TestRateLimitedQueueCarriesOverToNextRun(t *testing.T) {
	now := time.Now()
	driver := &fakeDriver{
		entries: []ytdl.PlaylistEntry{
			entry("A", 100, now.Add(-3*time.Hour)),
			entry("B", 100, now.Add(-2*time.Hour)),
			entry("C", 100, now.Add(-1*time.Hour)),
		},
		rateLimited: map[string]bool{"B": true},
	}

	env := newTestEnv(t, audioFeed("F1"), driver)
	ctx := context.Background()
	cfg := env.manager.feeds["F1"]

	require.NoError(t, env.manager.Update(ctx, cfg, model.TriggerScheduled))
	assert.Equal(t, model.EpisodeQueued, env.episodeStatus(t, "F1", "B"))
	assert.Equal(t, model.EpisodeQueued, env.episodeStatus(t, "F1", "C"))

	// Rate limit lifted; the next scheduled run drains the carried-over queue.
	driver.rateLimited = nil
	require.NoError(t, env.manager.Update(ctx, cfg, model.TriggerScheduled))

	assert.Equal(t, model.EpisodeDownloaded, env.episodeStatus(t, "F1", "B"))
	assert.Equal(t, model.EpisodeDownloaded, env.episodeStatus(t, "F1", "C"))
	assert.True(t, env.artifactExists("F1/B.mp3"))
	assert.True(t, env.artifactExists("F1/C.mp3"))

	hist := env.latestHistory(t)
	assert.Equal(t, model.JobStatusSuccess, hist.Status)
	assert.Equal(t, 2, hist.Statistics.EpisodesDownloaded)
}

func TestBlockSticksThroughRefresh(t *testing.T) {
	now := time.Now()
	driver := &fakeDriver{
		entries: []ytdl.PlaylistEntry{entry("A", 100, now.Add(-time.Hour))},
	}

	env := newTestEnv(t, audioFeed("F1"), driver)
	ctx := context.Background()
	cfg := env.manager.feeds["F1"]

	require.NoError(t, env.manager.Update(ctx, cfg, model.TriggerScheduled))
	require.True(t, env.artifactExists("F1/A.mp3"))

	require.NoError(t, env.manager.BlockEpisode(ctx, "F1", "A"))
	assert.Equal(t, model.EpisodeBlocked, env.episodeStatus(t, "F1", "A"))
	assert.False(t, env.artifactExists("F1/A.mp3"))

	// The listing still returns A; it must stay blocked.
	require.NoError(t, env.manager.Update(ctx, cfg, model.TriggerScheduled))
	assert.Equal(t, model.EpisodeBlocked, env.episodeStatus(t, "F1", "A"))
	assert.False(t, env.artifactExists("F1/A.mp3"))

	data, err := os.ReadFile(filepath.Join(env.dataDir, "F1.xml"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Episode A")

	// One block entry plus one entry per update run.
	entries, total, err := env.storage.ListHistory(ctx, model.HistoryFilters{FeedID: "F1"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	blockEntries := 0
	for _, e := range entries {
		if e.JobType == model.JobTypeEpisodeBlock {
			blockEntries++
		}
	}
	assert.Equal(t, 1, blockEntries)
}

func TestCleanupKeepsLastTwo(t *testing.T) {
	now := time.Now()
	driver := &fakeDriver{
		entries: []ytdl.PlaylistEntry{
			entry("t1", 100, now.Add(-4*time.Hour)),
			entry("t2", 100, now.Add(-3*time.Hour)),
			entry("t3", 100, now.Add(-2*time.Hour)),
			entry("t4", 100, now.Add(-1*time.Hour)),
		},
	}

	cfg := audioFeed("F1")
	cfg.Clean = &feed.Cleanup{KeepLast: 2}

	env := newTestEnv(t, cfg, driver)
	require.NoError(t, env.manager.Update(context.Background(), cfg, model.TriggerScheduled))

	assert.Equal(t, model.EpisodeDownloaded, env.episodeStatus(t, "F1", "t3"))
	assert.Equal(t, model.EpisodeDownloaded, env.episodeStatus(t, "F1", "t4"))
	assert.True(t, env.artifactExists("F1/t3.mp3"))
	assert.True(t, env.artifactExists("F1/t4.mp3"))

	for _, id := range []string{"t1", "t2"} {
		episode, err := env.storage.GetEpisode(context.Background(), "F1", id)
		require.NoError(t, err)
		assert.Equal(t, model.EpisodeCleaned, episode.Status)
		assert.Empty(t, episode.Title)
		assert.Empty(t, episode.Description)
		assert.False(t, env.artifactExists("F1/"+id+".mp3"))
	}
}

func TestReconciliationRemovesVanishedPending(t *testing.T) {
	now := time.Now()
	driver := &fakeDriver{
		entries: []ytdl.PlaylistEntry{entry("keep", 100, now.Add(-2*time.Hour))},
	}

	env := newTestEnv(t, audioFeed("F1"), driver)
	ctx := context.Background()
	cfg := env.manager.feeds["F1"]

	// A pending episode the upstream channel no longer lists, plus a
	// downloaded one that must survive reconciliation.
	require.NoError(t, env.storage.AddFeed(ctx, "F1", &model.Feed{
		ID: "F1",
		Episodes: []*model.Episode{
			{ID: "gone", Status: model.EpisodeNew},
			{ID: "old", Status: model.EpisodeDownloaded, Size: 10},
		},
	}))

	require.NoError(t, env.manager.Update(ctx, cfg, model.TriggerScheduled))

	_, err := env.storage.GetEpisode(ctx, "F1", "gone")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = env.storage.GetEpisode(ctx, "F1", "old")
	assert.NoError(t, err)

	_, err = env.storage.GetEpisode(ctx, "F1", "keep")
	assert.NoError(t, err)
}

func TestRetryEpisodeAfterFailure(t *testing.T) {
	now := time.Now()
	driver := &fakeDriver{
		entries:     []ytdl.PlaylistEntry{entry("A", 100, now.Add(-time.Hour))},
		rateLimited: map[string]bool{"A": true},
	}

	env := newTestEnv(t, audioFeed("F1"), driver)
	ctx := context.Background()
	cfg := env.manager.feeds["F1"]

	require.NoError(t, env.manager.Update(ctx, cfg, model.TriggerScheduled))
	assert.Equal(t, model.EpisodeQueued, env.episodeStatus(t, "F1", "A"))

	// Rate limit lifted; the explicit retry downloads and publishes.
	driver.rateLimited = nil
	require.NoError(t, env.manager.RetryEpisode(ctx, "F1", "A"))

	assert.Equal(t, model.EpisodeDownloaded, env.episodeStatus(t, "F1", "A"))
	assert.True(t, env.artifactExists("F1/A.mp3"))

	data, err := os.ReadFile(filepath.Join(env.dataDir, "F1.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Episode A")
}

func TestDeleteEpisodeRemovesRecordAndArtifact(t *testing.T) {
	now := time.Now()
	driver := &fakeDriver{
		entries: []ytdl.PlaylistEntry{entry("A", 100, now.Add(-time.Hour))},
	}

	env := newTestEnv(t, audioFeed("F1"), driver)
	ctx := context.Background()

	require.NoError(t, env.manager.Update(ctx, env.manager.feeds["F1"], model.TriggerScheduled))
	require.True(t, env.artifactExists("F1/A.mp3"))

	require.NoError(t, env.manager.DeleteEpisode(ctx, "F1", "A"))

	assert.False(t, env.artifactExists("F1/A.mp3"))
	_, err := env.storage.GetEpisode(ctx, "F1", "A")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteFeedRemovesEverything(t *testing.T) {
	now := time.Now()
	driver := &fakeDriver{
		entries: []ytdl.PlaylistEntry{entry("A", 100, now.Add(-time.Hour))},
	}

	env := newTestEnv(t, audioFeed("F1"), driver)
	ctx := context.Background()

	require.NoError(t, env.manager.Update(ctx, env.manager.feeds["F1"], model.TriggerScheduled))

	require.NoError(t, env.manager.DeleteFeed(ctx, "F1"))

	assert.False(t, env.artifactExists("F1/A.mp3"))
	assert.False(t, env.artifactExists("F1.xml"))

	_, err := env.storage.GetFeed(ctx, "F1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, ok := env.manager.FeedConfig("F1")
	assert.False(t, ok)
}

func TestUpdateIdempotentWhenArtifactExists(t *testing.T) {
	now := time.Now()
	driver := &fakeDriver{
		entries: []ytdl.PlaylistEntry{entry("A", 100, now.Add(-time.Hour))},
	}

	env := newTestEnv(t, audioFeed("F1"), driver)
	ctx := context.Background()
	cfg := env.manager.feeds["F1"]

	// Artifact already committed by a previous run; record still pending.
	local, err := fs.NewLocal(env.dataDir)
	require.NoError(t, err)
	_, err = local.Create(ctx, "F1/A.mp3", strings.NewReader("preexisting"))
	require.NoError(t, err)

	require.NoError(t, env.manager.Update(ctx, cfg, model.TriggerScheduled))

	episode, err := env.storage.GetEpisode(ctx, "F1", "A")
	require.NoError(t, err)
	assert.Equal(t, model.EpisodeDownloaded, episode.Status)
	assert.EqualValues(t, len("preexisting"), episode.Size)

	// Driver was never invoked for it.
	assert.Empty(t, driver.downloads)
}
