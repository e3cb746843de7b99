package progress

import (
	"sync"
	"time"
)

// Download stages reported by the downloader driver.
const (
	StageDownloading = "downloading"
	StageEncoding    = "encoding"
	StageSaving      = "saving"
)

// EpisodeProgress is the volatile download state for one episode. It exists
// only while the episode is mid-pipeline.
type EpisodeProgress struct {
	FeedID         string    `json:"feed_id"`
	EpisodeID      string    `json:"episode_id"`
	EpisodeTitle   string    `json:"episode_title"`
	Stage          string    `json:"stage"`
	Percent        float64   `json:"percent"`
	Downloaded     int64     `json:"downloaded"`
	Total          int64     `json:"total"`
	Speed          string    `json:"speed"`
	StartTime      time.Time `json:"start_time"`
	LastUpdateTime time.Time `json:"last_update"`
}

// FeedProgress is the volatile aggregate state for one running feed update.
type FeedProgress struct {
	FeedID           string    `json:"feed_id"`
	TotalEpisodes    int       `json:"total_episodes"`
	CompletedCount   int       `json:"completed_count"`
	DownloadingCount int       `json:"downloading_count"`
	QueuedCount      int       `json:"queued_count"`
	OverallPercent   float64   `json:"overall_percent"`
	StartTime        time.Time `json:"start_time"`
}

// Tracker holds in-memory download progress. It is safe for many concurrent
// readers; the pipeline is the single writer per episode. Snapshot methods
// return copies so readers never observe torn state.
type Tracker struct {
	mu              sync.RWMutex
	feedProgress    map[string]*FeedProgress    // feedID -> progress
	episodeProgress map[string]*EpisodeProgress // "feedID/episodeID" -> progress
}

func NewTracker() *Tracker {
	return &Tracker{
		feedProgress:    make(map[string]*FeedProgress),
		episodeProgress: make(map[string]*EpisodeProgress),
	}
}

// InitFeedProgress starts tracking a feed update with the given episode count.
func (t *Tracker) InitFeedProgress(feedID string, totalEpisodes int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.feedProgress[feedID] = &FeedProgress{
		FeedID:        feedID,
		TotalEpisodes: totalEpisodes,
		StartTime:     time.Now(),
	}
}

// QueueEpisodes adds count episodes to the feed's queued counter.
func (t *Tracker) QueueEpisodes(feedID string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fp, ok := t.feedProgress[feedID]; ok {
		fp.QueuedCount += count
		t.recalcPercent(fp)
	}
}

// StartEpisode records an episode entering the downloading stage.
func (t *Tracker) StartEpisode(feedID, episodeID, episodeTitle string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.episodeProgress[feedID+"/"+episodeID] = &EpisodeProgress{
		FeedID:         feedID,
		EpisodeID:      episodeID,
		EpisodeTitle:   episodeTitle,
		Stage:          StageDownloading,
		StartTime:      now,
		LastUpdateTime: now,
	}

	if fp, ok := t.feedProgress[feedID]; ok {
		fp.DownloadingCount++
		if fp.QueuedCount > 0 {
			fp.QueuedCount--
		}
		t.recalcPercent(fp)
	}
}

// UpdateEpisode overwrites the instantaneous fields for an episode, creating
// the record if StartEpisode was skipped.
func (t *Tracker) UpdateEpisode(feedID, episodeID, stage string, percent float64, downloaded, total int64, speed string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := feedID + "/" + episodeID
	ep, ok := t.episodeProgress[key]
	if !ok {
		ep = &EpisodeProgress{
			FeedID:    feedID,
			EpisodeID: episodeID,
			StartTime: time.Now(),
		}
		t.episodeProgress[key] = ep
	}

	ep.Stage = stage
	ep.Percent = percent
	ep.Downloaded = downloaded
	ep.Total = total
	ep.Speed = speed
	ep.LastUpdateTime = time.Now()

	if fp, ok := t.feedProgress[feedID]; ok {
		t.recalcPercent(fp)
	}
}

// CompleteEpisode removes the episode record and bumps the feed counters.
func (t *Tracker) CompleteEpisode(feedID, episodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.episodeProgress, feedID+"/"+episodeID)

	if fp, ok := t.feedProgress[feedID]; ok {
		if fp.DownloadingCount > 0 {
			fp.DownloadingCount--
		}
		fp.CompletedCount++
		t.recalcPercent(fp)
	}
}

// ClearFeed drops the feed and all of its episode records. Called when the
// pipeline exits, regardless of outcome.
func (t *Tracker) ClearFeed(feedID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.feedProgress, feedID)

	for key, ep := range t.episodeProgress {
		if ep.FeedID == feedID {
			delete(t.episodeProgress, key)
		}
	}
}

// GetFeedProgress returns a copy of one feed's progress.
func (t *Tracker) GetFeedProgress(feedID string) (*FeedProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	fp, ok := t.feedProgress[feedID]
	if !ok {
		return nil, false
	}

	cp := *fp
	return &cp, true
}

// GetAllFeedProgress returns a copied map of every running feed.
func (t *Tracker) GetAllFeedProgress() map[string]*FeedProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*FeedProgress, len(t.feedProgress))
	for feedID, fp := range t.feedProgress {
		cp := *fp
		result[feedID] = &cp
	}
	return result
}

// GetAllEpisodeProgress returns copies of every in-flight episode.
func (t *Tracker) GetAllEpisodeProgress() []*EpisodeProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*EpisodeProgress, 0, len(t.episodeProgress))
	for _, ep := range t.episodeProgress {
		cp := *ep
		result = append(result, &cp)
	}
	return result
}

// GetEpisodesForFeed returns copies of the in-flight episodes for one feed.
func (t *Tracker) GetEpisodesForFeed(feedID string) []*EpisodeProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*EpisodeProgress, 0)
	for _, ep := range t.episodeProgress {
		if ep.FeedID == feedID {
			cp := *ep
			result = append(result, &cp)
		}
	}
	return result
}

// HasActiveDownloads reports whether anything is currently tracked.
func (t *Tracker) HasActiveDownloads() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.feedProgress) > 0 || len(t.episodeProgress) > 0
}

// recalcPercent recomputes overall progress as completed episodes plus the
// fractional progress of active ones. Caller must hold the lock.
func (t *Tracker) recalcPercent(fp *FeedProgress) {
	if fp.TotalEpisodes == 0 {
		fp.OverallPercent = 0
		return
	}

	completed := float64(fp.CompletedCount)
	for _, ep := range t.episodeProgress {
		if ep.FeedID == fp.FeedID {
			completed += ep.Percent / 100.0
		}
	}

	fp.OverallPercent = completed / float64(fp.TotalEpisodes) * 100
}
