// Package scheduler drives periodic feed updates. Each feed gets a cron
// entry; fires are funneled through a bounded queue into a single worker so
// updates never run concurrently with each other.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tubecast/internal/feed"
	"tubecast/internal/model"
)

// queueCapacity bounds how many pending updates can pile up before
// scheduled fires start getting dropped.
const queueCapacity = 16

// FeedUpdater runs a full update round for one feed.
type FeedUpdater interface {
	Update(ctx context.Context, feedConfig *feed.Config, trigger model.TriggerType) error
}

type job struct {
	feedConfig *feed.Config
	trigger    model.TriggerType
}

type entry struct {
	id         cron.EntryID
	feedConfig *feed.Config
	// explicit is true when the feed carries its own cron expression, in
	// which case the first run waits for the next tick instead of firing
	// at boot.
	explicit bool
}

// Scheduler owns the cron registry and the update queue.
type Scheduler struct {
	updater FeedUpdater
	cron    *cron.Cron
	queue   chan job

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a scheduler around the given updater. Feeds are registered
// with ScheduleFeed; nothing fires until Run is called.
func New(updater FeedUpdater) *Scheduler {
	return &Scheduler{
		updater: updater,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		queue:   make(chan job, queueCapacity),
		entries: make(map[string]entry),
	}
}

// ScheduleFeed registers (or replaces) the cron entry for a feed. Feeds
// without an explicit cron expression run every UpdatePeriod and are kicked
// once at startup by Run.
func (s *Scheduler) ScheduleFeed(feedConfig *feed.Config) error {
	explicit := feedConfig.CronSchedule != ""
	spec := feedConfig.CronSchedule
	if spec == "" {
		spec = fmt.Sprintf("@every %s", time.Duration(feedConfig.UpdatePeriod).String())
	}

	id, err := s.cron.AddFunc(spec, func() {
		s.enqueue(feedConfig, model.TriggerScheduled)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule feed %q (%q): %w", feedConfig.ID, spec, err)
	}

	s.mu.Lock()
	if old, ok := s.entries[feedConfig.ID]; ok {
		s.cron.Remove(old.id)
	}
	s.entries[feedConfig.ID] = entry{id: id, feedConfig: feedConfig, explicit: explicit}
	s.mu.Unlock()

	slog.Debug("scheduled feed", "feed_id", feedConfig.ID, "schedule", spec)
	return nil
}

// UnscheduleFeed drops the cron entry for a feed, typically after deletion.
func (s *Scheduler) UnscheduleFeed(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[feedID]; ok {
		s.cron.Remove(old.id)
		delete(s.entries, feedID)
	}
}

// NextRun reports when the feed's cron entry fires next, or the zero time
// for unknown feeds.
func (s *Scheduler) NextRun(feedID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[feedID]; ok {
		return s.cron.Entry(e.id).Next
	}
	return time.Time{}
}

// Refresh queues a manual update for a feed. Unlike scheduled fires it
// reports queue pressure back to the caller instead of dropping silently.
func (s *Scheduler) Refresh(feedConfig *feed.Config) error {
	select {
	case s.queue <- job{feedConfig: feedConfig, trigger: model.TriggerManual}:
		slog.Info("queued manual update", "feed_id", feedConfig.ID)
		return nil
	default:
		return fmt.Errorf("update queue is full, try again later")
	}
}

// Run starts the cron engine, kicks interval feeds once, and processes the
// queue until ctx is done. Jobs are handled strictly one at a time.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()

	// Interval feeds update at boot so a fresh install produces output
	// without waiting a full period. Explicit schedules stay untouched,
	// their owners picked exact fire times on purpose.
	s.mu.Lock()
	kicks := make([]*feed.Config, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.explicit {
			kicks = append(kicks, e.feedConfig)
		}
	}
	s.mu.Unlock()
	for _, cfg := range kicks {
		s.enqueue(cfg, model.TriggerScheduled)
	}

	for {
		select {
		case j := <-s.queue:
			if err := s.updater.Update(ctx, j.feedConfig, j.trigger); err != nil {
				slog.Error("feed update failed", "feed_id", j.feedConfig.ID, "error", err)
			}
		case <-ctx.Done():
			slog.Info("shutting down scheduler")
			s.cron.Stop()
			s.drain()
			return ctx.Err()
		}
	}
}

func (s *Scheduler) enqueue(feedConfig *feed.Config, trigger model.TriggerType) {
	select {
	case s.queue <- job{feedConfig: feedConfig, trigger: trigger}:
		slog.Debug("queued feed update", "feed_id", feedConfig.ID, "trigger", trigger)
	default:
		slog.Warn("update queue is full, dropping scheduled update", "feed_id", feedConfig.ID)
	}
}

func (s *Scheduler) drain() {
	for {
		select {
		case j := <-s.queue:
			slog.Debug("discarding queued update", "feed_id", j.feedConfig.ID)
		default:
			close(s.queue)
			return
		}
	}
}
