package model

import "time"

// JobType identifies the kind of operation a history entry records.
type JobType string

const (
	JobTypeFeedUpdate    = JobType("feed_update")
	JobTypeEpisodeRetry  = JobType("episode_retry")
	JobTypeEpisodeDelete = JobType("episode_delete")
	JobTypeEpisodeBlock  = JobType("episode_block")
)

// JobStatus is the lifecycle status of a recorded job.
type JobStatus string

const (
	JobStatusRunning = JobStatus("running")
	JobStatusSuccess = JobStatus("success")
	JobStatusFailed  = JobStatus("failed")
	// JobStatusPartial means some episodes succeeded and some failed.
	JobStatusPartial = JobStatus("partial")
)

// TriggerType records how a job was initiated.
type TriggerType string

const (
	TriggerScheduled = TriggerType("scheduled")
	TriggerManual    = TriggerType("manual")
)

// HistoryEntry is one recorded job run. IDs are "<unix>-<uuid>" so that
// lexicographic key order equals chronological order.
type HistoryEntry struct {
	ID           string        `json:"id"`
	JobType      JobType       `json:"job_type"`
	FeedID       string        `json:"feed_id"`
	FeedTitle    string        `json:"feed_title"`
	EpisodeID    string        `json:"episode_id,omitempty"`
	EpisodeTitle string        `json:"episode_title,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	Duration     time.Duration `json:"duration"`
	Status       JobStatus     `json:"status"`
	TriggerType  TriggerType   `json:"trigger_type"`
	Statistics   JobStatistics `json:"statistics"`
	Error        string        `json:"error,omitempty"`
}

// JobStatistics aggregates per-run counters, captured at job end.
type JobStatistics struct {
	EpisodesQueued     int             `json:"episodes_queued"`
	EpisodesDownloaded int             `json:"episodes_downloaded"`
	EpisodesFailed     int             `json:"episodes_failed"`
	EpisodesIgnored    int             `json:"episodes_ignored"`
	BytesDownloaded    int64           `json:"bytes_downloaded"`
	EpisodeDetails     []EpisodeDetail `json:"episode_details,omitempty"`
}

// EpisodeDetail is the per-episode outcome attached to a closed entry.
type EpisodeDetail struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Duration int64  `json:"duration,omitempty"`
}

// HistoryFilters narrows ListHistory scans. Zero values mean "no filter".
type HistoryFilters struct {
	FeedID    string    `json:"feed_id"`
	JobType   JobType   `json:"job_type"`
	Status    JobStatus `json:"status"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Search    string    `json:"search"`
}
