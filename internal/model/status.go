package model

// EpisodeStatus is a closed set of episode lifecycle states.
type EpisodeStatus string

const (
	// EpisodeNew is the initial status for episodes discovered in a listing.
	EpisodeNew = EpisodeStatus("new")
	// EpisodeQueued means the episode was selected for download in the
	// current run.
	EpisodeQueued = EpisodeStatus("queued")
	// EpisodeDownloading means the downloader subprocess is running.
	EpisodeDownloading = EpisodeStatus("downloading")
	// EpisodeDownloaded means a committed artifact exists in the store.
	EpisodeDownloaded = EpisodeStatus("downloaded")
	// EpisodeError means the last download attempt failed.
	EpisodeError = EpisodeStatus("error")
	// EpisodeCleaned means the artifact was removed by the cleanup policy but
	// the record is kept to prevent a re-download.
	EpisodeCleaned = EpisodeStatus("cleaned")
	// EpisodeBlocked is sticky: the episode is excluded from listings and
	// downloads until explicitly retried.
	EpisodeBlocked = EpisodeStatus("blocked")
	// EpisodeIgnored means the feed filters rejected the episode.
	EpisodeIgnored = EpisodeStatus("ignored")
)

// transitions encodes the legal status machine for the update pipeline.
// An explicit user retry may additionally reset any status to new; that reset
// bypasses this table on purpose.
var transitions = map[EpisodeStatus][]EpisodeStatus{
	EpisodeNew:         {EpisodeQueued, EpisodeIgnored, EpisodeBlocked, EpisodeDownloaded, EpisodeError},
	EpisodeQueued:      {EpisodeDownloading, EpisodeDownloaded, EpisodeError, EpisodeBlocked},
	EpisodeDownloading: {EpisodeQueued, EpisodeDownloaded, EpisodeError, EpisodeBlocked},
	EpisodeDownloaded:  {EpisodeCleaned, EpisodeBlocked},
	EpisodeError:       {EpisodeQueued, EpisodeBlocked},
	EpisodeCleaned:     {EpisodeBlocked},
	EpisodeBlocked:     {},
	EpisodeIgnored:     {EpisodeBlocked},
}

// Valid reports whether the status is a member of the closed set.
func (s EpisodeStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving to next is a legal pipeline transition.
func (s EpisodeStatus) CanTransition(next EpisodeStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
