package model

import (
	"errors"
	"time"
)

// Shared sentinel errors surfaced by the storage gateway and translated to
// HTTP status codes at the API boundary.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid episode status transition")
)

// Provider identifies the upstream video hosting service a feed pulls from.
type Provider string

const (
	ProviderYoutube    = Provider("youtube")
	ProviderVimeo      = Provider("vimeo")
	ProviderSoundcloud = Provider("soundcloud")
	ProviderTwitch     = Provider("twitch")
)

// Format is the media format episodes are downloaded in.
type Format string

const (
	FormatVideo  = Format("video")
	FormatAudio  = Format("audio")
	FormatCustom = Format("custom")
)

// Quality selects between the best and worst available source streams.
type Quality string

const (
	QualityHigh = Quality("high")
	QualityLow  = Quality("low")
)

// Sorting is the playlist iteration order.
type Sorting string

const (
	SortingAsc  = Sorting("asc")
	SortingDesc = Sorting("desc")
)

const (
	DefaultUpdatePeriod  = 6 * time.Hour
	DefaultPageSize      = 50
	DefaultFormat        = FormatVideo
	DefaultQuality       = QualityHigh
	DefaultLogMaxSize    = 50 // MB
	DefaultLogMaxAge     = 30 // days
	DefaultLogMaxBackups = 7
)

// PathRegex constrains the optional URL base path the server can be mounted at.
const PathRegex = `^[a-zA-Z0-9\-_]+$`

// Feed is the stored representation of a subscription, including the episode
// list loaded via prefix scan.
type Feed struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Provider    Provider   `json:"provider"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Author      string     `json:"author"`
	CoverArt    string     `json:"cover_art"`
	Language    string     `json:"language"`
	PubDate     time.Time  `json:"pub_date"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Episodes    []*Episode `json:"episodes,omitempty"`
}

// Episode is a single media item belonging to a feed.
type Episode struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Thumbnail   string        `json:"thumbnail"`
	Duration    int64         `json:"duration"` // seconds
	VideoURL    string        `json:"video_url"`
	PubDate     time.Time     `json:"pub_date"`
	Size        int64         `json:"size"` // bytes on disk once downloaded
	Status      EpisodeStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
}
