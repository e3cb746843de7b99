package feed

import (
	"log/slog"
	"regexp"
	"time"

	"tubecast/internal/model"
)

// Filters decide which fetched episodes enter the download queue. An episode
// must pass every configured predicate; rejected episodes are persisted as
// ignored.
type Filters struct {
	Title          string `toml:"title"`
	NotTitle       string `toml:"not_title"`
	Description    string `toml:"description"`
	NotDescription string `toml:"not_description"`
	// MinDuration and MaxDuration are in seconds; zero disables the bound.
	MinDuration int64 `toml:"min_duration"`
	MaxDuration int64 `toml:"max_duration"`
	// MinAge and MaxAge are in days relative to the episode publish date.
	MinAge int `toml:"min_age"`
	MaxAge int `toml:"max_age"`
}

// Matches reports whether the episode passes every configured predicate.
// A regex that fails to compile is treated as non-matching and logged.
func (f Filters) Matches(episode *model.Episode) bool {
	if f.Title != "" && !matchRegexp(f.Title, episode.Title) {
		return false
	}
	if f.NotTitle != "" && matchRegexp(f.NotTitle, episode.Title) {
		return false
	}
	if f.Description != "" && !matchRegexp(f.Description, episode.Description) {
		return false
	}
	if f.NotDescription != "" && matchRegexp(f.NotDescription, episode.Description) {
		return false
	}
	if f.MinDuration > 0 && episode.Duration < f.MinDuration {
		return false
	}
	if f.MaxDuration > 0 && episode.Duration > f.MaxDuration {
		return false
	}

	if f.MinAge > 0 || f.MaxAge > 0 {
		age := int(time.Since(episode.PubDate).Hours() / 24)
		if f.MinAge > 0 && age < f.MinAge {
			return false
		}
		if f.MaxAge > 0 && age > f.MaxAge {
			return false
		}
	}

	return true
}

func matchRegexp(pattern, str string) bool {
	matched, err := regexp.MatchString(pattern, str)
	if err != nil {
		slog.Warn("invalid filter pattern", "pattern", pattern, "error", err)
		return false
	}
	return matched
}
