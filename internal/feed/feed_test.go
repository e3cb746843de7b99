package feed

import (
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubecast/internal/model"
)

func TestDurationUnmarshal(t *testing.T) {
	var cfg Config
	err := toml.Unmarshal([]byte(`
url = "https://youtube.com/channel/UC123"
update_period = "12h"
`), &cfg)
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, time.Duration(cfg.UpdatePeriod))

	err = toml.Unmarshal([]byte(`update_period = "not-a-duration"`), &cfg)
	assert.Error(t, err)
}

func TestFiltersMatches(t *testing.T) {
	episode := &model.Episode{
		Title:       "Weekly Review #42",
		Description: "Sponsored content inside",
		Duration:    600,
		PubDate:     time.Now().AddDate(0, 0, -10),
	}

	tests := []struct {
		name    string
		filters Filters
		want    bool
	}{
		{"empty filters pass", Filters{}, true},
		{"title match", Filters{Title: "Weekly"}, true},
		{"title mismatch", Filters{Title: "^Daily"}, false},
		{"not_title excludes", Filters{NotTitle: "Review"}, false},
		{"description match", Filters{Description: "Sponsored"}, true},
		{"not_description excludes", Filters{NotDescription: "Sponsored"}, false},
		{"min duration rejects short", Filters{MinDuration: 601}, false},
		{"max duration rejects long", Filters{MaxDuration: 599}, false},
		{"duration in range", Filters{MinDuration: 60, MaxDuration: 3600}, true},
		{"min age rejects recent", Filters{MinAge: 30}, false},
		{"max age rejects old", Filters{MaxAge: 5}, false},
		{"age in range", Filters{MinAge: 5, MaxAge: 30}, true},
		{"invalid regex rejects", Filters{Title: "("}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filters.Matches(episode))
		})
	}
}

func TestEpisodeName(t *testing.T) {
	episode := &model.Episode{ID: "video1"}

	assert.Equal(t, "video1.mp4", EpisodeName(&Config{Format: model.FormatVideo}, episode))
	assert.Equal(t, "video1.mp3", EpisodeName(&Config{Format: model.FormatAudio}, episode))
	assert.Equal(t, "video1.mkv", EpisodeName(&Config{
		Format:       model.FormatCustom,
		CustomFormat: CustomFormat{Extension: "mkv"},
	}, episode))
}

func TestKeyProviderRotation(t *testing.T) {
	_, err := NewKeyProvider(nil)
	assert.Error(t, err)

	provider, err := NewKeyProvider([]string{"k1", "k2", "k3"})
	require.NoError(t, err)

	assert.Equal(t, "k1", provider.Get())
	assert.Equal(t, "k2", provider.Get())
	assert.Equal(t, "k3", provider.Get())
	assert.Equal(t, "k1", provider.Get())
}

func TestBuildXMLOnlyDownloadedEpisodes(t *testing.T) {
	f := &model.Feed{
		ID:       "feed1",
		URL:      "https://youtube.com/channel/UC123",
		Title:    "My Channel",
		Author:   "Someone",
		CoverArt: "https://example.com/cover.jpg",
		PubDate:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Episodes: []*model.Episode{
			{ID: "a", Title: "Downloaded", Status: model.EpisodeDownloaded, Size: 1024, Duration: 3725,
				PubDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
			{ID: "b", Title: "Blocked", Status: model.EpisodeBlocked},
			{ID: "c", Title: "Pending", Status: model.EpisodeNew},
			{ID: "d", Title: "Cleaned", Status: model.EpisodeCleaned},
		},
	}
	cfg := &Config{ID: "feed1", Format: model.FormatVideo}

	out, err := BuildXML(f, cfg, "http://localhost:8080/")
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(out, "<item>"))
	assert.Contains(t, out, "<title>Downloaded</title>")
	assert.NotContains(t, out, "Blocked")
	assert.NotContains(t, out, "Pending")
	assert.NotContains(t, out, "Cleaned")
	assert.Contains(t, out, `url="http://localhost:8080/feed1/a.mp4"`)
	assert.Contains(t, out, `type="video/mp4"`)
	assert.Contains(t, out, `length="1024"`)
	assert.Contains(t, out, "<itunes:duration>01:02:05</itunes:duration>")
	assert.Contains(t, out, `href="https://example.com/cover.jpg"`)
}

func TestBuildXMLCustomOverrides(t *testing.T) {
	f := &model.Feed{ID: "feed1", Title: "Original", Author: "Original Author"}
	cfg := &Config{
		ID:     "feed1",
		Format: model.FormatAudio,
		Custom: Custom{
			Title:         "Custom Title",
			Author:        "Custom Author",
			Category:      "Technology",
			Subcategories: []string{"Podcasting"},
			Explicit:      true,
			OwnerName:     "Owner",
			OwnerEmail:    "owner@example.com",
		},
	}

	out, err := BuildXML(f, cfg, "http://localhost")
	require.NoError(t, err)

	assert.Contains(t, out, "<title>Custom Title</title>")
	assert.Contains(t, out, "<itunes:author>Custom Author</itunes:author>")
	assert.Contains(t, out, `<itunes:category text="Technology">`)
	assert.Contains(t, out, `<itunes:category text="Podcasting">`)
	assert.Contains(t, out, "<itunes:explicit>true</itunes:explicit>")
	assert.Contains(t, out, "<itunes:email>owner@example.com</itunes:email>")
	assert.NotContains(t, out, "Original Author")
}

func TestBuildOPML(t *testing.T) {
	out, err := BuildOPML([]OPMLEntry{
		{FeedID: "feed1", Title: "Feed One"},
		{FeedID: "feed2"},
	}, "http://localhost:8080")
	require.NoError(t, err)

	assert.Contains(t, out, `xmlUrl="http://localhost:8080/feed1.xml"`)
	assert.Contains(t, out, `title="Feed One"`)
	assert.Contains(t, out, `title="feed2"`) // falls back to the ID
}

func TestHookInvoke(t *testing.T) {
	hook := &Hook{Command: `test "$EPISODE_FILE" = "/tmp/a.mp4"`}
	err := hook.Invoke([]string{"EPISODE_FILE=/tmp/a.mp4"})
	assert.NoError(t, err)

	failing := &Hook{Command: "exit 3"}
	assert.Error(t, failing.Invoke(nil))

	empty := &Hook{}
	assert.Error(t, empty.Invoke(nil))
}

func TestHookInvokeTimeout(t *testing.T) {
	hook := &Hook{Command: "sleep 10", Timeout: Duration(50 * time.Millisecond)}

	started := time.Now()
	assert.Error(t, hook.Invoke(nil))
	assert.Less(t, time.Since(started), 5*time.Second)

	// Zero timeout means the hook runs to completion.
	unbounded := &Hook{Command: "true"}
	assert.NoError(t, unbounded.Invoke(nil))
}
