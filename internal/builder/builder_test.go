package builder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubecast/internal/feed"
	"tubecast/internal/model"
	"tubecast/internal/ytdl"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		url      string
		provider model.Provider
		wantErr  bool
	}{
		{"https://www.youtube.com/channel/UC123", model.ProviderYoutube, false},
		{"https://youtube.com/playlist?list=PL1", model.ProviderYoutube, false},
		{"https://youtu.be/abc", model.ProviderYoutube, false},
		{"https://m.youtube.com/c/name", model.ProviderYoutube, false},
		{"https://vimeo.com/channels/staffpicks", model.ProviderVimeo, false},
		{"https://soundcloud.com/artist", model.ProviderSoundcloud, false},
		{"https://www.twitch.tv/streamer", model.ProviderTwitch, false},
		{"https://example.com/feed", "", true},
		{"://bad", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			provider, err := ParseURL(tc.url)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.provider, provider)
		})
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), model.Provider("dailymotion"), "", nil)
	assert.Error(t, err)
}

type fakeDownloader struct {
	metadata      ytdl.PlaylistMetadata
	entries       []ytdl.PlaylistEntry
	lastExtraArgs []string
	lastLimit     int
}

func (f *fakeDownloader) PlaylistMetadata(_ context.Context, _ string, extraArgs ...string) (ytdl.PlaylistMetadata, error) {
	f.lastExtraArgs = extraArgs
	return f.metadata, nil
}

func (f *fakeDownloader) PlaylistEntries(_ context.Context, _ string, limit int, extraArgs ...string) ([]ytdl.PlaylistEntry, error) {
	f.lastLimit = limit
	f.lastExtraArgs = extraArgs
	return f.entries, nil
}

func TestBuildSnapshot(t *testing.T) {
	downloader := &fakeDownloader{
		metadata: ytdl.PlaylistMetadata{
			Title:       "My Channel",
			Description: "Channel description",
			Channel:     "Author",
			Thumbnails: []ytdl.PlaylistThumbnail{
				{URL: "small.jpg", Width: 100, Height: 100},
				{URL: "big.jpg", Width: 800, Height: 800},
			},
		},
		entries: []ytdl.PlaylistEntry{
			{ID: "b", Title: "Newer", Duration: 120.7, WebpageURL: "https://youtube.com/watch?v=b", Timestamp: 1700000100},
			{ID: "a", Title: "Older", Duration: 60, URL: "https://youtube.com/watch?v=a", UploadDate: "20231110"},
		},
	}

	b, err := New(context.Background(), model.ProviderYoutube, "", downloader)
	require.NoError(t, err)

	f, err := b.Build(context.Background(), &feed.Config{ID: "f1", URL: "https://youtube.com/channel/UC1", PageSize: 25})
	require.NoError(t, err)

	assert.Equal(t, "f1", f.ID)
	assert.Equal(t, model.ProviderYoutube, f.Provider)
	assert.Equal(t, "My Channel", f.Title)
	assert.Equal(t, "big.jpg", f.CoverArt)
	assert.Equal(t, 25, downloader.lastLimit)

	require.Len(t, f.Episodes, 2)
	first := f.Episodes[0]
	assert.Equal(t, "b", first.ID)
	assert.Equal(t, int64(120), first.Duration)
	assert.Equal(t, "https://youtube.com/watch?v=b", first.VideoURL)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), first.PubDate)
	assert.Equal(t, model.EpisodeNew, first.Status)

	second := f.Episodes[1]
	assert.Equal(t, "https://youtube.com/watch?v=a", second.VideoURL) // falls back to url
	assert.Equal(t, time.Date(2023, 11, 10, 0, 0, 0, 0, time.UTC), second.PubDate)
}

func TestBuildAscendingReversesPage(t *testing.T) {
	downloader := &fakeDownloader{
		entries: []ytdl.PlaylistEntry{{ID: "newest"}, {ID: "middle"}, {ID: "oldest"}},
	}

	b, err := New(context.Background(), model.ProviderVimeo, "", downloader)
	require.NoError(t, err)

	f, err := b.Build(context.Background(), &feed.Config{ID: "f1", PlaylistSort: model.SortingAsc})
	require.NoError(t, err)

	require.Len(t, f.Episodes, 3)
	assert.Equal(t, "oldest", f.Episodes[0].ID)
	assert.Equal(t, "newest", f.Episodes[2].ID)
}

func TestBuildDefaultPageSizeAndTitleFallback(t *testing.T) {
	downloader := &fakeDownloader{}

	b, err := New(context.Background(), model.ProviderSoundcloud, "", downloader)
	require.NoError(t, err)

	f, err := b.Build(context.Background(), &feed.Config{ID: "f1"})
	require.NoError(t, err)

	assert.Equal(t, model.DefaultPageSize, downloader.lastLimit)
	assert.Equal(t, "f1", f.Title)
}

func TestAuthArgsPerProvider(t *testing.T) {
	downloader := &fakeDownloader{}

	b, err := New(context.Background(), model.ProviderTwitch, "client123", downloader)
	require.NoError(t, err)
	_, err = b.Build(context.Background(), &feed.Config{ID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"--add-header", "Client-ID:client123"}, downloader.lastExtraArgs)

	b, err = New(context.Background(), model.ProviderYoutube, "tok", downloader)
	require.NoError(t, err)
	_, err = b.Build(context.Background(), &feed.Config{ID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"--add-header", "Authorization:Bearer tok"}, downloader.lastExtraArgs)

	b, err = New(context.Background(), model.ProviderVimeo, "", downloader)
	require.NoError(t, err)
	_, err = b.Build(context.Background(), &feed.Config{ID: "f1"})
	require.NoError(t, err)
	assert.Empty(t, downloader.lastExtraArgs)
}
