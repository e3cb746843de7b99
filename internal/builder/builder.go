package builder

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"tubecast/internal/feed"
	"tubecast/internal/model"
	"tubecast/internal/ytdl"
)

// Downloader is the listing capability the builders need from the download
// driver.
type Downloader interface {
	PlaylistMetadata(ctx context.Context, url string, extraArgs ...string) (ytdl.PlaylistMetadata, error)
	PlaylistEntries(ctx context.Context, url string, limit int, extraArgs ...string) ([]ytdl.PlaylistEntry, error)
}

// Builder produces a feed snapshot (metadata plus the current episode listing)
// for a configured source URL.
type Builder interface {
	Build(ctx context.Context, cfg *feed.Config) (*model.Feed, error)
}

// New returns the listing adapter for a provider. Every supported provider is
// served through the download driver; key carries an optional API credential.
func New(ctx context.Context, provider model.Provider, key string, downloader Downloader) (Builder, error) {
	switch provider {
	case model.ProviderYoutube, model.ProviderVimeo, model.ProviderSoundcloud, model.ProviderTwitch:
		return &listingBuilder{provider: provider, key: key, downloader: downloader}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

// ParseURL determines the provider from a source URL's host.
func ParseURL(link string) (model.Provider, error) {
	parsed, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", link, err)
	}

	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")

	switch {
	case host == "youtube.com" || host == "youtu.be" || strings.HasSuffix(host, ".youtube.com"):
		return model.ProviderYoutube, nil
	case host == "vimeo.com" || strings.HasSuffix(host, ".vimeo.com"):
		return model.ProviderVimeo, nil
	case host == "soundcloud.com" || strings.HasSuffix(host, ".soundcloud.com"):
		return model.ProviderSoundcloud, nil
	case host == "twitch.tv" || strings.HasSuffix(host, ".twitch.tv"):
		return model.ProviderTwitch, nil
	default:
		return "", fmt.Errorf("unsupported URL: %q", link)
	}
}
