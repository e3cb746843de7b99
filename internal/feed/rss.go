package feed

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"tubecast/internal/model"
)

// RSS is the root document element.
type RSS struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Xmlns   string   `xml:"xmlns:itunes,attr"`
	Channel Channel  `xml:"channel"`
}

// Channel carries the feed-level metadata and the episode items.
type Channel struct {
	Title         string     `xml:"title"`
	Description   string     `xml:"description"`
	Link          string     `xml:"link"`
	Language      string     `xml:"language,omitempty"`
	PubDate       string     `xml:"pubDate,omitempty"`
	LastBuildDate string     `xml:"lastBuildDate"`
	Author        string     `xml:"itunes:author,omitempty"`
	Summary       string     `xml:"itunes:summary,omitempty"`
	Image         *Image     `xml:"itunes:image,omitempty"`
	Owner         *Owner     `xml:"itunes:owner,omitempty"`
	Categories    []Category `xml:"itunes:category,omitempty"`
	Explicit      string     `xml:"itunes:explicit"`
	Items         []Item     `xml:"item"`
}

// Image is the iTunes channel artwork.
type Image struct {
	Href string `xml:"href,attr"`
}

// Owner is the iTunes channel owner.
type Owner struct {
	Name  string `xml:"itunes:name,omitempty"`
	Email string `xml:"itunes:email,omitempty"`
}

// Category is an iTunes category, optionally nested one level deep.
type Category struct {
	Text     string     `xml:"text,attr"`
	Children []Category `xml:"itunes:category,omitempty"`
}

// Item is a single episode entry.
type Item struct {
	Title       string    `xml:"title"`
	Description string    `xml:"description,omitempty"`
	GUID        GUID      `xml:"guid"`
	PubDate     string    `xml:"pubDate"`
	Link        string    `xml:"link,omitempty"`
	Duration    string    `xml:"itunes:duration,omitempty"`
	ItemImage   *Image    `xml:"itunes:image,omitempty"`
	Enclosure   Enclosure `xml:"enclosure"`
}

// GUID identifies the episode; never a permalink since artifacts move.
type GUID struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// Enclosure points at the downloaded media artifact.
type Enclosure struct {
	URL    string `xml:"url,attr"`
	Type   string `xml:"type,attr"`
	Length int64  `xml:"length,attr"`
}

// BuildXML renders the podcast document for a feed. Only downloaded episodes
// become items; everything else has no artifact to enclose.
func BuildXML(f *model.Feed, cfg *Config, hostname string) (string, error) {
	title := f.Title
	if cfg.Custom.Title != "" {
		title = cfg.Custom.Title
	}
	description := f.Description
	if cfg.Custom.Description != "" {
		description = cfg.Custom.Description
	}
	if description == "" {
		description = title
	}
	author := f.Author
	if cfg.Custom.Author != "" {
		author = cfg.Custom.Author
	}
	coverArt := f.CoverArt
	if cfg.Custom.CoverArt != "" {
		coverArt = cfg.Custom.CoverArt
	}
	language := f.Language
	if cfg.Custom.Language != "" {
		language = cfg.Custom.Language
	}
	link := f.URL
	if cfg.Custom.Link != "" {
		link = cfg.Custom.Link
	}

	channel := Channel{
		Title:         title,
		Description:   description,
		Link:          link,
		Language:      language,
		LastBuildDate: time.Now().UTC().Format(time.RFC1123Z),
		Author:        author,
		Summary:       description,
		Explicit:      explicitString(cfg.Custom.Explicit),
	}

	if !f.PubDate.IsZero() {
		channel.PubDate = f.PubDate.UTC().Format(time.RFC1123Z)
	}
	if coverArt != "" {
		channel.Image = &Image{Href: coverArt}
	}
	if cfg.Custom.OwnerName != "" || cfg.Custom.OwnerEmail != "" {
		channel.Owner = &Owner{Name: cfg.Custom.OwnerName, Email: cfg.Custom.OwnerEmail}
	}
	if cfg.Custom.Category != "" {
		category := Category{Text: cfg.Custom.Category}
		for _, sub := range cfg.Custom.Subcategories {
			category.Children = append(category.Children, Category{Text: sub})
		}
		channel.Categories = []Category{category}
	}

	for _, episode := range f.Episodes {
		if episode.Status != model.EpisodeDownloaded {
			continue
		}

		item := Item{
			Title:       episode.Title,
			Description: episode.Description,
			GUID:        GUID{IsPermaLink: "false", Value: episode.ID},
			PubDate:     episode.PubDate.UTC().Format(time.RFC1123Z),
			Link:        episode.VideoURL,
			Duration:    formatDuration(episode.Duration),
			Enclosure: Enclosure{
				URL:    enclosureURL(hostname, f.ID, EpisodeName(cfg, episode)),
				Type:   enclosureType(cfg),
				Length: episode.Size,
			},
		}
		if episode.Thumbnail != "" {
			item.ItemImage = &Image{Href: episode.Thumbnail}
		}

		channel.Items = append(channel.Items, item)
	}

	rss := RSS{
		Version: "2.0",
		Xmlns:   "http://www.itunes.com/dtds/podcast-1.0.dtd",
		Channel: channel,
	}

	out, err := xml.MarshalIndent(rss, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal feed document: %w", err)
	}

	return xml.Header + string(out), nil
}

func enclosureURL(hostname, feedID, name string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(hostname, "/"), feedID, name)
}

func enclosureType(cfg *Config) string {
	switch cfg.Format {
	case model.FormatAudio:
		return "audio/mpeg"
	case model.FormatCustom:
		return "application/octet-stream"
	default:
		return "video/mp4"
	}
}

func explicitString(explicit bool) string {
	if explicit {
		return "true"
	}
	return "false"
}

func formatDuration(seconds int64) string {
	if seconds <= 0 {
		return ""
	}
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
