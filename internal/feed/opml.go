package feed

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// OPML is the subscription export document for feeds with opml = true.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    OPMLHead `xml:"head"`
	Body    OPMLBody `xml:"body"`
}

type OPMLHead struct {
	Title       string `xml:"title"`
	DateCreated string `xml:"dateCreated"`
}

type OPMLBody struct {
	Outlines []Outline `xml:"outline"`
}

type Outline struct {
	Text   string `xml:"text,attr"`
	Title  string `xml:"title,attr"`
	Type   string `xml:"type,attr"`
	XMLURL string `xml:"xmlUrl,attr"`
}

// OPMLEntry is one exported subscription.
type OPMLEntry struct {
	FeedID string
	Title  string
}

// BuildOPML renders the export document listing every opted-in feed.
func BuildOPML(entries []OPMLEntry, hostname string) (string, error) {
	body := OPMLBody{}
	for _, entry := range entries {
		title := entry.Title
		if title == "" {
			title = entry.FeedID
		}
		body.Outlines = append(body.Outlines, Outline{
			Text:   title,
			Title:  title,
			Type:   "rss",
			XMLURL: fmt.Sprintf("%s/%s.xml", strings.TrimRight(hostname, "/"), entry.FeedID),
		})
	}

	doc := OPML{
		Version: "1.0",
		Head: OPMLHead{
			Title:       "Podcast subscriptions",
			DateCreated: time.Now().UTC().Format(time.RFC1123Z),
		},
		Body: body,
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal opml document: %w", err)
	}

	return xml.Header + string(out), nil
}
