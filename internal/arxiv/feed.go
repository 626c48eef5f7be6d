package arxiv

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/jackzampolin/skim/internal/paper"
)

// atomFeed mirrors the subset of the index's Atom response we consume.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string       `xml:"id"`
	Title     string       `xml:"title"`
	Summary   string       `xml:"summary"`
	Published string       `xml:"published"`
	Authors   []atomAuthor `xml:"author"`
	Links     []atomLink   `xml:"link"`
	Tags      []atomTag    `xml:"category"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type atomTag struct {
	Term string `xml:"term,attr"`
}

func parseFeed(body []byte) ([]atomEntry, error) {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return feed.Entries, nil
}

// toRecord normalizes one feed entry into a pipeline record stub.
func (e atomEntry) toRecord() *paper.Record {
	authors := make([]string, 0, len(e.Authors))
	for _, a := range e.Authors {
		if a.Name != "" {
			authors = append(authors, a.Name)
		}
	}

	categories := make([]string, 0, len(e.Tags))
	for _, t := range e.Tags {
		if t.Term != "" {
			categories = append(categories, t.Term)
		}
	}

	return &paper.Record{
		PaperID:       paperIDFromURL(e.ID),
		Title:         normalizeWhitespace(e.Title),
		Abstract:      normalizeWhitespace(e.Summary),
		Categories:    strings.Join(categories, ", "),
		Authors:       strings.Join(authors, ", "),
		PublishedDate: formatPublished(e.Published),
		PDFURL:        e.pdfURL(),
	}
}

// pdfURL prefers the explicit PDF link; otherwise derives it from the
// canonical abs URL.
func (e atomEntry) pdfURL() string {
	for _, l := range e.Links {
		if l.Type == "application/pdf" || l.Rel == "related" && strings.Contains(l.Href, "/pdf/") {
			return l.Href
		}
	}
	if strings.Contains(e.ID, "/abs/") {
		return strings.Replace(e.ID, "/abs/", "/pdf/", 1)
	}
	return ""
}

// formatPublished normalizes the feed timestamp to a date string.
func formatPublished(published string) string {
	t, err := time.Parse(time.RFC3339, published)
	if err != nil {
		return published
	}
	return t.Format("2006-01-02")
}

// normalizeWhitespace collapses the feed's hard-wrapped text into single
// spaces.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
