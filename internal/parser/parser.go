// Package parser converts raw feed bytes into normalized entries.
package parser

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"

	"github.com/aprlcat/rssbot/internal/model"
)

// Error wraps a feed body that could not be parsed as any supported format.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse feed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result holds the normalized entries plus the feed's display title.
type Result struct {
	Title   string
	Entries []model.Entry
}

// Normalize parses body as RSS, Atom or JSON-feed and returns the normalized
// entries in source order. The format is sniffed from the content itself;
// declaredType is what the origin server claimed and is advisory only, since
// feeds are routinely served with wrong or generic content types.
//
// Entries missing all identity material (guid, link and title) are skipped;
// the parseable remainder is still returned. Entries without any publication
// timestamp are stamped with the current time rather than the epoch, so a
// feed that omits dates cannot flood its entire backlog in one cycle.
func Normalize(body []byte, declaredType string) (*Result, error) {
	_ = declaredType

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: err}
	}

	now := time.Now().UTC()
	entries := make([]model.Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item.GUID == "" && item.Link == "" && item.Title == "" {
			continue
		}
		entries = append(entries, model.Entry{
			ID:          entryID(item),
			Title:       strings.TrimSpace(item.Title),
			Link:        item.Link,
			Summary:     StripMarkup(summaryOf(item)),
			PublishedAt: publishedAt(item, now),
		})
	}

	return &Result{
		Title:   strings.TrimSpace(feed.Title),
		Entries: entries,
	}, nil
}

// entryID returns a stable identifier for a feed item.
// If the item has no GUID, a SHA-256 hash of link+title is used.
func entryID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Link + "|" + item.Title))
	return fmt.Sprintf("sha256:%x", h[:16])
}

func summaryOf(item *gofeed.Item) string {
	if item.Description != "" {
		return item.Description
	}
	return item.Content
}

func publishedAt(item *gofeed.Item, now time.Time) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return now
}

// StripMarkup reduces an HTML fragment to plain text: tags removed, entities
// decoded, whitespace collapsed to single spaces.
func StripMarkup(s string) string {
	if s == "" {
		return ""
	}
	tok := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.WriteString(tok.Token().Data)
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
