// Package model defines the domain types used across the application.
package model

import (
	"net/url"
	"time"
)

// Feed represents a syndication feed tracked for one guild.
type Feed struct {
	ID            int64
	GuildID       int64
	ChannelID     int64
	URL           string
	Title         string
	WebhookURL    string
	IsActive      bool
	Cursor        Cursor
	LastCheckedAt *time.Time
	CreatedAt     time.Time
}

// Target builds the delivery target for this feed. The username hint is the
// feed's host so posts in a shared channel are attributable to their source.
func (f Feed) Target() DeliveryTarget {
	username := "RSS Feed"
	if u, err := url.Parse(f.URL); err == nil && u.Host != "" {
		username = u.Host
	}
	return DeliveryTarget{
		WebhookURL: f.WebhookURL,
		Username:   username,
	}
}

// Cursor is the durable progress marker for one feed: the publication time of
// the most recent delivered entry plus the ids of entries sharing that exact
// instant. A zero cursor means the feed has never been successfully polled.
type Cursor struct {
	LastSeenAt  time.Time
	LastSeenIDs []string
}

// IsZero reports whether the cursor has ever been seeded.
func (c Cursor) IsZero() bool {
	return c.LastSeenAt.IsZero()
}

// Contains reports whether id is in the same-instant id set.
func (c Cursor) Contains(id string) bool {
	for _, v := range c.LastSeenIDs {
		if v == id {
			return true
		}
	}
	return false
}

// Entry is a single normalized feed item.
type Entry struct {
	ID          string
	Title       string
	Link        string
	Summary     string
	PublishedAt time.Time
}

// DeliveryTarget identifies the webhook endpoint entries are posted to.
// Multiple feeds may share one target; rate limiting is keyed by WebhookURL.
type DeliveryTarget struct {
	WebhookURL string
	Username   string
}
