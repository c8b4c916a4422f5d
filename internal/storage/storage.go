// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"github.com/aprlcat/rssbot/internal/model"
)

// Storage is the interface for all persistence operations.
//
// CommitCursor is the only mutation the polling engine performs; it must be
// atomic per feed. The scheduler's in-flight marker guarantees at most one
// cycle per feed, so concurrent commits to the same feed cannot occur.
type Storage interface {
	CreateFeed(ctx context.Context, feed *model.Feed) error
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	FindFeedByURL(ctx context.Context, url string) (*model.Feed, error)
	ListFeeds(ctx context.Context, guildID int64) ([]model.Feed, error)
	ListDueFeeds(ctx context.Context, cutoff time.Time) ([]model.Feed, error)
	UpdateFeed(ctx context.Context, feed *model.Feed) error
	DeleteFeed(ctx context.Context, guildID int64, url string) (bool, error)

	CommitCursor(ctx context.Context, feedID int64, cursor model.Cursor) error
	MarkChecked(ctx context.Context, feedID int64, at time.Time) error

	Close() error
}
