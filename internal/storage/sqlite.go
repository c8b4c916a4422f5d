package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/aprlcat/rssbot/internal/model"
	"github.com/aprlcat/rssbot/migrations"
)

const timeLayout = "2006-01-02T15:04:05.999999999Z"

const feedColumns = `id, guild_id, channel_id, url, title, webhook_url, is_active,
	last_seen_at, last_seen_ids, last_checked_at, created_at`

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateFeed inserts a new feed and populates its ID and CreatedAt.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.Feed) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (guild_id, channel_id, url, title, webhook_url, is_active,
		                    last_seen_at, last_seen_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		feed.GuildID, feed.ChannelID, feed.URL, feed.Title, feed.WebhookURL,
		boolToInt(feed.IsActive), timeOrNil(feed.Cursor.LastSeenAt),
		encodeIDs(feed.Cursor.LastSeenIDs), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	feed.CreatedAt = now
	return nil
}

// GetFeed returns a single feed by its ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)
	return scanFeed(row)
}

// FindFeedByURL returns the first feed registered for the given URL.
func (s *SQLite) FindFeedByURL(ctx context.Context, url string) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE url = ? ORDER BY id LIMIT 1`, url)
	return scanFeed(row)
}

// ListFeeds returns all feeds belonging to the given guild.
func (s *SQLite) ListFeeds(ctx context.Context, guildID int64) ([]model.Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE guild_id = ? ORDER BY id`, guildID)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeeds(rows)
}

// ListDueFeeds returns all active feeds not checked since cutoff.
func (s *SQLite) ListDueFeeds(ctx context.Context, cutoff time.Time) ([]model.Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds
		 WHERE is_active = 1
		   AND (last_checked_at IS NULL OR last_checked_at <= ?)
		 ORDER BY id`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query due feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeeds(rows)
}

// UpdateFeed persists changes to an existing feed's registration fields.
func (s *SQLite) UpdateFeed(ctx context.Context, feed *model.Feed) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET channel_id = ?, url = ?, title = ?, webhook_url = ?, is_active = ?
		 WHERE id = ?`,
		feed.ChannelID, feed.URL, feed.Title, feed.WebhookURL, boolToInt(feed.IsActive), feed.ID,
	)
	if err != nil {
		return fmt.Errorf("update feed: %w", err)
	}
	return nil
}

// DeleteFeed removes a feed by guild and URL. It reports whether a row was
// actually deleted.
func (s *SQLite) DeleteFeed(ctx context.Context, guildID int64, url string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM feeds WHERE guild_id = ? AND url = ?`, guildID, url)
	if err != nil {
		return false, fmt.Errorf("delete feed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// CommitCursor atomically advances a feed's cursor and records the check
// time. This is the polling engine's only mutation.
func (s *SQLite) CommitCursor(ctx context.Context, feedID int64, cursor model.Cursor) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET last_seen_at = ?, last_seen_ids = ?, last_checked_at = ?
		 WHERE id = ?`,
		timeOrNil(cursor.LastSeenAt), encodeIDs(cursor.LastSeenIDs), now, feedID,
	)
	if err != nil {
		return fmt.Errorf("commit cursor: %w", err)
	}
	return nil
}

// MarkChecked records a poll attempt without touching the cursor. Used for
// cycles that ended in an error or found nothing new.
func (s *SQLite) MarkChecked(ctx context.Context, feedID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET last_checked_at = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), feedID,
	)
	if err != nil {
		return fmt.Errorf("mark checked: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*model.Feed, error) {
	var (
		f           model.Feed
		isActive    int
		lastSeenAt  sql.NullString
		lastSeenIDs string
		lastChecked sql.NullString
		createdAt   string
	)
	err := row.Scan(&f.ID, &f.GuildID, &f.ChannelID, &f.URL, &f.Title, &f.WebhookURL,
		&isActive, &lastSeenAt, &lastSeenIDs, &lastChecked, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.IsActive = isActive != 0

	if lastSeenAt.Valid {
		t, err := time.Parse(timeLayout, lastSeenAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_seen_at: %w", err)
		}
		f.Cursor.LastSeenAt = t
	}
	if err := json.Unmarshal([]byte(lastSeenIDs), &f.Cursor.LastSeenIDs); err != nil {
		return nil, fmt.Errorf("decode last_seen_ids: %w", err)
	}
	if lastChecked.Valid {
		t, err := time.Parse(timeLayout, lastChecked.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_checked_at: %w", err)
		}
		f.LastCheckedAt = &t
	}
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		f.CreatedAt = t
	}
	return &f, nil
}

func scanFeeds(rows *sql.Rows) ([]model.Feed, error) {
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feeds: %w", err)
	}
	return feeds, nil
}

func encodeIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
