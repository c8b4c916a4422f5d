// Package dispatch delivers normalized entries to webhook targets with
// per-target rate limiting and bounded retry.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/aprlcat/rssbot/internal/model"
)

const (
	maxTitleLen       = 256
	maxDescriptionLen = 2000
	embedColor        = 0xb4befe

	defaultSendInterval  = 1500 * time.Millisecond
	defaultRetryInterval = 500 * time.Millisecond
	defaultMaxRetries    = 3
)

// Error reports a failed delivery attempt to a webhook target.
type Error struct {
	Target string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("deliver to %s: unexpected status %d", e.Target, e.Status)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result reports the outcome of delivering one ordered batch. Delivery halts
// at the first entry that exhausts its retries, so Delivered is the length of
// the successfully sent prefix and Err describes the entry that stopped it.
type Result struct {
	Delivered int
	Err       error
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher posts entries to webhook endpoints. Limiters are keyed by
// webhook URL and shared across all feeds mapping to the same target, so many
// feeds notifying one channel cannot collectively exceed its accepted rate.
type Dispatcher struct {
	client HTTPClient
	log    *slog.Logger

	sendInterval  time.Duration
	retryInterval time.Duration
	maxRetries    uint64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Dispatcher with the given HTTP client.
func New(client HTTPClient, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:        client,
		log:           log,
		sendInterval:  defaultSendInterval,
		retryInterval: defaultRetryInterval,
		maxRetries:    defaultMaxRetries,
		limiters:      make(map[string]*rate.Limiter),
	}
}

// SetSendInterval overrides the minimum spacing between posts to one target.
func (d *Dispatcher) SetSendInterval(interval time.Duration) {
	d.sendInterval = interval
}

// SetRetry overrides the per-send retry budget and initial backoff interval.
func (d *Dispatcher) SetRetry(maxRetries uint64, initial time.Duration) {
	d.maxRetries = maxRetries
	d.retryInterval = initial
}

// Deliver posts entries to target strictly in the order given. A failure on
// one entry halts delivery of the rest of the batch so the target never sees
// entries out of chronological order. The store is never touched here.
func (d *Dispatcher) Deliver(ctx context.Context, entries []model.Entry, target model.DeliveryTarget) Result {
	for i, entry := range entries {
		if err := d.send(ctx, entry, target); err != nil {
			return Result{Delivered: i, Err: err}
		}
	}
	return Result{Delivered: len(entries)}
}

func (d *Dispatcher) send(ctx context.Context, entry model.Entry, target model.DeliveryTarget) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.retryInterval

	op := func() error {
		err := d.post(ctx, entry, target)
		if err != nil {
			d.log.Debug("delivery attempt failed",
				"target", target.WebhookURL, "entry_id", entry.ID, "error", err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, d.maxRetries), ctx))
}

func (d *Dispatcher) post(ctx context.Context, entry model.Entry, target model.DeliveryTarget) error {
	// Waiting on an exhausted bucket blocks the batch rather than dropping
	// entries; chronological order is preserved either way.
	if err := d.limiter(target.WebhookURL).Wait(ctx); err != nil {
		return backoff.Permanent(&Error{Target: target.WebhookURL, Err: err})
	}

	payload, err := json.Marshal(buildPayload(entry, target))
	if err != nil {
		return backoff.Permanent(&Error{Target: target.WebhookURL, Err: err})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(&Error{Target: target.WebhookURL, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return &Error{Target: target.WebhookURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Target: target.WebhookURL, Status: resp.StatusCode}
	}
	return nil
}

func (d *Dispatcher) limiter(key string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.sendInterval), 1)
		d.limiters[key] = lim
	}
	return lim
}

type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

type embed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Color       int    `json:"color"`
}

func buildPayload(entry model.Entry, target model.DeliveryTarget) webhookPayload {
	title := entry.Title
	if title == "" {
		title = "Untitled"
	}
	e := embed{
		Title:       truncate(title, maxTitleLen),
		Description: truncate(entry.Summary, maxDescriptionLen),
		URL:         entry.Link,
		Color:       embedColor,
	}
	if !entry.PublishedAt.IsZero() {
		e.Timestamp = entry.PublishedAt.UTC().Format(time.RFC3339)
	}
	return webhookPayload{
		Username: target.Username,
		Embeds:   []embed{e},
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
