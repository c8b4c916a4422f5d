package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/aprlcat/rssbot/internal/model"
)

var testTime = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

type captured struct {
	URL     string
	Payload webhookPayload
}

// mockWebhook records webhook posts and answers them with the queued
// statuses in order, defaulting to 204 once the queue is drained.
type mockWebhook struct {
	mu       sync.Mutex
	requests []captured
	statuses []int // consumed per call; empty means always 204
	err      error
}

func (m *mockWebhook) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	body, _ := io.ReadAll(req.Body)
	var p webhookPayload
	_ = json.Unmarshal(body, &p)
	m.requests = append(m.requests, captured{URL: req.URL.String(), Payload: p})

	status := 204
	if len(m.statuses) > 0 {
		status = m.statuses[0]
		m.statuses = m.statuses[1:]
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func (m *mockWebhook) captured() []captured {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]captured, len(m.requests))
	copy(cp, m.requests)
	return cp
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastDispatcher(client HTTPClient) *Dispatcher {
	d := New(client, testLogger())
	d.SetSendInterval(time.Millisecond)
	d.SetRetry(0, time.Millisecond)
	return d
}

func entries(ids ...string) []model.Entry {
	var out []model.Entry
	for i, id := range ids {
		out = append(out, model.Entry{
			ID:          id,
			Title:       "Entry " + id,
			Link:        "https://example.com/" + id,
			Summary:     "summary " + id,
			PublishedAt: testTime.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

var target = model.DeliveryTarget{
	WebhookURL: "https://hooks.test/wh/123",
	Username:   "blog.example.com",
}

func TestDeliverInOrder(t *testing.T) {
	mock := &mockWebhook{}
	d := fastDispatcher(mock)

	res := d.Deliver(context.Background(), entries("a", "b", "c"), target)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if diff := cmp.Diff(3, res.Delivered); diff != "" {
		t.Errorf("delivered count mismatch (-want +got):\n%s", diff)
	}

	var gotTitles []string
	for _, c := range mock.captured() {
		gotTitles = append(gotTitles, c.Payload.Embeds[0].Title)
	}
	want := []string{"Entry a", "Entry b", "Entry c"}
	if diff := cmp.Diff(want, gotTitles); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}
}

func TestDeliverPayloadShape(t *testing.T) {
	mock := &mockWebhook{}
	d := fastDispatcher(mock)

	res := d.Deliver(context.Background(), entries("a"), target)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	got := mock.captured()
	if len(got) != 1 {
		t.Fatalf("expected 1 request, got %d", len(got))
	}
	if diff := cmp.Diff("https://hooks.test/wh/123", got[0].URL); diff != "" {
		t.Errorf("webhook url mismatch (-want +got):\n%s", diff)
	}

	want := webhookPayload{
		Username: "blog.example.com",
		Embeds: []embed{{
			Title:       "Entry a",
			Description: "summary a",
			URL:         "https://example.com/a",
			Timestamp:   "2025-06-02T10:00:00Z",
			Color:       embedColor,
		}},
	}
	if diff := cmp.Diff(want, got[0].Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestDeliverHaltsOnFailure(t *testing.T) {
	mock := &mockWebhook{statuses: []int{204, 500, 204}}
	d := fastDispatcher(mock)

	res := d.Deliver(context.Background(), entries("a", "b", "c"), target)
	if res.Err == nil {
		t.Fatal("expected error, got nil")
	}
	if diff := cmp.Diff(1, res.Delivered); diff != "" {
		t.Errorf("delivered prefix mismatch (-want +got):\n%s", diff)
	}

	// Entry c must never be attempted after b fails.
	got := mock.captured()
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 requests, got %d", len(got))
	}

	var derr *Error
	if !errors.As(res.Err, &derr) {
		t.Fatalf("expected *dispatch.Error, got %T", res.Err)
	}
	if derr.Status != 500 {
		t.Errorf("expected status 500 in error, got %d", derr.Status)
	}
}

func TestDeliverRetriesTransientFailure(t *testing.T) {
	mock := &mockWebhook{statuses: []int{500, 502, 204}}
	d := New(mock, testLogger())
	d.SetSendInterval(time.Millisecond)
	d.SetRetry(3, time.Millisecond)

	res := d.Deliver(context.Background(), entries("a"), target)
	if res.Err != nil {
		t.Fatalf("expected success after retries, got %v", res.Err)
	}
	if got := len(mock.captured()); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestDeliverRetriesExhausted(t *testing.T) {
	mock := &mockWebhook{statuses: []int{500, 500, 500}}
	d := New(mock, testLogger())
	d.SetSendInterval(time.Millisecond)
	d.SetRetry(2, time.Millisecond)

	res := d.Deliver(context.Background(), entries("a"), target)
	if res.Err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := len(mock.captured()); got != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestDeliverTransportError(t *testing.T) {
	mock := &mockWebhook{err: io.ErrUnexpectedEOF}
	d := fastDispatcher(mock)

	res := d.Deliver(context.Background(), entries("a"), target)
	if res.Err == nil {
		t.Fatal("expected error for transport failure")
	}
	if diff := cmp.Diff(0, res.Delivered); diff != "" {
		t.Errorf("delivered count mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimiterSharedAcrossBatch(t *testing.T) {
	mock := &mockWebhook{}
	d := New(mock, testLogger())
	d.SetSendInterval(50 * time.Millisecond)
	d.SetRetry(0, time.Millisecond)

	start := time.Now()
	res := d.Deliver(context.Background(), entries("a", "b", "c"), target)
	elapsed := time.Since(start)

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if diff := cmp.Diff(3, res.Delivered); diff != "" {
		t.Errorf("no entry may be dropped when the bucket is exhausted (-want +got):\n%s", diff)
	}
	// First send is immediate; the remaining two must each wait a token.
	if elapsed < 100*time.Millisecond {
		t.Errorf("expected sends spaced by the limiter, took %v", elapsed)
	}
}

func TestRateLimiterKeyedByTarget(t *testing.T) {
	mock := &mockWebhook{}
	d := New(mock, testLogger())
	d.SetSendInterval(time.Hour)
	d.SetRetry(0, time.Millisecond)

	other := model.DeliveryTarget{WebhookURL: "https://hooks.test/wh/999", Username: "other"}

	start := time.Now()
	if res := d.Deliver(context.Background(), entries("a"), target); res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res := d.Deliver(context.Background(), entries("b"), other); res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	// Different targets hold independent buckets: neither send waits.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("independent targets should not share a bucket, took %v", elapsed)
	}
	if got := len(mock.captured()); got != 2 {
		t.Errorf("expected 2 requests, got %d", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "short untouched", in: "hello", max: 10, want: "hello"},
		{name: "exact length untouched", in: "hello", max: 5, want: "hello"},
		{name: "truncated with ellipsis", in: "hello world", max: 8, want: "hello..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, truncate(tt.in, tt.max)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
