// Package scheduler drives periodic feed poll cycles across a bounded pool
// of workers.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aprlcat/rssbot/internal/cursor"
	"github.com/aprlcat/rssbot/internal/dispatch"
	"github.com/aprlcat/rssbot/internal/fetcher"
	"github.com/aprlcat/rssbot/internal/metrics"
	"github.com/aprlcat/rssbot/internal/model"
	"github.com/aprlcat/rssbot/internal/parser"
	"github.com/aprlcat/rssbot/internal/storage"
)

// Pipeline stages, used to classify cycle errors in logs and metrics.
const (
	stageFetch   = "fetch"
	stageParse   = "parse"
	stageDeliver = "deliver"
	stageCommit  = "commit"
)

// Dispatcher is the interface for delivering entry batches to a target.
type Dispatcher interface {
	Deliver(ctx context.Context, entries []model.Entry, target model.DeliveryTarget) dispatch.Result
}

// Scheduler ticks on a fixed interval and runs one poll cycle per due feed
// through a fixed-size worker pool. A feed still mid-cycle when the next
// tick fires is skipped, not queued twice.
type Scheduler struct {
	store    storage.Storage
	fetcher  *fetcher.Fetcher
	dispatch Dispatcher
	log      *slog.Logger

	tick         time.Duration
	workers      int
	cycleTimeout time.Duration

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// New creates a Scheduler with default interval, pool size and cycle timeout.
func New(store storage.Storage, f *fetcher.Fetcher, d Dispatcher, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		fetcher:      f,
		dispatch:     d,
		log:          log,
		tick:         5 * time.Minute,
		workers:      8,
		cycleTimeout: 2 * time.Minute,
		inFlight:     make(map[int64]struct{}),
	}
}

// SetTickInterval overrides the default 5-minute poll interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetWorkerCount overrides the default pool size of 8.
func (s *Scheduler) SetWorkerCount(n int) {
	if n > 0 {
		s.workers = n
	}
}

// SetCycleTimeout overrides the default 2-minute per-cycle deadline.
func (s *Scheduler) SetCycleTimeout(d time.Duration) {
	s.cycleTimeout = d
}

// Run starts the worker pool and the tick loop, blocking until ctx is
// cancelled. On shutdown the queue is closed and Run returns only after all
// in-flight cycles have drained.
func (s *Scheduler) Run(ctx context.Context) {
	jobs := make(chan model.Feed)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for feed := range jobs {
				s.runCycle(ctx, feed)
			}
		}()
	}

	s.enqueueDue(ctx, jobs)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case <-ticker.C:
			s.enqueueDue(ctx, jobs)
		}
	}
}

// CheckFeed runs a single poll cycle for one feed immediately, outside the
// tick loop. It is a no-op if the feed is already mid-cycle.
func (s *Scheduler) CheckFeed(ctx context.Context, feed model.Feed) {
	if !s.acquire(feed.ID) {
		s.log.Warn("feed already in flight", "feed_id", feed.ID, "url", feed.URL)
		return
	}
	s.runCycle(ctx, feed)
}

func (s *Scheduler) enqueueDue(ctx context.Context, jobs chan<- model.Feed) {
	feeds, err := s.store.ListDueFeeds(ctx, time.Now())
	if err != nil {
		s.log.Error("list due feeds", "error", err)
		return
	}
	s.log.Debug("tick", "due_feeds", len(feeds))

	for _, feed := range feeds {
		if !s.acquire(feed.ID) {
			s.log.Debug("skipping feed still in flight", "feed_id", feed.ID, "url", feed.URL)
			continue
		}
		select {
		case jobs <- feed:
		case <-ctx.Done():
			s.release(feed.ID)
			return
		}
	}
}

func (s *Scheduler) acquire(feedID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[feedID]; ok {
		return false
	}
	s.inFlight[feedID] = struct{}{}
	return true
}

func (s *Scheduler) release(feedID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, feedID)
}

// runCycle executes one full fetch → parse → diff → deliver → commit pass
// for a single feed. Any stage error ends the cycle with the cursor
// unchanged; nothing is ever partially committed.
func (s *Scheduler) runCycle(ctx context.Context, feed model.Feed) {
	defer s.release(feed.ID)

	ctx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	body, contentType, err := s.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		s.failCycle(ctx, feed, stageFetch, err)
		return
	}

	parsed, err := parser.Normalize(body, contentType)
	if err != nil {
		s.failCycle(ctx, feed, stageParse, err)
		return
	}
	s.refreshTitle(ctx, &feed, parsed.Title)

	fresh, next := cursor.Diff(feed.Cursor, parsed.Entries)

	if len(fresh) == 0 && !feed.Cursor.IsZero() {
		s.finishCycle(ctx, feed)
		return
	}

	if len(fresh) > 0 {
		res := s.dispatch.Deliver(ctx, fresh, feed.Target())
		metrics.EntriesDelivered.Add(float64(res.Delivered))
		if res.Err != nil {
			s.log.Warn("partial delivery, cursor not advanced",
				"feed_id", feed.ID, "url", feed.URL,
				"delivered", res.Delivered, "batch", len(fresh))
			s.failCycle(ctx, feed, stageDeliver, res.Err)
			return
		}
	}

	if err := s.store.CommitCursor(ctx, feed.ID, next); err != nil {
		s.failCycle(ctx, feed, stageCommit, err)
		return
	}

	metrics.Cycles.WithLabelValues("ok").Inc()
	if feed.Cursor.IsZero() {
		s.log.Info("seeded cursor for new feed",
			"feed_id", feed.ID, "url", feed.URL, "entries", len(parsed.Entries))
	} else {
		s.log.Info("delivered new entries",
			"feed_id", feed.ID, "url", feed.URL, "count", len(fresh))
	}
}

func (s *Scheduler) finishCycle(ctx context.Context, feed model.Feed) {
	metrics.Cycles.WithLabelValues("ok").Inc()
	// Bookkeeping still happens when the cycle deadline expired mid-stage.
	ctx = context.WithoutCancel(ctx)
	if err := s.store.MarkChecked(ctx, feed.ID, time.Now()); err != nil {
		s.log.Error("mark checked", "feed_id", feed.ID, "error", err)
	}
}

func (s *Scheduler) failCycle(ctx context.Context, feed model.Feed, stage string, err error) {
	metrics.Cycles.WithLabelValues("error").Inc()
	metrics.CycleErrors.WithLabelValues(stage).Inc()
	s.log.Error("feed cycle failed",
		"feed_id", feed.ID, "url", feed.URL, "stage", stage, "error", err)
	ctx = context.WithoutCancel(ctx)
	if err := s.store.MarkChecked(ctx, feed.ID, time.Now()); err != nil {
		s.log.Error("mark checked", "feed_id", feed.ID, "error", err)
	}
}

func (s *Scheduler) refreshTitle(ctx context.Context, feed *model.Feed, title string) {
	if title == "" || title == feed.Title {
		return
	}
	feed.Title = title
	if err := s.store.UpdateFeed(ctx, feed); err != nil {
		s.log.Error("refresh title", "feed_id", feed.ID, "error", err)
	}
}
