// Package scheduler drives the fetch-reconcile-persist cycle for every
// subscribed feed. Cycles for one feed are strictly serialized; cycles
// across feeds run concurrently on a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"golang.org/x/sync/errgroup"

	"github.com/feedvault/feedvault/pkg/domain"
	"github.com/feedvault/feedvault/pkg/fetch"
	"github.com/feedvault/feedvault/pkg/reconcile"
	"github.com/feedvault/feedvault/pkg/repository"
)

// FeedStore is the feed-state slice of the storage engine used here
type FeedStore interface {
	GetFeed(ctx context.Context, id int64) (*domain.Feed, error)
	GetFeedsToFetch(ctx context.Context, now time.Time, limit int) ([]*domain.Feed, error)
	UpdateFeedFetched(ctx context.Context, feedID int64, upd repository.FetchedUpdate) error
	UpdateFeedNotModified(ctx context.Context, feedID int64, fetchedAt *time.Time, nextFetch time.Time) error
	UpdateFeedError(ctx context.Context, feedID int64, errMsg string, nextFetch time.Time) error
}

// EntryStore is the entry slice of the storage engine used here
type EntryStore interface {
	GetEntrySummaries(ctx context.Context, feedID int64) ([]domain.EntrySummary, error)
	ApplyChangeSet(ctx context.Context, feedID int64, cs domain.ChangeSet) error
}

// FetchLog records fetch attempts and prunes old ones
type FetchLog interface {
	Add(ctx context.Context, rec *domain.FetchRecord) error
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Fetcher retrieves raw feed documents with conditional requests
type Fetcher interface {
	Fetch(ctx context.Context, feedURL string, validators fetch.Validators) (*fetch.Result, error)
}

// Parser turns raw bytes into a structured feed document
type Parser interface {
	Parse(feedURL string, body []byte) (*domain.ParsedFeed, error)
}

// Config holds scheduler configuration
type Config struct {
	UpdateInterval time.Duration // how often due feeds are picked up
	MaxWorkers     int           // concurrent feed cycles
	BatchSize      int           // feeds picked per tick
	MaxBackoff     time.Duration // cap for the error backoff delay

	// policy: advance the last-fetch timestamp on not_modified responses
	NotModifiedAdvancesFetched bool

	// retention for fetch records, zero disables pruning
	FetchLogRetention time.Duration
}

// Scheduler is the update orchestrator
type Scheduler struct {
	feeds   FeedStore
	entries EntryStore
	log     FetchLog
	fetcher Fetcher
	parser  Parser
	hooks   *Hooks
	cfg     Config

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// per-feed serialization: a feed is never fetched again while its
	// previous cycle has not finished
	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// NewScheduler creates a new scheduler instance
func NewScheduler(feeds FeedStore, entries EntryStore, fetchLog FetchLog, fetcher Fetcher, parser Parser, cfg Config) *Scheduler {
	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = 5 * time.Minute
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 5
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 24 * time.Hour
	}

	return &Scheduler{
		feeds:    feeds,
		entries:  entries,
		log:      fetchLog,
		fetcher:  fetcher,
		parser:   parser,
		hooks:    &Hooks{},
		cfg:      cfg,
		inFlight: make(map[int64]struct{}),
	}
}

// Hooks returns the extension-point registry
func (s *Scheduler) Hooks() *Hooks {
	return s.hooks
}

// Start begins the periodic update loop
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.updateWorker(ctx)

	lgr.Printf("[INFO] scheduler started, update interval %v, %d workers", s.cfg.UpdateInterval, s.cfg.MaxWorkers)
}

// Stop gracefully stops the scheduler, waiting for in-flight cycles
func (s *Scheduler) Stop() {
	lgr.Printf("[INFO] stopping scheduler...")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	lgr.Printf("[INFO] scheduler stopped")
}

// updateWorker periodically updates all due feeds
func (s *Scheduler) updateWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()

	// run immediately on start
	s.updateDueFeeds(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateDueFeeds(ctx)
		}
	}
}

// updateDueFeeds fetches and reconciles all feeds whose next fetch is due
func (s *Scheduler) updateDueFeeds(ctx context.Context) {
	feeds, err := s.feeds.GetFeedsToFetch(ctx, time.Now(), s.cfg.BatchSize)
	if err != nil {
		lgr.Printf("[ERROR] failed to get feeds to fetch: %v", err)
		return
	}
	if len(feeds) == 0 {
		return
	}

	lgr.Printf("[INFO] updating %d feeds", len(feeds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxWorkers)

	for _, f := range feeds {
		g.Go(func() error {
			s.UpdateFeed(gctx, f)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		lgr.Printf("[ERROR] feed update pass: %v", err)
	}

	s.pruneFetchLog(ctx)
	lgr.Printf("[INFO] feed update completed")
}

// UpdateFeedNow triggers an immediate update of a specific feed, regardless
// of its scheduled next fetch
func (s *Scheduler) UpdateFeedNow(ctx context.Context, feedID int64) error {
	feed, err := s.feeds.GetFeed(ctx, feedID)
	if err != nil {
		return fmt.Errorf("get feed: %w", err)
	}
	s.UpdateFeed(ctx, feed)
	return nil
}

// UpdateFeed runs one full fetch cycle for a feed. If the feed's previous
// cycle is still running the call is a no-op; the pending cycle owns the
// feed's stored state until it commits.
func (s *Scheduler) UpdateFeed(ctx context.Context, feed *domain.Feed) {
	if !s.acquire(feed.ID) {
		lgr.Printf("[DEBUG] feed %s already updating, skipped", feed.URL)
		return
	}
	defer s.release(feed.ID)

	start := time.Now()
	rec := &domain.FetchRecord{FeedID: feed.ID, StartedAt: start}

	lgr.Printf("[DEBUG] updating feed: %s", feed.URL)

	res, err := s.fetcher.Fetch(ctx, feed.URL, fetch.Validators{ETag: feed.ETag, LastModified: feed.LastModified})
	if err != nil {
		s.recordFailure(ctx, feed, rec, start, err)
		return
	}

	if res.Status == fetch.StatusNotModified {
		s.recordNotModified(ctx, feed, rec, start)
		return
	}

	body, err := s.hooks.runPreParse(ctx, feed, res.Body)
	if err != nil {
		s.recordFailure(ctx, feed, rec, start, &domain.ParseError{URL: feed.URL, Err: err})
		return
	}

	parsed, err := s.parser.Parse(feed.URL, body)
	if err != nil {
		s.recordFailure(ctx, feed, rec, start, err)
		return
	}

	existing, err := s.entries.GetEntrySummaries(ctx, feed.ID)
	if err != nil {
		s.recordFailure(ctx, feed, rec, start, &domain.StorageError{Op: "get entry summaries", Err: err})
		return
	}

	cs := reconcile.Reconcile(existing, parsed.Entries, time.Now(), feed.Stale)

	if err := s.hooks.runPostReconcile(ctx, feed, &cs); err != nil {
		s.recordFailure(ctx, feed, rec, start, fmt.Errorf("post-reconcile hook: %w", err))
		return
	}

	// cancelled cycles apply nothing; validators and timestamps keep their
	// pre-cycle values so the next run re-fetches
	if ctx.Err() != nil {
		lgr.Printf("[DEBUG] cycle cancelled for %s before commit", feed.URL)
		return
	}

	if err := s.entries.ApplyChangeSet(ctx, feed.ID, cs); err != nil {
		s.recordFailure(ctx, feed, rec, start, err)
		return
	}

	// the change-set committed; only now advance validators and timestamps
	now := time.Now()
	upd := repository.FetchedUpdate{
		Title:        parsed.Title,
		Link:         parsed.Link,
		Description:  parsed.Description,
		ETag:         res.ETag,
		LastModified: res.LastModified,
		FetchedAt:    now,
		NextFetch:    now.Add(time.Duration(feed.FetchInterval) * time.Second),
	}
	if err := s.feeds.UpdateFeedFetched(ctx, feed.ID, upd); err != nil {
		lgr.Printf("[ERROR] failed to update feed state for %s: %v", feed.URL, err)
	}

	rec.Status = domain.FetchOK
	rec.Duration = time.Since(start)
	rec.NewCount = len(cs.Inserts)
	rec.UpdCount = len(cs.Updates)
	s.addRecord(ctx, rec)

	s.hooks.runPostPersist(ctx, feed, &cs)

	if !cs.Empty() {
		lgr.Printf("[INFO] feed %s: %d new, %d updated, %d unchanged",
			feed.URL, len(cs.Inserts), len(cs.Updates), cs.Unchanged)
	}
}

// recordNotModified handles a 304 cycle: the failure counter resets and,
// depending on the configured policy, the last-fetch timestamp advances
func (s *Scheduler) recordNotModified(ctx context.Context, feed *domain.Feed, rec *domain.FetchRecord, start time.Time) {
	now := time.Now()
	var fetchedAt *time.Time
	if s.cfg.NotModifiedAdvancesFetched {
		fetchedAt = &now
	}
	nextFetch := now.Add(time.Duration(feed.FetchInterval) * time.Second)

	if err := s.feeds.UpdateFeedNotModified(ctx, feed.ID, fetchedAt, nextFetch); err != nil {
		lgr.Printf("[ERROR] failed to record not-modified for %s: %v", feed.URL, err)
	}

	rec.Status = domain.FetchNotModified
	rec.Duration = time.Since(start)
	s.addRecord(ctx, rec)

	lgr.Printf("[DEBUG] feed %s not modified", feed.URL)
}

// recordFailure classifies the error, schedules the next attempt with
// backoff and appends the fetch record. Stored validators stay untouched so
// the next attempt retries the full fetch.
func (s *Scheduler) recordFailure(ctx context.Context, feed *domain.Feed, rec *domain.FetchRecord, start time.Time, err error) {
	kind := domain.ErrorKind(err)

	delay := backoffDelay(time.Duration(feed.FetchInterval)*time.Second, feed.ErrorCount+1, s.cfg.MaxBackoff)
	if kind == domain.KindUnsupported {
		// an unsupported format won't fix itself, back off to the cap right away
		delay = s.cfg.MaxBackoff
	}

	if updErr := s.feeds.UpdateFeedError(ctx, feed.ID, err.Error(), time.Now().Add(delay)); updErr != nil {
		lgr.Printf("[ERROR] failed to record feed error for %s: %v", feed.URL, updErr)
	}

	rec.Status = domain.FetchError
	rec.ErrorKind = kind
	rec.Error = err.Error()
	rec.Duration = time.Since(start)
	s.addRecord(ctx, rec)

	lgr.Printf("[WARN] feed %s failed (%s): %v", feed.URL, kind, err)
}

func (s *Scheduler) addRecord(ctx context.Context, rec *domain.FetchRecord) {
	if err := s.log.Add(ctx, rec); err != nil {
		lgr.Printf("[WARN] failed to add fetch record for feed %d: %v", rec.FeedID, err)
	}
}

// pruneFetchLog removes old fetch records when retention is configured
func (s *Scheduler) pruneFetchLog(ctx context.Context) {
	if s.cfg.FetchLogRetention == 0 {
		return
	}
	removed, err := s.log.Prune(ctx, time.Now().Add(-s.cfg.FetchLogRetention))
	if err != nil {
		lgr.Printf("[WARN] failed to prune fetch log: %v", err)
		return
	}
	if removed > 0 {
		lgr.Printf("[DEBUG] pruned %d fetch records", removed)
	}
}

func (s *Scheduler) acquire(feedID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[feedID]; busy {
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

// backoffDelay is a monotonically non-decreasing function of consecutive
// failures: base doubles per failure up to the cap
func backoffDelay(base time.Duration, failures int, maxDelay time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
