package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/feedvault/feedvault/pkg/domain"
)

// FeedRepository handles feed-related database operations
type FeedRepository struct {
	db *sqlx.DB
}

// feedSQL represents a feed for SQL operations
type feedSQL struct {
	ID            int64      `db:"id"`
	URL           string     `db:"url"`
	Title         string     `db:"title"`
	Link          string     `db:"link"`
	Description   string     `db:"description"`
	UserTitle     string     `db:"user_title"`
	ETag          string     `db:"etag"`
	LastModified  string     `db:"last_modified"`
	LastFetched   *time.Time `db:"last_fetched"`
	NextFetch     *time.Time `db:"next_fetch"`
	FetchInterval int        `db:"fetch_interval"`
	Status        string     `db:"status"`
	ErrorCount    int        `db:"error_count"`
	LastError     string     `db:"last_error"`
	Stale         bool       `db:"stale"`
	Enabled       bool       `db:"enabled"`
	Added         time.Time  `db:"added"`
}

// FetchedUpdate carries everything recorded after a fetch cycle commits:
// document metadata, new conditional-request validators and scheduling state
type FetchedUpdate struct {
	Title        string
	Link         string
	Description  string
	ETag         string
	LastModified string
	FetchedAt    time.Time
	NextFetch    time.Time
}

// NewFeedRepository creates a new feed repository
func NewFeedRepository(database *sqlx.DB) *FeedRepository {
	return &FeedRepository{db: database}
}

// CreateFeed inserts a new feed, returns domain.ErrFeedExists for a duplicate URL
func (r *FeedRepository) CreateFeed(ctx context.Context, feed *domain.Feed) error {
	if feed.FetchInterval == 0 {
		feed.FetchInterval = 1800
	}
	sqlFeed := &feedSQL{
		URL:           feed.URL,
		Title:         feed.Title,
		Link:          feed.Link,
		Description:   feed.Description,
		UserTitle:     feed.UserTitle,
		FetchInterval: feed.FetchInterval,
		Status:        string(domain.FetchOK),
		Enabled:       feed.Enabled,
	}

	query := `
		INSERT INTO feeds (url, title, link, description, user_title, fetch_interval, status, enabled)
		VALUES (:url, :title, :link, :description, :user_title, :fetch_interval, :status, :enabled)
	`
	result, err := r.db.NamedExecContext(ctx, query, sqlFeed)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: feeds.url") {
			return domain.ErrFeedExists
		}
		return fmt.Errorf("create feed: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get insert id: %w", err)
	}

	feed.ID = id
	return nil
}

// GetFeed retrieves a feed by ID
func (r *FeedRepository) GetFeed(ctx context.Context, id int64) (*domain.Feed, error) {
	var sqlFeed feedSQL
	err := r.db.GetContext(ctx, &sqlFeed, "SELECT * FROM feeds WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed: %w", err)
	}
	return r.toDomainFeed(&sqlFeed), nil
}

// GetFeedByURL retrieves a feed by its URL identity
func (r *FeedRepository) GetFeedByURL(ctx context.Context, url string) (*domain.Feed, error) {
	var sqlFeed feedSQL
	err := r.db.GetContext(ctx, &sqlFeed, "SELECT * FROM feeds WHERE url = ?", url)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed by url: %w", err)
	}
	return r.toDomainFeed(&sqlFeed), nil
}

// GetFeeds retrieves feeds with optional filtering
func (r *FeedRepository) GetFeeds(ctx context.Context, enabledOnly bool) ([]*domain.Feed, error) {
	query := "SELECT * FROM feeds"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY COALESCE(NULLIF(user_title, ''), title), url"

	var sqlFeeds []feedSQL
	err := r.db.SelectContext(ctx, &sqlFeeds, query)
	if err != nil {
		return nil, fmt.Errorf("get feeds: %w", err)
	}

	feeds := make([]*domain.Feed, len(sqlFeeds))
	for i, f := range sqlFeeds {
		feeds[i] = r.toDomainFeed(&f)
	}
	return feeds, nil
}

// GetFeedsToFetch retrieves enabled feeds due for an update at the given time
func (r *FeedRepository) GetFeedsToFetch(ctx context.Context, now time.Time, limit int) ([]*domain.Feed, error) {
	query := `
		SELECT * FROM feeds
		WHERE enabled = 1
		AND (next_fetch IS NULL OR next_fetch <= ?)
		ORDER BY next_fetch ASC
		LIMIT ?
	`
	var sqlFeeds []feedSQL
	err := r.db.SelectContext(ctx, &sqlFeeds, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("get feeds to fetch: %w", err)
	}

	feeds := make([]*domain.Feed, len(sqlFeeds))
	for i, f := range sqlFeeds {
		feeds[i] = r.toDomainFeed(&f)
	}
	return feeds, nil
}

// UpdateFeedFetched records a successful fetch cycle. Called only after the
// entry change-set committed, so a crash mid-cycle causes a re-fetch instead
// of silently advancing validators.
func (r *FeedRepository) UpdateFeedFetched(ctx context.Context, feedID int64, upd FetchedUpdate) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `
			UPDATE feeds
			SET title = ?, link = ?, description = ?,
			    etag = ?, last_modified = ?,
			    last_fetched = ?, next_fetch = ?,
			    status = ?, error_count = 0, last_error = '', stale = 0
			WHERE id = ?
		`
		_, err := r.db.ExecContext(ctx, query,
			upd.Title, upd.Link, upd.Description,
			upd.ETag, upd.LastModified,
			upd.FetchedAt.UTC(), upd.NextFetch.UTC(),
			string(domain.FetchOK), feedID)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("update feed fetched: %w", err)}
		}
		return nil
	})
}

// UpdateFeedNotModified records a not-modified fetch: failure counter resets,
// validators stay as they are. fetchedAt is nil when the configured policy
// keeps the last-fetch timestamp untouched for unchanged documents.
func (r *FeedRepository) UpdateFeedNotModified(ctx context.Context, feedID int64, fetchedAt *time.Time, nextFetch time.Time) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `
			UPDATE feeds
			SET last_fetched = COALESCE(?, last_fetched), next_fetch = ?,
			    status = ?, error_count = 0, last_error = ''
			WHERE id = ?
		`
		var at *time.Time
		if fetchedAt != nil {
			utc := fetchedAt.UTC()
			at = &utc
		}
		_, err := r.db.ExecContext(ctx, query, at, nextFetch.UTC(), string(domain.FetchNotModified), feedID)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("update feed not modified: %w", err)}
		}
		return nil
	})
}

// UpdateFeedError records a failed fetch cycle; validators and last-fetch
// remain at their pre-cycle values so the next run re-fetches
func (r *FeedRepository) UpdateFeedError(ctx context.Context, feedID int64, errMsg string, nextFetch time.Time) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `
			UPDATE feeds
			SET error_count = error_count + 1, last_error = ?,
			    status = ?, next_fetch = ?
			WHERE id = ?
		`
		_, err := r.db.ExecContext(ctx, query, errMsg, string(domain.FetchError), nextFetch.UTC(), feedID)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("update feed error: %w", err)}
		}
		return nil
	})
}

// SetEnabled enables or disables a feed
func (r *FeedRepository) SetEnabled(ctx context.Context, feedID int64, enabled bool) error {
	result, err := r.db.ExecContext(ctx, "UPDATE feeds SET enabled = ? WHERE id = ?", enabled, feedID)
	if err != nil {
		return fmt.Errorf("set feed enabled: %w", err)
	}
	return requireOneRow(result, domain.ErrNotFound)
}

// SetUserTitle sets or clears the user-assigned feed title
func (r *FeedRepository) SetUserTitle(ctx context.Context, feedID int64, title string) error {
	result, err := r.db.ExecContext(ctx, "UPDATE feeds SET user_title = ? WHERE id = ?", title, feedID)
	if err != nil {
		return fmt.Errorf("set feed user title: %w", err)
	}
	return requireOneRow(result, domain.ErrNotFound)
}

// MarkStale forces a fingerprint-insensitive re-update of all entries on
// the next fetch cycle
func (r *FeedRepository) MarkStale(ctx context.Context, feedID int64) error {
	result, err := r.db.ExecContext(ctx, "UPDATE feeds SET stale = 1 WHERE id = ?", feedID)
	if err != nil {
		return fmt.Errorf("mark feed stale: %w", err)
	}
	return requireOneRow(result, domain.ErrNotFound)
}

// DeleteFeed removes a feed; entries and fetch records cascade. The derived
// search documents for the feed's entries are removed in the same transaction.
func (r *FeedRepository) DeleteFeed(ctx context.Context, id int64) error {
	return inTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM entries_fts WHERE rowid IN (SELECT id FROM entries WHERE feed_id = ?)", id); err != nil {
			return fmt.Errorf("delete feed search documents: %w", err)
		}
		result, err := tx.ExecContext(ctx, "DELETE FROM feeds WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete feed: %w", err)
		}
		return requireOneRow(result, domain.ErrNotFound)
	})
}

// requireOneRow maps a zero-row write to the given error
func requireOneRow(result sql.Result, missing error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return missing
	}
	return nil
}

// toDomainFeed converts feedSQL to domain.Feed
func (r *FeedRepository) toDomainFeed(sqlFeed *feedSQL) *domain.Feed {
	return &domain.Feed{
		ID:            sqlFeed.ID,
		URL:           sqlFeed.URL,
		Title:         sqlFeed.Title,
		Link:          sqlFeed.Link,
		Description:   sqlFeed.Description,
		UserTitle:     sqlFeed.UserTitle,
		ETag:          sqlFeed.ETag,
		LastModified:  sqlFeed.LastModified,
		LastFetched:   sqlFeed.LastFetched,
		NextFetch:     sqlFeed.NextFetch,
		FetchInterval: sqlFeed.FetchInterval,
		Status:        domain.FetchStatus(sqlFeed.Status),
		ErrorCount:    sqlFeed.ErrorCount,
		LastError:     sqlFeed.LastError,
		Stale:         sqlFeed.Stale,
		Enabled:       sqlFeed.Enabled,
		Added:         sqlFeed.Added,
	}
}
