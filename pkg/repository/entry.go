package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/feedvault/feedvault/pkg/domain"
)

// EntryRepository handles entry-related database operations. Change-sets are
// applied atomically and the full-text index is co-committed in the same
// transaction when search is enabled.
type EntryRepository struct {
	db            *sqlx.DB
	searchEnabled bool
}

// entrySQL represents an entry for SQL operations
type entrySQL struct {
	ID          int64         `db:"id"`
	FeedID      int64         `db:"feed_id"`
	Key         string        `db:"key"`
	Title       string        `db:"title"`
	Link        string        `db:"link"`
	Author      string        `db:"author"`
	Summary     string        `db:"summary"`
	Content     contentSQL    `db:"content"`
	Enclosures  enclosuresSQL `db:"enclosures"`
	Published   time.Time     `db:"published"`
	Updated     time.Time     `db:"updated"`
	Fingerprint string        `db:"fingerprint"`
	Read        bool          `db:"read"`
	Important   bool          `db:"important"`
	FirstSeen   time.Time     `db:"first_seen"`
	LastUpdated time.Time     `db:"last_updated"`
	FeedOrder   int           `db:"feed_order"`

	// joined data, populated by list queries only
	FeedURL   string `db:"feed_url"`
	FeedTitle string `db:"feed_title"`
}

// contentSQL is a JSON array of content variants for SQL operations
type contentSQL []domain.Content

// Value implements driver.Valuer for database storage
func (c contentSQL) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner for database retrieval
func (c *contentSQL) Scan(value interface{}) error {
	return scanJSON(value, (*[]domain.Content)(c))
}

// enclosuresSQL is a JSON array of enclosures for SQL operations
type enclosuresSQL []domain.Enclosure

// Value implements driver.Valuer for database storage
func (e enclosuresSQL) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner for database retrieval
func (e *enclosuresSQL) Scan(value interface{}) error {
	return scanJSON(value, (*[]domain.Enclosure)(e))
}

func scanJSON[T any](value interface{}, dst *T) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unexpected type %T for JSON column", value)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// NewEntryRepository creates a new entry repository
func NewEntryRepository(database *sqlx.DB, searchEnabled bool) *EntryRepository {
	return &EntryRepository{db: database, searchEnabled: searchEnabled}
}

// GetEntrySummaries returns the reconciler's view of a feed's stored entries
func (r *EntryRepository) GetEntrySummaries(ctx context.Context, feedID int64) ([]domain.EntrySummary, error) {
	var rows []struct {
		ID          int64  `db:"id"`
		Key         string `db:"key"`
		Fingerprint string `db:"fingerprint"`
	}
	err := r.db.SelectContext(ctx, &rows,
		"SELECT id, key, fingerprint FROM entries WHERE feed_id = ?", feedID)
	if err != nil {
		return nil, fmt.Errorf("get entry summaries: %w", err)
	}

	summaries := make([]domain.EntrySummary, len(rows))
	for i, row := range rows {
		summaries[i] = domain.EntrySummary{ID: row.ID, Key: row.Key, Fingerprint: row.Fingerprint}
	}
	return summaries, nil
}

// ApplyChangeSet applies a reconciliation change-set atomically: all inserts
// and updates commit together or none do. Updates replace content fields only,
// user flags are never touched. Search documents are written in the same
// transaction so the index never lags the store.
func (r *EntryRepository) ApplyChangeSet(ctx context.Context, feedID int64, cs domain.ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	err := retrier.Do(ctx, func() error {
		err := inTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
			for i := range cs.Inserts {
				if err := r.insertEntry(ctx, tx, feedID, &cs.Inserts[i]); err != nil {
					return err
				}
			}
			for i := range cs.Updates {
				if err := r.updateEntry(ctx, tx, feedID, &cs.Updates[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: err}
		}
		return nil
	})
	if err != nil {
		return &domain.StorageError{Op: "apply change set", Err: err}
	}
	return nil
}

func (r *EntryRepository) insertEntry(ctx context.Context, tx *sqlx.Tx, feedID int64, e *domain.Entry) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO entries (
			feed_id, key, title, link, author, summary, content, enclosures,
			published, updated, fingerprint, first_seen, last_updated, feed_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		feedID, e.Key, e.Title, e.Link, e.Author, e.Summary,
		contentSQL(e.Content), enclosuresSQL(e.Enclosures),
		e.Published.UTC(), e.Updated.UTC(), e.Fingerprint, now, now, e.FeedOrder)
	if err != nil {
		return fmt.Errorf("insert entry %q: %w", e.Key, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get insert id: %w", err)
	}
	e.ID = id
	e.FeedID = feedID

	if r.searchEnabled {
		return indexEntryTx(ctx, tx, e)
	}
	return nil
}

func (r *EntryRepository) updateEntry(ctx context.Context, tx *sqlx.Tx, feedID int64, e *domain.Entry) error {
	query := `
		UPDATE entries
		SET title = ?, link = ?, author = ?, summary = ?, content = ?, enclosures = ?,
		    published = ?, updated = ?, fingerprint = ?, last_updated = ?
		WHERE feed_id = ? AND key = ?
	`
	result, err := tx.ExecContext(ctx, query,
		e.Title, e.Link, e.Author, e.Summary,
		contentSQL(e.Content), enclosuresSQL(e.Enclosures),
		e.Published.UTC(), e.Updated.UTC(), e.Fingerprint, time.Now().UTC(),
		feedID, e.Key)
	if err != nil {
		return fmt.Errorf("update entry %q: %w", e.Key, err)
	}
	if err := requireOneRow(result, fmt.Errorf("update entry %q: %w", e.Key, domain.ErrNotFound)); err != nil {
		return err
	}

	if e.ID == 0 {
		if err := tx.GetContext(ctx, &e.ID, "SELECT id FROM entries WHERE feed_id = ? AND key = ?", feedID, e.Key); err != nil {
			return fmt.Errorf("resolve entry id %q: %w", e.Key, err)
		}
	}
	e.FeedID = feedID

	if r.searchEnabled {
		return indexEntryTx(ctx, tx, e)
	}
	return nil
}

// GetEntry retrieves a single entry by ID
func (r *EntryRepository) GetEntry(ctx context.Context, id int64) (*domain.Entry, error) {
	var row entrySQL
	query := `
		SELECT e.*, f.url AS feed_url, f.title AS feed_title
		FROM entries e JOIN feeds f ON e.feed_id = f.id
		WHERE e.id = ?
	`
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return toDomainEntry(&row), nil
}

// GetEntryByKey retrieves an entry by its (feed, key) identity
func (r *EntryRepository) GetEntryByKey(ctx context.Context, feedID int64, key string) (*domain.Entry, error) {
	var row entrySQL
	query := `
		SELECT e.*, f.url AS feed_url, f.title AS feed_title
		FROM entries e JOIN feeds f ON e.feed_id = f.id
		WHERE e.feed_id = ? AND e.key = ?
	`
	err := r.db.GetContext(ctx, &row, query, feedID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry by key: %w", err)
	}
	return toDomainEntry(&row), nil
}

// GetEntries lists entries with filtering and keyset pagination. Ordering is
// (published DESC, key ASC) so pages stay stable when timestamps collide.
func (r *EntryRepository) GetEntries(ctx context.Context, filter domain.EntryFilter) ([]*domain.Entry, error) {
	query := `
		SELECT e.*, f.url AS feed_url, f.title AS feed_title
		FROM entries e JOIN feeds f ON e.feed_id = f.id
	`
	where, args := buildEntryFilter(filter)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.published DESC, e.key ASC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var rows []entrySQL
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}

	entries := make([]*domain.Entry, len(rows))
	for i := range rows {
		entries[i] = toDomainEntry(&rows[i])
	}
	return entries, nil
}

func buildEntryFilter(filter domain.EntryFilter) (where []string, args []interface{}) {
	if filter.FeedID != nil {
		where = append(where, "e.feed_id = ?")
		args = append(args, *filter.FeedID)
	}
	if filter.Read != nil {
		where = append(where, "e.read = ?")
		args = append(args, *filter.Read)
	}
	if filter.Important != nil {
		where = append(where, "e.important = ?")
		args = append(args, *filter.Important)
	}
	if filter.Since != nil {
		where = append(where, "e.published >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		where = append(where, "e.published <= ?")
		args = append(args, filter.Until.UTC())
	}
	if filter.After != nil {
		where = append(where, "(e.published < ? OR (e.published = ? AND e.key > ?))")
		args = append(args, filter.After.Published.UTC(), filter.After.Published.UTC(), filter.After.Key)
	}
	return where, args
}

// SetRead sets the user-owned read flag by (feed, key) identity
func (r *EntryRepository) SetRead(ctx context.Context, feedID int64, key string, read bool) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE entries SET read = ? WHERE feed_id = ? AND key = ?", read, feedID, key)
	if err != nil {
		return fmt.Errorf("set entry read: %w", err)
	}
	return requireOneRow(result, domain.ErrNotFound)
}

// SetImportant sets the user-owned important flag by (feed, key) identity
func (r *EntryRepository) SetImportant(ctx context.Context, feedID int64, key string, important bool) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE entries SET important = ? WHERE feed_id = ? AND key = ?", important, feedID, key)
	if err != nil {
		return fmt.Errorf("set entry important: %w", err)
	}
	return requireOneRow(result, domain.ErrNotFound)
}

// CountEntries returns the number of entries, optionally scoped to one feed
func (r *EntryRepository) CountEntries(ctx context.Context, feedID *int64) (int64, error) {
	var count int64
	var err error
	if feedID != nil {
		err = r.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM entries WHERE feed_id = ?", *feedID)
	} else {
		err = r.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM entries")
	}
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

// toDomainEntry converts entrySQL to domain.Entry
func toDomainEntry(row *entrySQL) *domain.Entry {
	return &domain.Entry{
		ID:          row.ID,
		FeedID:      row.FeedID,
		Key:         row.Key,
		Title:       row.Title,
		Link:        row.Link,
		Author:      row.Author,
		Summary:     row.Summary,
		Content:     row.Content,
		Enclosures:  row.Enclosures,
		Published:   row.Published,
		Updated:     row.Updated,
		Fingerprint: row.Fingerprint,
		Read:        row.Read,
		Important:   row.Important,
		FirstSeen:   row.FirstSeen,
		LastUpdated: row.LastUpdated,
		FeedOrder:   row.FeedOrder,
		FeedURL:     row.FeedURL,
		FeedTitle:   row.FeedTitle,
	}
}
