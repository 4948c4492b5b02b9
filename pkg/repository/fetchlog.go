package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/feedvault/feedvault/pkg/domain"
)

// FetchLogRepository handles the append-only fetch-attempt log used for
// backoff decisions and diagnostics
type FetchLogRepository struct {
	db *sqlx.DB
}

// fetchRecordSQL represents a fetch record for SQL operations
type fetchRecordSQL struct {
	ID         int64     `db:"id"`
	FeedID     int64     `db:"feed_id"`
	StartedAt  time.Time `db:"started_at"`
	DurationMs int64     `db:"duration_ms"`
	Status     string    `db:"status"`
	ErrorKind  string    `db:"error_kind"`
	Error      string    `db:"error"`
	NewCount   int       `db:"new_count"`
	UpdCount   int       `db:"upd_count"`
}

// NewFetchLogRepository creates a new fetch log repository
func NewFetchLogRepository(database *sqlx.DB) *FetchLogRepository {
	return &FetchLogRepository{db: database}
}

// Add appends one fetch record
func (r *FetchLogRepository) Add(ctx context.Context, rec *domain.FetchRecord) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		row := &fetchRecordSQL{
			FeedID:     rec.FeedID,
			StartedAt:  rec.StartedAt.UTC(),
			DurationMs: rec.Duration.Milliseconds(),
			Status:     string(rec.Status),
			ErrorKind:  rec.ErrorKind,
			Error:      rec.Error,
			NewCount:   rec.NewCount,
			UpdCount:   rec.UpdCount,
		}
		query := `
			INSERT INTO fetch_log (feed_id, started_at, duration_ms, status, error_kind, error, new_count, upd_count)
			VALUES (:feed_id, :started_at, :duration_ms, :status, :error_kind, :error, :new_count, :upd_count)
		`
		result, err := r.db.NamedExecContext(ctx, query, row)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("add fetch record: %w", err)}
		}
		id, err := result.LastInsertId()
		if err != nil {
			return &criticalError{err: fmt.Errorf("get insert id: %w", err)}
		}
		rec.ID = id
		return nil
	})
}

// ListByFeed returns the most recent fetch records for a feed
func (r *FetchLogRepository) ListByFeed(ctx context.Context, feedID int64, limit int) ([]*domain.FetchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []fetchRecordSQL
	err := r.db.SelectContext(ctx, &rows,
		"SELECT * FROM fetch_log WHERE feed_id = ? ORDER BY started_at DESC, id DESC LIMIT ?", feedID, limit)
	if err != nil {
		return nil, fmt.Errorf("list fetch records: %w", err)
	}

	records := make([]*domain.FetchRecord, len(rows))
	for i, row := range rows {
		records[i] = &domain.FetchRecord{
			ID:        row.ID,
			FeedID:    row.FeedID,
			StartedAt: row.StartedAt,
			Duration:  time.Duration(row.DurationMs) * time.Millisecond,
			Status:    domain.FetchStatus(row.Status),
			ErrorKind: row.ErrorKind,
			Error:     row.Error,
			NewCount:  row.NewCount,
			UpdCount:  row.UpdCount,
		}
	}
	return records, nil
}

// Prune removes fetch records older than the cutoff; retention is an
// explicitly configured feature, callers skip this entirely when disabled
func (r *FetchLogRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM fetch_log WHERE started_at < ?", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune fetch records: %w", err)
	}
	return result.RowsAffected()
}
