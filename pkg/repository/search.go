package repository

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/microcosm-cc/bluemonday"

	"github.com/feedvault/feedvault/pkg/domain"
)

// stripPolicy removes all markup when deriving search documents from
// entry content
var stripPolicy = bluemonday.StrictPolicy()

// SearchRepository provides full-text search over entries via an FTS5 table.
// The index is derived state: any document can be reconstructed from the
// entries table, never the other way around.
type SearchRepository struct {
	db      *sqlx.DB
	enabled bool
}

// NewSearchRepository creates a new search repository
func NewSearchRepository(database *sqlx.DB, enabled bool) *SearchRepository {
	return &SearchRepository{db: database, enabled: enabled}
}

// Enabled reports whether full-text search is switched on
func (r *SearchRepository) Enabled() bool {
	return r.enabled
}

// Search runs a full-text query and returns matching entries ranked by
// relevance. A token present verbatim in an entry's title or content always
// matches. Returns domain.ErrSearchDisabled when search is switched off.
func (r *SearchRepository) Search(ctx context.Context, query string, filter domain.EntryFilter) ([]*domain.Entry, error) {
	if !r.enabled {
		return nil, domain.ErrSearchDisabled
	}

	q := `
		SELECT e.*, f.url AS feed_url, f.title AS feed_title
		FROM (SELECT rowid, rank FROM entries_fts WHERE entries_fts MATCH ?) m
		JOIN entries e ON e.id = m.rowid
		JOIN feeds f ON e.feed_id = f.id
	`
	args := []interface{}{ftsQuery(query)}

	where, filterArgs := buildEntryFilter(filter)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
		args = append(args, filterArgs...)
	}
	q += " ORDER BY m.rank"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	var rows []entrySQL
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}

	entries := make([]*domain.Entry, len(rows))
	for i := range rows {
		entries[i] = toDomainEntry(&rows[i])
	}
	return entries, nil
}

// Rebuild repopulates the index from storage, for one feed or for all.
// Runs in a single transaction so readers never observe a half-empty index.
func (r *SearchRepository) Rebuild(ctx context.Context, feedID *int64) error {
	if !r.enabled {
		return domain.ErrSearchDisabled
	}

	return inTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var rows []entrySQL
		if feedID != nil {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM entries_fts WHERE rowid IN (SELECT id FROM entries WHERE feed_id = ?)", *feedID); err != nil {
				return fmt.Errorf("clear feed index: %w", err)
			}
			if err := tx.SelectContext(ctx, &rows, "SELECT * FROM entries WHERE feed_id = ?", *feedID); err != nil {
				return fmt.Errorf("load feed entries: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, "DELETE FROM entries_fts"); err != nil {
				return fmt.Errorf("clear index: %w", err)
			}
			if err := tx.SelectContext(ctx, &rows, "SELECT * FROM entries"); err != nil {
				return fmt.Errorf("load entries: %w", err)
			}
		}

		for i := range rows {
			e := toDomainEntry(&rows[i])
			if err := indexEntryTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Verify is the maintenance pass: it compares stored entry fingerprints
// against indexed ones, re-indexes mismatched or missing documents from the
// entries table and drops orphaned documents. Returns the number of
// documents fixed.
func (r *SearchRepository) Verify(ctx context.Context) (int, error) {
	if !r.enabled {
		return 0, domain.ErrSearchDisabled
	}

	fixed := 0
	err := inTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		type indexedRow struct {
			RowID       int64  `db:"rowid"`
			Fingerprint string `db:"fingerprint"`
		}
		var indexed []indexedRow
		if err := tx.SelectContext(ctx, &indexed, "SELECT rowid, fingerprint FROM entries_fts"); err != nil {
			return fmt.Errorf("load indexed fingerprints: %w", err)
		}
		indexedByID := make(map[int64]string, len(indexed))
		for _, row := range indexed {
			indexedByID[row.RowID] = row.Fingerprint
		}

		var stored []entrySQL
		if err := tx.SelectContext(ctx, &stored, "SELECT * FROM entries"); err != nil {
			return fmt.Errorf("load entries: %w", err)
		}
		storedIDs := make(map[int64]struct{}, len(stored))

		for i := range stored {
			storedIDs[stored[i].ID] = struct{}{}
			if fp, ok := indexedByID[stored[i].ID]; ok && fp == stored[i].Fingerprint {
				continue
			}
			if err := indexEntryTx(ctx, tx, toDomainEntry(&stored[i])); err != nil {
				return err
			}
			fixed++
		}

		// documents whose source entry no longer exists
		for id := range indexedByID {
			if _, ok := storedIDs[id]; ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM entries_fts WHERE rowid = ?", id); err != nil {
				return fmt.Errorf("remove orphaned document: %w", err)
			}
			fixed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return fixed, nil
}

// indexEntryTx replaces the search document for one entry inside the given
// transaction. Each call is scoped to a single entry so interleaved commits
// from concurrent feeds stay independent.
func indexEntryTx(ctx context.Context, tx *sqlx.Tx, e *domain.Entry) error {
	if e.ID == 0 {
		return fmt.Errorf("index entry %q: no id", e.Key)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries_fts WHERE rowid = ?", e.ID); err != nil {
		return fmt.Errorf("remove search document %q: %w", e.Key, err)
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO entries_fts (rowid, title, summary, content, fingerprint) VALUES (?, ?, ?, ?, ?)",
		e.ID, e.Title, plainText(e.Summary), contentText(e.Content), e.Fingerprint)
	if err != nil {
		return fmt.Errorf("index entry %q: %w", e.Key, err)
	}
	return nil
}

// plainText strips markup and entities from an HTML fragment
func plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(s)))
}

// contentText flattens all content variants into one searchable string
func contentText(content []domain.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if text := plainText(c.Value); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// ftsQuery quotes each term so user input can't break FTS5 query syntax
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, term := range terms {
		terms[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
