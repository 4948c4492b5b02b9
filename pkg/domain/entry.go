package domain

import "time"

// Entry represents a single feed entry owned by exactly one feed.
// Key is derived from the parsed entry and never changes after creation;
// Fingerprint changes whenever substantive content changes.
type Entry struct {
	ID     int64  `json:"id"`
	FeedID int64  `json:"feed_id"`
	Key    string `json:"key"`

	Title      string      `json:"title"`
	Link       string      `json:"link,omitempty"`
	Author     string      `json:"author,omitempty"`
	Summary    string      `json:"summary,omitempty"`
	Content    []Content   `json:"content,omitempty"`
	Enclosures []Enclosure `json:"enclosures,omitempty"`

	Published   time.Time `json:"published"`
	Updated     time.Time `json:"updated"`
	Fingerprint string    `json:"-"`

	// user-owned flags, never touched by reconciliation updates
	Read      bool `json:"read"`
	Important bool `json:"important"`

	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`
	FeedOrder   int       `json:"-"` // document order within the fetch that first saw the entry

	// joined data, populated by list queries only
	FeedURL   string `json:"feed_url,omitempty"`
	FeedTitle string `json:"feed_title,omitempty"`
}

// Content is one content variant of an entry
type Content struct {
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

// Enclosure is an attached media resource
type Enclosure struct {
	URL    string `json:"url"`
	Type   string `json:"type,omitempty"`
	Length int64  `json:"length,omitempty"`
}

// EntrySummary is the reconciler's view of a stored entry
type EntrySummary struct {
	ID          int64
	Key         string
	Fingerprint string
}

// ChangeSet is the result of one reconciliation pass: what to insert,
// what to update and how many incoming entries matched unchanged
type ChangeSet struct {
	Inserts   []Entry
	Updates   []Entry
	Unchanged int
}

// Empty reports whether the change-set requires no writes
func (c *ChangeSet) Empty() bool {
	return len(c.Inserts) == 0 && len(c.Updates) == 0
}

// ParsedFeed is the parser collaborator's output for one document
type ParsedFeed struct {
	Title       string
	Link        string
	Description string
	Entries     []ParsedEntry
}

// ParsedEntry is a single entry as produced by the parser, before
// identity and fingerprint are derived
type ParsedEntry struct {
	GUID       string
	Title      string
	Link       string
	Author     string
	Summary    string
	Content    []Content
	Enclosures []Enclosure
	Published  *time.Time
	Updated    *time.Time
}

// EntryFilter describes the query surface for listing entries
type EntryFilter struct {
	FeedID    *int64
	Read      *bool
	Important *bool
	Since     *time.Time
	Until     *time.Time
	Limit     int
	After     *EntryCursor
}

// EntryCursor is a keyset-pagination position: entries strictly after it
// in (published DESC, key ASC) order are returned
type EntryCursor struct {
	Published time.Time
	Key       string
}
