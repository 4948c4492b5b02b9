package domain

import "time"

// FetchStatus is the outcome of a single fetch cycle
type FetchStatus string

// fetch cycle outcomes
const (
	FetchOK          FetchStatus = "ok"
	FetchNotModified FetchStatus = "not_modified"
	FetchError       FetchStatus = "error"
)

// Feed represents a subscribed feed source. URL is the primary identity,
// ID is the storage surrogate key.
type Feed struct {
	ID          int64  `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Link        string `json:"link,omitempty"`
	Description string `json:"description,omitempty"`
	UserTitle   string `json:"user_title,omitempty"` // user-assigned, survives refetches

	// conditional-request validators from the last successful fetch
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`

	LastFetched   *time.Time  `json:"last_fetched,omitempty"`
	NextFetch     *time.Time  `json:"next_fetch,omitempty"`
	FetchInterval int         `json:"fetch_interval"` // seconds
	Status        FetchStatus `json:"status"`
	ErrorCount    int         `json:"error_count"`
	LastError     string      `json:"last_error,omitempty"`
	Stale         bool        `json:"stale"` // forces fingerprint-insensitive re-update on next cycle
	Enabled       bool        `json:"enabled"`
	Added         time.Time   `json:"added"`
}

// DisplayTitle returns the user-assigned title when set, the feed's own title otherwise
func (f *Feed) DisplayTitle() string {
	if f.UserTitle != "" {
		return f.UserTitle
	}
	return f.Title
}

// FetchRecord is one append-only log row per fetch attempt
type FetchRecord struct {
	ID        int64         `json:"id"`
	FeedID    int64         `json:"feed_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Status    FetchStatus   `json:"status"`
	ErrorKind string        `json:"error_kind,omitempty"` // transport, parse, unsupported, storage; empty on success
	Error     string        `json:"error,omitempty"`
	NewCount  int           `json:"new_count"`
	UpdCount  int           `json:"upd_count"`
}
