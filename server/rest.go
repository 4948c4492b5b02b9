package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/feedvault/feedvault/pkg/domain"
)

// statusHandler returns server status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.entries.CountEntries(r.Context(), nil)
	if err != nil {
		log.Printf("[WARN] failed to count entries for status: %v", err)
	}

	status := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"entries": entries,
		"search":  s.search.Enabled(),
		"time":    time.Now().UTC(),
	}
	renderJSON(w, r, http.StatusOK, status)
}

// listFeedsHandler returns all feeds, optionally enabled ones only
func (s *Server) listFeedsHandler(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"

	feeds, err := s.feeds.GetFeeds(r.Context(), enabledOnly)
	if err != nil {
		log.Printf("[ERROR] failed to list feeds: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, feeds)
}

// createFeedHandler subscribes to a new feed
func (s *Server) createFeedHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL           string `json:"url"`
		Title         string `json:"title"`
		FetchInterval int    `json:"fetch_interval"` // seconds
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		renderError(w, r, fmt.Errorf("feed URL is required"), http.StatusBadRequest)
		return
	}

	feed := &domain.Feed{
		URL:           req.URL,
		UserTitle:     req.Title,
		FetchInterval: req.FetchInterval,
		Enabled:       true,
	}

	if err := s.feeds.CreateFeed(r.Context(), feed); err != nil {
		if errors.Is(err, domain.ErrFeedExists) {
			renderError(w, r, err, http.StatusConflict)
			return
		}
		log.Printf("[ERROR] failed to create feed: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	// first fetch happens out of band, the subscription itself is done
	go func() {
		if err := s.scheduler.UpdateFeedNow(context.Background(), feed.ID); err != nil {
			log.Printf("[ERROR] failed to fetch new feed: %v", err)
		}
	}()

	renderJSON(w, r, http.StatusCreated, feed)
}

// getFeedHandler returns a single feed by ID
func (s *Server) getFeedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}

	feed, err := s.feeds.GetFeed(r.Context(), id)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	renderJSON(w, r, http.StatusOK, feed)
}

// deleteFeedHandler removes a feed and all its entries
func (s *Server) deleteFeedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}

	if err := s.feeds.DeleteFeed(r.Context(), id); err != nil {
		renderStoreError(w, r, err)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

// setFeedTitleHandler sets or clears the user override title
func (s *Server) setFeedTitleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}

	if err := s.feeds.SetUserTitle(r.Context(), id, req.Title); err != nil {
		renderStoreError(w, r, err)
		return
	}

	feed, err := s.feeds.GetFeed(r.Context(), id)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	renderJSON(w, r, http.StatusOK, feed)
}

// enableFeedHandler enables a feed
func (s *Server) enableFeedHandler(w http.ResponseWriter, r *http.Request) {
	s.updateFeedEnabled(w, r, true)
}

// disableFeedHandler disables a feed
func (s *Server) disableFeedHandler(w http.ResponseWriter, r *http.Request) {
	s.updateFeedEnabled(w, r, false)
}

func (s *Server) updateFeedEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}

	if err := s.feeds.SetEnabled(r.Context(), id, enabled); err != nil {
		renderStoreError(w, r, err)
		return
	}

	feed, err := s.feeds.GetFeed(r.Context(), id)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	renderJSON(w, r, http.StatusOK, feed)
}

// refreshFeedHandler triggers an immediate feed update
func (s *Server) refreshFeedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}

	// background context so the cycle survives the HTTP request
	if err := s.scheduler.UpdateFeedNow(context.Background(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			renderError(w, r, err, http.StatusNotFound)
			return
		}
		log.Printf("[ERROR] failed to refresh feed %d: %v", id, err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

// markFeedStaleHandler forces a full re-reconcile on the next fetch
func (s *Server) markFeedStaleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}

	if err := s.feeds.MarkStale(r.Context(), id); err != nil {
		renderStoreError(w, r, err)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]string{"status": "stale"})
}

// feedLogHandler returns recent fetch records for a feed
func (s *Server) feedLogHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}

	limit := queryInt(r, "limit", 50)
	records, err := s.fetchLog.ListByFeed(r.Context(), id, limit)
	if err != nil {
		log.Printf("[ERROR] failed to list fetch log for feed %d: %v", id, err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, records)
}

// listEntriesHandler returns entries in feed order with optional filters
// and keyset pagination
func (s *Server) listEntriesHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := entryFilterFromQuery(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}

	entries, err := s.entries.GetEntries(r.Context(), filter)
	if err != nil {
		log.Printf("[ERROR] failed to list entries: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, entries)
}

// getEntryHandler returns a single entry by ID
func (s *Server) getEntryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}

	entry, err := s.entries.GetEntry(r.Context(), id)
	if err != nil {
		renderStoreError(w, r, err)
		return
	}
	renderJSON(w, r, http.StatusOK, entry)
}

// flagRequest addresses an entry by its stable (feed, key) identity, the
// key survives updates while the numeric ID is storage detail
type flagRequest struct {
	FeedID int64  `json:"feed_id"`
	Key    string `json:"key"`
	Value  bool   `json:"value"`
}

// setReadHandler sets or clears the read flag
func (s *Server) setReadHandler(w http.ResponseWriter, r *http.Request) {
	s.setEntryFlag(w, r, s.entries.SetRead)
}

// setImportantHandler sets or clears the important flag
func (s *Server) setImportantHandler(w http.ResponseWriter, r *http.Request) {
	s.setEntryFlag(w, r, s.entries.SetImportant)
}

func (s *Server) setEntryFlag(w http.ResponseWriter, r *http.Request, set func(ctx context.Context, feedID int64, key string, value bool) error) {
	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	if req.FeedID == 0 || req.Key == "" {
		renderError(w, r, fmt.Errorf("feed_id and key are required"), http.StatusBadRequest)
		return
	}

	if err := set(r.Context(), req.FeedID, req.Key, req.Value); err != nil {
		renderStoreError(w, r, err)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]string{"status": "updated"})
}

// searchHandler runs a full-text query over the entry index
func (s *Server) searchHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		renderError(w, r, fmt.Errorf("query parameter q is required"), http.StatusBadRequest)
		return
	}

	filter, err := entryFilterFromQuery(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}

	entries, err := s.search.Search(r.Context(), query, filter)
	if err != nil {
		if errors.Is(err, domain.ErrSearchDisabled) {
			renderError(w, r, err, http.StatusNotImplemented)
			return
		}
		log.Printf("[ERROR] search failed: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, entries)
}

// rebuildSearchHandler rebuilds the search index, optionally for one feed
func (s *Server) rebuildSearchHandler(w http.ResponseWriter, r *http.Request) {
	var feedID *int64
	if idStr := r.URL.Query().Get("feed_id"); idStr != "" {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			renderError(w, r, fmt.Errorf("invalid feed_id"), http.StatusBadRequest)
			return
		}
		feedID = &id
	}

	if err := s.search.Rebuild(r.Context(), feedID); err != nil {
		if errors.Is(err, domain.ErrSearchDisabled) {
			renderError(w, r, err, http.StatusNotImplemented)
			return
		}
		log.Printf("[ERROR] search rebuild failed: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]string{"status": "rebuilt"})
}

// entryFilterFromQuery builds an entry filter from common query parameters
func entryFilterFromQuery(r *http.Request) (domain.EntryFilter, error) {
	q := r.URL.Query()
	var filter domain.EntryFilter

	if idStr := q.Get("feed_id"); idStr != "" {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid feed_id")
		}
		filter.FeedID = &id
	}

	if readStr := q.Get("read"); readStr != "" {
		read, err := strconv.ParseBool(readStr)
		if err != nil {
			return filter, fmt.Errorf("invalid read flag")
		}
		filter.Read = &read
	}

	if impStr := q.Get("important"); impStr != "" {
		important, err := strconv.ParseBool(impStr)
		if err != nil {
			return filter, fmt.Errorf("invalid important flag")
		}
		filter.Important = &important
	}

	if sinceStr := q.Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return filter, fmt.Errorf("invalid since timestamp")
		}
		filter.Since = &since
	}

	if untilStr := q.Get("until"); untilStr != "" {
		until, err := time.Parse(time.RFC3339, untilStr)
		if err != nil {
			return filter, fmt.Errorf("invalid until timestamp")
		}
		filter.Until = &until
	}

	filter.Limit = queryInt(r, "limit", 0)

	// keyset cursor, both parts required together
	afterPub, afterKey := q.Get("after_published"), q.Get("after_key")
	if afterPub != "" || afterKey != "" {
		if afterPub == "" || afterKey == "" {
			return filter, fmt.Errorf("after_published and after_key must be used together")
		}
		published, err := time.Parse(time.RFC3339, afterPub)
		if err != nil {
			return filter, fmt.Errorf("invalid after_published timestamp")
		}
		filter.After = &domain.EntryCursor{Published: published, Key: afterKey}
	}

	return filter, nil
}

// pathID extracts the {id} path value
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ID")
	}
	return id, nil
}

// queryInt reads an integer query parameter with a default
func queryInt(r *http.Request, name string, def int) int {
	if s := r.URL.Query().Get(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return def
}

// renderStoreError maps storage errors to HTTP status codes
func renderStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		renderError(w, r, err, http.StatusNotFound)
	case errors.Is(err, domain.ErrFeedExists):
		renderError(w, r, err, http.StatusConflict)
	default:
		log.Printf("[ERROR] storage operation failed: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
	}
}

// renderJSON sends JSON response
func renderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// renderError sends error response as JSON
func renderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	renderJSON(w, r, code, map[string]string{"error": errMsg})
}
