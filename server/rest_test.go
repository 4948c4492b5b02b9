package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedvault/feedvault/pkg/domain"
	"github.com/feedvault/feedvault/pkg/repository"
)

// doRequest sends a request to the test server and decodes the JSON response into out
func doRequest(t *testing.T, ts *httptest.Server, method, path string, body interface{}, out interface{}) int {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.URL+path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func seedFeed(t *testing.T, repos *repository.Repositories, url string) *domain.Feed {
	t.Helper()
	feed := &domain.Feed{URL: url, Title: "Seeded Feed", Enabled: true}
	require.NoError(t, repos.Feed.CreateFeed(context.Background(), feed))
	return feed
}

func seedEntries(t *testing.T, repos *repository.Repositories, feedID int64, entries ...domain.Entry) {
	t.Helper()
	err := repos.Entry.ApplyChangeSet(context.Background(), feedID, domain.ChangeSet{Inserts: entries})
	require.NoError(t, err)
}

func TestServer_Status(t *testing.T) {
	ts, repos, _ := setupTestServer(t)

	feed := seedFeed(t, repos, "https://example.com/feed.xml")
	seedEntries(t, repos, feed.ID, domain.Entry{
		Key:       "https://example.com/post/1",
		Title:     "Post",
		Published: time.Now().UTC(),
	})

	var status map[string]interface{}
	code := doRequest(t, ts, http.MethodGet, "/api/v1/status", nil, &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, "test", status["version"])
	assert.Equal(t, float64(1), status["entries"])
	assert.Equal(t, true, status["search"])
}

func TestServer_CreateFeed(t *testing.T) {
	ts, _, sched := setupTestServer(t)

	t.Run("created", func(t *testing.T) {
		var feed domain.Feed
		code := doRequest(t, ts, http.MethodPost, "/api/v1/feeds",
			map[string]interface{}{"url": "https://example.com/feed.xml", "title": "My Feed", "fetch_interval": 600}, &feed)
		require.Equal(t, http.StatusCreated, code)
		assert.NotZero(t, feed.ID)
		assert.Equal(t, "https://example.com/feed.xml", feed.URL)
		assert.Equal(t, "My Feed", feed.UserTitle)
		assert.Equal(t, 600, feed.FetchInterval)
		assert.True(t, feed.Enabled)

		// first fetch is kicked off out of band
		assert.Eventually(t, func() bool {
			return len(sched.updatedFeeds()) == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("duplicate url conflicts", func(t *testing.T) {
		code := doRequest(t, ts, http.MethodPost, "/api/v1/feeds",
			map[string]interface{}{"url": "https://example.com/feed.xml"}, nil)
		assert.Equal(t, http.StatusConflict, code)
	})

	t.Run("missing url", func(t *testing.T) {
		var errResp map[string]string
		code := doRequest(t, ts, http.MethodPost, "/api/v1/feeds", map[string]interface{}{"title": "no url"}, &errResp)
		require.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, errResp["error"], "URL is required")
	})

	t.Run("invalid body", func(t *testing.T) {
		resp, err := ts.Client().Post(ts.URL+"/api/v1/feeds", "application/json", bytes.NewReader([]byte("{not json")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServer_FeedLifecycle(t *testing.T) {
	ts, repos, _ := setupTestServer(t)
	feed := seedFeed(t, repos, "https://example.com/feed.xml")
	base := fmt.Sprintf("/api/v1/feeds/%d", feed.ID)

	t.Run("get", func(t *testing.T) {
		var got domain.Feed
		code := doRequest(t, ts, http.MethodGet, base, nil, &got)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, feed.ID, got.ID)
		assert.Equal(t, feed.URL, got.URL)
	})

	t.Run("list", func(t *testing.T) {
		var feeds []*domain.Feed
		code := doRequest(t, ts, http.MethodGet, "/api/v1/feeds", nil, &feeds)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, feeds, 1)
	})

	t.Run("set title", func(t *testing.T) {
		var got domain.Feed
		code := doRequest(t, ts, http.MethodPut, base+"/title", map[string]string{"title": "Renamed"}, &got)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "Renamed", got.UserTitle)
		assert.Equal(t, "Renamed", got.DisplayTitle())
	})

	t.Run("disable and enable", func(t *testing.T) {
		var got domain.Feed
		code := doRequest(t, ts, http.MethodPost, base+"/disable", nil, &got)
		require.Equal(t, http.StatusOK, code)
		assert.False(t, got.Enabled)

		// disabled feed drops out of the enabled-only listing
		var feeds []*domain.Feed
		code = doRequest(t, ts, http.MethodGet, "/api/v1/feeds?enabled=true", nil, &feeds)
		require.Equal(t, http.StatusOK, code)
		assert.Empty(t, feeds)

		code = doRequest(t, ts, http.MethodPost, base+"/enable", nil, &got)
		require.Equal(t, http.StatusOK, code)
		assert.True(t, got.Enabled)
	})

	t.Run("mark stale", func(t *testing.T) {
		code := doRequest(t, ts, http.MethodPost, base+"/stale", nil, nil)
		require.Equal(t, http.StatusOK, code)

		got, err := repos.Feed.GetFeed(context.Background(), feed.ID)
		require.NoError(t, err)
		assert.True(t, got.Stale)
	})

	t.Run("delete", func(t *testing.T) {
		code := doRequest(t, ts, http.MethodDelete, base, nil, nil)
		require.Equal(t, http.StatusOK, code)

		code = doRequest(t, ts, http.MethodGet, base, nil, nil)
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("missing feed", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, doRequest(t, ts, http.MethodGet, "/api/v1/feeds/12345", nil, nil))
		assert.Equal(t, http.StatusNotFound, doRequest(t, ts, http.MethodPost, "/api/v1/feeds/12345/disable", nil, nil))
		assert.Equal(t, http.StatusNotFound, doRequest(t, ts, http.MethodPost, "/api/v1/feeds/12345/stale", nil, nil))
		assert.Equal(t, http.StatusNotFound, doRequest(t, ts, http.MethodDelete, "/api/v1/feeds/12345", nil, nil))
	})

	t.Run("bad id", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, doRequest(t, ts, http.MethodGet, "/api/v1/feeds/abc", nil, nil))
	})
}

func TestServer_RefreshFeed(t *testing.T) {
	ts, repos, sched := setupTestServer(t)
	feed := seedFeed(t, repos, "https://example.com/feed.xml")

	t.Run("accepted", func(t *testing.T) {
		var resp map[string]string
		code := doRequest(t, ts, http.MethodPost, fmt.Sprintf("/api/v1/feeds/%d/refresh", feed.ID), nil, &resp)
		require.Equal(t, http.StatusAccepted, code)
		assert.Equal(t, "refreshing", resp["status"])
		assert.Equal(t, []int64{feed.ID}, sched.updatedFeeds())
	})

	t.Run("unknown feed", func(t *testing.T) {
		sched.err = domain.ErrNotFound
		defer func() { sched.err = nil }()

		code := doRequest(t, ts, http.MethodPost, "/api/v1/feeds/999/refresh", nil, nil)
		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestServer_FeedLog(t *testing.T) {
	ts, repos, _ := setupTestServer(t)
	feed := seedFeed(t, repos, "https://example.com/feed.xml")

	for i := 0; i < 3; i++ {
		rec := &domain.FetchRecord{
			FeedID:    feed.ID,
			StartedAt: time.Now().Add(time.Duration(i) * time.Minute).UTC(),
			Duration:  120 * time.Millisecond,
			Status:    domain.FetchOK,
			NewCount:  i,
		}
		require.NoError(t, repos.FetchLog.Add(context.Background(), rec))
	}

	var records []*domain.FetchRecord
	code := doRequest(t, ts, http.MethodGet, fmt.Sprintf("/api/v1/feeds/%d/log?limit=2", feed.ID), nil, &records)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].NewCount) // newest first
}

func TestServer_ListEntries(t *testing.T) {
	ts, repos, _ := setupTestServer(t)
	feed := seedFeed(t, repos, "https://example.com/feed.xml")
	other := seedFeed(t, repos, "https://other.com/feed.xml")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seedEntries(t, repos, feed.ID,
		domain.Entry{Key: "https://example.com/post/1", Title: "Oldest", Published: base},
		domain.Entry{Key: "https://example.com/post/2", Title: "Newest", Published: base.Add(2 * time.Hour)},
		domain.Entry{Key: "https://example.com/post/3", Title: "Middle", Published: base.Add(time.Hour)},
	)
	seedEntries(t, repos, other.ID,
		domain.Entry{Key: "https://other.com/a", Title: "Other Feed Post", Published: base.Add(30 * time.Minute)},
	)

	t.Run("ordered newest first", func(t *testing.T) {
		var entries []*domain.Entry
		code := doRequest(t, ts, http.MethodGet, "/api/v1/entries", nil, &entries)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, entries, 4)
		assert.Equal(t, "Newest", entries[0].Title)
		assert.Equal(t, "Oldest", entries[3].Title)
		assert.Equal(t, "Seeded Feed", entries[0].FeedTitle)
	})

	t.Run("feed filter", func(t *testing.T) {
		var entries []*domain.Entry
		code := doRequest(t, ts, http.MethodGet, fmt.Sprintf("/api/v1/entries?feed_id=%d", other.ID), nil, &entries)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, entries, 1)
		assert.Equal(t, "Other Feed Post", entries[0].Title)
	})

	t.Run("keyset pagination", func(t *testing.T) {
		var page []*domain.Entry
		code := doRequest(t, ts, http.MethodGet, "/api/v1/entries?limit=2", nil, &page)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, page, 2)

		last := page[1]
		next := fmt.Sprintf("/api/v1/entries?limit=2&after_published=%s&after_key=%s",
			last.Published.UTC().Format(time.RFC3339), last.Key)
		var page2 []*domain.Entry
		code = doRequest(t, ts, http.MethodGet, next, nil, &page2)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, page2, 2)
		assert.NotEqual(t, page[0].Key, page2[0].Key)
		assert.NotEqual(t, page[1].Key, page2[0].Key)
	})

	t.Run("read filter", func(t *testing.T) {
		require.NoError(t, repos.Entry.SetRead(context.Background(), feed.ID, "https://example.com/post/1", true))

		var entries []*domain.Entry
		code := doRequest(t, ts, http.MethodGet, "/api/v1/entries?read=true", nil, &entries)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, entries, 1)
		assert.Equal(t, "Oldest", entries[0].Title)
	})

	t.Run("bad parameters", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, doRequest(t, ts, http.MethodGet, "/api/v1/entries?feed_id=abc", nil, nil))
		assert.Equal(t, http.StatusBadRequest, doRequest(t, ts, http.MethodGet, "/api/v1/entries?read=maybe", nil, nil))
		assert.Equal(t, http.StatusBadRequest, doRequest(t, ts, http.MethodGet, "/api/v1/entries?since=yesterday", nil, nil))
		assert.Equal(t, http.StatusBadRequest, doRequest(t, ts, http.MethodGet, "/api/v1/entries?after_key=x", nil, nil))
	})
}

func TestServer_GetEntry(t *testing.T) {
	ts, repos, _ := setupTestServer(t)
	feed := seedFeed(t, repos, "https://example.com/feed.xml")
	seedEntries(t, repos, feed.ID, domain.Entry{
		Key:       "https://example.com/post/1",
		Title:     "Post",
		Published: time.Now().UTC(),
	})

	entries, err := repos.Entry.GetEntries(context.Background(), domain.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got domain.Entry
	code := doRequest(t, ts, http.MethodGet, fmt.Sprintf("/api/v1/entries/%d", entries[0].ID), nil, &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Post", got.Title)

	assert.Equal(t, http.StatusNotFound, doRequest(t, ts, http.MethodGet, "/api/v1/entries/9999", nil, nil))
}

func TestServer_EntryFlags(t *testing.T) {
	ts, repos, _ := setupTestServer(t)
	feed := seedFeed(t, repos, "https://example.com/feed.xml")
	seedEntries(t, repos, feed.ID, domain.Entry{
		Key:       "https://example.com/post/1",
		Title:     "Post",
		Published: time.Now().UTC(),
	})

	t.Run("mark read", func(t *testing.T) {
		code := doRequest(t, ts, http.MethodPut, "/api/v1/entries/read",
			flagRequest{FeedID: feed.ID, Key: "https://example.com/post/1", Value: true}, nil)
		require.Equal(t, http.StatusOK, code)

		entry, err := repos.Entry.GetEntryByKey(context.Background(), feed.ID, "https://example.com/post/1")
		require.NoError(t, err)
		assert.True(t, entry.Read)
	})

	t.Run("mark important", func(t *testing.T) {
		code := doRequest(t, ts, http.MethodPut, "/api/v1/entries/important",
			flagRequest{FeedID: feed.ID, Key: "https://example.com/post/1", Value: true}, nil)
		require.Equal(t, http.StatusOK, code)

		entry, err := repos.Entry.GetEntryByKey(context.Background(), feed.ID, "https://example.com/post/1")
		require.NoError(t, err)
		assert.True(t, entry.Important)
	})

	t.Run("unknown key", func(t *testing.T) {
		code := doRequest(t, ts, http.MethodPut, "/api/v1/entries/read",
			flagRequest{FeedID: feed.ID, Key: "https://example.com/nope", Value: true}, nil)
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("missing identity", func(t *testing.T) {
		code := doRequest(t, ts, http.MethodPut, "/api/v1/entries/read", flagRequest{Value: true}, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestServer_Search(t *testing.T) {
	ts, repos, _ := setupTestServer(t)
	feed := seedFeed(t, repos, "https://example.com/feed.xml")
	seedEntries(t, repos, feed.ID,
		domain.Entry{Key: "https://example.com/post/1", Title: "Kubernetes networking deep dive", Published: time.Now().UTC()},
		domain.Entry{Key: "https://example.com/post/2", Title: "Gardening for beginners", Published: time.Now().UTC()},
	)

	t.Run("matches", func(t *testing.T) {
		var entries []*domain.Entry
		code := doRequest(t, ts, http.MethodGet, "/api/v1/search?q=kubernetes", nil, &entries)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, entries, 1)
		assert.Equal(t, "Kubernetes networking deep dive", entries[0].Title)
	})

	t.Run("missing query", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, doRequest(t, ts, http.MethodGet, "/api/v1/search", nil, nil))
	})

	t.Run("rebuild", func(t *testing.T) {
		var resp map[string]string
		code := doRequest(t, ts, http.MethodPost, "/api/v1/search/rebuild", nil, &resp)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "rebuilt", resp["status"])

		code = doRequest(t, ts, http.MethodPost, fmt.Sprintf("/api/v1/search/rebuild?feed_id=%d", feed.ID), nil, nil)
		assert.Equal(t, http.StatusOK, code)

		code = doRequest(t, ts, http.MethodPost, "/api/v1/search/rebuild?feed_id=abc", nil, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestServer_SearchDisabled(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-*.db")
	require.NoError(t, err)
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	repos, err := repository.NewRepositories(context.Background(), repository.Config{
		DSN:            "file:" + tmpFile.Name() + "?mode=rwc",
		SearchDisabled: true,
	})
	require.NoError(t, err)
	defer repos.Close()

	srv := New(testConfig{}, repos, &fakeScheduler{}, "test", false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	assert.Equal(t, http.StatusNotImplemented, doRequest(t, ts, http.MethodGet, "/api/v1/search?q=anything", nil, nil))
	assert.Equal(t, http.StatusNotImplemented, doRequest(t, ts, http.MethodPost, "/api/v1/search/rebuild", nil, nil))

	var status map[string]interface{}
	code := doRequest(t, ts, http.MethodGet, "/api/v1/status", nil, &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, status["search"])
}
