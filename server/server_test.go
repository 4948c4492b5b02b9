package server

import (
	"context"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedvault/feedvault/pkg/repository"
)

type testConfig struct{}

func (testConfig) GetServerConfig() (string, time.Duration) {
	return "127.0.0.1:0", 30 * time.Second
}

type fakeScheduler struct {
	mu      sync.Mutex
	updated []int64
	err     error
}

func (s *fakeScheduler) UpdateFeedNow(_ context.Context, feedID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updated = append(s.updated, feedID)
	return nil
}

func (s *fakeScheduler) updatedFeeds() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.updated))
	copy(out, s.updated)
	return out
}

// setupTestServer builds a server over a real storage engine and a fake
// scheduler, returning the running test HTTP server
func setupTestServer(t *testing.T) (ts *httptest.Server, repos *repository.Repositories, sched *fakeScheduler) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test-*.db")
	require.NoError(t, err)
	tmpFile.Close()

	repos, err = repository.NewRepositories(context.Background(), repository.Config{
		DSN: "file:" + tmpFile.Name() + "?mode=rwc",
	})
	require.NoError(t, err)

	sched = &fakeScheduler{}
	srv := New(testConfig{}, repos, sched, "test", false)
	ts = httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		repos.Close()
		os.Remove(tmpFile.Name())
	})

	return ts, repos, sched
}
