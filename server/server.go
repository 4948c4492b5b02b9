// Package server exposes the aggregate store over a JSON API: feed
// management, entry listing and flags, full-text search and on-demand
// refresh.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/feedvault/feedvault/pkg/domain"
	"github.com/feedvault/feedvault/pkg/repository"
)

// Server represents HTTP server instance
type Server struct {
	config    ConfigProvider
	feeds     FeedStore
	entries   EntryStore
	search    SearchStore
	fetchLog  FetchLogStore
	scheduler Scheduler
	version   string
	debug     bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// FeedStore is the feed slice of the storage engine used by the API
type FeedStore interface {
	CreateFeed(ctx context.Context, feed *domain.Feed) error
	GetFeed(ctx context.Context, id int64) (*domain.Feed, error)
	GetFeeds(ctx context.Context, enabledOnly bool) ([]*domain.Feed, error)
	SetEnabled(ctx context.Context, feedID int64, enabled bool) error
	SetUserTitle(ctx context.Context, feedID int64, title string) error
	MarkStale(ctx context.Context, feedID int64) error
	DeleteFeed(ctx context.Context, id int64) error
}

// EntryStore is the entry slice of the storage engine used by the API
type EntryStore interface {
	GetEntries(ctx context.Context, filter domain.EntryFilter) ([]*domain.Entry, error)
	GetEntry(ctx context.Context, id int64) (*domain.Entry, error)
	SetRead(ctx context.Context, feedID int64, key string, read bool) error
	SetImportant(ctx context.Context, feedID int64, key string, important bool) error
	CountEntries(ctx context.Context, feedID *int64) (int64, error)
}

// SearchStore is the full-text index used by the API
type SearchStore interface {
	Enabled() bool
	Search(ctx context.Context, query string, filter domain.EntryFilter) ([]*domain.Entry, error)
	Rebuild(ctx context.Context, feedID *int64) error
}

// FetchLogStore exposes per-feed fetch history
type FetchLogStore interface {
	ListByFeed(ctx context.Context, feedID int64, limit int) ([]*domain.FetchRecord, error)
}

// Scheduler interface for on-demand operations
type Scheduler interface {
	UpdateFeedNow(ctx context.Context, feedID int64) error
}

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
}

// New initializes a new server instance
func New(cfg ConfigProvider, repos *repository.Repositories, scheduler Scheduler, version string, debug bool) *Server {
	s := &Server{
		config:    cfg,
		feeds:     repos.Feed,
		entries:   repos.Entry,
		search:    repos.Search,
		fetchLog:  repos.FetchLog,
		scheduler: scheduler,
		version:   version,
		debug:     debug,
		router:    routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	log.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// Handler exposes the composed router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("feedvault", "feedvault", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(1024 * 1024)) // 1MB
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)

		r.HandleFunc("GET /feeds", s.listFeedsHandler)
		r.HandleFunc("POST /feeds", s.createFeedHandler)
		r.HandleFunc("GET /feeds/{id}", s.getFeedHandler)
		r.HandleFunc("DELETE /feeds/{id}", s.deleteFeedHandler)
		r.HandleFunc("PUT /feeds/{id}/title", s.setFeedTitleHandler)
		r.HandleFunc("POST /feeds/{id}/enable", s.enableFeedHandler)
		r.HandleFunc("POST /feeds/{id}/disable", s.disableFeedHandler)
		r.HandleFunc("POST /feeds/{id}/refresh", s.refreshFeedHandler)
		r.HandleFunc("POST /feeds/{id}/stale", s.markFeedStaleHandler)
		r.HandleFunc("GET /feeds/{id}/log", s.feedLogHandler)

		r.HandleFunc("GET /entries", s.listEntriesHandler)
		r.HandleFunc("GET /entries/{id}", s.getEntryHandler)
		r.HandleFunc("PUT /entries/read", s.setReadHandler)
		r.HandleFunc("PUT /entries/important", s.setImportantHandler)

		r.HandleFunc("GET /search", s.searchHandler)
		r.HandleFunc("POST /search/rebuild", s.rebuildSearchHandler)
	})
}
