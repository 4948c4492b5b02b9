// Package fetch implements the external collaborators of the update cycle:
// an HTTP fetcher speaking conditional requests and a parser turning raw
// bytes into a structured feed document.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/feedvault/feedvault/pkg/domain"
)

// Status of one fetch attempt
type Status string

// fetch outcomes
const (
	StatusFresh       Status = "fresh"
	StatusNotModified Status = "not_modified"
)

// Result holds the outcome of a conditional request. Body is only set for
// StatusFresh; validators carry over unchanged on StatusNotModified.
type Result struct {
	Status       Status
	Body         []byte
	ETag         string
	LastModified string
}

// Validators are the stored conditional-request tokens from a prior fetch
type Validators struct {
	ETag         string
	LastModified string
}

// HTTPFetcher fetches feed documents with conditional GET requests
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a new fetcher with the given per-request timeout
func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: userAgent,
	}
}

// Fetch retrieves a feed document, sending stored validators so unchanged
// documents come back as StatusNotModified without a body. Network failures
// and unexpected statuses are reported as domain.TransportError.
func (f *HTTPFetcher) Fetch(ctx context.Context, feedURL string, validators Validators) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, http.NoBody)
	if err != nil {
		return nil, &domain.TransportError{URL: feedURL, Err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("User-Agent", f.userAgent)
	addBrowserHeaders(req)

	if validators.ETag != "" {
		req.Header.Set("If-None-Match", validators.ETag)
	}
	if validators.LastModified != "" {
		req.Header.Set("If-Modified-Since", validators.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &domain.TransportError{URL: feedURL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &Result{Status: StatusNotModified}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, &domain.TransportError{URL: feedURL, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransportError{URL: feedURL, Err: fmt.Errorf("read body: %w", err)}
	}

	return &Result{
		Status:       StatusFresh,
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
