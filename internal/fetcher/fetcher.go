// Package fetcher retrieves raw feed bodies over HTTP.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	maxBodySize  = 5 * 1024 * 1024
	maxRedirects = 5
	userAgent    = "rssbot/1.0 (+https://github.com/aprlcat/rssbot)"
)

// Error reports a failed fetch. All fetch failures are transient: the feed
// stays registered and is retried on the next scheduler tick.
type Error struct {
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads raw feed bodies. It performs no retries of its own;
// retry granularity is the scheduler cycle, which avoids hammering a
// misbehaving origin with bursts.
type Fetcher struct {
	client HTTPClient
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{client: client}
}

// NewDefault creates a Fetcher with a client applying the standard timeout
// and redirect limit.
func NewDefault() *Fetcher {
	return New(DefaultClient())
}

// DefaultClient returns an HTTP client with a 30s timeout that follows at
// most 5 redirects.
func DefaultClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// Fetch downloads the feed at url and returns the raw body along with the
// declared content type. Any non-2xx status is an error; the body is capped
// at 5 MiB.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &Error{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml, text/xml, application/json, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &Error{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &Error{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, "", &Error{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > maxBodySize {
		return nil, "", &Error{URL: url, Err: fmt.Errorf("feed exceeds %d bytes", maxBodySize)}
	}

	return body, resp.Header.Get("Content-Type"), nil
}
