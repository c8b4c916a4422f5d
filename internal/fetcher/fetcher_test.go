package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/h2non/gock"
)

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func newInterceptedFetcher() *Fetcher {
	client := DefaultClient()
	gock.InterceptClient(client)
	return New(client)
}

func TestFetch(t *testing.T) {
	xml := loadFixture(t, "../../testdata/sample.xml")

	tests := []struct {
		name       string
		setup      func()
		url        string
		wantBody   string
		wantType   string
		wantErr    bool
		wantStatus int
	}{
		{
			name: "successful fetch",
			setup: func() {
				gock.New("https://feeds.test").
					Get("/rss").
					Reply(200).
					SetHeader("Content-Type", "application/rss+xml; charset=utf-8").
					BodyString(xml)
			},
			url:      "https://feeds.test/rss",
			wantBody: xml,
			wantType: "application/rss+xml; charset=utf-8",
		},
		{
			name: "not found",
			setup: func() {
				gock.New("https://feeds.test").
					Get("/missing").
					Reply(404).
					BodyString("nope")
			},
			url:        "https://feeds.test/missing",
			wantErr:    true,
			wantStatus: 404,
		},
		{
			name: "server error",
			setup: func() {
				gock.New("https://feeds.test").
					Get("/broken").
					Reply(503)
			},
			url:        "https://feeds.test/broken",
			wantErr:    true,
			wantStatus: 503,
		},
		{
			name: "network error",
			setup: func() {
				gock.New("https://feeds.test").
					Get("/gone").
					ReplyError(io.ErrUnexpectedEOF)
			},
			url:     "https://feeds.test/gone",
			wantErr: true,
		},
		{
			name: "redirect followed",
			setup: func() {
				gock.New("https://feeds.test").
					Get("/old").
					Reply(301).
					SetHeader("Location", "https://feeds.test/new")
				gock.New("https://feeds.test").
					Get("/new").
					Reply(200).
					SetHeader("Content-Type", "text/xml").
					BodyString(xml)
			},
			url:      "https://feeds.test/old",
			wantBody: xml,
			wantType: "text/xml",
		},
		{
			name: "too many redirects",
			setup: func() {
				for i := 0; i < 8; i++ {
					gock.New("https://feeds.test").
						Get(fmt.Sprintf("/hop%d", i)).
						Reply(301).
						SetHeader("Location", fmt.Sprintf("https://feeds.test/hop%d", i+1))
				}
			},
			url:     "https://feeds.test/hop0",
			wantErr: true,
		},
		{
			name: "body over size cap",
			setup: func() {
				gock.New("https://feeds.test").
					Get("/huge").
					Reply(200).
					BodyString(strings.Repeat("a", maxBodySize+10))
			},
			url:     "https://feeds.test/huge",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()
			tt.setup()

			f := newInterceptedFetcher()
			body, contentType, err := f.Fetch(context.Background(), tt.url)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var ferr *Error
				if !errors.As(err, &ferr) {
					t.Fatalf("expected *fetcher.Error, got %T", err)
				}
				if tt.wantStatus != 0 && ferr.Status != tt.wantStatus {
					t.Errorf("expected status %d in error, got %d", tt.wantStatus, ferr.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tt.wantBody, string(body)); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantType, contentType); diff != "" {
				t.Errorf("content type mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetchContextCancelled(t *testing.T) {
	defer gock.Off()
	gock.New("https://feeds.test").
		Get("/rss").
		Reply(200).
		BodyString("<rss></rss>")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newInterceptedFetcher()
	_, _, err := f.Fetch(ctx, "https://feeds.test/rss")
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
