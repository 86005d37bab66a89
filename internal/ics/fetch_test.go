package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestFetchOne_ETagAndCacheFallback(t *testing.T) {
	var (
		hits       atomic.Int32
		failing    atomic.Bool
		sawIfMatch atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if failing.Load() {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			sawIfMatch.Store(true)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(familyFeed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	src := Source{ID: "school", URL: srv.URL + "/private/token.ics"}
	ctx := context.Background()

	first, err := f.FetchOne(ctx, src)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.FromCache || string(first.Body) != familyFeed {
		t.Fatalf("first fetch should be fresh, FromCache=%v", first.FromCache)
	}

	second, err := f.FetchOne(ctx, src)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !sawIfMatch.Load() {
		t.Error("second request did not send If-None-Match")
	}
	if !second.FromCache || string(second.Body) != familyFeed {
		t.Errorf("304 should serve the cached body, FromCache=%v", second.FromCache)
	}

	failing.Store(true)
	third, err := f.FetchOne(ctx, src)
	if err != nil {
		t.Fatalf("fetch with failing server should fall back to cache: %v", err)
	}
	if !third.FromCache {
		t.Error("expected cached body on server error")
	}
	if hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3", hits.Load())
	}
}

func TestFetchAll_ReportsFailuresWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/bad.ics") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(familyFeed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	results, errs := f.FetchAll(context.Background(), []Source{
		{ID: "good", URL: srv.URL + "/good.ics"},
		{ID: "bad", URL: srv.URL + "/bad.ics"},
		{ID: "empty"},
	})
	if len(results) != 1 || results[0].Source.ID != "good" {
		t.Fatalf("results = %+v", results)
	}
	if len(errs) != 2 {
		t.Fatalf("errs = %v, want 2", errs)
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://calendar.example.com/private-abc123/basic.ics?token=s3cret")
	if strings.Contains(got, "abc123") || strings.Contains(got, "s3cret") {
		t.Errorf("redactURL leaked secrets: %s", got)
	}
	if !strings.HasPrefix(got, "https://calendar.example.com/") {
		t.Errorf("redactURL = %s", got)
	}
	if redactURL("::not a url") != "ics://...(redacted)" {
		t.Errorf("unparseable URL should be fully redacted")
	}
}

func TestHTTPURL(t *testing.T) {
	for in, want := range map[string]string{
		"webcal://example.com/a.ics": "https://example.com/a.ics",
		"WEBCAL://example.com/a.ics": "https://example.com/a.ics",
		"https://example.com/a.ics":  "https://example.com/a.ics",
		"http://example.com/a.ics":   "http://example.com/a.ics",
	} {
		if got := httpURL(in); got != want {
			t.Errorf("httpURL(%q) = %q, want %q", in, got, want)
		}
	}
}
