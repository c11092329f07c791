package podclient

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newTestServer(t *testing.T, pages [][]feedEntry) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				page = n
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if page < 1 || page > len(pages) {
			json.NewEncoder(w).Encode(feedResponse{Entries: nil, Pages: len(pages)})
			return
		}
		json.NewEncoder(w).Encode(feedResponse{Entries: pages[page-1], Pages: len(pages)})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchByTagsPaginates(t *testing.T) {
	pages := [][]feedEntry{
		{{ID: "a", Content: "A", Tags: []any{"queue"}}},
		{{ID: "b", Content: "B", Tags: []any{"queue"}}},
	}
	srv := newTestServer(t, pages)

	c := New(Config{PodURL: srv.URL, PodKey: "k"})
	got := c.FetchByTags(t.Context(), []string{"queue"}, 10)
	if len(got) != 2 {
		t.Fatalf("got %d digests, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("unexpected digest order: %+v", got)
	}
}

func TestFetchByTagsFailsSoftOnPageError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			json.NewEncoder(w).Encode(feedResponse{
				Entries: []feedEntry{{ID: "a", Content: "A"}},
				Pages:   3,
			})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{PodURL: srv.URL, PodKey: "k"})
	got := c.FetchByTags(t.Context(), []string{"queue"}, 10)
	if len(got) != 1 {
		t.Fatalf("got %d digests, want 1 (partial results on page error)", len(got))
	}
}

func TestFetchByIDCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(feedResponse{
			Entries: []feedEntry{{ID: "target", Content: "payload"}},
			Pages:   1,
		})
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(Config{PodURL: srv.URL, PodKey: "k", Now: func() time.Time { return now }})

	content, err := c.FetchByID(t.Context(), "target", []string{"cfg"}, true, time.Hour, false)
	if err != nil {
		t.Fatalf("FetchByID: %v", err)
	}
	if content != "payload" {
		t.Fatalf("content = %q", content)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cache hit, got %d", calls)
	}

	content, err = c.FetchByID(t.Context(), "target", []string{"cfg"}, true, time.Hour, false)
	if err != nil {
		t.Fatalf("FetchByID (cached): %v", err)
	}
	if content != "payload" {
		t.Fatalf("cached content = %q", content)
	}
	if calls != 1 {
		t.Fatalf("expected cache hit to avoid a second call, got %d calls", calls)
	}
}

func TestFetchByIDCacheExpires(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(feedResponse{
			Entries: []feedEntry{{ID: "target", Content: "payload"}},
			Pages:   1,
		})
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(Config{PodURL: srv.URL, PodKey: "k", Now: func() time.Time { return now }})

	if _, err := c.FetchByID(t.Context(), "target", []string{"cfg"}, true, time.Minute, false); err != nil {
		t.Fatalf("FetchByID: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.FetchByID(t.Context(), "target", []string{"cfg"}, true, time.Minute, false); err != nil {
		t.Fatalf("FetchByID after expiry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected cache expiry to force a second call, got %d calls", calls)
	}
}

func TestFetchByIDNotFound(t *testing.T) {
	srv := newTestServer(t, [][]feedEntry{{}})
	c := New(Config{PodURL: srv.URL, PodKey: "k"})

	_, err := c.FetchByID(t.Context(), "missing", []string{"cfg"}, false, 0, false)
	if err == nil {
		t.Fatal("expected ErrNotFound")
	}
	if !errors.As(err, new(*ErrNotFound)) {
		t.Fatalf("expected *ErrNotFound, got %T: %v", err, err)
	}
}

func TestFetchWithLookbackFiltersOldEntries(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour).Format(time.RFC3339)
	recent := now.Add(-1 * time.Hour).Format(time.RFC3339)

	srv := newTestServer(t, [][]feedEntry{{
		{ID: "old", Content: "old", CreatedAt: old},
		{ID: "recent", Content: "recent", CreatedAt: recent},
		{ID: "no-timestamp", Content: "untimed"},
	}})

	c := New(Config{PodURL: srv.URL, PodKey: "k", Now: func() time.Time { return now }})
	got := c.FetchWithLookback(t.Context(), []string{"queue"}, 24*time.Hour)

	ids := map[string]bool{}
	for _, d := range got {
		ids[d.ID] = true
	}
	if ids["old"] {
		t.Error("expected old entry to be excluded by lookback window")
	}
	if !ids["recent"] {
		t.Error("expected recent entry to survive lookback filter")
	}
	if !ids["no-timestamp"] {
		t.Error("expected entry with no timestamp to survive (fail-open)")
	}
}
