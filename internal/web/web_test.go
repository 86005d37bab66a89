package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "time/tzdata"

	"famcal/internal/config"
	appLog "famcal/internal/log"
	"famcal/internal/store/memstore"
	"famcal/internal/viewcache"
)

func init() {
	appLog.SetOutput(io.Discard)
}

var testNow = time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *viewcache.Coordinator) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.FamilyID = "fam"
	cfg.Timezone = "UTC"
	if mutate != nil {
		mutate(cfg)
	}
	st := memstore.New()
	t.Cleanup(func() { _ = st.Close() })
	coord := viewcache.New(st, cfg.FamilyID, viewcache.Options{
		Now:      func() time.Time { return testNow },
		Location: time.UTC,
	})
	return NewServer(cfg, coord, st), coord
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestCreateEventThenWaitForView(t *testing.T) {
	s, coord := newTestServer(t, nil)
	h := s.Handler()

	// Warm the view first so the create has something to invalidate.
	rec := do(t, h, http.MethodGet, "/api/views/today?wait=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("wait view = %d %s", rec.Code, rec.Body.String())
	}
	if v := decode[viewResponse](t, rec); v.State != viewcache.StateReady || len(v.Occurrences) != 0 {
		t.Fatalf("empty today = %+v", v)
	}

	body := `{"title":"Swim","start":"2025-01-06T17:00:00Z","end":"2025-01-06T18:00:00Z",
		"recurrence":{"frequency":"weekly","days_of_week":["MO","WE"],"count":4}}`
	rec = do(t, h, http.MethodPost, "/api/events", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	created := decode[eventDTO](t, rec)
	if created.ID == "" || created.Recurrence == nil || created.Recurrence.Count != 4 {
		t.Fatalf("created = %+v", created)
	}
	if got := strings.Join(created.Recurrence.DaysOfWeek, ","); got != "MO,WE" {
		t.Errorf("days = %s", got)
	}

	e, _ := coord.Entry("today")
	if e.State != viewcache.StateReady {
		t.Fatalf("today state after create = %s", e.State)
	}

	rec = do(t, h, http.MethodPost, "/api/views/today/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d %s", rec.Code, rec.Body.String())
	}
	v := decode[viewResponse](t, rec)
	if len(v.Occurrences) != 1 {
		t.Fatalf("today occurrences = %+v", v.Occurrences)
	}
	occ := v.Occurrences[0]
	if occ.EventID != created.ID || occ.ID != created.ID+"@20250106T170000Z" || occ.Title != "Swim" {
		t.Errorf("occurrence = %+v", occ)
	}

	rec = do(t, h, http.MethodGet, "/api/views/upcoming?wait=1", "")
	if v := decode[viewResponse](t, rec); len(v.Occurrences) != 4 {
		t.Fatalf("upcoming has %d occurrences, want 4 (count cap)", len(v.Occurrences))
	}

	rec = do(t, h, http.MethodGet, "/api/views", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"upcoming"`) {
		t.Errorf("list views = %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateAssignsFreshIDs(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	body := `{"id":"chosen","title":"Nap","start":"2025-01-06T13:00:00Z","end":"2025-01-06T14:00:00Z"}`
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodPost, "/api/events", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create #%d = %d %s", i, rec.Code, rec.Body.String())
		}
		id := decode[eventDTO](t, rec).ID
		if id == "chosen" || seen[id] {
			t.Fatalf("create #%d reused id %q", i, id)
		}
		seen[id] = true
	}
}

func TestGetViewWithoutWaitStartsFetch(t *testing.T) {
	s, coord := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/api/views/day:2025-01-06", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("view = %d %s", rec.Code, rec.Body.String())
	}
	v := decode[viewResponse](t, rec)
	if v.State != viewcache.StateLoading && v.State != viewcache.StateReady {
		t.Fatalf("state = %s", v.State)
	}
	if v.Occurrences == nil {
		t.Error("occurrences must be an empty list, not null")
	}

	deadline := time.Now().Add(2 * time.Second)
	for coord.IsLoading("day:2025-01-06") {
		if time.Now().After(deadline) {
			t.Fatal("fetch never settled")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnknownViewIs404(t *testing.T) {
	s, coord := newTestServer(t, nil)
	for _, path := range []string{"/api/views/yesterday", "/api/views/day:2025-13-01?wait=1"} {
		if rec := do(t, s.Handler(), http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}
	if rec := do(t, s.Handler(), http.MethodPost, "/api/views/tomorrow/refresh", ""); rec.Code != http.StatusNotFound {
		t.Errorf("refresh unknown = %d", rec.Code)
	}
	if len(coord.Keys()) != 0 {
		t.Errorf("unknown keys created entries: %v", coord.Keys())
	}
}

func TestEventErrors(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", http.MethodPost, "/api/events", `{"title":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/events", `{"title":"x","colour":"red"}`, http.StatusBadRequest},
		{"end before start", http.MethodPost, "/api/events",
			`{"title":"x","start":"2025-01-06T10:00:00Z","end":"2025-01-06T09:00:00Z"}`, http.StatusBadRequest},
		{"bad weekday", http.MethodPost, "/api/events",
			`{"title":"x","start":"2025-01-06T10:00:00Z","end":"2025-01-06T11:00:00Z","recurrence":{"frequency":"weekly","days_of_week":["XX"]}}`, http.StatusBadRequest},
		{"bad frequency", http.MethodPost, "/api/events",
			`{"title":"x","start":"2025-01-06T10:00:00Z","end":"2025-01-06T11:00:00Z","recurrence":{"frequency":"hourly"}}`, http.StatusBadRequest},
		{"bad timezone", http.MethodPost, "/api/events",
			`{"title":"x","start":"2025-01-06T10:00:00Z","end":"2025-01-06T11:00:00Z","timezone":"Nowhere/City"}`, http.StatusBadRequest},
		{"get missing", http.MethodGet, "/api/events/nope", "", http.StatusNotFound},
		{"update missing", http.MethodPut, "/api/events/nope",
			`{"title":"x","start":"2025-01-06T10:00:00Z","end":"2025-01-06T11:00:00Z"}`, http.StatusNotFound},
		{"delete missing", http.MethodDelete, "/api/events/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestUpdateDeleteAndExport(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/events",
		`{"title":"Piano","start":"2025-01-07T16:00:00Z","end":"2025-01-07T17:00:00Z","timezone":"America/New_York"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	created := decode[eventDTO](t, rec)
	if created.Timezone != "America/New_York" {
		t.Errorf("timezone = %q", created.Timezone)
	}

	rec = do(t, h, http.MethodPut, "/api/events/"+created.ID,
		`{"title":"Piano lesson","start":"2025-01-07T16:00:00Z","end":"2025-01-07T17:30:00Z","timezone":"America/New_York"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/export.ics", "")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar") {
		t.Fatalf("export = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "SUMMARY:Piano lesson") ||
		!strings.Contains(rec.Body.String(), "DTSTART;TZID=America/New_York:20250107T110000") {
		t.Errorf("export body:\n%s", rec.Body.String())
	}

	rec = do(t, h, http.MethodDelete, "/api/events/"+created.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/events/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "mom", Password: "secret"}
	})
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health should skip auth, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/views", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/views", bytes.NewReader(nil))
	req.SetBasicAuth("mom", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with credentials = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/views", nil)
	req.SetBasicAuth("mom", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d", rec.Code)
	}
}
