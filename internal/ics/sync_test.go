package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"famcal/internal/model"
	"famcal/internal/store"
	"famcal/internal/store/memstore"
)

func TestSync_ReimportDoesNotDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(familyFeed))
	}))
	defer srv.Close()

	st := memstore.New()
	f := NewFetcher(t.TempDir())
	sources := []Source{{ID: "school", URL: srv.URL, MemberID: "kid", Location: time.UTC}}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := Sync(ctx, f, st, "fam", sources)
		if err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		if res.Sources != 1 || res.Imported != 4 || res.Skipped != 0 {
			t.Fatalf("sync %d result = %+v", i, res)
		}
	}

	all, err := st.QueryEvents(ctx, "fam", store.RecurringOrFuture(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("store holds %d events after two syncs, want 4", len(all))
	}
	for _, ev := range all {
		if ev.FamilyID != "fam" || ev.MemberID != "kid" {
			t.Errorf("event %s not stamped: family=%q member=%q", ev.ID, ev.FamilyID, ev.MemberID)
		}
	}
}

func TestSync_FamiliesKeepSeparateCopies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(familyFeed))
	}))
	defer srv.Close()

	st := memstore.New()
	f := NewFetcher(t.TempDir())
	sources := []Source{{ID: "school", URL: srv.URL, Location: time.UTC}}
	ctx := context.Background()

	for _, fam := range []string{"kims", "parks"} {
		res, err := Sync(ctx, f, st, fam, sources)
		if err != nil {
			t.Fatalf("sync %s: %v", fam, err)
		}
		if res.Imported != 4 {
			t.Fatalf("sync %s result = %+v", fam, res)
		}
	}

	since := store.RecurringOrFuture(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	ids := map[string]string{}
	for _, fam := range []string{"kims", "parks"} {
		all, err := st.QueryEvents(ctx, fam, since)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 4 {
			t.Fatalf("%s holds %d events, want 4", fam, len(all))
		}
		for _, ev := range all {
			if owner, ok := ids[ev.ID]; ok {
				t.Errorf("event %s shared by %s and %s", ev.ID, owner, fam)
			}
			ids[ev.ID] = fam
		}
	}
}

func TestSync_JoinsSourceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not a calendar"))
	}))
	defer srv.Close()

	res, err := Sync(context.Background(), NewFetcher(t.TempDir()), memstore.New(), "fam", []Source{
		{ID: "broken", URL: srv.URL},
		{ID: "missing"},
	})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if res.Sources != 0 || res.Imported != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestImport_SkipsInvalidEvents(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	events := []model.StoredEvent{
		{ID: "ok", Details: model.Details{Title: "Ok"}, Start: start, End: start.Add(time.Hour)},
		{ID: "backwards", Details: model.Details{Title: "Backwards"}, Start: start, End: start.Add(-time.Hour)},
	}
	imported, skipped, err := Import(context.Background(), memstore.New(), "fam", events)
	if err != nil {
		t.Fatal(err)
	}
	if imported != 1 || skipped != 1 {
		t.Errorf("imported=%d skipped=%d", imported, skipped)
	}
}
