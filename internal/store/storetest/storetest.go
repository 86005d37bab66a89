// Package storetest holds the behaviour every store.Store must share. Each
// backend's tests call Run with a constructor for a fresh, empty store.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
	_ "time/tzdata"

	"famcal/internal/model"
	"famcal/internal/store"
)

// Run exercises newStore against the store contract.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("RangeFilter", func(t *testing.T) { testRangeFilter(t, newStore(t)) })
	t.Run("RecurringOrFuture", func(t *testing.T) { testRecurringOrFuture(t, newStore(t)) })
	t.Run("CRUD", func(t *testing.T) { testCRUD(t, newStore(t)) })
	t.Run("CreateReplacesSameID", func(t *testing.T) { testUpsert(t, newStore(t)) })
	t.Run("CreateKeepsOtherFamilies", func(t *testing.T) { testUpsertOtherFamily(t, newStore(t)) })
	t.Run("RecurrenceRoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("Validation", func(t *testing.T) { testValidation(t, newStore(t)) })
}

var base = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }

// OneOff builds a valid non-recurring event for family "fam".
func OneOff(id string, start, end time.Time) model.StoredEvent {
	return model.StoredEvent{
		ID:       id,
		FamilyID: "fam",
		Details:  model.Details{Title: "event " + id},
		Start:    start,
		End:      end,
	}
}

// Series builds a valid daily series for family "fam".
func Series(id string, start time.Time, d time.Duration) model.StoredEvent {
	ev := OneOff(id, start, start.Add(d))
	ev.IsRecurring = true
	ev.Recurrence = &model.Recurrence{Rule: model.Daily{Interval: 1}, End: model.Forever{}}
	return ev
}

func mustCreate(t *testing.T, s store.Store, events ...model.StoredEvent) {
	t.Helper()
	for _, ev := range events {
		if _, err := s.CreateEvent(context.Background(), ev); err != nil {
			t.Fatalf("create %s: %v", ev.ID, err)
		}
	}
}

func queryIDs(t *testing.T, s store.Store, f store.Filter) []string {
	t.Helper()
	got, err := s.QueryEvents(context.Background(), "fam", f)
	if err != nil {
		t.Fatalf("query %s: %v", f, err)
	}
	ids := make([]string, 0, len(got))
	for i, ev := range got {
		if i > 0 && ev.Start.Before(got[i-1].Start) {
			t.Fatalf("query %s not ordered by start", f)
		}
		ids = append(ids, ev.ID)
	}
	return ids
}

func testRangeFilter(t *testing.T, s store.Store) {
	defer s.Close()

	other := OneOff("other-family", at(10), at(11))
	other.FamilyID = "someone-else"
	mustCreate(t, s,
		OneOff("before", at(1), at(2)),
		OneOff("touching", at(8), at(9)),
		OneOff("inside", at(10), at(11)),
		OneOff("spanning", at(5), at(30)),
		OneOff("at-end", at(20), at(21)),
		OneOff("zero-length", at(12), at(12)),
		Series("old-series", base.AddDate(-1, 0, 0), time.Hour),
		Series("future-series", at(25), time.Hour),
		other,
	)

	got := queryIDs(t, s, store.Range(at(9), at(20)))
	want := []string{"old-series", "spanning", "touching", "inside", "zero-length"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("range ids = %v, want %v", got, want)
	}
}

func testRecurringOrFuture(t *testing.T, s store.Store) {
	defer s.Close()

	mustCreate(t, s,
		OneOff("past", at(1), at(2)),
		OneOff("in-progress", at(9), at(11)),
		OneOff("now", at(10), at(11)),
		OneOff("later", at(48), at(49)),
		Series("series", base.AddDate(0, -2, 0), time.Hour),
	)

	got := queryIDs(t, s, store.RecurringOrFuture(at(10)))
	want := []string{"series", "now", "later"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("recurring-or-future ids = %v, want %v", got, want)
	}

	none, err := s.QueryEvents(context.Background(), "nobody", store.RecurringOrFuture(at(0)))
	if err != nil || len(none) != 0 {
		t.Fatalf("unknown family = %v, %v", none, err)
	}
}

func testCRUD(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	ev := OneOff("", at(1), at(2))
	created, err := s.CreateEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("created = %+v, want id and timestamps", created)
	}

	got, err := s.GetEvent(ctx, "fam", created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != ev.Title || !got.Start.Equal(ev.Start) || !got.End.Equal(ev.End) {
		t.Fatalf("get = %+v", got)
	}
	if _, err := s.GetEvent(ctx, "someone-else", created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-family get = %v, want ErrNotFound", err)
	}

	got.Title = "renamed"
	got.Start, got.End = at(30), at(31)
	if _, err := s.UpdateEvent(ctx, got); err != nil {
		t.Fatal(err)
	}
	if ids := queryIDs(t, s, store.Range(at(0), at(3))); len(ids) != 0 {
		t.Fatalf("old span still indexed: %v", ids)
	}
	if ids := queryIDs(t, s, store.Range(at(29), at(32))); len(ids) != 1 || ids[0] != created.ID {
		t.Fatalf("new span not indexed: %v", ids)
	}

	missing := OneOff("missing", at(1), at(2))
	if _, err := s.UpdateEvent(ctx, missing); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update missing = %v, want ErrNotFound", err)
	}

	if err := s.DeleteEvent(ctx, "fam", created.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetEvent(ctx, "fam", created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteEvent(ctx, "fam", created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
}

func testUpsert(t *testing.T, s store.Store) {
	defer s.Close()

	mustCreate(t, s, OneOff("feed-1", at(1), at(2)), OneOff("feed-2", at(1), at(2)))
	mustCreate(t, s, OneOff("feed-1", at(5), at(6)))

	if ids := queryIDs(t, s, store.Range(at(0), at(3))); !reflect.DeepEqual(ids, []string{"feed-2"}) {
		t.Fatalf("old span = %v, want [feed-2]", ids)
	}
	if ids := queryIDs(t, s, store.Range(at(4), at(7))); !reflect.DeepEqual(ids, []string{"feed-1"}) {
		t.Fatalf("new span = %v, want [feed-1]", ids)
	}
}

func testUpsertOtherFamily(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	mustCreate(t, s, OneOff("shared", at(1), at(2)))

	intruder := OneOff("shared", at(5), at(6))
	intruder.FamilyID = "someone-else"
	intruder.Title = "hijacked"
	if _, err := s.CreateEvent(ctx, intruder); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("create over another family's id: err = %v, want ErrConflict", err)
	}

	got, err := s.GetEvent(ctx, "fam", "shared")
	if err != nil {
		t.Fatalf("original event lost: %v", err)
	}
	if got.Title != "event shared" || !got.Start.Equal(at(1)) {
		t.Errorf("original event changed: %+v", got)
	}
	if _, err := s.GetEvent(ctx, "someone-else", "shared"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("other family sees the event: err = %v", err)
	}
}

func testRoundTrip(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	until := time.Date(2025, 6, 30, 23, 59, 0, 0, time.UTC)
	ev := model.StoredEvent{
		ID:       "swim",
		FamilyID: "fam",
		Details: model.Details{
			Title:       "Swim",
			Description: "bring goggles",
			Location:    "Pool",
			Color:       "#3366ff",
			MemberID:    "kid-1",
		},
		Start:       time.Date(2025, 3, 3, 17, 30, 0, 0, ny),
		End:         time.Date(2025, 3, 3, 18, 15, 0, 0, ny),
		IsRecurring: true,
		Recurrence: &model.Recurrence{
			Rule: model.Weekly{Interval: 2, Days: []time.Weekday{time.Monday, time.Thursday}},
			End:  model.Until{At: until},
		},
	}
	mustCreate(t, s, ev)

	got, err := s.GetEvent(ctx, "fam", "swim")
	if err != nil {
		t.Fatal(err)
	}
	if got.Details != ev.Details {
		t.Errorf("details = %+v, want %+v", got.Details, ev.Details)
	}
	if !got.Start.Equal(ev.Start) || got.Start.Location().String() != "America/New_York" {
		t.Errorf("start = %s (%s), want %s in America/New_York", got.Start, got.Start.Location(), ev.Start)
	}
	if !got.End.Equal(ev.End) {
		t.Errorf("end = %s, want %s", got.End, ev.End)
	}
	if !got.IsRecurring || got.Recurrence == nil {
		t.Fatalf("recurrence lost: %+v", got)
	}
	w, ok := got.Recurrence.Rule.(model.Weekly)
	if !ok || w.Interval != 2 || !reflect.DeepEqual(w.Days, []time.Weekday{time.Monday, time.Thursday}) {
		t.Errorf("rule = %#v", got.Recurrence.Rule)
	}
	u, ok := got.Recurrence.End.(model.Until)
	if !ok || !u.At.Equal(until) {
		t.Errorf("termination = %#v", got.Recurrence.End)
	}
}

func testValidation(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	bad := []model.StoredEvent{
		OneOff("no-title", at(1), at(2)),
		OneOff("backwards", at(2), at(1)),
		func() model.StoredEvent { e := OneOff("no-family", at(1), at(2)); e.FamilyID = ""; return e }(),
		func() model.StoredEvent { e := OneOff("no-rule", at(1), at(2)); e.IsRecurring = true; return e }(),
	}
	bad[0].Title = ""
	for _, ev := range bad {
		if _, err := s.CreateEvent(ctx, ev); !errors.Is(err, store.ErrInvalidEvent) {
			t.Errorf("create %s = %v, want ErrInvalidEvent", ev.ID, err)
		}
	}
}
