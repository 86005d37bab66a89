package sqlite

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	appLog "famcal/internal/log"
	"famcal/internal/model"
	"famcal/internal/store"
	"famcal/internal/store/storetest"
)

func init() {
	appLog.SetOutput(io.Discard)
}

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "famcal.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, openTestStore)
}

func TestInMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if _, err := s.CreateEvent(context.Background(), storetest.OneOff("a", start, start.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	got, err := s.QueryEvents(context.Background(), "fam", store.RecurringOrFuture(start))
	if err != nil || len(got) != 1 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestReopenKeepsDataAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "famcal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	if _, err := s.CreateEvent(context.Background(), storetest.OneOff("kept", start, start.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	var version int
	if err := s2.db.QueryRow(`SELECT version FROM schema_migrations`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version = %d, want 1", version)
	}
	if _, err := s2.GetEvent(context.Background(), "fam", "kept"); err != nil {
		t.Fatalf("event lost across reopen: %v", err)
	}
}

func TestCreatePreservesCreatedAtOnReplace(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "famcal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	ctx := context.Background()
	start := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	first, err := s.CreateEvent(ctx, storetest.OneOff("x", start, start.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}

	clock = clock.Add(48 * time.Hour)
	second, err := s.CreateEvent(ctx, storetest.OneOff("x", start, start.Add(2*time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed: %s -> %s", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.Equal(clock) {
		t.Fatalf("updated_at = %s, want %s", second.UpdatedAt, clock)
	}
}

func TestUnknownFrequencyLoadsAsUnrecognized(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "famcal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	start := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC).UnixMilli()
	_, err = s.db.Exec(`INSERT INTO events (id, family_id, title, start_ms, end_ms, is_recurring,
		frequency, rule_interval, created_at_ms, updated_at_ms)
		VALUES ('odd', 'fam', 'Odd', ?, ?, 1, 'hourly', 0, 0, 0)`, start, start+3600000)
	if err != nil {
		t.Fatal(err)
	}

	ev, err := s.GetEvent(context.Background(), "fam", "odd")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.Recurrence.Rule.(model.Unrecognized); !ok {
		t.Fatalf("rule = %#v, want Unrecognized", ev.Recurrence.Rule)
	}
	if _, ok := ev.Recurrence.End.(model.Forever); !ok {
		t.Fatalf("termination = %#v, want Forever", ev.Recurrence.End)
	}
}

func TestZoneFallback(t *testing.T) {
	if zone("UTC", 0) != time.UTC {
		t.Error("UTC should resolve to time.UTC")
	}
	loc := zone("Custom/Feed Zone", 9*3600)
	if _, off := time.Date(2025, 1, 1, 0, 0, 0, 0, loc).Zone(); off != 9*3600 {
		t.Errorf("fallback offset = %d", off)
	}
}

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database table is locked"), true},
		{errors.New("disk I/O error (522)"), true},
		{errors.New("UNIQUE constraint failed: events.id"), false},
	}
	for _, tt := range tests {
		if got := isTransientSQLiteErr(tt.err); got != tt.want {
			t.Errorf("isTransientSQLiteErr(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryOp(t *testing.T) {
	cfg := retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}
	ctx := context.Background()

	calls := 0
	err := retryOp(ctx, cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("transient: err=%v calls=%d", err, calls)
	}

	calls = 0
	permanent := errors.New("constraint failed")
	if err := retryOp(ctx, cfg, func() error { calls++; return permanent }); !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("permanent: err=%v calls=%d", err, calls)
	}

	calls = 0
	if err := retryOp(ctx, cfg, func() error { calls++; return errors.New("database is locked") }); err == nil || calls != 4 {
		t.Fatalf("exhausted: err=%v calls=%d", err, calls)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := retryConfig{maxRetries: 10, baseDelay: 10 * time.Millisecond, maxDelay: 40 * time.Millisecond}
	for attempt := 0; attempt < 8; attempt++ {
		d := backoffDelay(cfg, attempt)
		if d < cfg.baseDelay || d >= cfg.maxDelay+cfg.baseDelay {
			t.Fatalf("attempt %d: delay %s out of range", attempt, d)
		}
	}
}
