// Package refresh keeps a family's views warm on a cron schedule: each tick
// syncs the subscribed feeds, marks every cached view stale and refetches
// the configured ones.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "famcal/internal/log"
	"famcal/internal/viewcache"
)

// SyncFunc pulls external data into the store before views are refetched.
type SyncFunc func(ctx context.Context) error

// Options configures a Refresher.
type Options struct {
	// Schedule is a standard 5-field cron expression or a descriptor such
	// as "@every 15m".
	Schedule string
	// Keys are the views refetched on every tick.
	Keys []string
	// Sync, if set, runs before the views are refreshed. A failing sync is
	// logged and the views are refreshed anyway.
	Sync SyncFunc
	// Timeout bounds one tick. Zero means one minute.
	Timeout  time.Duration
	Location *time.Location
}

// Refresher runs ticks on a cron schedule. Overlapping ticks are skipped.
type Refresher struct {
	coord *viewcache.Coordinator
	opts  Options
	cron  *cron.Cron

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// New validates the schedule and the view keys and returns a stopped
// Refresher.
func New(coord *viewcache.Coordinator, opts Options) (*Refresher, error) {
	if coord == nil {
		return nil, errors.New("refresh: coordinator is nil")
	}
	for _, k := range opts.Keys {
		if _, err := viewcache.ParseKey(k); err != nil {
			return nil, fmt.Errorf("refresh: %w", err)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	logger := cronLogger{}
	r := &Refresher{
		coord: coord,
		opts:  opts,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
	if _, err := r.cron.AddFunc(opts.Schedule, r.tick); err != nil {
		return nil, fmt.Errorf("refresh: invalid schedule %q: %w", opts.Schedule, err)
	}
	return r, nil
}

// Start begins the schedule in its own goroutine.
func (r *Refresher) Start() {
	appLog.Info("refresh: scheduler started", "schedule", r.opts.Schedule, "views", len(r.opts.Keys))
	r.cron.Start()
}

// Stop stops scheduling and waits for a running tick to finish or ctx to
// end, whichever is first.
func (r *Refresher) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		appLog.Info("refresh: scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled tick, or the zero time when the
// scheduler is not running.
func (r *Refresher) Next() time.Time {
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// LastRun reports when RunOnce last finished and its error.
func (r *Refresher) LastRun() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, r.lastErr
}

// RunOnce performs one tick synchronously. The error joins the sync error
// and the caller's ctx error; failed view fetches are reported through the
// coordinator's entries, not here.
func (r *Refresher) RunOnce(ctx context.Context) error {
	start := time.Now()
	var errs []error

	if r.opts.Sync != nil {
		if err := r.opts.Sync(ctx); err != nil {
			appLog.Error("refresh: sync failed", err)
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
	}

	r.coord.Invalidate()
	entries, err := r.coord.RefreshAll(ctx, r.opts.Keys...)
	if err != nil {
		errs = append(errs, err)
	}
	failed := 0
	for _, e := range entries {
		if e.State == viewcache.StateError {
			failed++
		}
	}

	err = errors.Join(errs...)
	r.mu.Lock()
	r.lastRun, r.lastErr = time.Now(), err
	r.mu.Unlock()

	appLog.Info("refresh: tick done", "views", len(entries), "failed", failed, "elapsed", time.Since(start).Round(time.Millisecond))
	return err
}

func (r *Refresher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	defer cancel()
	_ = r.RunOnce(ctx)
}

// cronLogger routes cron's own logging through the app logger. cron's Info
// is chatty (every wake-up), so it goes to debug.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
