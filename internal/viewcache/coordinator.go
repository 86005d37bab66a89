// Package viewcache keeps one lazily fetched list of occurrences per named
// view (today, upcoming, a given day, week or month) and coalesces
// concurrent fetches of the same view.
//
// Reads (Occurrences, IsLoading, Entry) only take a short lock and never
// wait for the store. Writes to an entry come from at most one fetch at a
// time; a key that is already loading is never fetched twice.
//
// Views overlap ("today" is usually inside "upcoming") and the same
// occurrence may show up in several entries. Deduplicating across views is
// left to whoever composes them.
package viewcache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	appLog "famcal/internal/log"
	"famcal/internal/model"
	"famcal/internal/recurrence"
	"famcal/internal/store"
)

// State is the lifecycle position of a cache entry.
type State string

const (
	StateAbsent  State = "absent"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Entry is a snapshot of one view.
type Entry struct {
	Key   string
	State State
	// Occurrences is the result of the last successful fetch. It survives
	// a failed refresh.
	Occurrences   []model.Occurrence
	LastFetchedAt time.Time
	// Err is the failure of the last fetch when State is StateError.
	Err error
}

// Options tunes a Coordinator. The zero value is usable.
type Options struct {
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
	// Location is the zone calendar views are cut in and occurrences are
	// returned in. Defaults to time.Local.
	Location *time.Location
	// HorizonDays bounds the upcoming view. Zero means six calendar months.
	HorizonDays int
	// StaleAfter makes EnsureFetched refetch entries older than this.
	// Zero disables staleness.
	StaleAfter time.Duration
	// MaxOccurrences caps each event's expansion. Zero uses the engine
	// default.
	MaxOccurrences int
	// WeekStart is the first day of week views.
	WeekStart time.Weekday
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) location() *time.Location {
	if o.Location != nil {
		return o.Location
	}
	return time.Local
}

func (o Options) horizonEnd(now time.Time) time.Time {
	if o.HorizonDays > 0 {
		return now.AddDate(0, 0, o.HorizonDays)
	}
	return now.AddDate(0, 6, 0)
}

type entry struct {
	Entry
	key Key
	// gen increments each time a fetch starts; it names the flight.
	gen       uint64
	attempted time.Time
	stale     bool
}

// Coordinator owns the view cache of one family.
type Coordinator struct {
	q        store.Querier
	familyID string
	opts     Options

	mu      sync.Mutex
	entries map[string]*entry

	flights singleflight.Group
}

// New builds a Coordinator reading familyID's events from q.
func New(q store.Querier, familyID string, opts Options) *Coordinator {
	return &Coordinator{
		q:        q,
		familyID: familyID,
		opts:     opts,
		entries:  make(map[string]*entry),
	}
}

// EnsureFetched starts a background fetch of key when the entry is absent,
// stale, or force is set. It returns without waiting. While a fetch for
// key is in flight the call does nothing.
func (c *Coordinator) EnsureFetched(key string, force bool) error {
	k, err := ParseKey(key)
	if err != nil {
		return err
	}
	name := k.String()

	c.mu.Lock()
	e := c.entries[name]
	if e != nil && e.State == StateLoading {
		c.mu.Unlock()
		return nil
	}
	if e != nil && !force && !c.isStale(e) {
		c.mu.Unlock()
		return nil
	}
	gen := c.begin(name, k)
	c.mu.Unlock()

	c.flights.DoChan(flightKey(name, gen), c.fetchFunc(context.Background(), name, gen))
	return nil
}

// Refresh fetches key and waits until the entry is ready or errored. A
// fetch already in flight is joined instead of duplicated. The returned
// error is about the key or the caller's ctx only; a failed fetch shows up
// as Entry.State == StateError. The fetch is not cancelled with ctx.
func (c *Coordinator) Refresh(ctx context.Context, key string) (Entry, error) {
	k, err := ParseKey(key)
	if err != nil {
		return Entry{}, err
	}
	name := k.String()

	c.mu.Lock()
	var gen uint64
	if e := c.entries[name]; e != nil && e.State == StateLoading {
		gen = e.gen
	} else {
		gen = c.begin(name, k)
	}
	c.mu.Unlock()

	ch := c.flights.DoChan(flightKey(name, gen), c.fetchFunc(context.WithoutCancel(ctx), name, gen))
	select {
	case res := <-ch:
		return res.Val.(Entry), nil
	case <-ctx.Done():
		return c.snapshot(name), ctx.Err()
	}
}

// RefreshAll refreshes keys concurrently and returns their entries in the
// same order.
func (c *Coordinator) RefreshAll(ctx context.Context, keys ...string) ([]Entry, error) {
	out := make([]Entry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			e, err := c.Refresh(gctx, key)
			out[i] = e
			return err
		})
	}
	return out, g.Wait()
}

// Occurrences returns the occurrences of key, or an empty slice when the
// entry is absent or has never been fetched successfully.
func (c *Coordinator) Occurrences(key string) []model.Occurrence {
	e, ok := c.Entry(key)
	if !ok || e.Occurrences == nil {
		return []model.Occurrence{}
	}
	return e.Occurrences
}

// IsLoading reports whether a fetch of key is in flight.
func (c *Coordinator) IsLoading(key string) bool {
	e, _ := c.Entry(key)
	return e.State == StateLoading
}

// Entry returns a snapshot of key. ok is false when the view was never
// requested, which lets callers tell "not fetched" from "fetched, empty".
func (c *Coordinator) Entry(key string) (Entry, bool) {
	name := canonical(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return Entry{Key: name, State: StateAbsent}, false
	}
	return e.clone(), true
}

// Invalidate marks entries stale so the next EnsureFetched refetches them.
// Their occurrences stay readable meanwhile. A fetch already in flight keeps
// running and the entry stays stale after it lands, since it may have read
// the store before the change. No keys means every entry.
func (c *Coordinator) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) == 0 {
		for _, e := range c.entries {
			e.stale = true
		}
		return
	}
	for _, key := range keys {
		if e, ok := c.entries[canonical(key)]; ok {
			e.stale = true
		}
	}
}

// Keys lists the views that have been requested, sorted.
func (c *Coordinator) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// begin marks name loading under a new generation. c.mu must be held.
func (c *Coordinator) begin(name string, k Key) uint64 {
	e := c.entries[name]
	if e == nil {
		e = &entry{Entry: Entry{Key: name}, key: k}
		c.entries[name] = e
	}
	e.gen++
	e.State = StateLoading
	e.stale = false
	return e.gen
}

// isStale reports whether an idle entry should be refetched. c.mu must be
// held.
func (c *Coordinator) isStale(e *entry) bool {
	if e.stale {
		return true
	}
	if c.opts.StaleAfter <= 0 {
		return false
	}
	return c.opts.now().Sub(e.attempted) >= c.opts.StaleAfter
}

func (c *Coordinator) snapshot(name string) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(name)
}

// fetchFunc returns the flight body for generation gen of name. A caller
// that reaches singleflight after that generation already finished gets
// the settled entry back without a second query.
func (c *Coordinator) fetchFunc(ctx context.Context, name string, gen uint64) func() (any, error) {
	return func() (any, error) {
		c.mu.Lock()
		e := c.entries[name]
		if e == nil || e.gen != gen || e.State != StateLoading {
			snap := c.snapshotLocked(name)
			c.mu.Unlock()
			return snap, nil
		}
		k := e.key
		c.mu.Unlock()

		now := c.opts.now()
		occ, err := c.load(ctx, k, now)

		c.mu.Lock()
		defer c.mu.Unlock()
		e.attempted = now
		if err != nil {
			e.State = StateError
			e.Err = err
			appLog.Error("viewcache: fetch failed", err, "view", name, "kept", len(e.Occurrences))
		} else {
			e.State = StateReady
			e.Err = nil
			e.Occurrences = occ
			e.LastFetchedAt = now
			appLog.Debug("viewcache: fetched", "view", name, "occurrences", len(occ))
		}
		return e.clone(), nil
	}
}

// load queries the store and expands the result. A panicking querier is
// reported as a fetch failure.
func (c *Coordinator) load(ctx context.Context, k Key, now time.Time) (occ []model.Occurrence, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("viewcache: query panicked: %v", r)
		}
	}()

	w := k.Window(now, c.opts)
	events, err := c.q.QueryEvents(ctx, c.familyID, w.Filter)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", w.Filter, err)
	}
	res, err := recurrence.ExpandWithConfig(events, recurrence.Config{
		RangeStart:             w.ExpandStart,
		RangeEnd:               w.ExpandEnd,
		MaxOccurrencesPerEvent: c.opts.MaxOccurrences,
		DisplayLocation:        c.opts.location(),
	})
	if err != nil {
		return nil, err
	}
	if res.Occurrences == nil {
		res.Occurrences = []model.Occurrence{}
	}
	return res.Occurrences, nil
}

func (c *Coordinator) snapshotLocked(name string) Entry {
	if e, ok := c.entries[name]; ok {
		return e.clone()
	}
	return Entry{Key: name, State: StateAbsent}
}

func (e *entry) clone() Entry {
	out := e.Entry
	if e.Occurrences != nil {
		out.Occurrences = append([]model.Occurrence(nil), e.Occurrences...)
	}
	return out
}

func flightKey(name string, gen uint64) string {
	return name + "#" + strconv.FormatUint(gen, 10)
}

// canonical normalizes key for lookups; unparsable keys are used as is and
// simply never match.
func canonical(key string) string {
	if k, err := ParseKey(key); err == nil {
		return k.String()
	}
	return key
}
