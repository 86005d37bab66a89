// Package store defines the contracts between the calendar core and the
// event store: the raw event query used by the view cache and the write
// operations used by the CLI and HTTP layers.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"famcal/internal/model"
)

var (
	// ErrNotFound indicates a requested event does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidEvent wraps validation failures on write.
	ErrInvalidEvent = errors.New("store: invalid event")
	// ErrConflict indicates a write reused an ID owned by another family.
	ErrConflict = errors.New("store: id belongs to another family")
)

// FilterKind selects how QueryEvents matches events.
type FilterKind int

const (
	// FilterRange matches one-off events overlapping [Start, End) and every
	// recurring series starting before End.
	FilterRange FilterKind = iota
	// FilterRecurringOrFuture matches all recurring events plus one-off
	// events starting at or after Now. It has no end bound.
	FilterRecurringOrFuture
)

// Filter is the predicate passed to QueryEvents.
type Filter struct {
	Kind  FilterKind
	Start time.Time
	End   time.Time
	Now   time.Time
}

// Range builds a FilterRange filter.
func Range(start, end time.Time) Filter {
	return Filter{Kind: FilterRange, Start: start, End: end}
}

// RecurringOrFuture builds a FilterRecurringOrFuture filter.
func RecurringOrFuture(now time.Time) Filter {
	return Filter{Kind: FilterRecurringOrFuture, Now: now}
}

func (f Filter) String() string {
	switch f.Kind {
	case FilterRange:
		return fmt.Sprintf("range[%s,%s)", f.Start.Format(time.RFC3339), f.End.Format(time.RFC3339))
	case FilterRecurringOrFuture:
		return "recurring-or-future>=" + f.Now.Format(time.RFC3339)
	default:
		return "unknown"
	}
}

// Match reports whether ev satisfies the filter. Backends that cannot push
// the predicate down fully use it to post-filter.
func (f Filter) Match(ev model.StoredEvent) bool {
	switch f.Kind {
	case FilterRange:
		if ev.IsRecurring {
			return ev.Start.Before(f.End)
		}
		return !ev.End.Before(f.Start) && ev.Start.Before(f.End)
	case FilterRecurringOrFuture:
		return ev.IsRecurring || !ev.Start.Before(f.Now)
	default:
		return false
	}
}

// Querier is the read contract the view cache depends on. Results are
// ordered by start.
type Querier interface {
	QueryEvents(ctx context.Context, familyID string, f Filter) ([]model.StoredEvent, error)
}

// Writer is the write contract used by the outer layers.
type Writer interface {
	// CreateEvent validates and persists ev. An empty ID is assigned; an
	// existing ID is replaced, which makes feed imports idempotent.
	CreateEvent(ctx context.Context, ev model.StoredEvent) (model.StoredEvent, error)
	UpdateEvent(ctx context.Context, ev model.StoredEvent) (model.StoredEvent, error)
	DeleteEvent(ctx context.Context, familyID, id string) error
	GetEvent(ctx context.Context, familyID, id string) (model.StoredEvent, error)
}

// Store is a full event backend.
type Store interface {
	Querier
	Writer
	io.Closer
}

// Validate runs the write-side checks shared by every backend.
func Validate(ev model.StoredEvent) error {
	if ev.FamilyID == "" {
		return fmt.Errorf("%w: family id is empty", ErrInvalidEvent)
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Recurrence != nil {
		if ev.Recurrence.End == nil {
			return fmt.Errorf("%w: recurrence has no termination", ErrInvalidEvent)
		}
	}
	return nil
}
