// Package memstore is an in-process event store. One-off events are indexed
// by their [start, end] span in an interval search tree so range queries do
// not scan every event; recurring series are kept aside because any of
// them may produce an occurrence in any window.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rdleal/intervalst/interval"

	"famcal/internal/model"
	"famcal/internal/store"
)

type family struct {
	// spans maps an interval to the IDs of every one-off event covering
	// exactly that span.
	spans     *interval.SearchTree[[]string, time.Time]
	recurring map[string]struct{}
}

func newFamily() *family {
	return &family{
		spans:     interval.NewSearchTree[[]string](func(x, y time.Time) int { return x.Compare(y) }),
		recurring: make(map[string]struct{}),
	}
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	events   map[string]model.StoredEvent
	families map[string]*family
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		events:   make(map[string]model.StoredEvent),
		families: make(map[string]*family),
		now:      time.Now,
	}
}

// QueryEvents implements store.Querier.
func (s *Store) QueryEvents(ctx context.Context, familyID string, f store.Filter) ([]model.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	fam, ok := s.families[familyID]
	if !ok {
		return nil, nil
	}

	var out []model.StoredEvent
	for id := range fam.recurring {
		if ev := s.events[id]; f.Match(ev) {
			out = append(out, ev)
		}
	}

	switch f.Kind {
	case store.FilterRange:
		// Widen by a nanosecond so touching edges are candidates whatever
		// the tree's edge convention; Match has the final word.
		lists, _ := fam.spans.AllIntersections(f.Start.Add(-time.Nanosecond), f.End.Add(time.Nanosecond))
		for _, ids := range lists {
			for _, id := range ids {
				if ev := s.events[id]; f.Match(ev) {
					out = append(out, ev)
				}
			}
		}
	default:
		for _, ev := range s.events {
			if ev.FamilyID == familyID && !ev.IsRecurring && f.Match(ev) {
				out = append(out, ev)
			}
		}
	}

	sortByStart(out)
	return out, nil
}

// CreateEvent implements store.Writer.
func (s *Store) CreateEvent(ctx context.Context, ev model.StoredEvent) (model.StoredEvent, error) {
	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return model.StoredEvent{}, fmt.Errorf("memstore: new id: %w", err)
		}
		ev.ID = id.String()
	}
	if err := store.Validate(ev); err != nil {
		return model.StoredEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if old, ok := s.events[ev.ID]; ok {
		if old.FamilyID != ev.FamilyID {
			return model.StoredEvent{}, fmt.Errorf("create %s: %w", ev.ID, store.ErrConflict)
		}
		ev.CreatedAt = old.CreatedAt
		if err := s.unindex(old); err != nil {
			return model.StoredEvent{}, err
		}
	} else {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	if err := s.index(ev); err != nil {
		return model.StoredEvent{}, err
	}
	s.events[ev.ID] = ev
	return ev, nil
}

// UpdateEvent implements store.Writer.
func (s *Store) UpdateEvent(ctx context.Context, ev model.StoredEvent) (model.StoredEvent, error) {
	if err := store.Validate(ev); err != nil {
		return model.StoredEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.events[ev.ID]
	if !ok || old.FamilyID != ev.FamilyID {
		return model.StoredEvent{}, fmt.Errorf("update %s: %w", ev.ID, store.ErrNotFound)
	}
	if err := s.unindex(old); err != nil {
		return model.StoredEvent{}, err
	}
	ev.CreatedAt = old.CreatedAt
	ev.UpdatedAt = s.now()
	if err := s.index(ev); err != nil {
		return model.StoredEvent{}, err
	}
	s.events[ev.ID] = ev
	return ev, nil
}

// DeleteEvent implements store.Writer.
func (s *Store) DeleteEvent(ctx context.Context, familyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.events[id]
	if !ok || old.FamilyID != familyID {
		return fmt.Errorf("delete %s: %w", id, store.ErrNotFound)
	}
	if err := s.unindex(old); err != nil {
		return err
	}
	delete(s.events, id)
	return nil
}

// GetEvent implements store.Writer.
func (s *Store) GetEvent(ctx context.Context, familyID, id string) (model.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok || ev.FamilyID != familyID {
		return model.StoredEvent{}, fmt.Errorf("get %s: %w", id, store.ErrNotFound)
	}
	return ev, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// index adds ev to its family's indexes. s.mu must be held.
func (s *Store) index(ev model.StoredEvent) error {
	fam, ok := s.families[ev.FamilyID]
	if !ok {
		fam = newFamily()
		s.families[ev.FamilyID] = fam
	}
	if ev.IsRecurring {
		fam.recurring[ev.ID] = struct{}{}
		return nil
	}

	start, end := span(ev)
	ids, _ := fam.spans.Find(start, end)
	if len(ids) > 0 {
		if err := fam.spans.Delete(start, end); err != nil {
			return fmt.Errorf("memstore: reindex span: %w", err)
		}
	}
	ids = append(append([]string(nil), ids...), ev.ID)
	if err := fam.spans.Insert(start, end, ids); err != nil {
		return fmt.Errorf("memstore: failed to insert into index tree: %w", err)
	}
	return nil
}

// unindex removes ev from its family's indexes. s.mu must be held.
func (s *Store) unindex(ev model.StoredEvent) error {
	fam, ok := s.families[ev.FamilyID]
	if !ok {
		return nil
	}
	if ev.IsRecurring {
		delete(fam.recurring, ev.ID)
		return nil
	}

	start, end := span(ev)
	ids, ok := fam.spans.Find(start, end)
	if !ok {
		return nil
	}
	if err := fam.spans.Delete(start, end); err != nil {
		return fmt.Errorf("memstore: failed to delete from index tree: %w", err)
	}
	rest := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != ev.ID {
			rest = append(rest, id)
		}
	}
	if len(rest) == 0 {
		return nil
	}
	return fam.spans.Insert(start, end, rest)
}

// span is the tree key of a one-off event. Zero-length events get a
// nanosecond so the interval is never empty.
func span(ev model.StoredEvent) (time.Time, time.Time) {
	if !ev.End.After(ev.Start) {
		return ev.Start, ev.Start.Add(time.Nanosecond)
	}
	return ev.Start, ev.End
}

func sortByStart(events []model.StoredEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].ID < events[j].ID
	})
}
