package model

import (
	"errors"
	"time"
)

// Details holds the display fields of an event. They are copied verbatim
// from a StoredEvent into every Occurrence it produces.
type Details struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Color       string `json:"color,omitempty"`
	AllDay      bool   `json:"all_day"`

	// MemberID is the family member the event belongs to, if any.
	MemberID string `json:"member_id,omitempty"`
}

// StoredEvent is a persisted calendar entry, possibly carrying a
// recurrence rule. It is owned by the event store; expansion only reads it.
type StoredEvent struct {
	ID       string `json:"id"`
	FamilyID string `json:"family_id"`

	Details

	// Start / End are absolute timestamps. Their Location matters for
	// recurring events: daily/weekly/monthly steps keep the wall-clock
	// time of Start in that zone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	IsRecurring bool        `json:"is_recurring"`
	Recurrence  *Recurrence `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration returns End - Start.
func (e StoredEvent) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Recurring reports whether the event should be expanded as a series.
// Both the flag and a rule are required.
func (e StoredEvent) Recurring() bool {
	return e.IsRecurring && e.Recurrence != nil && e.Recurrence.Rule != nil
}

// Validate checks the fields a writer must guarantee before persisting.
func (e StoredEvent) Validate() error {
	if e.Title == "" {
		return errors.New("event title cannot be empty")
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return errors.New("event timestamps cannot be zero")
	}
	if e.End.Before(e.Start) {
		return errors.New("event cannot end before it starts")
	}
	if e.IsRecurring && e.Recurrence == nil {
		return errors.New("recurring event has no recurrence rule")
	}
	if e.Recurrence != nil {
		if err := e.Recurrence.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Occurrence is one concrete, dated instance of a StoredEvent. It is
// derived by expansion and never persisted.
type Occurrence struct {
	// OriginalID points back at the StoredEvent that produced it.
	OriginalID string `json:"original_id"`
	// OccurrenceID is unique within one expansion and deterministic for a
	// given (OriginalID, Start).
	OccurrenceID string `json:"occurrence_id"`

	Details

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
