// Package recurrence turns stored events into the concrete occurrences
// that overlap a time window.
//
// Supported rules are the daily/weekly/monthly/yearly subset with an
// interval, a weekday set (weekly only) and a count or until cap. Anything
// else degrades to a single instance rather than failing.
package recurrence

import (
	"errors"
	"sort"
	"time"

	appLog "famcal/internal/log"
	"famcal/internal/model"
)

// DefaultMaxOccurrences is the per-event cap used when the caller passes
// zero or a negative value.
const DefaultMaxOccurrences = 500

// Config controls a batch expansion.
type Config struct {
	// RangeStart / RangeEnd define the window. An occurrence is kept when
	// it ends at or after RangeStart and starts before RangeEnd.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap for open-ended series. If
	// zero, DefaultMaxOccurrences is used.
	MaxOccurrencesPerEvent int

	// DisplayLocation, if set, is the zone occurrences are converted into
	// after expansion. Expansion itself always runs in the event's zone.
	DisplayLocation *time.Location
}

// Result wraps expanded occurrences and the events that hit the cap.
type Result struct {
	Occurrences []model.Occurrence
	// Truncated records IDs of events that hit MaxOccurrencesPerEvent.
	Truncated []string
}

// Expand returns the occurrences of ev overlapping [windowStart, windowEnd),
// sorted by start. It never fails: malformed rules fall back to a single
// instance and an event ending before it starts yields nothing.
func Expand(ev model.StoredEvent, windowStart, windowEnd time.Time, maxOccurrences int) []model.Occurrence {
	if maxOccurrences <= 0 {
		maxOccurrences = DefaultMaxOccurrences
	}
	out, _ := expandEvent(ev, windowStart, windowEnd, maxOccurrences)
	return out
}

// ExpandMany expands every event against the same window and merges the
// results by start time.
func ExpandMany(events []model.StoredEvent, windowStart, windowEnd time.Time) []model.Occurrence {
	res, _ := ExpandWithConfig(events, Config{RangeStart: windowStart, RangeEnd: windowEnd})
	return res.Occurrences
}

// ExpandWithConfig is ExpandMany with a configurable cap, display zone and
// truncation report.
func ExpandWithConfig(events []model.StoredEvent, cfg Config) (Result, error) {
	var result Result

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = DefaultMaxOccurrences
	}

	all := make([]model.Occurrence, 0, len(events))
	for _, ev := range events {
		occ, hitCap := expandEvent(ev, cfg.RangeStart, cfg.RangeEnd, cfg.MaxOccurrencesPerEvent)
		if hitCap {
			result.Truncated = append(result.Truncated, ev.ID)
			appLog.Error("expand: truncated occurrences for event due to cap",
				errors.New("max occurrences reached"),
				"id", ev.ID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		all = append(all, occ...)
	}

	if cfg.DisplayLocation != nil {
		for i := range all {
			all[i].Start = all[i].Start.In(cfg.DisplayLocation)
			all[i].End = all[i].End.In(cfg.DisplayLocation)
		}
	}

	SortOccurrences(all)
	result.Occurrences = all
	return result, nil
}

// SortOccurrences orders occurrences by start, then by occurrence ID so
// that equal starts still come out in a stable, deterministic order.
func SortOccurrences(occ []model.Occurrence) {
	sort.SliceStable(occ, func(i, j int) bool {
		if !occ[i].Start.Equal(occ[j].Start) {
			return occ[i].Start.Before(occ[j].Start)
		}
		return occ[i].OccurrenceID < occ[j].OccurrenceID
	})
}

// OccurrenceID derives the identifier of the instance of originalID that
// starts at start.
func OccurrenceID(originalID string, start time.Time) string {
	return originalID + "@" + start.UTC().Format("20060102T150405Z")
}

func expandEvent(ev model.StoredEvent, windowStart, windowEnd time.Time, limit int) ([]model.Occurrence, bool) {
	if ev.End.Before(ev.Start) || windowEnd.Before(windowStart) {
		return nil, false
	}
	if !ev.Recurring() {
		return expandSingle(ev, windowStart, windowEnd), false
	}

	e := newExpander(ev, windowStart, windowEnd, limit)
	switch r := ev.Recurrence.Rule.(type) {
	case model.Daily:
		e.daily(r.Every())
	case model.Weekly:
		e.weekly(r)
	case model.Monthly:
		e.monthly(r.Every())
	case model.Yearly:
		e.monthly(12 * r.Every())
	default:
		return expandSingle(ev, windowStart, windowEnd), false
	}
	return e.out, e.hitCap
}

func expandSingle(ev model.StoredEvent, windowStart, windowEnd time.Time) []model.Occurrence {
	if !overlaps(ev.Start, ev.End, windowStart, windowEnd) {
		return nil
	}
	return []model.Occurrence{{
		OriginalID:   ev.ID,
		OccurrenceID: ev.ID,
		Details:      ev.Details,
		Start:        ev.Start,
		End:          ev.End,
	}}
}

// overlaps uses the window convention of the calendar views: an instance
// touching windowStart with its end is kept, one starting at windowEnd is not.
func overlaps(start, end, windowStart, windowEnd time.Time) bool {
	return !end.Before(windowStart) && start.Before(windowEnd)
}
