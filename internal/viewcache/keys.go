package viewcache

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"famcal/internal/store"
)

// ErrUnknownView wraps every ParseKey failure.
var ErrUnknownView = errors.New("viewcache: unknown view")

// Kind names the family a view key belongs to.
type Kind int

const (
	KindToday Kind = iota
	KindUpcoming
	KindDay
	KindWeek
	KindMonth
)

const (
	TodayKey    = "today"
	UpcomingKey = "upcoming"

	dayPrefix   = "day:"
	weekPrefix  = "week:"
	monthPrefix = "month:"

	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

// Key is a parsed view key. Year/Month/Day hold the civil date for the
// dated kinds and are zero otherwise (Day is zero for months).
type Key struct {
	Kind  Kind
	Year  int
	Month time.Month
	Day   int
}

// ParseKey validates a view key string.
func ParseKey(s string) (Key, error) {
	switch {
	case s == TodayKey:
		return Key{Kind: KindToday}, nil
	case s == UpcomingKey:
		return Key{Kind: KindUpcoming}, nil
	case strings.HasPrefix(s, dayPrefix):
		return parseDated(KindDay, s, dayPrefix, dateLayout)
	case strings.HasPrefix(s, weekPrefix):
		return parseDated(KindWeek, s, weekPrefix, dateLayout)
	case strings.HasPrefix(s, monthPrefix):
		return parseDated(KindMonth, s, monthPrefix, monthLayout)
	default:
		return Key{}, fmt.Errorf("%w %q", ErrUnknownView, s)
	}
}

func parseDated(kind Kind, s, prefix, layout string) (Key, error) {
	t, err := time.Parse(layout, strings.TrimPrefix(s, prefix))
	if err != nil {
		return Key{}, fmt.Errorf("%w %q: %v", ErrUnknownView, s, err)
	}
	k := Key{Kind: kind, Year: t.Year(), Month: t.Month(), Day: t.Day()}
	if kind == KindMonth {
		k.Day = 0
	}
	return k, nil
}

// DayKey returns the day:YYYY-MM-DD key for the civil date of t.
func DayKey(t time.Time) string { return dayPrefix + t.Format(dateLayout) }

// WeekKey returns the week key for the week holding the civil date of t.
func WeekKey(t time.Time) string { return weekPrefix + t.Format(dateLayout) }

// MonthKey returns the month:YYYY-MM key for t.
func MonthKey(t time.Time) string { return monthPrefix + t.Format(monthLayout) }

func (k Key) String() string {
	switch k.Kind {
	case KindToday:
		return TodayKey
	case KindUpcoming:
		return UpcomingKey
	case KindDay:
		return dayPrefix + k.date(time.UTC).Format(dateLayout)
	case KindWeek:
		return weekPrefix + k.date(time.UTC).Format(dateLayout)
	case KindMonth:
		return monthPrefix + k.date(time.UTC).Format(monthLayout)
	default:
		return "unknown"
	}
}

func (k Key) date(loc *time.Location) time.Time {
	d := k.Day
	if d == 0 {
		d = 1
	}
	return time.Date(k.Year, k.Month, d, 0, 0, 0, 0, loc)
}

// Window is what a fetch for one key does: the store filter to query with
// and the span to expand the returned events over.
type Window struct {
	Filter      store.Filter
	ExpandStart time.Time
	ExpandEnd   time.Time
}

// Window resolves the key against the clock reading now. Calendar spans
// are midnight to midnight in opts.Location.
func (k Key) Window(now time.Time, opts Options) Window {
	loc := opts.location()
	now = now.In(loc)

	var start, end time.Time
	switch k.Kind {
	case KindUpcoming:
		return Window{
			Filter:      store.RecurringOrFuture(now),
			ExpandStart: now,
			ExpandEnd:   opts.horizonEnd(now),
		}
	case KindToday:
		y, m, d := now.Date()
		start = time.Date(y, m, d, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 0, 1)
	case KindDay:
		start = k.date(loc)
		end = start.AddDate(0, 0, 1)
	case KindWeek:
		day := k.date(loc)
		back := (int(day.Weekday()) - int(opts.WeekStart) + 7) % 7
		start = day.AddDate(0, 0, -back)
		end = start.AddDate(0, 0, 7)
	case KindMonth:
		start = k.date(loc)
		end = start.AddDate(0, 1, 0)
	}
	return Window{Filter: store.Range(start, end), ExpandStart: start, ExpandEnd: end}
}
