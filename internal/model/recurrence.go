package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Frequency names as they appear in stored rows and on the wire.
const (
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
	FreqYearly  = "yearly"
)

// Recurrence is a rule plus a termination policy.
type Recurrence struct {
	Rule Rule
	End  Termination
}

// Rule is one of Daily, Weekly, Monthly, Yearly or Unrecognized.
type Rule interface {
	// Frequency returns the frequency name of the rule.
	Frequency() string
	// Every returns the step between occurrences, never less than 1.
	Every() int

	isRule()
}

type Daily struct{ Interval int }

type Weekly struct {
	Interval int
	// Days lists the selected weekdays. Empty means the weekday of the
	// series start.
	Days []time.Weekday
}

type Monthly struct{ Interval int }

type Yearly struct{ Interval int }

// Unrecognized carries a frequency this package does not expand. Such
// events behave as single instances.
type Unrecognized struct{ Name string }

func (Daily) Frequency() string { return FreqDaily }
func (Weekly) Frequency() string { return FreqWeekly }
func (Monthly) Frequency() string { return FreqMonthly }
func (Yearly) Frequency() string { return FreqYearly }
func (r Unrecognized) Frequency() string { return r.Name }

func (r Daily) Every() int { return normInterval(r.Interval) }
func (r Weekly) Every() int { return normInterval(r.Interval) }
func (r Monthly) Every() int { return normInterval(r.Interval) }
func (r Yearly) Every() int { return normInterval(r.Interval) }
func (Unrecognized) Every() int { return 1 }
func (Daily) isRule() {}
func (Weekly) isRule() {}
func (Monthly) isRule() {}
func (Yearly) isRule() {}
func (Unrecognized) isRule() {}

// MaxInterval caps a rule's interval so calendar arithmetic cannot
// overflow on hostile input.
const MaxInterval = 1000

func normInterval(n int) int {
	switch {
	case n <= 0:
		return 1
	case n > MaxInterval:
		return MaxInterval
	}
	return n
}

// Termination is one of Forever, Count or Until.
type Termination interface {
	isTermination()
}

// Forever never ends the series on its own.
type Forever struct{}

// Count caps the total number of occurrences counted from the series start.
type Count struct{ N int }

// Until stops the series after the given instant (inclusive).
type Until struct{ At time.Time }

func (Forever) isTermination() {}
func (Count) isTermination() {}
func (Until) isTermination() {}

// Validate rejects rules a writer should never persist.
func (r Recurrence) Validate() error {
	if r.Rule == nil {
		return errors.New("recurrence has no rule")
	}
	if c, ok := r.End.(Count); ok && c.N <= 0 {
		return fmt.Errorf("recurrence count must be positive, got %d", c.N)
	}
	if u, ok := r.End.(Until); ok && u.At.IsZero() {
		return errors.New("recurrence until must be set")
	}
	return nil
}

// RuleFromFields builds a Rule from the loose fields of a stored row.
// Unknown frequencies come back as Unrecognized, never as an error.
func RuleFromFields(freq string, interval int, days []time.Weekday) Rule {
	switch strings.ToLower(strings.TrimSpace(freq)) {
	case FreqDaily:
		return Daily{Interval: interval}
	case FreqWeekly:
		return Weekly{Interval: interval, Days: days}
	case FreqMonthly:
		return Monthly{Interval: interval}
	case FreqYearly:
		return Yearly{Interval: interval}
	default:
		return Unrecognized{Name: freq}
	}
}

// TerminationFromFields builds a Termination from an optional count and an
// optional until. Until wins when both are present; RFC 5545 forbids the
// pair and writers reject it.
func TerminationFromFields(count int, until *time.Time) Termination {
	if until != nil && !until.IsZero() {
		return Until{At: *until}
	}
	if count > 0 {
		return Count{N: count}
	}
	return Forever{}
}

// Fields flattens a Recurrence back into row fields. Missing rules report
// an empty frequency.
func (r Recurrence) Fields() (freq string, interval int, days []time.Weekday, count int, until *time.Time) {
	if r.Rule != nil {
		freq = r.Rule.Frequency()
		interval = r.Rule.Every()
		if w, ok := r.Rule.(Weekly); ok {
			days = w.Days
		}
	}
	switch t := r.End.(type) {
	case Count:
		count = t.N
	case Until:
		at := t.At
		until = &at
	}
	return freq, interval, days, count, until
}

var weekdayCodes = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// ParseWeekday parses a two-letter weekday code (SU..SA).
func ParseWeekday(code string) (time.Weekday, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	for i, wc := range weekdayCodes {
		if wc == c {
			return time.Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("unknown weekday code %q", code)
}

// ParseWeekdays parses a comma separated list such as "MO,WE,FR". Unknown
// codes are skipped; duplicates collapse.
func ParseWeekdays(s string) []time.Weekday {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []time.Weekday
	seen := make(map[time.Weekday]bool)
	for _, part := range strings.Split(s, ",") {
		d, err := ParseWeekday(part)
		if err != nil || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FormatWeekdays renders days as "SU,MO,...", in week order.
func FormatWeekdays(days []time.Weekday) string {
	sorted := append([]time.Weekday(nil), days...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	codes := make([]string, 0, len(sorted))
	for _, d := range sorted {
		if d < time.Sunday || d > time.Saturday {
			continue
		}
		codes = append(codes, weekdayCodes[d])
	}
	return strings.Join(codes, ",")
}
