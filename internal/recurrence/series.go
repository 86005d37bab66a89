package recurrence

import (
	"time"

	"famcal/internal/model"
)

// expander walks one series and collects the instances inside the window.
// Every candidate carries its zero-based index in the series so count caps
// hold no matter where the walk started.
type expander struct {
	ev          model.StoredEvent
	dur         time.Duration
	windowStart time.Time
	windowEnd   time.Time
	limit       int

	count int       // 0 means unlimited
	until time.Time // zero means none

	out    []model.Occurrence
	hitCap bool
}

func newExpander(ev model.StoredEvent, windowStart, windowEnd time.Time, limit int) *expander {
	e := &expander{
		ev:          ev,
		dur:         ev.Duration(),
		windowStart: windowStart,
		windowEnd:   windowEnd,
		limit:       limit,
	}
	switch t := ev.Recurrence.End.(type) {
	case model.Count:
		e.count = t.N
	case model.Until:
		e.until = t.At
	}
	return e
}

// lead is the earliest start an instance may have and still reach the
// window. Returns false when the series start is already past it.
func (e *expander) lead() (time.Time, bool) {
	l := e.windowStart.Add(-e.dur)
	return l, l.After(e.ev.Start)
}

// offer considers the n-th instance of the series starting at start. It
// reports whether the walk should continue.
func (e *expander) offer(n int, start time.Time) bool {
	if e.count > 0 && n >= e.count {
		return false
	}
	if !e.until.IsZero() && start.After(e.until) {
		return false
	}
	if !start.Before(e.windowEnd) {
		return false
	}
	end := start.Add(e.dur)
	if end.Before(e.windowStart) {
		return true
	}
	if len(e.out) >= e.limit {
		e.hitCap = true
		return false
	}
	e.out = append(e.out, model.Occurrence{
		OriginalID:   e.ev.ID,
		OccurrenceID: OccurrenceID(e.ev.ID, start),
		Details:      e.ev.Details,
		Start:        start,
		End:          end,
	})
	return true
}

// daily emits start + k*step calendar days.
func (e *expander) daily(step int) {
	k := 0
	if lead, ok := e.lead(); ok {
		days := int(lead.Sub(e.ev.Start) / (24 * time.Hour))
		// One step of slack absorbs DST-shortened days.
		k = days/step - 1
		if k < 0 {
			k = 0
		}
	}
	for ; ; k++ {
		if !e.offer(k, e.ev.Start.AddDate(0, 0, k*step)) {
			return
		}
	}
}

// weekly walks day by day from the start date. Weeks begin on Sunday and
// are numbered from the week holding the series start; only weeks whose
// number is a multiple of step are eligible.
func (e *expander) weekly(r model.Weekly) {
	step := r.Every()
	start := e.ev.Start
	loc := start.Location()
	startWd := int(start.Weekday())

	var selected [7]bool
	nSel := 0
	for _, d := range r.Days {
		if d < time.Sunday || d > time.Saturday || selected[d] {
			continue
		}
		selected[d] = true
		nSel++
	}
	if nSel == 0 {
		selected[startWd] = true
		nSel = 1
	}

	y, m, d := start.Date()
	hh, mm, ss := start.Clock()
	ns := start.Nanosecond()

	day, n := 0, 0
	if lead, ok := e.lead(); ok {
		leadDays := dayNumber(lead.In(loc)) - dayNumber(start)
		// Jump to the eligible week one cycle before the one holding lead.
		w := ((leadDays+startWd)/7/step)*step - step
		if w >= step {
			firstWeek := 0
			for wd := startWd; wd < 7; wd++ {
				if selected[wd] {
					firstWeek++
				}
			}
			n = firstWeek + (w/step-1)*nSel
			day = w*7 - startWd
		}
	}

	for ; ; day++ {
		cand := time.Date(y, m, d+day, hh, mm, ss, ns, loc)
		if !cand.Before(e.windowEnd) {
			return
		}
		week := (day + startWd) / 7
		if week%step != 0 || !selected[(startWd+day)%7] {
			continue
		}
		if !e.offer(n, cand) {
			return
		}
		n++
	}
}

// monthly emits origin + k*step months, each computed from the origin so a
// clamped month never shifts the rest of the series.
func (e *expander) monthly(step int) {
	start := e.ev.Start
	k := 0
	if lead, ok := e.lead(); ok {
		ls := lead.In(start.Location())
		diff := (ls.Year()-start.Year())*12 + int(ls.Month()-start.Month())
		k = diff/step - 1
		if k < 0 {
			k = 0
		}
	}
	for ; ; k++ {
		if !e.offer(k, AddMonthsClamped(start, k*step)) {
			return
		}
	}
}

// AddMonthsClamped adds n calendar months to t, keeping the wall-clock time.
// A day-of-month missing from the target month clamps to its last day
// (Jan 31 + 1 month = Feb 28 or 29), unlike time.AddDate which rolls over.
func AddMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	total := int(m) - 1 + n
	ny := y + floorDiv(total, 12)
	nm := time.Month(total - floorDiv(total, 12)*12 + 1)

	if last := daysIn(ny, nm); d > last {
		d = last
	}
	return time.Date(ny, nm, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// dayNumber is the civil date of t (in its own zone) as days since the epoch.
func dayNumber(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}
