package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"famcal/internal/model"
)

// ProductService names the exporter in PRODID.
const ProductService = "famcal"

var rruleDays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// Export renders events as a VCALENDAR. Timed events in a named zone keep
// their TZID so recurring series stay on local wall-clock time in clients.
func Export(name string, events []model.StoredEvent) string {
	cal := ical.NewCalendarFor(ProductService)
	cal.SetMethod(ical.MethodPublish)
	if name != "" {
		cal.SetXWRCalName(name)
	}

	for _, ev := range events {
		ve := cal.AddEvent(ev.ID)
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.Color != "" {
			ve.SetColor(ev.Color)
		}
		stamp := ev.UpdatedAt
		if stamp.IsZero() {
			stamp = time.Now()
		}
		ve.SetDtStampTime(stamp)
		if !ev.CreatedAt.IsZero() {
			ve.SetCreatedTime(ev.CreatedAt)
		}

		setTimes(ve, ev)

		if ev.Recurring() {
			if s := RRuleString(*ev.Recurrence); s != "" {
				ve.AddRrule(s)
			}
		}
	}
	return cal.Serialize()
}

func setTimes(ve *ical.VEvent, ev model.StoredEvent) {
	loc := ev.Start.Location()
	switch {
	case ev.AllDay:
		ve.SetAllDayStartAt(ev.Start)
		ve.SetAllDayEndAt(ev.End)
	case loc == time.UTC || loc.String() == "" || loc.String() == "Local":
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(ev.End)
	default:
		const layout = "20060102T150405"
		ve.SetProperty(ical.ComponentPropertyDtStart, ev.Start.Format(layout), ical.WithTZID(loc.String()))
		ve.SetProperty(ical.ComponentPropertyDtEnd, ev.End.In(loc).Format(layout), ical.WithTZID(loc.String()))
	}
}

// RRuleString renders a recurrence as an RRULE value. Weekly rules carry
// WKST=SU to match how weekly intervals are counted. Unrecognized rules
// are returned as stored when they still parse as an RRULE, and dropped
// otherwise.
func RRuleString(rec model.Recurrence) string {
	var opt rrule.ROption
	switch r := rec.Rule.(type) {
	case model.Daily:
		opt.Freq = rrule.DAILY
	case model.Weekly:
		opt.Freq = rrule.WEEKLY
		opt.Wkst = rrule.SU
		for _, d := range r.Days {
			if d >= time.Sunday && d <= time.Saturday {
				opt.Byweekday = append(opt.Byweekday, rruleDays[d])
			}
		}
	case model.Monthly:
		opt.Freq = rrule.MONTHLY
	case model.Yearly:
		opt.Freq = rrule.YEARLY
	case model.Unrecognized:
		if _, err := rrule.StrToROption(r.Name); err != nil {
			return ""
		}
		return r.Name
	default:
		return ""
	}
	if n := rec.Rule.Every(); n > 1 {
		opt.Interval = n
	}
	switch t := rec.End.(type) {
	case model.Count:
		opt.Count = t.N
	case model.Until:
		opt.Until = t.At
	}
	return opt.RRuleString()
}
