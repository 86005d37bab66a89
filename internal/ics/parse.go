package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	appLog "famcal/internal/log"
	"famcal/internal/model"
)

const untitled = "(no title)"

// ParseICS parses one feed body into stored events ready to upsert.
//
//   - Event IDs are uuid v5 of the source ID and the VEVENT UID, so a
//     re-import replaces instead of duplicating.
//   - DTSTART with VALUE=DATE (or no time part) marks an all-day event.
//     A missing DTEND means one day for all-day events and zero length
//     otherwise.
//   - RRULE is mapped onto the daily/weekly/monthly/yearly subset. Rules
//     outside it are kept as model.Unrecognized and show as one instance.
//   - RECURRENCE-ID overrides and EXDATE are not supported and are skipped.
//
// FamilyID is left empty; the caller stamps it.
func ParseICS(src Source, body []byte) ([]model.StoredEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	events := make([]model.StoredEvent, 0)
	for _, ve := range cal.Events() {
		if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
			appLog.Debug("ics: skipping recurrence override", "id", src.ID, "uid", ve.Id())
			continue
		}
		ev, perr := parseVEvent(src, ve)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

// EventID derives the ID of a feed event from its source and UID.
func EventID(sourceID, uid string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceID+"/"+uid)).String()
}

func parseVEvent(src Source, ve *ical.VEvent) (model.StoredEvent, error) {
	var out model.StoredEvent

	uid := ve.Id()
	if uid == "" {
		return out, errors.New("missing UID")
	}
	out.ID = EventID(src.ID, uid)
	out.MemberID = src.MemberID
	out.Color = src.Color

	out.Title = propValue(ve, ical.ComponentPropertySummary)
	if out.Title == "" {
		out.Title = untitled
	}
	out.Description = propValue(ve, ical.ComponentPropertyDescription)
	out.Location = propValue(ve, ical.ComponentPropertyLocation)
	if c := propValue(ve, ical.ComponentPropertyColor); c != "" {
		out.Color = c
	}

	loc := src.location()
	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStart)

	start, err := propTime(dtStart, loc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		end, err := propTime(dtEnd, start.Location())
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		out.End = end
	} else if out.AllDay {
		out.End = start.AddDate(0, 0, 1)
	} else {
		out.End = start
	}
	if out.End.Before(out.Start) {
		return out, fmt.Errorf("DTEND %s is before DTSTART %s", out.End, out.Start)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		rec := parseRRule(p.Value, start)
		out.IsRecurring = true
		out.Recurrence = &rec
		if u, ok := rec.Rule.(model.Unrecognized); ok {
			appLog.Debug("ics: unsupported RRULE kept as single instance", "id", src.ID, "uid", uid, "rrule", u.Name)
		}
	}
	if exdates := ve.GetProperties(ical.ComponentPropertyExdate); len(exdates) > 0 {
		appLog.Debug("ics: EXDATE ignored", "id", src.ID, "uid", uid, "count", len(exdates))
	}

	return out, nil
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

// isDateValue reports VALUE=DATE, or a bare YYYYMMDD value.
func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// propTime parses a DTSTART/DTEND property. UTC values stay UTC, TZID
// values use that zone when the tz database knows it, and floating values
// (or unknown TZIDs, common with Outlook feeds) are read as wall-clock
// time in loc.
func propTime(p *ical.IANAProperty, loc *time.Location) (time.Time, error) {
	v := strings.TrimSpace(p.Value)
	if strings.HasSuffix(v, "Z") {
		if strings.Contains(v, "T") {
			return time.Parse("20060102T150405Z", v)
		}
		return time.Parse("20060102Z", v)
	}
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) == 1 {
		if l, err := time.LoadLocation(strings.Trim(tz[0], `"`)); err == nil {
			loc = l
		} else {
			appLog.Debug("ics: unknown TZID, using default zone", "tzid", tz[0], "zone", loc.String())
		}
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}

// parseRRule maps an RRULE value onto the supported rule subset. Anything
// it cannot represent exactly comes back as Unrecognized with the raw rule
// as its name, which exports unchanged.
func parseRRule(value string, start time.Time) model.Recurrence {
	raw := strings.TrimPrefix(strings.TrimSpace(value), "RRULE:")
	unrecognized := model.Recurrence{Rule: model.Unrecognized{Name: raw}, End: model.Forever{}}

	opt, err := rrule.StrToROptionInLocation(raw, start.Location())
	if err != nil {
		return unrecognized
	}
	if len(opt.Bysetpos) > 0 || len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 ||
		len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 || len(opt.Byeaster) > 0 {
		return unrecognized
	}

	interval := opt.Interval
	if interval <= 0 {
		interval = 1
	}

	var rule model.Rule
	switch opt.Freq {
	case rrule.DAILY:
		if len(opt.Byweekday) > 0 || len(opt.Bymonthday) > 0 || len(opt.Bymonth) > 0 {
			return unrecognized
		}
		rule = model.Daily{Interval: interval}
	case rrule.WEEKLY:
		if len(opt.Bymonthday) > 0 || len(opt.Bymonth) > 0 {
			return unrecognized
		}
		days := make([]time.Weekday, 0, len(opt.Byweekday))
		for _, wd := range opt.Byweekday {
			if wd.N() != 0 {
				return unrecognized
			}
			days = append(days, time.Weekday((wd.Day()+1)%7))
		}
		if interval > 1 && straddlesWeekStart(days, start.Weekday(), time.Weekday((opt.Wkst.Day()+1)%7)) {
			return unrecognized
		}
		rule = model.Weekly{Interval: interval, Days: model.ParseWeekdays(model.FormatWeekdays(days))}
	case rrule.MONTHLY:
		if len(opt.Byweekday) > 0 || len(opt.Bymonth) > 0 || !onlyValue(opt.Bymonthday, start.Day()) {
			return unrecognized
		}
		rule = model.Monthly{Interval: interval}
	case rrule.YEARLY:
		if len(opt.Byweekday) > 0 || !onlyValue(opt.Bymonthday, start.Day()) || !onlyValue(opt.Bymonth, int(start.Month())) {
			return unrecognized
		}
		rule = model.Yearly{Interval: interval}
	default:
		return unrecognized
	}

	var until *time.Time
	if !opt.Until.IsZero() {
		u := opt.Until
		until = &u
	}
	return model.Recurrence{Rule: rule, End: model.TerminationFromFields(opt.Count, until)}
}

// straddlesWeekStart reports whether the series' days fall on both sides of
// wkst. Weekly intervals are counted in Sunday-based weeks, which only
// agree with wkst-based weeks when every day sits on one side of it. An
// empty WKST means Monday.
func straddlesWeekStart(days []time.Weekday, startDay, wkst time.Weekday) bool {
	before, after := startDay < wkst, startDay >= wkst
	for _, d := range days {
		if d < wkst {
			before = true
		} else {
			after = true
		}
	}
	return before && after
}

// onlyValue accepts an empty BY list or one that restates want.
func onlyValue(vals []int, want int) bool {
	for _, v := range vals {
		if v != want {
			return false
		}
	}
	return true
}
