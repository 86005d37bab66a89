package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"famcal/internal/model"
)

// row is the flattened column form of a StoredEvent.
type row struct {
	id, familyID                 string
	title, description, location string
	color, memberID              string
	allDay                       bool
	startMs, endMs               int64
	tz                           string
	tzOffset                     int
	isRecurring                  bool
	frequency                    sql.NullString
	interval                     sql.NullInt64
	days                         sql.NullString
	count                        sql.NullInt64
	untilMs                      sql.NullInt64
}

func toRow(ev model.StoredEvent) row {
	name, offset := ev.Start.Zone()
	r := row{
		id:          ev.ID,
		familyID:    ev.FamilyID,
		title:       ev.Title,
		description: ev.Description,
		location:    ev.Details.Location,
		color:       ev.Color,
		memberID:    ev.MemberID,
		allDay:      ev.AllDay,
		startMs:     ev.Start.UnixMilli(),
		endMs:       ev.End.UnixMilli(),
		tz:          ev.Start.Location().String(),
		tzOffset:    offset,
		isRecurring: ev.IsRecurring,
	}
	if r.tz == "" {
		r.tz = name
	}
	if ev.Recurrence != nil && ev.Recurrence.Rule != nil {
		freq, interval, days, count, until := ev.Recurrence.Fields()
		r.frequency = sql.NullString{String: freq, Valid: true}
		r.interval = sql.NullInt64{Int64: int64(interval), Valid: true}
		if len(days) > 0 {
			r.days = sql.NullString{String: model.FormatWeekdays(days), Valid: true}
		}
		if count > 0 {
			r.count = sql.NullInt64{Int64: int64(count), Valid: true}
		}
		if until != nil {
			r.untilMs = sql.NullInt64{Int64: until.UnixMilli(), Valid: true}
		}
	}
	return r
}

// args lists the values in eventColumns order, minus the two timestamps.
func (r row) args() []any {
	return []any{
		r.id, r.familyID, r.title, r.description, r.location, r.color, r.allDay, r.memberID,
		r.startMs, r.endMs, r.tz, r.tzOffset, r.isRecurring, r.frequency, r.interval, r.days,
		r.count, r.untilMs,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (model.StoredEvent, error) {
	var (
		r                    row
		createdMs, updatedMs int64
	)
	err := sc.Scan(
		&r.id, &r.familyID, &r.title, &r.description, &r.location, &r.color, &r.allDay, &r.memberID,
		&r.startMs, &r.endMs, &r.tz, &r.tzOffset, &r.isRecurring, &r.frequency, &r.interval, &r.days,
		&r.count, &r.untilMs, &createdMs, &updatedMs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.StoredEvent{}, err
		}
		return model.StoredEvent{}, fmt.Errorf("scan event: %w", err)
	}

	loc := zone(r.tz, r.tzOffset)
	ev := model.StoredEvent{
		ID:       r.id,
		FamilyID: r.familyID,
		Details: model.Details{
			Title:       r.title,
			Description: r.description,
			Location:    r.location,
			Color:       r.color,
			AllDay:      r.allDay,
			MemberID:    r.memberID,
		},
		Start:       time.UnixMilli(r.startMs).In(loc),
		End:         time.UnixMilli(r.endMs).In(loc),
		IsRecurring: r.isRecurring,
		CreatedAt:   time.UnixMilli(createdMs).UTC(),
		UpdatedAt:   time.UnixMilli(updatedMs).UTC(),
	}
	if r.frequency.Valid {
		var until *time.Time
		if r.untilMs.Valid {
			u := time.UnixMilli(r.untilMs.Int64).UTC()
			until = &u
		}
		ev.Recurrence = &model.Recurrence{
			Rule: model.RuleFromFields(r.frequency.String, int(r.interval.Int64), model.ParseWeekdays(r.days.String)),
			End:  model.TerminationFromFields(int(r.count.Int64), until),
		}
	}
	return ev, nil
}

// zone resolves a stored zone name, falling back to a fixed offset when the
// name is not in the tz database (ICS feeds with custom VTIMEZONE names).
func zone(name string, offset int) *time.Location {
	if name == "" || name == "UTC" {
		if offset == 0 {
			return time.UTC
		}
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.FixedZone(name, offset)
}
