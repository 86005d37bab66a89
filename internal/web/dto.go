package web

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"famcal/internal/model"
	"famcal/internal/viewcache"
)

// viewResponse is the JSON shape of one cached view.
type viewResponse struct {
	Key           string          `json:"key"`
	State         viewcache.State `json:"state"`
	Occurrences   []occurrenceDTO `json:"occurrences"`
	LastFetchedAt *time.Time      `json:"last_fetched_at,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Color       string    `json:"color,omitempty"`
	MemberID    string    `json:"member_id,omitempty"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

func toViewResponse(e viewcache.Entry) viewResponse {
	resp := viewResponse{
		Key:         e.Key,
		State:       e.State,
		Occurrences: make([]occurrenceDTO, 0, len(e.Occurrences)),
	}
	if !e.LastFetchedAt.IsZero() {
		t := e.LastFetchedAt
		resp.LastFetchedAt = &t
	}
	if e.Err != nil {
		resp.Error = e.Err.Error()
	}
	for _, occ := range e.Occurrences {
		resp.Occurrences = append(resp.Occurrences, occurrenceDTO{
			ID:          occ.OccurrenceID,
			EventID:     occ.OriginalID,
			Title:       occ.Title,
			Description: occ.Description,
			Location:    occ.Location,
			Color:       occ.Color,
			MemberID:    occ.MemberID,
			AllDay:      occ.AllDay,
			Start:       occ.Start,
			End:         occ.End,
		})
	}
	return resp
}

// recurrenceDTO is the wire form of a recurrence rule.
type recurrenceDTO struct {
	Frequency  string     `json:"frequency"`
	Interval   int        `json:"interval,omitempty"`
	DaysOfWeek []string   `json:"days_of_week,omitempty"`
	Count      int        `json:"count,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
}

// eventDTO is the request and response body of the events API.
type eventDTO struct {
	ID          string         `json:"id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Location    string         `json:"location,omitempty"`
	Color       string         `json:"color,omitempty"`
	MemberID    string         `json:"member_id,omitempty"`
	AllDay      bool           `json:"all_day"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	Timezone    string         `json:"timezone,omitempty"`
	Recurrence  *recurrenceDTO `json:"recurrence,omitempty"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
}

// toModel converts a request body. Timezone, when given, anchors start and
// end so recurring events keep their local wall-clock time; otherwise
// fallback is used.
func (d eventDTO) toModel(familyID string, fallback *time.Location) (model.StoredEvent, error) {
	loc := fallback
	if d.Timezone != "" {
		l, err := time.LoadLocation(d.Timezone)
		if err != nil {
			return model.StoredEvent{}, fmt.Errorf("timezone %q: %w", d.Timezone, err)
		}
		loc = l
	}
	ev := model.StoredEvent{
		ID:       d.ID,
		FamilyID: familyID,
		Details: model.Details{
			Title:       strings.TrimSpace(d.Title),
			Description: d.Description,
			Location:    d.Location,
			Color:       d.Color,
			AllDay:      d.AllDay,
			MemberID:    d.MemberID,
		},
		Start: d.Start.In(loc),
		End:   d.End.In(loc),
	}
	if d.Recurrence != nil {
		r := d.Recurrence
		days := make([]time.Weekday, 0, len(r.DaysOfWeek))
		for _, code := range r.DaysOfWeek {
			wd, err := model.ParseWeekday(code)
			if err != nil {
				return model.StoredEvent{}, err
			}
			days = append(days, wd)
		}
		if r.Count > 0 && r.Until != nil {
			return model.StoredEvent{}, errors.New("recurrence: count and until are mutually exclusive")
		}
		rule := model.RuleFromFields(r.Frequency, r.Interval, model.ParseWeekdays(model.FormatWeekdays(days)))
		if _, ok := rule.(model.Unrecognized); ok {
			return model.StoredEvent{}, fmt.Errorf("recurrence: unsupported frequency %q", r.Frequency)
		}
		ev.IsRecurring = true
		ev.Recurrence = &model.Recurrence{Rule: rule, End: model.TerminationFromFields(r.Count, r.Until)}
	}
	return ev, nil
}

func fromModel(ev model.StoredEvent) eventDTO {
	d := eventDTO{
		ID:          ev.ID,
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Color:       ev.Color,
		MemberID:    ev.MemberID,
		AllDay:      ev.AllDay,
		Start:       ev.Start,
		End:         ev.End,
		Timezone:    ev.Start.Location().String(),
	}
	if !ev.CreatedAt.IsZero() {
		t := ev.CreatedAt
		d.CreatedAt = &t
	}
	if !ev.UpdatedAt.IsZero() {
		t := ev.UpdatedAt
		d.UpdatedAt = &t
	}
	if ev.Recurrence != nil && ev.Recurrence.Rule != nil {
		freq, interval, days, count, until := ev.Recurrence.Fields()
		r := &recurrenceDTO{Frequency: freq, Interval: interval, Count: count, Until: until}
		if len(days) > 0 {
			r.DaysOfWeek = strings.Split(model.FormatWeekdays(days), ",")
		}
		d.Recurrence = r
	}
	return d
}
