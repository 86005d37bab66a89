package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"famcal/internal/model"
)

// eventFlags are the add command's inputs before they become an event.
type eventFlags struct {
	title       string
	description string
	location    string
	color       string
	member      string
	start       string
	end         string
	allDay      bool
	freq        string
	interval    int
	days        string
	count       int
	until       string
}

func newAddCmd(a *app) *cobra.Command {
	var f eventFlags

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an event, optionally recurring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := f.event(a.cfg.FamilyID, a.cfg.Location())
			if err != nil {
				return err
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			saved, err := st.CreateEvent(cmd.Context(), ev)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), saved.ID)
			return err
		},
	}

	cmd.Flags().StringVarP(&f.title, "title", "t", "", "Event title (required)")
	cmd.Flags().StringVar(&f.description, "description", "", "Event description")
	cmd.Flags().StringVar(&f.location, "location", "", "Where the event happens")
	cmd.Flags().StringVar(&f.color, "color", "", "Display color")
	cmd.Flags().StringVar(&f.member, "member", "", "Family member the event belongs to")
	cmd.Flags().StringVar(&f.start, "start", "", "Start: RFC 3339, \"YYYY-MM-DD HH:MM\" or YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&f.end, "end", "", "End, same formats as --start (default: one hour, or one day for --all-day)")
	cmd.Flags().BoolVar(&f.allDay, "all-day", false, "All-day event")
	cmd.Flags().StringVar(&f.freq, "freq", "", "Recurrence: daily, weekly, monthly or yearly")
	cmd.Flags().IntVar(&f.interval, "interval", 1, "Repeat every N periods")
	cmd.Flags().StringVar(&f.days, "days", "", "Weekly days, e.g. MO,WE,FR (default: the start's weekday)")
	cmd.Flags().IntVar(&f.count, "count", 0, "Stop after N occurrences")
	cmd.Flags().StringVar(&f.until, "until", "", "Stop after this time, same formats as --start")
	cmd.MarkFlagsMutuallyExclusive("count", "until")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete an event and every occurrence of it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()
			return st.DeleteEvent(cmd.Context(), a.cfg.FamilyID, args[0])
		},
	}
}

// event builds the stored event the flags describe. Times without an
// offset are read in loc.
func (f eventFlags) event(familyID string, loc *time.Location) (model.StoredEvent, error) {
	start, err := parseWhen(f.start, loc)
	if err != nil {
		return model.StoredEvent{}, fmt.Errorf("--start: %w", err)
	}
	var end time.Time
	switch {
	case f.end != "":
		if end, err = parseWhen(f.end, loc); err != nil {
			return model.StoredEvent{}, fmt.Errorf("--end: %w", err)
		}
	case f.allDay:
		end = start.AddDate(0, 0, 1)
	default:
		end = start.Add(time.Hour)
	}

	ev := model.StoredEvent{
		FamilyID: familyID,
		Details: model.Details{
			Title:       strings.TrimSpace(f.title),
			Description: f.description,
			Location:    f.location,
			Color:       f.color,
			AllDay:      f.allDay,
			MemberID:    f.member,
		},
		Start: start,
		End:   end,
	}
	if f.freq == "" {
		return ev, nil
	}

	var days []time.Weekday
	if f.days != "" {
		for _, code := range strings.Split(f.days, ",") {
			wd, err := model.ParseWeekday(code)
			if err != nil {
				return model.StoredEvent{}, fmt.Errorf("--days: %w", err)
			}
			days = append(days, wd)
		}
	}
	rule := model.RuleFromFields(f.freq, f.interval, model.ParseWeekdays(model.FormatWeekdays(days)))
	if _, ok := rule.(model.Unrecognized); ok {
		return model.StoredEvent{}, fmt.Errorf("--freq: unsupported frequency %q", f.freq)
	}
	var until *time.Time
	if f.until != "" {
		u, err := parseWhen(f.until, loc)
		if err != nil {
			return model.StoredEvent{}, fmt.Errorf("--until: %w", err)
		}
		until = &u
	}
	ev.IsRecurring = true
	ev.Recurrence = &model.Recurrence{Rule: rule, End: model.TerminationFromFields(f.count, until)}
	return ev, nil
}

var whenLayouts = []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"}

// parseWhen accepts RFC 3339 or a local wall-clock time in loc.
func parseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range whenLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q", s)
}
