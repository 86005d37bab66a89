package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"famcal/internal/model"
	"famcal/internal/viewcache"
)

func newViewCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "view <key>",
		Short: "Print the occurrences of a view (today, upcoming, day:YYYY-MM-DD, week:YYYY-MM-DD, month:YYYY-MM)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if _, err := viewcache.ParseKey(key); err != nil {
				return err
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("invalid format: %s (valid values: table, json)", format)
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			e, err := a.coordinator(st).Refresh(cmd.Context(), key)
			if err != nil {
				return err
			}
			if e.State == viewcache.StateError {
				return fmt.Errorf("view %s: %w", key, e.Err)
			}

			if format == "json" {
				return outputOccurrencesJSON(cmd.OutOrStdout(), e.Occurrences)
			}
			outputOccurrencesTable(cmd.OutOrStdout(), e.Occurrences, a.cfg.Location())
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")
	return cmd
}

type occurrenceOutput struct {
	ID       string    `json:"id"`
	EventID  string    `json:"event_id"`
	Title    string    `json:"title"`
	MemberID string    `json:"member_id,omitempty"`
	AllDay   bool      `json:"all_day"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

func outputOccurrencesJSON(w io.Writer, occs []model.Occurrence) error {
	out := make([]occurrenceOutput, 0, len(occs))
	for _, o := range occs {
		out = append(out, occurrenceOutput{
			ID:       o.OccurrenceID,
			EventID:  o.OriginalID,
			Title:    o.Title,
			MemberID: o.MemberID,
			AllDay:   o.AllDay,
			Start:    o.Start,
			End:      o.End,
		})
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func outputOccurrencesTable(w io.Writer, occs []model.Occurrence, loc *time.Location) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Start", "End", "Title", "Member", "Location"})

	for _, o := range occs {
		t.AppendRow(table.Row{
			formatWhen(o.Start, o.AllDay, loc),
			formatWhen(o.End, o.AllDay, loc),
			o.Title,
			o.MemberID,
			o.Location,
		})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d occurrences", len(occs))})
	t.Render()
}

// formatWhen prints all-day bounds as plain dates; timed ones in loc.
func formatWhen(ts time.Time, allDay bool, loc *time.Location) string {
	if allDay {
		return ts.Format("2006-01-02")
	}
	return ts.In(loc).Format("2006-01-02 15:04")
}
