package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"famcal/internal/ics"
	"famcal/internal/store"
)

func newExportCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every event of the family as an iCalendar file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			events, err := st.QueryEvents(cmd.Context(), a.cfg.FamilyID, store.RecurringOrFuture(time.Time{}))
			if err != nil {
				return err
			}
			body := ics.Export(a.cfg.CalendarName, events)

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write([]byte(body))
				return err
			}
			return os.WriteFile(output, []byte(body), 0o644)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}
