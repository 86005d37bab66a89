package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"famcal/internal/ics"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch every subscribed ICS feed once and import its events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sources := a.sources()
			if len(sources) == 0 {
				return fmt.Errorf("no ics sources configured in %s", a.configPath)
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			res, err := ics.Sync(cmd.Context(), ics.NewFetcher(a.cfg.CacheDir), st, a.cfg.FamilyID, sources)
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d sources: %d imported, %d skipped\n",
				res.Sources, res.Imported, res.Skipped)
			return err
		},
	}
}
