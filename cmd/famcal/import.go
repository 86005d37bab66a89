package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"famcal/internal/ics"
)

func newImportCmd(a *app) *cobra.Command {
	var (
		sourceID string
		member   string
		color    string
	)

	cmd := &cobra.Command{
		Use:   "import <file|url>",
		Short: "Import the events of an ICS file or URL once",
		Long: "Import parses an iCalendar file or downloads one and upserts its events. " +
			"Importing the same source again updates events instead of duplicating them.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			src := ics.Source{
				ID:       sourceID,
				MemberID: member,
				Color:    color,
				Location: a.cfg.Location(),
			}
			if src.ID == "" {
				src.ID = defaultSourceID(target)
			}

			var body []byte
			if isURL(target) {
				src.URL = target
				res, err := ics.NewFetcher(a.cfg.CacheDir).FetchOne(cmd.Context(), src)
				if err != nil {
					return err
				}
				body = res.Body
			} else {
				data, err := os.ReadFile(target)
				if err != nil {
					return err
				}
				body = data
			}

			events, err := ics.ParseICS(src, body)
			if err != nil {
				return fmt.Errorf("parse %s: %w", target, err)
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			imported, skipped, err := ics.Import(cmd.Context(), st, a.cfg.FamilyID, events)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d events, skipped %d\n", imported, skipped)
			return err
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "Stable source id for event IDs (default: file name or URL)")
	cmd.Flags().StringVar(&member, "member", "", "Family member to stamp on imported events")
	cmd.Flags().StringVar(&color, "color", "", "Color to stamp on imported events")
	return cmd
}

func isURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "webcal://")
}

// defaultSourceID keys a file by its base name so moving it does not
// re-import every event.
func defaultSourceID(target string) string {
	if isURL(target) {
		return target
	}
	return filepath.Base(target)
}
