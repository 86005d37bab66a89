package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"famcal/internal/ics"
	appLog "famcal/internal/log"
	"famcal/internal/refresh"
	"famcal/internal/web"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen string
		once   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the refresh scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			// --listen overrides the config file if provided.
			if listen != "" {
				cfg.Listen = listen
			}

			appLog.Info("famcal starting", "version", version)
			appLog.Info("effective config",
				"listen", cfg.Listen,
				"family_id", cfg.FamilyID,
				"timezone", cfg.Timezone,
				"refresh", cfg.RefreshCron,
				"horizon_days", cfg.HorizonDays,
				"views", len(cfg.Views),
				"ics_count", len(cfg.ICS),
				"once", once,
			)

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()
			coord := a.coordinator(st)

			fetcher := ics.NewFetcher(cfg.CacheDir)
			sources := a.sources()
			r, err := refresh.New(coord, refresh.Options{
				Schedule: cfg.RefreshCron,
				Keys:     cfg.Views,
				Location: cfg.Location(),
				Sync: func(ctx context.Context) error {
					if len(sources) == 0 {
						return nil
					}
					_, err := ics.Sync(ctx, fetcher, st, cfg.FamilyID, sources)
					return err
				},
			})
			if err != nil {
				return err
			}

			// Root context with cancellation on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Warm the configured views before the first request.
			if err := r.RunOnce(ctx); err != nil {
				appLog.Warn("initial refresh incomplete", "err", err.Error())
			}
			if once {
				return nil
			}

			r.Start()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := r.Stop(stopCtx); err != nil {
					appLog.Warn("refresh scheduler did not stop cleanly", "err", err.Error())
				}
			}()

			srv := web.NewServer(cfg, coord, st)
			if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			appLog.Info("famcal exiting")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&once, "once", false, "Run one sync and refresh cycle and exit")
	return cmd
}

// sources maps the configured subscriptions to feed sources in the
// family's timezone.
func (a *app) sources() []ics.Source {
	loc := a.cfg.Location()
	cfgs := a.cfg.Sources()
	out := make([]ics.Source, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, ics.Source{
			ID:       c.ID,
			URL:      c.URL,
			MemberID: c.MemberID,
			Color:    c.Color,
			Location: loc,
		})
	}
	return out
}

