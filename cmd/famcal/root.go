package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"famcal/internal/config"
	appLog "famcal/internal/log"
	"famcal/internal/store/sqlite"
	"famcal/internal/viewcache"
)

// app carries the state shared by every subcommand once the config is
// loaded.
type app struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:          "famcal",
		Short:        "famcal - a shared family calendar",
		Long:         "famcal stores family events, expands recurring ones and serves cached calendar views.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.load()
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath(), "Path to config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newViewCmd(a))
	cmd.AddCommand(newAddCmd(a))
	cmd.AddCommand(newDeleteCmd(a))
	cmd.AddCommand(newImportCmd(a))
	cmd.AddCommand(newSyncCmd(a))
	cmd.AddCommand(newExportCmd(a))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", a.configPath, err)
	}
	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(level))
	a.cfg = cfg
	return nil
}

func (a *app) openStore() (*sqlite.Store, error) {
	return sqlite.Open(a.cfg.Database)
}

func (a *app) coordinator(st *sqlite.Store) *viewcache.Coordinator {
	return viewcache.New(st, a.cfg.FamilyID, a.cfg.ViewOptions())
}
