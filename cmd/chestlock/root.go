// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/chestlock/internal/config"
	"github.com/holomush/chestlock/internal/locking"
	"github.com/holomush/chestlock/internal/logging"
	"github.com/holomush/chestlock/internal/store"
)

const serviceName = "chestlock"

// app carries state shared by every subcommand of one invocation.
type app struct {
	deps       Deps
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
}

// NewRootCmd creates the root command for the chestlock CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(Deps{})
}

func newRootCmd(deps Deps) *cobra.Command {
	a := &app{deps: deps.withDefaults()}

	cmd := &cobra.Command{
		Use:   "chestlock",
		Short: "Manage chestlock protection storage",
		Long: `chestlock manages the storage behind container and block protections:
schema migrations for the relational backend and moving records between the
YAML document and the database.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "config file path")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newMigrateCmd(a))
	cmd.AddCommand(newStatusCmd(a))
	cmd.AddCommand(newExportCmd(a))
	cmd.AddCommand(newImportCmd(a))

	return cmd
}

// setup loads configuration and installs the process logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configFile, cmd.Flags())
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.Setup(serviceName, version, cfg.Log.Format, level, cmd.ErrOrStderr())
	return nil
}

// connect opens the configured database.
func (a *app) connect(cmd *cobra.Command) (locking.Pool, error) {
	pool, err := a.deps.Connect(cmd.Context(), locking.ConnConfig(a.cfg.Storage.Postgres))
	if err != nil {
		return nil, oops.With("operation", "connect to database").Wrap(err)
	}
	return pool, nil
}

func (a *app) migrator(pool locking.Pool) (Migrator, error) {
	return a.deps.NewMigrator(pool,
		store.WithStrategy(store.Strategy(a.cfg.Storage.Migration.Strategy)),
		store.WithMigratorLogger(a.logger),
	)
}
