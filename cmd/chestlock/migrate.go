// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/chestlock/internal/store"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Apply every pending schema step to the PostgreSQL database. A failed step
is rolled back (and, with the backup strategy, restored from table copies).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, a)
		},
	}
}

func runMigrate(cmd *cobra.Command, a *app) error {
	pool, err := a.connect(cmd)
	if err != nil {
		return err
	}
	defer pool.Close()

	m, err := a.migrator(pool)
	if err != nil {
		return err
	}

	cmd.Println("Running migrations...")
	res, err := m.Migrate(cmd.Context())
	if err != nil {
		cmd.Printf("Migration stopped in state %s at version %d\n", res.State, res.From)
		return err
	}

	if res.State == store.StateUpToDate {
		cmd.Printf("Schema is up to date at version %d\n", res.To)
		return nil
	}
	cmd.Printf("Migrated schema from version %d to %d (applied %v)\n", res.From, res.To, res.Applied)
	return nil
}
