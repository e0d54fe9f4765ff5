// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/chestlock/internal/locking"
	"github.com/holomush/chestlock/internal/protection/filestore"
	"github.com/holomush/chestlock/internal/protection/postgres"
)

type exportConfig struct {
	out string
}

func newExportCmd(a *app) *cobra.Command {
	cfg := &exportConfig{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every database protection to a YAML document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, a, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.out, "out", "", "destination document path")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runExport(cmd *cobra.Command, a *app, cfg *exportConfig) error {
	ctx := cmd.Context()
	pool, err := a.connect(cmd)
	if err != nil {
		return err
	}
	rs := a.relational(pool)
	defer func() { _ = rs.Close() }()

	report, err := rs.Load(ctx)
	if err != nil {
		return err
	}
	keys, err := rs.Keys(ctx)
	if err != nil {
		return err
	}

	doc := filestore.New(cfg.out, filestore.WithLogger(a.logger))
	for _, key := range keys {
		p, ok, err := rs.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := doc.Save(ctx, key, p); err != nil {
			return err
		}
	}
	if err := doc.Close(); err != nil {
		return err
	}

	cmd.Printf("Exported %d protections to %s (skipped %d malformed rows)\n", doc.Len(), cfg.out, report.Skipped)
	return nil
}

type importConfig struct {
	in string
}

func newImportCmd(a *app) *cobra.Command {
	cfg := &importConfig{}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Write every protection in a YAML document to the database",
		Long: `Load a YAML protection document and write each record to the database,
waiting for every write to be acknowledged. Pending migrations are applied first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd, a, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.in, "in", "", "source document path")
	_ = cmd.MarkFlagRequired("in")

	return cmd
}

func runImport(cmd *cobra.Command, a *app, cfg *importConfig) error {
	ctx := cmd.Context()
	if _, err := os.Stat(cfg.in); err != nil {
		return oops.Code("LOAD_FAILED").With("path", cfg.in).Wrap(err)
	}
	doc := filestore.New(cfg.in, filestore.WithLogger(a.logger))
	report, err := doc.Load(ctx)
	if err != nil {
		return err
	}

	pool, err := a.connect(cmd)
	if err != nil {
		return err
	}
	m, err := a.migrator(pool)
	if err != nil {
		pool.Close()
		return err
	}
	if _, err := m.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}

	rs := a.relational(pool, postgres.WithWriteMode(postgres.WriteSync))
	defer func() { _ = rs.Close() }()

	keys, err := doc.Keys(ctx)
	if err != nil {
		return err
	}
	imported := 0
	for _, key := range keys {
		p, ok, err := doc.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := rs.Save(ctx, key, p); err != nil {
			return oops.With("imported", imported).Wrap(err)
		}
		imported++
	}

	cmd.Printf("Imported %d protections from %s (skipped %d malformed sections)\n", imported, cfg.in, report.Skipped)
	return nil
}

// relational builds the relational store with the configured write settings.
// Later options win.
func (a *app) relational(pool locking.Pool, opts ...postgres.Option) *postgres.Store {
	base := locking.RelationalOptions(a.cfg.Storage.Postgres, a.logger)
	return postgres.New(pool, append(base, opts...)...)
}
