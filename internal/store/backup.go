// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"
)

type backup struct {
	table string
	name  string
}

func backupName(table string, version int) string {
	return fmt.Sprintf("%s_backup_v%d", table, version)
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// backup snapshots the rows of every managed table that exists into a
// version-suffixed copy. The copy is a plain table: it takes no defaults,
// sequences or constraints from its source, so the step may still drop or
// rebuild the source. Tables created by the step itself have nothing to
// snapshot.
func (m *Migrator) backup(ctx context.Context, version int) ([]backup, error) {
	var backups []backup
	var script strings.Builder
	for _, table := range m.tables {
		var exists bool
		if err := m.db.QueryRow(ctx, tableExistsSQL, table).Scan(&exists); err != nil {
			return nil, oops.With("table", table).Wrap(err)
		}
		if !exists {
			continue
		}
		b := backup{table: table, name: backupName(table, version)}
		fmt.Fprintf(&script, "DROP TABLE IF EXISTS %[2]s; CREATE TABLE %[2]s AS TABLE %[1]s;\n",
			quote(b.table), quote(b.name))
		backups = append(backups, b)
	}
	if len(backups) == 0 {
		return nil, nil
	}
	if _, err := m.db.Exec(ctx, script.String()); err != nil {
		m.dropBackups(ctx, backups)
		return nil, oops.With("operation", "snapshot tables").Wrap(err)
	}
	m.logger.InfoContext(ctx, "schema backup created", "version", version, "tables", len(backups))
	return backups, nil
}

// restore replaces the rows of every backed-up table with its snapshot. The
// original tables, with their keys and constraints, must have survived the
// rollback; a missing one fails the restore and the snapshots are kept for
// manual recovery. The row copy runs as one implicit transaction.
func (m *Migrator) restore(ctx context.Context, backups []backup) error {
	var script strings.Builder
	tables := make([]string, len(backups))
	for i, b := range backups {
		var exists bool
		if err := m.db.QueryRow(ctx, tableExistsSQL, b.table).Scan(&exists); err != nil {
			return oops.With("table", b.table).With("operation", "check restore target").Wrap(err)
		}
		if !exists {
			return oops.With("table", b.table).With("backup", b.name).
				Errorf("table %s is missing after rollback", b.table)
		}
		tables[i] = quote(b.table)
	}
	fmt.Fprintf(&script, "TRUNCATE %s CASCADE;\n", strings.Join(tables, ", "))
	for _, b := range backups {
		fmt.Fprintf(&script, "INSERT INTO %s SELECT * FROM %s;\n", quote(b.table), quote(b.name))
	}
	if _, err := m.db.Exec(ctx, script.String()); err != nil {
		return oops.With("operation", "restore tables").Wrap(err)
	}
	m.logger.InfoContext(ctx, "schema backup restored", "tables", len(backups))
	return nil
}

// dropBackups removes snapshots. Failures leave stray tables behind and are
// only logged.
func (m *Migrator) dropBackups(ctx context.Context, backups []backup) {
	if len(backups) == 0 {
		return
	}
	names := make([]string, len(backups))
	for i, b := range backups {
		names[i] = quote(b.name)
	}
	if _, err := m.db.Exec(ctx, "DROP TABLE IF EXISTS "+strings.Join(names, ", ")); err != nil {
		m.logger.WarnContext(ctx, "failed to drop schema backups", "tables", strings.Join(names, ","), "error", err)
	}
}
