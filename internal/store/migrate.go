// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"embed"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"strings"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

// Managed tables, parents first.
const (
	ProtectionsTable = "chestlock_protections"
	FriendsTable     = "chestlock_friends"
	VersionTable     = "chestlock_schema_version"
)

// ErrRestoreFailed marks a failed step whose backup could not be restored.
// The schema may be inconsistent and the backend must not serve traffic.
var ErrRestoreFailed = errors.New("schema restore failed")

// DefaultTables are the tables snapshotted and validated around each step.
var DefaultTables = []string{ProtectionsTable, FriendsTable}

const createVersionTableSQL = `CREATE TABLE IF NOT EXISTS chestlock_schema_version (
    id          INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    version     INTEGER NOT NULL,
    migrated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const seedVersionSQL = `INSERT INTO chestlock_schema_version (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`

const selectVersionSQL = `SELECT version FROM chestlock_schema_version WHERE id = 1`

const updateVersionSQL = `UPDATE chestlock_schema_version SET version = $1, migrated_at = now() WHERE id = 1`

// migrationLockKey is the advisory lock id shared by every chestlock migrator.
const migrationLockKey int64 = 0x6368_6573_746c_6b // "chestlk"

const lockMigrationsSQL = `SELECT pg_advisory_xact_lock($1)`

const tableExistsSQL = `SELECT to_regclass($1) IS NOT NULL`

const orphanedFriendsSQL = `SELECT count(*) FROM chestlock_friends f
LEFT JOIN chestlock_protections p ON p.id = f.protection_id
WHERE p.id IS NULL`

// Strategy selects how a failed step is undone.
type Strategy string

// Migration strategies.
const (
	// StrategyTransactional relies on transactional DDL: rollback alone restores the schema.
	StrategyTransactional Strategy = "transactional"
	// StrategyBackup also snapshots each existing table before a step and
	// restores the rows from the snapshot if the step fails.
	StrategyBackup Strategy = "backup"
)

// State is a migrator state.
type State string

// Migrator states.
const (
	StateUnchecked   State = "UNCHECKED"
	StateVersionRead State = "VERSION_READ"
	StateUpToDate    State = "UP_TO_DATE"
	StateMigrating   State = "MIGRATING"
	StateBackingUp   State = "BACKING_UP"
	StateApplying    State = "APPLYING"
	StateValidating  State = "VALIDATING"
	StateCommitted   State = "COMMITTED"
	StateRollingBack State = "ROLLING_BACK"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Action mutates the schema inside the step transaction.
type Action interface {
	Apply(ctx context.Context, tx pgx.Tx) error
}

// SQL is an Action that executes a script.
type SQL string

// Apply executes the script.
func (s SQL) Apply(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, string(s))
	return err
}

// Func is an Action implemented in Go.
type Func func(ctx context.Context, tx pgx.Tx) error

// Apply calls f.
func (f Func) Apply(ctx context.Context, tx pgx.Tx) error {
	return f(ctx, tx)
}

// Step is one schema version.
type Step struct {
	Version     int
	Description string
	Action      Action
}

// Result describes a migration run.
type Result struct {
	State   State
	From    int
	To      int
	Applied []int
}

// database is the subset of *pgxpool.Pool used by the migrator.
type database interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Migrator brings the schema to the newest step version.
type Migrator struct {
	db       database
	steps    []Step
	strategy Strategy
	tables   []string
	logger   *slog.Logger
	state    State
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithSteps replaces the embedded step chain.
func WithSteps(steps []Step) MigratorOption {
	return func(m *Migrator) {
		m.steps = steps
	}
}

// WithStrategy selects the failure strategy.
func WithStrategy(s Strategy) MigratorOption {
	return func(m *Migrator) {
		m.strategy = s
	}
}

// WithTables sets the tables backed up and validated around each step.
func WithTables(tables ...string) MigratorOption {
	return func(m *Migrator) {
		m.tables = tables
	}
}

// WithMigratorLogger sets the migrator logger.
func WithMigratorLogger(logger *slog.Logger) MigratorOption {
	return func(m *Migrator) {
		m.logger = logger
	}
}

// NewMigrator creates a Migrator. Without WithSteps the embedded chain is used.
func NewMigrator(db database, opts ...MigratorOption) (*Migrator, error) {
	m := &Migrator{
		db:       db,
		strategy: StrategyTransactional,
		tables:   DefaultTables,
		logger:   slog.Default(),
		state:    StateUnchecked,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.steps == nil {
		steps, err := EmbeddedSteps()
		if err != nil {
			return nil, err
		}
		m.steps = steps
	}
	switch m.strategy {
	case StrategyTransactional, StrategyBackup:
	default:
		return nil, oops.Code("MIGRATION_INVALID").With("strategy", string(m.strategy)).
			Errorf("unknown migration strategy %q", m.strategy)
	}
	for i, step := range m.steps {
		if step.Action == nil {
			return nil, oops.Code("MIGRATION_INVALID").With("version", step.Version).
				Errorf("step %d has no action", step.Version)
		}
		if step.Version <= 0 || (i > 0 && step.Version <= m.steps[i-1].Version) {
			return nil, oops.Code("MIGRATION_INVALID").With("version", step.Version).
				Errorf("step versions must be positive and strictly ascending")
		}
	}
	return m, nil
}

// EmbeddedSteps returns the built-in step chain in version order.
func EmbeddedSteps() ([]Step, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, oops.Code("MIGRATION_INVALID").With("operation", "open embedded migrations").Wrap(err)
	}
	defer func() { _ = src.Close() }()

	var steps []Step
	version, err := src.First()
	for err == nil {
		step, readErr := readStep(src, version)
		if readErr != nil {
			return nil, readErr
		}
		steps = append(steps, step)
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, oops.Code("MIGRATION_INVALID").With("operation", "list embedded migrations").Wrap(err)
	}
	return steps, nil
}

func readStep(src source.Driver, version uint) (Step, error) {
	r, identifier, err := src.ReadUp(version)
	if err != nil {
		return Step{}, oops.Code("MIGRATION_INVALID").With("version", version).Wrap(err)
	}
	defer func() { _ = r.Close() }()
	body, err := io.ReadAll(r)
	if err != nil {
		return Step{}, oops.Code("MIGRATION_INVALID").With("version", version).Wrap(err)
	}
	return Step{
		Version:     int(version),
		Description: strings.ReplaceAll(identifier, "_", " "),
		Action:      SQL(body),
	}, nil
}

// Steps returns the configured step chain.
func (m *Migrator) Steps() []Step {
	return append([]Step(nil), m.steps...)
}

// Target returns the newest step version, or 0 without steps.
func (m *Migrator) Target() int {
	if len(m.steps) == 0 {
		return 0
	}
	return m.steps[len(m.steps)-1].Version
}

// State returns the state reached by the last run.
func (m *Migrator) State() State {
	return m.state
}

// Version returns the recorded schema version. A database that has never
// been migrated reports 0.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRow(ctx, selectVersionSQL).Scan(&version)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return 0, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, oops.Code("BACKEND_UNAVAILABLE").With("operation", "read schema version").Wrap(err)
	}
	return version, nil
}

// Pending returns the steps newer than the recorded version.
func (m *Migrator) Pending(ctx context.Context) ([]Step, error) {
	current, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	return m.after(current), nil
}

func (m *Migrator) after(version int) []Step {
	var pending []Step
	for _, step := range m.steps {
		if step.Version > version {
			pending = append(pending, step)
		}
	}
	return pending
}

func (m *Migrator) transition(ctx context.Context, s State, attrs ...any) {
	m.state = s
	m.logger.InfoContext(ctx, "schema migration", append([]any{"state", string(s)}, attrs...)...)
}

// Migrate applies every pending step in order. It stops at the first failing
// step; earlier steps stay committed. A MIGRATION_RESTORE_FAILED error means
// the schema may be inconsistent and the backend must not be used.
//
// Concurrent migrators against one database are serialized by an advisory
// lock held on a dedicated connection, so the version is read and every
// step applied by one process at a time.
func (m *Migrator) Migrate(ctx context.Context) (Result, error) {
	m.transition(ctx, StateUnchecked)
	res := Result{State: StateUnchecked}

	unlock, err := m.lock(ctx)
	if err != nil {
		res.State = StateFailed
		m.transition(ctx, StateFailed, "error", err)
		return res, err
	}
	defer unlock()

	if err := m.ensureVersionTable(ctx); err != nil {
		res.State = StateFailed
		m.transition(ctx, StateFailed, "error", err)
		return res, err
	}
	from, err := m.readVersion(ctx)
	if err != nil {
		res.State = StateFailed
		m.transition(ctx, StateFailed, "error", err)
		return res, err
	}
	res.From, res.To = from, from
	m.transition(ctx, StateVersionRead, "version", from, "target", m.Target())
	schemaVersion.Set(float64(from))

	if from >= m.Target() {
		res.State = StateUpToDate
		m.transition(ctx, StateUpToDate, "version", from)
		return res, nil
	}

	m.transition(ctx, StateMigrating, "from", from, "to", m.Target())
	for _, step := range m.after(from) {
		if err := m.applyStep(ctx, step); err != nil {
			res.State = m.state
			return res, err
		}
		res.To = step.Version
		res.Applied = append(res.Applied, step.Version)
		schemaVersion.Set(float64(step.Version))
	}

	res.State = StateDone
	m.transition(ctx, StateDone, "from", from, "to", res.To, "applied", len(res.Applied))
	return res, nil
}

// lock blocks until this migrator holds the migration lock. The lock lives
// in a transaction that only ever holds it and is released by rolling back.
func (m *Migrator) lock(ctx context.Context) (func(), error) {
	guard, err := m.db.Begin(ctx)
	if err != nil {
		return nil, oops.Code("MIGRATION_FAILED").With("operation", "begin migration lock").Wrap(err)
	}
	if _, err := guard.Exec(ctx, lockMigrationsSQL, migrationLockKey); err != nil {
		_ = guard.Rollback(ctx)
		return nil, oops.Code("MIGRATION_FAILED").With("operation", "acquire migration lock").Wrap(err)
	}
	return func() {
		if err := guard.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			m.logger.WarnContext(ctx, "failed to release migration lock", "error", err)
		}
	}, nil
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, createVersionTableSQL); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "create version table").Wrap(err)
	}
	if _, err := m.db.Exec(ctx, seedVersionSQL); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "seed version table").Wrap(err)
	}
	return nil
}

func (m *Migrator) readVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRow(ctx, selectVersionSQL).Scan(&version); err != nil {
		return 0, oops.Code("MIGRATION_FAILED").With("operation", "read version").Wrap(err)
	}
	return version, nil
}

func (m *Migrator) applyStep(ctx context.Context, step Step) error {
	log := []any{"version", step.Version, "description", step.Description}

	var backups []backup
	if m.strategy == StrategyBackup {
		m.transition(ctx, StateBackingUp, log...)
		var err error
		backups, err = m.backup(ctx, step.Version)
		if err != nil {
			stepOutcomes.WithLabelValues("failed").Inc()
			m.transition(ctx, StateRollingBack, append(log, "error", err)...)
			return oops.Code("MIGRATION_FAILED").With("version", step.Version).With("phase", "backup").Wrap(err)
		}
	}

	m.transition(ctx, StateApplying, log...)
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return m.recover(ctx, step, nil, backups, "begin", err)
	}
	if err := step.Action.Apply(ctx, tx); err != nil {
		return m.recover(ctx, step, tx, backups, "apply", err)
	}

	m.transition(ctx, StateValidating, log...)
	if err := m.validate(ctx, tx, step.Version); err != nil {
		return m.recover(ctx, step, tx, backups, "validate", err)
	}
	if _, err := tx.Exec(ctx, updateVersionSQL, step.Version); err != nil {
		return m.recover(ctx, step, tx, backups, "record version", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return m.recover(ctx, step, nil, backups, "commit", err)
	}

	m.transition(ctx, StateCommitted, log...)
	stepOutcomes.WithLabelValues("committed").Inc()
	m.dropBackups(ctx, backups)
	return nil
}

// recover undoes a failed step. tx is nil when there is no open transaction.
func (m *Migrator) recover(ctx context.Context, step Step, tx pgx.Tx, backups []backup, phase string, cause error) error {
	m.transition(ctx, StateRollingBack, "version", step.Version, "phase", phase, "error", cause)
	if tx != nil {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			m.logger.WarnContext(ctx, "rollback failed", "version", step.Version, "error", err)
		}
	}

	if len(backups) > 0 {
		if err := m.restore(ctx, backups); err != nil {
			stepOutcomes.WithLabelValues("restore_failed").Inc()
			m.transition(ctx, StateFailed, "version", step.Version, "error", err)
			return oops.Code("MIGRATION_RESTORE_FAILED").
				With("version", step.Version).
				With("phase", phase).
				Wrap(errors.Join(ErrRestoreFailed, cause, err))
		}
		m.dropBackups(ctx, backups)
	}

	stepOutcomes.WithLabelValues("rolled_back").Inc()
	return oops.Code("MIGRATION_FAILED").
		With("version", step.Version).
		With("description", step.Description).
		With("phase", phase).
		Wrap(cause)
}

// validate checks the managed tables exist after the step. Orphaned friend
// rows are reported but tolerated.
func (m *Migrator) validate(ctx context.Context, tx pgx.Tx, version int) error {
	for _, table := range m.tables {
		var exists bool
		if err := tx.QueryRow(ctx, tableExistsSQL, table).Scan(&exists); err != nil {
			return oops.With("table", table).Wrap(err)
		}
		if !exists {
			return oops.With("table", table).Errorf("table %s missing after migration", table)
		}
	}
	if !slices.Contains(m.tables, FriendsTable) || !slices.Contains(m.tables, ProtectionsTable) {
		return nil
	}
	var orphans int64
	if err := tx.QueryRow(ctx, orphanedFriendsSQL).Scan(&orphans); err != nil {
		return oops.With("operation", "count orphaned friends").Wrap(err)
	}
	if orphans > 0 {
		m.logger.WarnContext(ctx, "orphaned friend rows after migration", "version", version, "count", orphans)
	}
	return nil
}

