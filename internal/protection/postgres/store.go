// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements the relational protection store. Reads are
// served from an in-memory cache filled on demand. Writes reach the database
// through a background writer; in async mode the cache is updated first, in
// sync mode only once the database has acknowledged the write.
package postgres

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/patrickmn/go-cache"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/chestlock/internal/protection"
)

// pool is the subset of *pgxpool.Pool used by the store.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// WriteMode selects when Save and Remove return.
type WriteMode string

// Write modes.
const (
	// WriteAsync returns once the cache is updated; the durable write happens later.
	WriteAsync WriteMode = "async"
	// WriteSync returns after the durable write is acknowledged.
	WriteSync WriteMode = "sync"
)

// Defaults for the background writer.
const (
	DefaultWorkers      = 4
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultRetries      = 3
	DefaultRetryBackoff = 100 * time.Millisecond
)

// Store is a LocationStore backed by PostgreSQL.
type Store struct {
	db     pool
	cache  atomic.Pointer[cache.Cache]
	writer *writer
	mode   WriteMode
	logger *slog.Logger
	closed atomic.Bool

	// mu orders cache mutations against read-through fills and Load swaps.
	mu    sync.Mutex
	fills map[string]*fill
	// loadMu is held for writing by Load and for reading by Save and Remove.
	loadMu sync.RWMutex

	writerCfg writerConfig
}

// fill tracks read-through queries in flight for one key. A write to the key
// marks it stale so the fetched row is not cached over the write.
type fill struct {
	readers int
	stale   bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithWriteMode selects async or sync durable writes.
func WithWriteMode(mode WriteMode) Option {
	return func(s *Store) {
		s.mode = mode
	}
}

// WithWorkers sets the number of background writers.
func WithWorkers(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.writerCfg.workers = n
		}
	}
}

// WithQueueSize sets the per-worker queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.writerCfg.queueSize = n
		}
	}
}

// WithWriteTimeout bounds a single durable write including retries.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writerCfg.timeout = d
		}
	}
}

// WithRetries sets how many times a transient write failure is retried.
func WithRetries(n uint64, backoff time.Duration) Option {
	return func(s *Store) {
		s.writerCfg.retries = n
		if backoff > 0 {
			s.writerCfg.backoff = backoff
		}
	}
}

// New creates a Store on db and starts its background writers.
// The cache starts empty; call Load to warm it.
func New(db pool, opts ...Option) *Store {
	s := &Store{
		db:     db,
		mode:   WriteAsync,
		logger: slog.Default(),
		fills:  make(map[string]*fill),
		writerCfg: writerConfig{
			workers:   DefaultWorkers,
			queueSize: DefaultQueueSize,
			timeout:   DefaultWriteTimeout,
			retries:   DefaultRetries,
			backoff:   DefaultRetryBackoff,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache.Store(newCache())
	s.writer = newWriter(s.apply, s.writerCfg, s.logger)
	return s
}

func newCache() *cache.Cache {
	return cache.New(cache.NoExpiration, 0)
}

// Mode returns the configured write mode.
func (s *Store) Mode() WriteMode {
	return s.mode
}

// Save stores p at key. In async mode the cache is updated and the upsert
// is queued; in sync mode the cache is updated after the upsert commits and
// a failed upsert leaves it untouched.
func (s *Store) Save(ctx context.Context, key protection.Key, p *protection.Protection) error {
	if p == nil {
		return oops.Code("PROTECTION_MALFORMED").With("key", key.String()).
			Wrapf(protection.ErrMalformedRecord, "nil protection")
	}
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()
	if s.closed.Load() {
		return errClosed(key)
	}
	name := key.String()
	cached := p.Clone()
	return s.submit(ctx, writeJob{op: opSave, key: key, record: p.Clone()}, func(c *cache.Cache) {
		c.Set(name, cached, cache.NoExpiration)
	})
}

// Remove deletes the record at key. In async mode the key is evicted and the
// delete is queued; in sync mode the key is evicted after the delete commits.
func (s *Store) Remove(ctx context.Context, key protection.Key) error {
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()
	if s.closed.Load() {
		return errClosed(key)
	}
	name := key.String()
	return s.submit(ctx, writeJob{op: opRemove, key: key}, func(c *cache.Cache) {
		c.Delete(name)
	})
}

// submit applies change to the cache and hands job to the writer, in the
// order the write mode requires.
func (s *Store) submit(ctx context.Context, job writeJob, change func(*cache.Cache)) error {
	name := job.key.String()
	job.span = trace.SpanContextFromContext(ctx)
	if s.mode != WriteSync {
		s.mutate(name, change)
		return s.writer.enqueue(job)
	}
	job.applied = func() { s.mutate(name, change) }
	job.done = make(chan error, 1)
	if err := s.writer.enqueue(job); err != nil {
		return err
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return oops.With("key", name).With("op", string(job.op)).Wrap(ctx.Err())
	}
}

// mutate applies change to the live cache and invalidates read-through
// fills in flight for name.
func (s *Store) mutate(name string, change func(*cache.Cache)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	change(s.cache.Load())
	if f, ok := s.fills[name]; ok {
		f.stale = true
	}
}

func (s *Store) beginFill(name string) *fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fills[name]
	if !ok {
		f = &fill{}
		s.fills[name] = f
	}
	f.readers++
	return f
}

// endFill finishes a read-through of name and returns the record to report.
// A record cached meanwhile wins over the fetched row. A fetched row is
// dropped when a write or Load touched the key during the query.
func (s *Store) endFill(name string, f *fill, p *protection.Protection, found bool) (*protection.Protection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.readers--; f.readers == 0 {
		delete(s.fills, name)
	}
	c := s.cache.Load()
	if v, ok := c.Get(name); ok {
		return v.(*protection.Protection).Clone(), true
	}
	if !found || f.stale {
		return nil, false
	}
	if s.mode == WriteAsync && s.writer.isPending(name) {
		return nil, false
	}
	c.Set(name, p.Clone(), cache.NoExpiration)
	return p, true
}

// Get returns the record at key, reading through to the database on a miss.
// Absence is never cached.
func (s *Store) Get(ctx context.Context, key protection.Key) (*protection.Protection, bool, error) {
	if s.closed.Load() {
		return nil, false, errClosed(key)
	}
	name := key.String()
	if v, ok := s.cache.Load().Get(name); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return v.(*protection.Protection).Clone(), true, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	f := s.beginFill(name)
	// An evicted key with a queued delete is absent even if the row remains.
	if s.mode == WriteAsync && s.writer.isPending(name) {
		p, ok := s.endFill(name, f, nil, false)
		return p, ok, nil
	}

	fetched, found, err := s.fetch(ctx, key)
	if err != nil {
		s.endFill(name, f, nil, false)
		return nil, false, err
	}
	p, ok := s.endFill(name, f, fetched, found)
	return p, ok, nil
}

func (s *Store) fetch(ctx context.Context, key protection.Key) (*protection.Protection, bool, error) {
	var (
		id            int64
		ownerStr      string
		allowHopper   bool
		allowRedstone bool
	)
	err := s.db.QueryRow(ctx, selectProtectionSQL, key.World, key.X, key.Y, key.Z).
		Scan(&id, &ownerStr, &allowHopper, &allowRedstone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errBackend("get protection", key, err)
	}

	owner, err := protection.ParseOwner(ownerStr)
	if err != nil {
		s.logger.WarnContext(ctx, "ignoring protection row with invalid owner", "key", key.String(), "owner", ownerStr)
		return nil, false, nil
	}

	rows, err := s.db.Query(ctx, selectFriendsSQL, id)
	if err != nil {
		return nil, false, errBackend("get friends", key, err)
	}
	defer rows.Close()
	friends := make(map[uuid.UUID]protection.Permission)
	for rows.Next() {
		var friendStr, permStr string
		if err := rows.Scan(&friendStr, &permStr); err != nil {
			return nil, false, errBackend("scan friend", key, err)
		}
		friendID, perm, err := protection.ParseFriend(friendStr + ":" + permStr)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping malformed friend row", "key", key.String(), "friend", friendStr, "permission", permStr)
			continue
		}
		friends[friendID] = perm
	}
	if err := rows.Err(); err != nil {
		return nil, false, errBackend("get friends", key, err)
	}
	return protection.Restore(owner, friends, allowHopper, allowRedstone), true, nil
}

// Load replaces the cache with every row in the database. Saves and removes
// wait while it runs, and writes queued before it are applied first. On any
// query failure the cache is left empty and the error is returned.
func (s *Store) Load(ctx context.Context) (protection.LoadReport, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.closed.Load() {
		return protection.LoadReport{}, errClosed(protection.Key{})
	}
	if err := s.writer.drain(ctx); err != nil {
		return protection.LoadReport{}, err
	}

	items, report, err := s.scanAll(ctx)
	next := newCache()
	if err == nil {
		next = cache.NewFrom(cache.NoExpiration, 0, items)
	}
	s.mu.Lock()
	s.cache.Store(next)
	for _, f := range s.fills {
		f.stale = true
	}
	s.mu.Unlock()
	if err != nil {
		return protection.LoadReport{}, err
	}
	s.logger.InfoContext(ctx, "loaded protections from database", "loaded", report.Loaded, "skipped", report.Skipped)
	return report, nil
}

func (s *Store) scanAll(ctx context.Context) (map[string]cache.Item, protection.LoadReport, error) {
	var report protection.LoadReport
	type row struct {
		key   protection.Key
		owner uuid.UUID
		flags [2]bool
	}

	rows, err := s.db.Query(ctx, selectAllProtectionsSQL)
	if err != nil {
		return nil, report, errBackend("load protections", protection.Key{}, err)
	}
	byID := make(map[int64]row)
	for rows.Next() {
		var (
			id       int64
			k        protection.Key
			ownerStr string
			hopper   bool
			redstone bool
		)
		if err := rows.Scan(&id, &k.World, &k.X, &k.Y, &k.Z, &ownerStr, &hopper, &redstone); err != nil {
			rows.Close()
			return nil, report, errBackend("scan protection", protection.Key{}, err)
		}
		owner, err := protection.ParseOwner(ownerStr)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping protection row with invalid owner", "key", k.String(), "owner", ownerStr)
			report.Skipped++
			continue
		}
		byID[id] = row{key: k, owner: owner, flags: [2]bool{hopper, redstone}}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, report, errBackend("load protections", protection.Key{}, err)
	}

	friends := make(map[int64]map[uuid.UUID]protection.Permission, len(byID))
	frows, err := s.db.Query(ctx, selectAllFriendsSQL)
	if err != nil {
		return nil, report, errBackend("load friends", protection.Key{}, err)
	}
	for frows.Next() {
		var (
			id        int64
			friendStr string
			permStr   string
		)
		if err := frows.Scan(&id, &friendStr, &permStr); err != nil {
			frows.Close()
			return nil, report, errBackend("scan friend", protection.Key{}, err)
		}
		if _, ok := byID[id]; !ok {
			continue
		}
		friendID, perm, err := protection.ParseFriend(friendStr + ":" + permStr)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping malformed friend row", "protection_id", id, "friend", friendStr)
			continue
		}
		if friends[id] == nil {
			friends[id] = make(map[uuid.UUID]protection.Permission)
		}
		friends[id][friendID] = perm
	}
	frows.Close()
	if err := frows.Err(); err != nil {
		return nil, report, errBackend("load friends", protection.Key{}, err)
	}

	items := make(map[string]cache.Item, len(byID))
	for id, r := range byID {
		p := protection.Restore(r.owner, friends[id], r.flags[0], r.flags[1])
		items[r.key.String()] = cache.Item{Object: p}
		report.Loaded++
	}
	return items, report, nil
}

// Keys returns every protected key, combining database rows with writes that
// have not landed yet.
func (s *Store) Keys(ctx context.Context) ([]protection.Key, error) {
	return s.keys(ctx, selectKeysSQL, nil)
}

// OwnedBy returns the keys of every record owned by owner.
func (s *Store) OwnedBy(ctx context.Context, owner uuid.UUID) ([]protection.Key, error) {
	return s.keys(ctx, selectKeysByOwnerSQL, &owner, owner.String())
}

func (s *Store) keys(ctx context.Context, query string, owner *uuid.UUID, args ...any) ([]protection.Key, error) {
	if s.closed.Load() {
		return nil, errClosed(protection.Key{})
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errBackend("list keys", protection.Key{}, err)
	}
	found := make(map[string]protection.Key)
	for rows.Next() {
		var k protection.Key
		if err := rows.Scan(&k.World, &k.X, &k.Y, &k.Z); err != nil {
			rows.Close()
			return nil, errBackend("scan key", protection.Key{}, err)
		}
		found[k.String()] = k
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errBackend("list keys", protection.Key{}, err)
	}

	// Only async writes can put the cache ahead of the database.
	pending := map[string]struct{}{}
	if s.mode == WriteAsync {
		pending = s.writer.pendingKeys()
	}
	c := s.cache.Load()
	for name := range pending {
		v, cached := c.Get(name)
		if !cached {
			delete(found, name)
			continue
		}
		if owner != nil && v.(*protection.Protection).Owner() != *owner {
			delete(found, name)
			continue
		}
		k, err := protection.ParseKey(name)
		if err == nil {
			found[name] = k
		}
	}

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	keys := make([]protection.Key, len(names))
	for i, name := range names {
		keys[i] = found[name]
	}
	return keys, nil
}

// Flush waits for every queued durable write to be applied.
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.drain(ctx)
}

// Close stops accepting writes, applies everything queued, and closes the pool.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writer.close()
	s.db.Close()
	return nil
}

func (s *Store) apply(ctx context.Context, job writeJob) error {
	switch job.op {
	case opSave:
		return s.upsert(ctx, job.key, job.record)
	case opRemove:
		if _, err := s.db.Exec(ctx, deleteProtectionSQL, job.key.World, job.key.X, job.key.Y, job.key.Z); err != nil {
			return oops.With("operation", "delete protection").With("key", job.key.String()).Wrap(err)
		}
		return nil
	default:
		return oops.Errorf("unknown write op %q", job.op)
	}
}

// upsert writes the protection row and replaces its friend rows in one
// transaction.
func (s *Store) upsert(ctx context.Context, key protection.Key, p *protection.Protection) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return oops.With("operation", "begin upsert").With("key", key.String()).Wrap(err)
	}

	var id int64
	err = tx.QueryRow(ctx, upsertProtectionSQL,
		key.World, key.X, key.Y, key.Z, p.Owner().String(), p.AllowHopper, p.AllowRedstone).Scan(&id)
	if err != nil {
		_ = tx.Rollback(ctx)
		return oops.With("operation", "upsert protection").With("key", key.String()).Wrap(err)
	}

	if _, err := tx.Exec(ctx, deleteFriendsSQL, id); err != nil {
		_ = tx.Rollback(ctx)
		return oops.With("operation", "clear friends").With("key", key.String()).Wrap(err)
	}

	if p.FriendCount() > 0 {
		ids, perms := friendColumns(p)
		if _, err := tx.Exec(ctx, insertFriendsSQL, id, ids, perms); err != nil {
			_ = tx.Rollback(ctx)
			return oops.With("operation", "insert friends").With("key", key.String()).Wrap(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.With("operation", "commit upsert").With("key", key.String()).Wrap(err)
	}
	return nil
}

// friendColumns returns parallel friend id and permission columns ordered by id.
func friendColumns(p *protection.Protection) ([]string, []string) {
	friends := p.Friends()
	ids := make([]string, 0, len(friends))
	for id := range friends {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	perms := make([]string, len(ids))
	for i, idStr := range ids {
		perms[i] = string(friends[uuid.MustParse(idStr)])
	}
	return ids, perms
}

func errBackend(op string, key protection.Key, err error) error {
	b := oops.Code("BACKEND_UNAVAILABLE").With("operation", op)
	if key.World != "" {
		b = b.With("key", key.String())
	}
	return b.Wrap(errors.Join(protection.ErrBackendUnavailable, err))
}

func errClosed(key protection.Key) error {
	b := oops.Code("STORE_CLOSED")
	if key.World != "" {
		b = b.With("key", key.String())
	}
	return b.Wrap(protection.ErrStoreClosed)
}

var _ protection.LocationStore = (*Store)(nil)
