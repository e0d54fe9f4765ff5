// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package filestore implements a coordinate-keyed protection store that keeps
// every record in memory and persists them as a single YAML document.
package filestore

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/chestlock/internal/protection"
)

// DefaultPath is the document name used when no path is configured.
const DefaultPath = "protections.yml"

// section is the persisted shape of one record.
type section struct {
	Owner         string   `yaml:"owner"`
	AllowHopper   *bool    `yaml:"allowHopper,omitempty"`
	AllowRedstone *bool    `yaml:"allowRedstone,omitempty"`
	Friends       []string `yaml:"friends"`
}

// Store is an in-memory LocationStore backed by a YAML file.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]*protection.Protection
	closed  bool

	flushMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for load warnings and flush reports.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store persisting to path. Nothing is read until Load.
func New(path string, opts ...Option) *Store {
	if path == "" {
		path = DefaultPath
	}
	s := &Store{
		path:    path,
		logger:  slog.Default(),
		records: make(map[string]*protection.Protection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Save stores a copy of p under key, replacing any previous record.
func (s *Store) Save(_ context.Context, key protection.Key, p *protection.Protection) error {
	if p == nil {
		return oops.Code("PROTECTION_MALFORMED").With("key", key.String()).
			Wrapf(protection.ErrMalformedRecord, "nil protection")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}
	s.records[key.String()] = p.Clone()
	return nil
}

// Get returns a copy of the record at key.
func (s *Store) Get(_ context.Context, key protection.Key) (*protection.Protection, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, errClosed()
	}
	p, ok := s.records[key.String()]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

// Remove deletes the record at key. Removing an absent key is a no-op.
func (s *Store) Remove(_ context.Context, key protection.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}
	delete(s.records, key.String())
	return nil
}

// Keys returns every stored key in canonical order.
func (s *Store) Keys(_ context.Context) ([]protection.Key, error) {
	return s.collect(func(*protection.Protection) bool { return true })
}

// OwnedBy returns the keys of every record owned by owner.
func (s *Store) OwnedBy(_ context.Context, owner uuid.UUID) ([]protection.Key, error) {
	return s.collect(func(p *protection.Protection) bool { return p.Owner() == owner })
}

func (s *Store) collect(match func(*protection.Protection) bool) ([]protection.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed()
	}
	names := make([]string, 0, len(s.records))
	for name, p := range s.records {
		if match(p) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	keys := make([]protection.Key, 0, len(names))
	for _, name := range names {
		// Stored names are always produced by Key.String.
		k, err := protection.ParseKey(name)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Flush overwrites the document with a snapshot of every record. The new
// document is written beside the old one and renamed into place. Flushes
// are serialized so a later snapshot is never overwritten by an earlier one.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errClosed()
	}
	doc := s.snapshot()
	s.mu.RUnlock()
	return s.write(ctx, doc)
}

func (s *Store) snapshot() map[string]section {
	doc := make(map[string]section, len(s.records))
	for name, p := range s.records {
		hopper, redstone := p.AllowHopper, p.AllowRedstone
		doc[name] = section{
			Owner:         p.Owner().String(),
			AllowHopper:   &hopper,
			AllowRedstone: &redstone,
			Friends:       p.FriendEntries(),
		}
	}
	return doc
}

// write must be called with flushMu held.
func (s *Store) write(ctx context.Context, doc map[string]section) error {
	start := time.Now()
	defer func() { flushDuration.Observe(time.Since(start).Seconds()) }()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return oops.Code("FLUSH_FAILED").With("path", s.path).Wrap(err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return oops.Code("FLUSH_FAILED").With("path", s.path).Wrap(err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return oops.Code("FLUSH_FAILED").With("path", s.path).Wrap(err)
	}
	tmpName := tmp.Name()
	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return oops.Code("FLUSH_FAILED").With("path", s.path).Wrap(cause)
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return oops.Code("FLUSH_FAILED").With("path", s.path).Wrap(err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return oops.Code("FLUSH_FAILED").With("path", s.path).Wrap(err)
	}

	s.logger.InfoContext(ctx, "saved protections", "path", s.path, "count", len(doc))
	return nil
}

// Load replaces the in-memory records with the document contents. A missing
// document yields an empty store. Malformed sections are skipped and counted.
func (s *Store) Load(ctx context.Context) (protection.LoadReport, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.InfoContext(ctx, "no protections file found, starting fresh", "path", s.path)
		s.replace(make(map[string]*protection.Protection))
		return protection.LoadReport{}, nil
	}
	if err != nil {
		return protection.LoadReport{}, oops.Code("LOAD_FAILED").With("path", s.path).Wrap(err)
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return protection.LoadReport{}, oops.Code("LOAD_FAILED").With("path", s.path).Wrap(err)
	}

	records := make(map[string]*protection.Protection, len(doc))
	var report protection.LoadReport
	for name, node := range doc {
		key, p, err := s.decodeSection(ctx, name, &node)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping malformed protection", "key", name, "error", err)
			recordsSkipped.Inc()
			report.Skipped++
			continue
		}
		records[key.String()] = p
		report.Loaded++
	}

	s.replace(records)
	s.logger.InfoContext(ctx, "loaded protections", "path", s.path, "loaded", report.Loaded, "skipped", report.Skipped)
	return report, nil
}

func (s *Store) decodeSection(ctx context.Context, name string, node *yaml.Node) (protection.Key, *protection.Protection, error) {
	key, err := protection.ParseKey(name)
	if err != nil {
		return protection.Key{}, nil, err
	}
	var sec section
	if err := node.Decode(&sec); err != nil {
		return protection.Key{}, nil, oops.Code("PROTECTION_MALFORMED").Wrapf(protection.ErrMalformedRecord, "%v", err)
	}
	owner, err := protection.ParseOwner(sec.Owner)
	if err != nil {
		return protection.Key{}, nil, err
	}
	friends, skipped := protection.ParseFriendEntries(sec.Friends)
	for _, entry := range skipped {
		s.logger.WarnContext(ctx, "skipping malformed friend entry", "key", name, "entry", entry)
	}
	hopper := false
	if sec.AllowHopper != nil {
		hopper = *sec.AllowHopper
	}
	redstone := true
	if sec.AllowRedstone != nil {
		redstone = *sec.AllowRedstone
	}
	return key, protection.Restore(owner, friends, hopper, redstone), nil
}

func (s *Store) replace(records map[string]*protection.Protection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}

// Close flushes the records and rejects further use. Closing twice is a no-op.
func (s *Store) Close() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	doc := s.snapshot()
	s.mu.Unlock()
	return s.write(context.Background(), doc)
}

func errClosed() error {
	return oops.Code("STORE_CLOSED").Wrap(protection.ErrStoreClosed)
}

var _ protection.LocationStore = (*Store)(nil)
