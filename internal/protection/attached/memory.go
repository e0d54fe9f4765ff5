// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package attached

import (
	"maps"
	"sync"
)

// MemoryAttributes is an in-memory Attributes implementation. Staged writes
// are visible to readers immediately; Commit hands a snapshot to the commit
// hook, if any.
type MemoryAttributes struct {
	mu       sync.RWMutex
	strings  map[string]string
	bytes    map[string]byte
	onCommit func(map[string]string) error
	commits  int
}

// NewMemoryAttributes returns an empty attribute set.
func NewMemoryAttributes() *MemoryAttributes {
	return &MemoryAttributes{
		strings: make(map[string]string),
		bytes:   make(map[string]byte),
	}
}

// OnCommit installs a hook that receives a snapshot of the string slots on
// every Commit. A hook error fails the commit.
func (m *MemoryAttributes) OnCommit(hook func(map[string]string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommit = hook
}

// String returns the string slot at key.
func (m *MemoryAttributes) String(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.strings[key]
	return v, ok
}

// SetString stages value in the string slot at key.
func (m *MemoryAttributes) SetString(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
}

// Byte returns the byte slot at key.
func (m *MemoryAttributes) Byte(key string) (byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.bytes[key]
	return v, ok
}

// SetByte stages value in the byte slot at key.
func (m *MemoryAttributes) SetByte(key string, value byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes[key] = value
}

// Delete clears both slots at key.
func (m *MemoryAttributes) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	delete(m.bytes, key)
}

// Commit persists the staged slots.
func (m *MemoryAttributes) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := maps.Clone(m.strings)
	if m.onCommit != nil {
		if err := m.onCommit(snapshot); err != nil {
			return err
		}
	}
	m.commits++
	return nil
}

// Commits returns how many commits have succeeded.
func (m *MemoryAttributes) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

// Len returns the number of populated slots.
func (m *MemoryAttributes) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.strings) + len(m.bytes)
}
