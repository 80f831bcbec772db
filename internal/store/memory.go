// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/agentbot/internal/model"
)

// MemoryStore is an in-memory Store intended for tests and local iteration.
// Not durable.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memEntry
}

type memEntry struct {
	rec     *model.SessionRecord
	version uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]memEntry)}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*model.SessionRecord, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return e.rec.Clone(), e.version, nil
}

func (m *MemoryStore) Save(ctx context.Context, rec *model.SessionRecord, expected uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.sessions[rec.SessionID]
	if expected == 0 {
		if exists {
			return 0, ErrVersionConflict
		}
	} else {
		if !exists {
			return 0, ErrNotFound
		}
		if e.version != expected {
			return 0, ErrVersionConflict
		}
	}

	cp := rec.Clone()
	cp.UpdatedAtUnix = time.Now().Unix()
	next := expected + 1
	m.sessions[rec.SessionID] = memEntry{rec: cp, version: next}
	return next, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*model.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*model.SessionRecord, 0, len(m.sessions))
	for _, e := range m.sessions {
		list = append(list, e.rec.Clone())
	}
	return list, nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// Ensure compliance
var _ Store = (*MemoryStore)(nil)
