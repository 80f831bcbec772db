// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ManuGH/agentbot/internal/model"
	"github.com/google/renameio/v2"
)

// FileStore keeps all records in one JSON file, written atomically on every
// save. Fine for small single-host deployments; versions live in the same
// file so the conflict contract survives restarts.
type FileStore struct {
	path string

	mu       sync.Mutex
	sessions map[string]fileEntry
}

type fileEntry struct {
	Version uint64               `json:"version"`
	Record  *model.SessionRecord `json:"record"`
}

// OpenFileStore loads the file if it exists and creates the parent directory
// otherwise.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, sessions: make(map[string]fileEntry)}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read session file: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.sessions); err != nil {
			return nil, fmt.Errorf("decode session file %s: %w", path, err)
		}
	}
	return s, nil
}

func (s *FileStore) Close() error { return nil }

// flush must be called with the mutex held.
func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) (*model.SessionRecord, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return e.Record.Clone(), e.Version, nil
}

func (s *FileStore) Save(ctx context.Context, rec *model.SessionRecord, expected uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.sessions[rec.SessionID]
	if expected == 0 {
		if exists {
			return 0, ErrVersionConflict
		}
	} else {
		if !exists {
			return 0, ErrNotFound
		}
		if e.Version != expected {
			return 0, ErrVersionConflict
		}
	}

	cp := rec.Clone()
	cp.UpdatedAtUnix = time.Now().Unix()
	next := expected + 1
	s.sessions[rec.SessionID] = fileEntry{Version: next, Record: cp}
	if err := s.flush(); err != nil {
		// Roll back the cache so memory and disk stay consistent.
		if exists {
			s.sessions[rec.SessionID] = e
		} else {
			delete(s.sessions, rec.SessionID)
		}
		return 0, err
	}
	return next, nil
}

func (s *FileStore) List(ctx context.Context) ([]*model.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*model.SessionRecord, 0, len(s.sessions))
	for _, e := range s.sessions {
		list = append(list, e.Record.Clone())
	}
	return list, nil
}

func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil
	}
	delete(s.sessions, sessionID)
	return s.flush()
}

// Ensure compliance
var _ Store = (*FileStore)(nil)
