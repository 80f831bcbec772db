// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store persists session records behind a versioned load/save
// contract. The external store is the system of record; the in-process cache
// may go stale between read and write, so writers must detect and retry on
// version conflict.
package store

import (
	"context"
	"errors"

	"github.com/ManuGH/agentbot/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for the session id.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict is returned by Save when the expected version does
	// not match the stored one.
	ErrVersionConflict = errors.New("version conflict")
)

// Store is the versioned persistence contract for session records.
//
// Save with expected version 0 creates the record and fails with
// ErrVersionConflict if it already exists; any other expected version must
// match the stored version exactly. Implementations hand out copies, never
// internal pointers.
type Store interface {
	Load(ctx context.Context, sessionID string) (*model.SessionRecord, uint64, error)
	Save(ctx context.Context, rec *model.SessionRecord, expected uint64) (uint64, error)
	List(ctx context.Context) ([]*model.SessionRecord, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

const updateMaxTries = 5

// Update runs a load/mutate/save cycle, retrying on version conflicts. fn
// receives a private copy it may mutate freely.
func Update(ctx context.Context, s Store, sessionID string, fn func(*model.SessionRecord) error) (*model.SessionRecord, uint64, error) {
	var lastErr error
	for i := 0; i < updateMaxTries; i++ {
		rec, version, err := s.Load(ctx, sessionID)
		if err != nil {
			return nil, 0, err
		}
		if err := fn(rec); err != nil {
			return nil, 0, err
		}
		newVersion, err := s.Save(ctx, rec, version)
		if err == nil {
			return rec, newVersion, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, 0, err
		}
		lastErr = err
	}
	return nil, 0, lastErr
}
