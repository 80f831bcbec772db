// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/agentbot/internal/log"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/dgraph-io/badger/v4"
)

// BadgerStore persists session records in an embedded badger database.
// Keys are "sess:<id>"; the version travels inside the JSON envelope and the
// compare-and-swap happens inside a single badger transaction.
type BadgerStore struct {
	db *badger.DB
}

type badgerEnvelope struct {
	Version uint64               `json:"version"`
	Record  *model.SessionRecord `json:"record"`
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func sessionKey(id string) []byte { return []byte("sess:" + id) }

func (s *BadgerStore) Load(ctx context.Context, sessionID string) (*model.SessionRecord, uint64, error) {
	var env badgerEnvelope
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	return env.Record, env.Version, nil
}

func (s *BadgerStore) Save(ctx context.Context, rec *model.SessionRecord, expected uint64) (uint64, error) {
	key := sessionKey(rec.SessionID)
	cp := rec.Clone()
	cp.UpdatedAtUnix = time.Now().Unix()
	next := expected + 1

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if expected != 0 {
				return ErrNotFound
			}
		case err != nil:
			return err
		default:
			if expected == 0 {
				return ErrVersionConflict
			}
			var cur badgerEnvelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cur)
			}); err != nil {
				return err
			}
			if cur.Version != expected {
				return ErrVersionConflict
			}
		}
		buf, err := json.Marshal(badgerEnvelope{Version: next, Record: cp})
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *BadgerStore) List(ctx context.Context) ([]*model.SessionRecord, error) {
	prefix := []byte("sess:")
	var list []*model.SessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var env badgerEnvelope
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				logger := log.WithComponent("store")
				logger.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skipping corrupt session record")
				continue
			}
			list = append(list, env.Record)
		}
		return nil
	})
	return list, err
}

func (s *BadgerStore) Delete(ctx context.Context, sessionID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(sessionID))
	})
}

// Ensure interface compliance at compile time.
var _ Store = (*BadgerStore)(nil)
