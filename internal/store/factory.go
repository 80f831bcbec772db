// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"fmt"
)

// Open creates a Store for the configured backend and wraps it with metrics.
func Open(backend, path string) (Store, error) {
	var (
		inner Store
		err   error
	)
	switch backend {
	case "memory", "":
		inner = NewMemoryStore()
	case "file":
		inner, err = OpenFileStore(path)
	case "badger":
		inner, err = OpenBadgerStore(path)
	case "sqlite":
		inner, err = OpenSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
	if err != nil {
		return nil, err
	}
	if backend == "" {
		backend = "memory"
	}
	return NewInstrumentedStore(inner, backend), nil
}
