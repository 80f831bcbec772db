// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownBeforeStart(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	require.ErrorIs(t, m.Shutdown(context.Background()), ErrManagerNotStarted)
}

func TestStartWithoutListenersBlocksUntilCancel(t *testing.T) {
	m := NewManager(Config{ShutdownTimeout: time.Second}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("start returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after cancel")
	}
}

func TestShutdownHooksRunLIFO(t *testing.T) {
	m := NewManager(Config{ShutdownTimeout: time.Second}, nil, nil)

	var mu sync.Mutex
	var order []string
	hook := func(name string) ShutdownHook {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	m.RegisterShutdownHook("store", hook("store"))
	m.RegisterShutdownHook("bus", hook("bus"))
	m.RegisterShutdownHook("runtime", hook("runtime"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"runtime", "bus", "store"}, order, "last registered stops first")
}

func TestShutdownCollectsHookErrors(t *testing.T) {
	m := NewManager(Config{ShutdownTimeout: time.Second}, nil, nil)

	boom := errors.New("flush failed")
	ran := false
	m.RegisterShutdownHook("first", func(ctx context.Context) error {
		ran = true
		return nil
	})
	m.RegisterShutdownHook("broken", func(ctx context.Context) error { return boom })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	cancel()

	err := <-done
	require.ErrorIs(t, err, boom)
	require.True(t, ran, "a failing hook must not stop the rest")
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := NewManager(Config{ShutdownTimeout: time.Second}, nil, nil)

	calls := 0
	m.RegisterShutdownHook("counter", func(ctx context.Context) error {
		calls++
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	cancel()
	require.NoError(t, <-done)

	require.NoError(t, m.Shutdown(context.Background()), "second shutdown is a no-op")
	require.Equal(t, 1, calls)
}

func TestServesConfiguredHandlers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	m := NewManager(Config{ListenAddr: "127.0.0.1:0", ShutdownTimeout: time.Second}, mux, nil)

	// An explicit port of zero is fine for the OS but leaves us no way to
	// discover the bound address through this API, so just exercise start and
	// stop around a real listener.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after cancel")
	}
}
