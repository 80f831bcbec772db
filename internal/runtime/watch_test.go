// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/agentbot/internal/backend/backendtest"
	"github.com/stretchr/testify/require"
)

func TestWatchSeedsHotAdds(t *testing.T) {
	h := newHarness(t, fastConfig(), backendtest.NewFakeAutomation())
	require.NoError(t, h.rt.Start(h.ctx, nil))

	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sessions: []\n"), 0o600))

	watchCtx, cancel := context.WithCancel(h.ctx)
	watchDone := make(chan error, 1)
	go func() { watchDone <- h.rt.WatchSeeds(watchCtx, path) }()

	// Give the watcher a moment to arm before the write lands.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`
sessions:
  - sessionId: hot-1
    credentialsRef: vault://creds/hot
`), 0o600))

	require.Eventually(t, func() bool {
		return h.rt.Attached("hot-1")
	}, waitFor, tick, "session from updated seed file should attach")

	// A broken rewrite must not disturb the running set.
	require.NoError(t, os.WriteFile(path, []byte("sessions: ["), 0o600))
	time.Sleep(2 * watchDebounce)
	require.True(t, h.rt.Attached("hot-1"))

	cancel()
	require.ErrorIs(t, <-watchDone, context.Canceled)
	require.NoError(t, h.rt.Stop())
}

func TestWatchSeedsIgnoresOtherFiles(t *testing.T) {
	h := newHarness(t, fastConfig(), backendtest.NewFakeAutomation())
	require.NoError(t, h.rt.Start(h.ctx, nil))

	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sessions: []\n"), 0o600))

	watchCtx, cancel := context.WithCancel(h.ctx)
	watchDone := make(chan error, 1)
	go func() { watchDone <- h.rt.WatchSeeds(watchCtx, path) }()
	time.Sleep(50 * time.Millisecond)

	// A sibling file changing must not trigger a reload of anything.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte(`
sessions:
  - sessionId: stray-1
    credentialsRef: vault://creds/stray
`), 0o600))
	time.Sleep(2 * watchDebounce)
	require.False(t, h.rt.Attached("stray-1"))

	cancel()
	require.ErrorIs(t, <-watchDone, context.Canceled)
}
