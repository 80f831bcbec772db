// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/ManuGH/agentbot/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounce window for editors that emit write bursts
const watchDebounce = 500 * time.Millisecond

// WatchSeeds watches the seed file and hot-adds sessions that appear in it.
// Removed entries are left running; detaching is an operator decision made
// through the API. Blocks until ctx is cancelled.
func (r *Runtime) WatchSeeds(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the file: atomic replaces (rename-over) would
	// otherwise silently detach the watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger := r.logger.With().Str("file", path).Logger()
	logger.Info().Msg("watching seed file for hot-adds")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("seed watch error")
		case <-pending:
			pending = nil
			r.reloadSeeds(ctx, path, logger)
		}
	}
}

func (r *Runtime) reloadSeeds(ctx context.Context, path string, logger zerolog.Logger) {
	seeds, err := LoadSeeds(path)
	if err != nil {
		logger.Warn().Err(err).Msg("seed reload failed, keeping current set")
		return
	}
	added := 0
	for _, seed := range seeds {
		if r.Attached(seed.SessionID) {
			continue
		}
		if err := r.Attach(ctx, seed); err != nil {
			if errors.Is(err, ErrAlreadyAttached) {
				continue
			}
			logger.Warn().Err(err).Str(log.FieldSessionID, seed.SessionID).Msg("hot-add failed")
			continue
		}
		added++
	}
	if added > 0 {
		logger.Info().Int("added", added).Msg("hot-added sessions from seed file")
	}
}
