// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package daemon manages the process lifecycle: the operator API server, the
// metrics server and ordered resource teardown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ManuGH/agentbot/internal/log"
	"github.com/rs/zerolog"
)

// ErrManagerNotStarted is returned by Shutdown before Start.
var ErrManagerNotStarted = errors.New("manager not started")

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Config carries the server knobs.
type Config struct {
	ListenAddr      string // operator API; empty disables it
	MetricsAddr     string // Prometheus; empty disables it
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Manager starts the HTTP listeners and coordinates graceful shutdown.
type Manager struct {
	cfg            Config
	apiHandler     http.Handler
	metricsHandler http.Handler

	apiServer     *http.Server
	metricsServer *http.Server

	mu            sync.Mutex
	shutdownHooks []namedHook
	started       bool
	stopping      bool

	logger zerolog.Logger
}

type namedHook struct {
	name string
	hook ShutdownHook
}

func NewManager(cfg Config, apiHandler, metricsHandler http.Handler) *Manager {
	return &Manager{
		cfg:            cfg.withDefaults(),
		apiHandler:     apiHandler,
		metricsHandler: metricsHandler,
		logger:         log.WithComponent("manager"),
	}
}

// RegisterShutdownHook registers a cleanup function to be called during
// shutdown, LIFO.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}

// Start starts the configured servers and blocks until ctx is cancelled or a
// server fails, then runs the full shutdown sequence.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	errChan := make(chan error, 2)

	if m.cfg.MetricsAddr != "" && m.metricsHandler != nil {
		m.metricsServer = &http.Server{
			Addr:              m.cfg.MetricsAddr,
			Handler:           m.metricsHandler,
			ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
		}
		go m.serve("metrics", m.metricsServer, errChan)
	}

	if m.cfg.ListenAddr != "" && m.apiHandler != nil {
		m.apiServer = &http.Server{
			Addr:              m.cfg.ListenAddr,
			Handler:           m.apiHandler,
			ReadTimeout:       m.cfg.ReadTimeout,
			ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
			WriteTimeout:      m.cfg.WriteTimeout,
			IdleTimeout:       m.cfg.IdleTimeout,
		}
		go m.serve("api", m.apiServer, errChan)
	}

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("server error, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	}
}

func (m *Manager) serve(name string, srv *http.Server, errChan chan<- error) {
	m.logger.Info().Str("addr", srv.Addr).Msgf("%s server listening", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("%s server: %w", name, err)
	}
}

// Shutdown stops the listeners and runs the hooks in reverse order. Bounded
// by the configured shutdown timeout, independent of caller cancellation.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	hooks := make([]namedHook, len(m.shutdownHooks))
	copy(hooks, m.shutdownHooks)
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Dur("duration", time.Since(start)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("duration", time.Since(start)).Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}
