// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package runtime supervises the monitor/booking pairs: spawn, crash
// isolation, restart policy, heartbeat watchdog and coordinated shutdown.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/agentbot/internal/agent"
	"github.com/ManuGH/agentbot/internal/audit"
	"github.com/ManuGH/agentbot/internal/backend"
	"github.com/ManuGH/agentbot/internal/bus"
	"github.com/ManuGH/agentbot/internal/log"
	"github.com/ManuGH/agentbot/internal/metrics"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/ManuGH/agentbot/internal/planner"
	"github.com/ManuGH/agentbot/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyAttached is returned when a pair already exists for the id.
	ErrAlreadyAttached = errors.New("session already attached")
	// ErrInvalidSessionID rejects ids unsafe for store keys and log fields.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Config carries the supervision knobs.
type Config struct {
	PollInterval    time.Duration
	PollRate        float64 // polls per second across all monitors
	PollBurst       int
	CodeTimeout     time.Duration
	StopTimeout     time.Duration
	RestartCooldown time.Duration
	MaxRestarts     int
	WatchdogTimeout time.Duration // 0 disables the watchdog
	ResumeEnabled   bool
}

// Deps bundles the collaborators every pair shares.
type Deps struct {
	Store      store.Store
	Bus        bus.Bus
	Automation backend.Automation
	Codes      backend.CodeSource
	Planner    *planner.Planner
	Auditor    audit.Sink
}

type pair struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	cancelUnits context.CancelFunc
	lastBeat    time.Time
}

func (p *pair) beat(t time.Time) {
	p.mu.Lock()
	p.lastBeat = t
	p.mu.Unlock()
}

func (p *pair) staleSince(now time.Time, timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.lastBeat.IsZero() && now.Sub(p.lastBeat) > timeout
}

func (p *pair) interrupt() {
	p.mu.Lock()
	cancel := p.cancelUnits
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Runtime owns the set of active pairs. There is no process-wide registry;
// everything hangs off this object.
type Runtime struct {
	cfg     Config
	deps    Deps
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu      sync.Mutex
	pairs   map[string]*pair
	baseCtx context.Context
	started bool
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) *Runtime {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 15 * time.Second
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.PollRate > 0 {
		burst := cfg.PollBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.PollRate), burst)
	}
	return &Runtime{
		cfg:     cfg,
		deps:    deps,
		limiter: limiter,
		logger:  log.WithComponent("runtime"),
		pairs:   make(map[string]*pair),
	}
}

// Start spawns one pair per seed session and the heartbeat watchdog. ctx
// bounds the lifetime of every pair.
func (r *Runtime) Start(ctx context.Context, sessions []*model.SessionRecord) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	r.started = true
	r.baseCtx = ctx
	r.mu.Unlock()

	r.deps.Auditor.Record(audit.Event{
		Type: audit.EventRuntimeStart, Actor: "runtime",
		Action: "runtime starting", Resource: "runtime", Result: "success",
		Details: map[string]string{"sessions": fmt.Sprintf("%d", len(sessions))},
	})

	for _, rec := range sessions {
		if err := r.Attach(ctx, rec); err != nil {
			r.logger.Error().Err(err).Str(log.FieldSessionID, rec.SessionID).Msg("attach failed")
		}
	}

	if r.cfg.WatchdogTimeout > 0 {
		r.wg.Add(1)
		go r.watchdog(ctx)
	}
	return nil
}

// Attach creates or adopts the session record and spawns its pair. Safe to
// call while running (hot-add); attaching an id twice is an error.
func (r *Runtime) Attach(ctx context.Context, seed *model.SessionRecord) error {
	if !model.IsSafeSessionID(seed.SessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, seed.SessionID)
	}

	rec, err := r.adoptRecord(ctx, seed)
	if err != nil {
		return err
	}
	if rec.State == model.StateBooked {
		r.logger.Info().Str(log.FieldSessionID, rec.SessionID).Msg("session already booked, not attaching")
		return nil
	}
	if rec.State == model.StateFailed && !r.cfg.ResumeEnabled {
		r.logger.Info().Str(log.FieldSessionID, rec.SessionID).Msg("session terminally failed, not attaching")
		return nil
	}

	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return errors.New("runtime not started")
	}
	if _, exists := r.pairs[rec.SessionID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, rec.SessionID)
	}
	pairCtx, cancel := context.WithCancel(r.baseCtx)
	p := &pair{sessionID: rec.SessionID, cancel: cancel, done: make(chan struct{})}
	r.pairs[rec.SessionID] = p
	r.mu.Unlock()

	metrics.SessionsActive.Inc()
	r.deps.Auditor.SessionAttached(rec.SessionID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(p.done)
		defer metrics.SessionsActive.Dec()
		r.supervise(pairCtx, p)
		r.mu.Lock()
		delete(r.pairs, p.sessionID)
		r.mu.Unlock()
	}()
	return nil
}

// Detach cancels the pair and waits for a clean exit up to the stop timeout.
func (r *Runtime) Detach(sessionID, reason string) error {
	r.mu.Lock()
	p, ok := r.pairs[sessionID]
	r.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}

	p.cancel()
	select {
	case <-p.done:
		r.deps.Auditor.SessionDetached(sessionID, reason)
		return nil
	case <-time.After(r.cfg.StopTimeout):
		r.deps.Auditor.UncleanShutdown(sessionID)
		return fmt.Errorf("session %s did not stop within %s", sessionID, r.cfg.StopTimeout)
	}
}

// Sessions lists the persisted records, for operator inspection.
func (r *Runtime) Sessions(ctx context.Context) ([]*model.SessionRecord, error) {
	return r.deps.Store.List(ctx)
}

// Session loads one persisted record.
func (r *Runtime) Session(ctx context.Context, id string) (*model.SessionRecord, error) {
	rec, _, err := r.deps.Store.Load(ctx, id)
	return rec, err
}

// Attached reports whether a live pair exists for the id.
func (r *Runtime) Attached(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pairs[sessionID]
	return ok
}

// Stop cancels every pair and blocks until all acknowledged or the stop
// timeout elapsed. Stragglers are logged as unclean shutdowns.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	pairs := make([]*pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		pairs = append(pairs, p)
	}
	r.mu.Unlock()

	for _, p := range pairs {
		p.cancel()
	}

	deadline := time.After(r.cfg.StopTimeout)
	var unclean []string
	for _, p := range pairs {
		select {
		case <-p.done:
		case <-deadline:
			unclean = append(unclean, p.sessionID)
		}
	}
	for _, id := range unclean {
		r.deps.Auditor.UncleanShutdown(id)
	}

	r.deps.Auditor.Record(audit.Event{
		Type: audit.EventRuntimeShutdown, Actor: "runtime",
		Action: "runtime stopped", Resource: "runtime", Result: "success",
		Details: map[string]string{"unclean": fmt.Sprintf("%d", len(unclean))},
	})
	if len(unclean) > 0 {
		return fmt.Errorf("%d session(s) force-terminated", len(unclean))
	}
	return nil
}

// Wait blocks until every supervision goroutine returned.
func (r *Runtime) Wait() { r.wg.Wait() }

// supervise runs the pair's units, restarting after crashes or watchdog
// interrupts up to the restart budget.
func (r *Runtime) supervise(ctx context.Context, p *pair) {
	logger := r.logger.With().Str(log.FieldSessionID, p.sessionID).Logger()

	for restart := 0; ; restart++ {
		ctl, rec, err := r.prepare(ctx, p.sessionID)
		if err != nil {
			logger.Error().Err(err).Msg("pair preparation failed")
			return
		}

		crashed, interrupted := r.runUnits(ctx, p, ctl, rec)
		if ctx.Err() != nil {
			// Shutdown is suspension, not failure. Persist where we were.
			suspendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := ctl.Suspend(suspendCtx); err != nil {
				logger.Warn().Err(err).Msg("suspend persist failed")
			}
			cancel()
			return
		}
		if !crashed && !interrupted {
			logger.Info().Str(log.FieldNewState, string(ctl.State())).Msg("pair finished")
			return
		}

		reason := "crash"
		if interrupted {
			reason = "watchdog"
		}
		metrics.PairRestartsTotal.WithLabelValues(reason).Inc()
		if restart >= r.cfg.MaxRestarts {
			logger.Error().Int("restarts", restart).Msg("restart budget exhausted, giving up on pair")
			r.deps.Auditor.SessionFailed(p.sessionID, "restart budget exhausted after "+reason)
			return
		}

		r.deps.Auditor.Record(audit.Event{
			Type: audit.EventSessionRestart, Actor: p.sessionID,
			Action: "restarting pair after " + reason, Resource: "session", Result: "success",
			Details: map[string]string{"restart": fmt.Sprintf("%d", restart+1)},
		})
		logger.Warn().Str("reason", reason).Dur("cooldown", r.cfg.RestartCooldown).Msg("restarting pair")

		timer := time.NewTimer(r.cfg.RestartCooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// prepare loads the record and normalizes leftover non-terminal state back to
// IDLE so the units start from a known point.
func (r *Runtime) prepare(ctx context.Context, sessionID string) (*agent.Controller, *model.SessionRecord, error) {
	rec, _, err := store.Update(ctx, r.deps.Store, sessionID, func(rec *model.SessionRecord) error {
		if rec.State != model.StateBooked {
			rec.State = model.StateIdle
			rec.ClaimedSlotID = ""
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	ctl, err := agent.NewController(sessionID, rec.State, r.deps.Store, r.cfg.ResumeEnabled)
	if err != nil {
		return nil, nil, err
	}
	return ctl, rec, nil
}

// runUnits executes one monitor/booking generation. It reports whether a
// unit panicked and whether the watchdog interrupted the generation.
func (r *Runtime) runUnits(ctx context.Context, p *pair, ctl *agent.Controller, rec *model.SessionRecord) (crashed, interrupted bool) {
	unitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.cancelUnits = cancel
	p.lastBeat = time.Now()
	p.mu.Unlock()

	var (
		crashMu   sync.Mutex
		didCrash  bool
		wasInterr bool
	)

	mon := agent.NewMonitor(ctl, r.deps.Automation, r.deps.Bus, r.deps.Planner, rec, agent.MonitorConfig{
		PollInterval: r.cfg.PollInterval,
		Limiter:      r.limiter,
	})
	bok := agent.NewBooking(ctl, r.deps.Automation, r.deps.Codes, r.deps.Bus, r.deps.Planner, r.deps.Auditor, rec, agent.BookingConfig{
		CodeTimeout: r.cfg.CodeTimeout,
	})

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		defer wg.Done()
		defer func() {
			if pv := recover(); pv != nil {
				crashMu.Lock()
				didCrash = true
				crashMu.Unlock()
				r.logger.Error().
					Str(log.FieldSessionID, p.sessionID).
					Str(log.FieldComponent, name).
					Interface("panic", pv).
					Msg("unit crashed")
				r.publishCrashOutcome(ctx, ctl, fmt.Sprintf("%s unit panic: %v", name, pv))
				cancel()
			}
		}()
		if err := fn(unitCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).
				Str(log.FieldSessionID, p.sessionID).
				Str(log.FieldComponent, name).
				Msg("unit exited with error")
		}
	}

	wg.Add(2)
	go run("booking", bok.Run)
	// The monitor starts only after the booking inbox exists, otherwise an
	// early discovery could be published into the void.
	select {
	case <-bok.Ready():
	case <-unitCtx.Done():
	}
	go run("monitor", mon.Run)
	wg.Wait()

	p.mu.Lock()
	p.cancelUnits = nil
	p.mu.Unlock()

	if unitCtx.Err() != nil && ctx.Err() == nil {
		crashMu.Lock()
		if !didCrash {
			wasInterr = true
		}
		crashMu.Unlock()
	}
	crashMu.Lock()
	defer crashMu.Unlock()
	return didCrash, wasInterr
}

// publishCrashOutcome keeps the no-silent-death rule: a crashing unit still
// yields a failed state and exactly one outcome event for this generation.
func (r *Runtime) publishCrashOutcome(ctx context.Context, ctl *agent.Controller, detail string) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := ctl.Fire(pubCtx, agent.EventEscalate, func(rec *model.SessionRecord) {
		rec.LastError = detail
	}); err != nil {
		return // already terminal, the outcome was emitted elsewhere
	}
	result := model.BookingResult{
		Outcome:     model.OutcomeFatalFailure,
		AttemptedAt: time.Now().UTC(),
		Detail:      detail,
	}
	metrics.BookingOutcomesTotal.WithLabelValues(string(result.Outcome)).Inc()
	if err := r.deps.Bus.Publish(pubCtx, model.NewResultEvent(ctl.SessionID(), "", result)); err != nil {
		r.logger.Warn().Err(err).Msg("crash outcome publish failed")
	}
}

// adoptRecord creates the record for a fresh seed or returns the persisted
// one; persisted state always wins over the seed.
func (r *Runtime) adoptRecord(ctx context.Context, seed *model.SessionRecord) (*model.SessionRecord, error) {
	rec, _, err := r.deps.Store.Load(ctx, seed.SessionID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	fresh := seed.Clone()
	fresh.State = model.StateIdle
	fresh.CreatedAtUnix = time.Now().Unix()
	if _, err := r.deps.Store.Save(ctx, fresh, 0); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// Lost a create race; the stored record wins.
			rec, _, loadErr := r.deps.Store.Load(ctx, seed.SessionID)
			return rec, loadErr
		}
		return nil, err
	}
	return fresh, nil
}

// watchdog tracks heartbeats and interrupts pairs that stopped beating. The
// interrupted generation is restarted by its supervisor.
func (r *Runtime) watchdog(ctx context.Context) {
	defer r.wg.Done()

	sub, err := r.deps.Bus.Subscribe(ctx, model.TopicHeartbeat)
	if err != nil {
		r.logger.Error().Err(err).Msg("watchdog subscribe failed")
		return
	}
	defer func() { _ = sub.Close() }()

	interval := r.cfg.WatchdogTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			r.mu.Lock()
			if p, exists := r.pairs[ev.SessionID]; exists {
				p.beat(time.Now())
			}
			r.mu.Unlock()
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			stale := make([]*pair, 0)
			for _, p := range r.pairs {
				if p.staleSince(now, r.cfg.WatchdogTimeout) {
					stale = append(stale, p)
				}
			}
			r.mu.Unlock()
			for _, p := range stale {
				r.logger.Warn().Str(log.FieldSessionID, p.sessionID).Msg("heartbeat stale, interrupting pair")
				p.interrupt()
			}
		}
	}
}
