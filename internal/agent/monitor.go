// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package agent

import (
	"context"
	"time"

	"github.com/ManuGH/agentbot/internal/backend"
	"github.com/ManuGH/agentbot/internal/bus"
	"github.com/ManuGH/agentbot/internal/log"
	"github.com/ManuGH/agentbot/internal/metrics"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/ManuGH/agentbot/internal/planner"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const closeGrace = 5 * time.Second

// MonitorConfig carries the per-monitor knobs.
type MonitorConfig struct {
	PollInterval time.Duration
	// Limiter paces polls globally across all monitors so a burst of
	// sessions does not hammer the target site. Nil disables pacing.
	Limiter *rate.Limiter
}

// Monitor polls availability for one session and publishes what it finds.
// It owns its automation handle exclusively.
type Monitor struct {
	ctl        *Controller
	automation backend.Automation
	bus        bus.Bus
	plan       *planner.Planner
	cfg        MonitorConfig

	credentialsRef string
	prefs          []model.SlotPreference
	logger         zerolog.Logger
	liveSession    backend.Session
}

func NewMonitor(ctl *Controller, automation backend.Automation, b bus.Bus, plan *planner.Planner, rec *model.SessionRecord, cfg MonitorConfig) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Monitor{
		ctl:            ctl,
		automation:     automation,
		bus:            b,
		plan:           plan,
		cfg:            cfg,
		credentialsRef: rec.CredentialsRef,
		prefs:          append([]model.SlotPreference(nil), rec.Preferences...),
		logger:         log.WithComponent("monitor").With().Str(log.FieldSessionID, ctl.SessionID()).Logger(),
	}
}

// Run establishes the automation session and polls until the session reaches
// an absorbing state or the context is cancelled. The handle is released on
// every exit path.
func (m *Monitor) Run(ctx context.Context) error {
	sess, err := m.establish(ctx)
	if err != nil {
		return err
	}
	if sess == nil { // escalated to failed during establishment
		return nil
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeGrace)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			m.logger.Warn().Err(err).Msg("automation handle close failed")
		}
	}()

	if m.ctl.State() == model.StateIdle {
		if err := m.ctl.Fire(ctx, EventSessionReady, nil); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var cycle uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctl.Done():
			m.logger.Debug().Msg("session terminal, monitor stopping")
			return nil
		case <-ticker.C:
		}

		if m.cfg.Limiter != nil {
			if err := m.cfg.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		state := m.ctl.State()
		if state == model.StateMonitoring {
			if stop := m.pollOnce(ctx); stop {
				return nil
			}
		}

		cycle++
		m.heartbeat(ctx, cycle)
	}
}

// pollOnce runs a single availability poll. It returns true when the monitor
// must stop because the session failed fatally.
func (m *Monitor) pollOnce(ctx context.Context) bool {
	sess := m.liveSession
	slots, err := sess.PollAvailability(ctx, m.prefs)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		kind := backend.KindOf(err)
		metrics.PollCyclesTotal.WithLabelValues("error").Inc()
		if kind == backend.KindFatal {
			m.logger.Error().Err(err).Msg("fatal poll failure")
			m.escalate(ctx, err)
			return true
		}
		m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("poll failed, will retry next cycle")
		return false
	}

	if len(slots) == 0 {
		metrics.PollCyclesTotal.WithLabelValues("empty").Inc()
		return false
	}
	metrics.PollCyclesTotal.WithLabelValues("found").Inc()

	for _, slot := range slots {
		if slot.DiscoveredAt.IsZero() {
			slot.DiscoveredAt = time.Now().UTC()
		}
		ev := model.NewAvailabilityEvent(m.ctl.SessionID(), "", slot)
		if err := m.bus.Publish(ctx, ev); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldSlotID, slot.SlotID).Msg("availability publish failed")
		}
	}
	return false
}

func (m *Monitor) heartbeat(ctx context.Context, cycle uint64) {
	hb := model.Heartbeat{State: m.ctl.State(), Cycle: cycle}
	if err := m.bus.Publish(ctx, model.NewHeartbeatEvent(m.ctl.SessionID(), hb)); err != nil {
		m.logger.Debug().Err(err).Msg("heartbeat publish failed")
		return
	}
	metrics.HeartbeatsTotal.Inc()
}

// establish logs in with backoff on transient failures. Invalid credentials
// escalate straight to failed with a fatal outcome; in that case it returns
// (nil, nil) and the monitor is finished.
func (m *Monitor) establish(ctx context.Context) (backend.Session, error) {
	attempt := 0
	for {
		sess, err := m.automation.EstablishSession(ctx, m.credentialsRef)
		if err == nil {
			m.liveSession = sess
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if backend.KindOf(err) == backend.KindFatal {
			m.logger.Error().Err(err).Msg("session establishment failed fatally")
			m.escalate(ctx, err)
			return nil, nil
		}

		attempt++
		delay := m.plan.Delay(attempt)
		m.logger.Warn().Err(err).
			Int(log.FieldAttempt, attempt).
			Dur("retry_after", delay).
			Msg("session establishment failed, backing off")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// escalate drives the session to FAILED and emits the single fatal outcome
// event every terminated session owes its observers.
func (m *Monitor) escalate(ctx context.Context, cause error) {
	detail := cause.Error()
	if err := m.ctl.Fire(ctx, EventEscalate, func(rec *model.SessionRecord) {
		rec.LastError = detail
	}); err != nil {
		return
	}
	result := model.BookingResult{
		Outcome:     model.OutcomeFatalFailure,
		AttemptedAt: time.Now().UTC(),
		Detail:      detail,
	}
	metrics.BookingOutcomesTotal.WithLabelValues(string(result.Outcome)).Inc()
	if err := m.bus.Publish(ctx, model.NewResultEvent(m.ctl.SessionID(), "", result)); err != nil {
		m.logger.Warn().Err(err).Msg("outcome publish failed")
	}
}
