// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package agent

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/agentbot/internal/audit"
	"github.com/ManuGH/agentbot/internal/backend"
	"github.com/ManuGH/agentbot/internal/bus"
	"github.com/ManuGH/agentbot/internal/log"
	"github.com/ManuGH/agentbot/internal/metrics"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/ManuGH/agentbot/internal/planner"
	"github.com/rs/zerolog"
)

// BookingConfig carries the per-booking-unit knobs.
type BookingConfig struct {
	// CodeTimeout bounds the wait for an out-of-band verification code.
	CodeTimeout time.Duration
}

// Booking consumes availability events for one session and drives the
// claim-and-confirm sequence. It owns its automation handle exclusively and
// never runs two attempts concurrently.
type Booking struct {
	ctl        *Controller
	automation backend.Automation
	codes      backend.CodeSource
	bus        bus.Bus
	plan       *planner.Planner
	auditor    audit.Sink
	cfg        BookingConfig

	credentialsRef string
	prefs          []model.SlotPreference
	logger         zerolog.Logger

	attemptMu  sync.Mutex // reentrancy token: at most one in-flight attempt
	retryCount int
	claimed    map[string]bool
	sess       backend.Session

	ready     chan struct{}
	readyOnce sync.Once
}

func NewBooking(ctl *Controller, automation backend.Automation, codes backend.CodeSource, b bus.Bus, plan *planner.Planner, auditor audit.Sink, rec *model.SessionRecord, cfg BookingConfig) *Booking {
	if cfg.CodeTimeout <= 0 {
		cfg.CodeTimeout = 90 * time.Second
	}
	return &Booking{
		ctl:            ctl,
		automation:     automation,
		codes:          codes,
		bus:            b,
		plan:           plan,
		auditor:        auditor,
		cfg:            cfg,
		credentialsRef: rec.CredentialsRef,
		prefs:          append([]model.SlotPreference(nil), rec.Preferences...),
		retryCount:     rec.RetryCount,
		claimed:        make(map[string]bool),
		ready:          make(chan struct{}),
		logger:         log.WithComponent("booking").With().Str(log.FieldSessionID, ctl.SessionID()).Logger(),
	}
}

// Ready is closed once the availability subscription is in place. Events
// published before that point never reach this unit. The channel also closes
// when Run exits early, so waiters never block on a dead unit.
func (b *Booking) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to this session's availability stream and processes it until
// the session reaches an absorbing state or the context is cancelled.
func (b *Booking) Run(ctx context.Context) error {
	defer b.readyOnce.Do(func() { close(b.ready) })

	sub, err := b.bus.Subscribe(ctx, model.TopicAvailability, bus.WithSessionFilter(b.ctl.SessionID()))
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()
	defer b.closeSession(ctx)
	b.readyOnce.Do(func() { close(b.ready) })

	var resumeCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctl.Done():
			return nil
		case <-resumeCh:
			resumeCh = nil
			b.resume(ctx)
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			escalated := b.handleAvailability(ctx, ev, sub)
			if escalated {
				if cooldown, ok := b.plan.ResumeAfter(); ok {
					b.logger.Info().Dur("cooldown", cooldown).Msg("scheduling resume after failure")
					resumeCh = time.After(cooldown)
				}
			}
		}
	}
}

// handleAvailability drains the burst of pending availability events, ranks
// the qualifying candidates once and attempts the winner. It reports whether
// the session escalated to failed.
func (b *Booking) handleAvailability(ctx context.Context, first model.Event, sub bus.Subscription) bool {
	pending, correlations := b.drainPending(first, sub)

	if state := b.ctl.State(); state != model.StateMonitoring {
		b.logger.Debug().
			Str(log.FieldOldState, string(state)).
			Int("discarded", len(pending)).
			Msg("availability ignored outside monitoring")
		return false
	}

	candidates := b.plan.RankCandidates(b.prefs, pending)
	if len(candidates) == 0 {
		return false
	}
	winner := candidates[0]
	return b.attempt(ctx, winner, correlations[winner.SlotID])
}

// drainPending collects the currently queued availability events without
// blocking, dropping duplicates and slots this session already claimed. The
// second return value maps each slot to the correlation id of the event that
// carried it, so a later attempt logs against the right discovery.
func (b *Booking) drainPending(first model.Event, sub bus.Subscription) ([]model.AppointmentSlot, map[string]string) {
	seen := make(map[string]bool)
	correlations := make(map[string]string)
	var pending []model.AppointmentSlot

	add := func(ev model.Event) {
		slot, ok := ev.Slot()
		if !ok {
			return
		}
		if seen[slot.SlotID] || b.claimed[slot.SlotID] {
			return
		}
		seen[slot.SlotID] = true
		correlations[slot.SlotID] = ev.CorrelationID
		pending = append(pending, slot)
	}

	add(first)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return pending, correlations
			}
			add(ev)
		default:
			return pending, correlations
		}
	}
}

// attempt runs one claim-and-confirm sequence for the chosen slot. It returns
// true when the session escalated to failed.
func (b *Booking) attempt(ctx context.Context, slot model.AppointmentSlot, correlationID string) bool {
	if !b.attemptMu.TryLock() {
		b.logger.Warn().Str(log.FieldSlotID, slot.SlotID).Msg("attempt already in flight, discarding")
		return false
	}
	defer b.attemptMu.Unlock()

	if err := b.ctl.Fire(ctx, EventSlotSelected, func(rec *model.SessionRecord) {
		rec.ClaimedSlotID = slot.SlotID
	}); err != nil {
		return false
	}
	b.claimed[slot.SlotID] = true

	logger := b.logger.With().
		Str(log.FieldSlotID, slot.SlotID).
		Str(log.FieldCorrelationID, correlationID).Logger()

	sess, err := b.session(ctx)
	if err != nil {
		return b.failure(ctx, logger, slot.SlotID, err)
	}

	b.auditor.ClaimAttempt(b.ctl.SessionID(), slot.SlotID, b.retryCount+1)
	claim, err := sess.Claim(ctx, slot.SlotID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if backend.KindOf(err) == backend.KindLostRace {
			b.lostRace(ctx, logger, slot.SlotID)
			return false
		}
		return b.failure(ctx, logger, slot.SlotID, err)
	}

	if err := b.ctl.Fire(ctx, EventClaimAccepted, nil); err != nil {
		return false
	}

	code := ""
	if claim.NeedsVerification {
		code, err = b.codes.FetchCode(ctx, b.ctl.SessionID(), b.cfg.CodeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			return b.failure(ctx, logger, slot.SlotID, err)
		}
	}

	result, err := sess.Confirm(ctx, claim, code)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if backend.KindOf(err) == backend.KindLostRace {
			b.lostRace(ctx, logger, slot.SlotID)
			return false
		}
		return b.failure(ctx, logger, slot.SlotID, err)
	}

	switch result.Outcome {
	case model.OutcomeSuccess:
		b.booked(ctx, logger, result)
		return false
	case model.OutcomeLostRace:
		b.lostRace(ctx, logger, slot.SlotID)
		return false
	case model.OutcomeFatalFailure:
		return b.failure(ctx, logger, slot.SlotID, backend.Fatal("confirm", detailErr(result.Detail)))
	default:
		return b.failure(ctx, logger, slot.SlotID, backend.Transient("confirm", detailErr(result.Detail)))
	}
}

func (b *Booking) booked(ctx context.Context, logger zerolog.Logger, result model.BookingResult) {
	if err := b.ctl.Fire(ctx, EventBookingConfirmed, func(rec *model.SessionRecord) {
		rec.ClaimedSlotID = result.SlotID
		rec.LastError = ""
	}); err != nil {
		return
	}
	if result.AttemptedAt.IsZero() {
		result.AttemptedAt = time.Now().UTC()
	}
	b.publishOutcome(ctx, result)
	b.auditor.BookingOutcome(b.ctl.SessionID(), result.SlotID, string(result.Outcome), result.Detail)
	logger.Info().Str("confirmation", result.Confirmation).Msg("booking confirmed")
}

// lostRace is benign: back to monitoring, retry budget untouched.
func (b *Booking) lostRace(ctx context.Context, logger zerolog.Logger, slotID string) {
	if err := b.ctl.Fire(ctx, EventLostRace, func(rec *model.SessionRecord) {
		rec.ClaimedSlotID = ""
	}); err != nil {
		return
	}
	result := model.BookingResult{
		Outcome:     model.OutcomeLostRace,
		SlotID:      slotID,
		AttemptedAt: time.Now().UTC(),
	}
	b.publishOutcome(ctx, result)
	b.auditor.BookingOutcome(b.ctl.SessionID(), slotID, string(result.Outcome), "")
	logger.Info().Msg("lost race, re-entering monitoring")
}

// failure consults the planner and either backs off into monitoring or
// escalates the session to failed. It reports whether it escalated.
func (b *Booking) failure(ctx context.Context, logger zerolog.Logger, slotID string, cause error) bool {
	kind := backend.KindOf(cause)
	b.retryCount++
	attempt := b.retryCount
	decision := b.plan.ShouldRetry(kind, attempt)

	if decision.Escalate {
		outcome := model.OutcomeTransientFailure
		if kind == backend.KindFatal {
			outcome = model.OutcomeFatalFailure
		}
		detail := cause.Error()
		if err := b.ctl.Fire(ctx, EventEscalate, func(rec *model.SessionRecord) {
			rec.RetryCount = attempt
			rec.LastError = detail
		}); err != nil {
			return false
		}
		result := model.BookingResult{
			Outcome:     outcome,
			SlotID:      slotID,
			AttemptedAt: time.Now().UTC(),
			Detail:      detail,
		}
		b.publishOutcome(ctx, result)
		b.auditor.BookingOutcome(b.ctl.SessionID(), slotID, string(outcome), detail)
		b.auditor.SessionFailed(b.ctl.SessionID(), detail)
		logger.Error().Err(cause).Int(log.FieldAttempt, attempt).Msg("retry budget exhausted, session failed")
		return true
	}

	logger.Warn().Err(cause).
		Str("kind", string(kind)).
		Int(log.FieldAttempt, attempt).
		Dur("retry_after", decision.RetryAfter).
		Msg("attempt failed, backing off")

	if decision.RetryAfter > 0 {
		timer := time.NewTimer(decision.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}

	if err := b.ctl.Fire(ctx, EventRetry, func(rec *model.SessionRecord) {
		rec.RetryCount = attempt
		rec.LastError = cause.Error()
		rec.ClaimedSlotID = ""
	}); err != nil {
		return false
	}
	// The slot stays bookable: a re-advertisement after a transient failure
	// is a fresh opportunity, not a duplicate.
	delete(b.claimed, slotID)
	return false
}

// resume re-enters monitoring after the failure cooldown with a fresh budget.
func (b *Booking) resume(ctx context.Context) {
	if err := b.ctl.Fire(ctx, EventResume, func(rec *model.SessionRecord) {
		rec.RetryCount = 0
		rec.LastError = ""
		rec.ClaimedSlotID = ""
	}); err != nil {
		return
	}
	b.retryCount = 0
	b.claimed = make(map[string]bool)
	b.logger.Info().Msg("session resumed after cooldown")
}

func (b *Booking) publishOutcome(ctx context.Context, result model.BookingResult) {
	metrics.BookingOutcomesTotal.WithLabelValues(string(result.Outcome)).Inc()
	if err := b.bus.Publish(ctx, model.NewResultEvent(b.ctl.SessionID(), "", result)); err != nil {
		b.logger.Warn().Err(err).Str(log.FieldOutcome, string(result.Outcome)).Msg("outcome publish failed")
	}
}

// session lazily establishes the booking unit's own automation handle.
func (b *Booking) session(ctx context.Context) (backend.Session, error) {
	if b.sess != nil {
		return b.sess, nil
	}
	sess, err := b.automation.EstablishSession(ctx, b.credentialsRef)
	if err != nil {
		return nil, err
	}
	b.sess = sess
	return sess, nil
}

func (b *Booking) closeSession(ctx context.Context) {
	if b.sess == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeGrace)
	defer cancel()
	if err := b.sess.Close(closeCtx); err != nil {
		b.logger.Warn().Err(err).Msg("automation handle close failed")
	}
	b.sess = nil
}

// detailErr wraps a backend-provided detail string as an error value.
type detailError string

func (d detailError) Error() string { return string(d) }

func detailErr(detail string) error {
	if detail == "" {
		return detailError("no detail provided")
	}
	return detailError(detail)
}
