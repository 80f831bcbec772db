// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package agent implements the per-session monitor and booking units and the
// guarded state machine that coordinates their handoff.
package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/ManuGH/agentbot/internal/fsm"
	"github.com/ManuGH/agentbot/internal/log"
	"github.com/ManuGH/agentbot/internal/metrics"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/ManuGH/agentbot/internal/store"
	"github.com/rs/zerolog"
)

// FSMEvent names one edge trigger of the session state machine.
type FSMEvent string

const (
	// EventSessionReady fires once login with the automation backend succeeds.
	EventSessionReady FSMEvent = "session_ready"
	// EventSlotSelected fires when the booking unit picks a candidate slot.
	EventSlotSelected FSMEvent = "slot_selected"
	// EventClaimAccepted fires when the claim step is underway.
	EventClaimAccepted FSMEvent = "claim_accepted"
	// EventBookingConfirmed fires on external confirmation of the reservation.
	EventBookingConfirmed FSMEvent = "booking_confirmed"
	// EventLostRace fires when another actor secured the slot first.
	EventLostRace FSMEvent = "lost_race"
	// EventRetry fires when the planner schedules another monitoring round.
	EventRetry FSMEvent = "retry"
	// EventEscalate fires when the planner gives up on the session.
	EventEscalate FSMEvent = "escalate"
	// EventResume fires when a failed session re-enters monitoring after the
	// configured cooldown.
	EventResume FSMEvent = "resume"
)

func sessionTransitions() []fsm.Transition[model.SessionState, FSMEvent] {
	return []fsm.Transition[model.SessionState, FSMEvent]{
		{From: model.StateIdle, Event: EventSessionReady, To: model.StateMonitoring},
		{From: model.StateMonitoring, Event: EventSlotSelected, To: model.StateClaiming},
		{From: model.StateClaiming, Event: EventClaimAccepted, To: model.StateBooking},
		{From: model.StateBooking, Event: EventBookingConfirmed, To: model.StateBooked},
		{From: model.StateClaiming, Event: EventLostRace, To: model.StateMonitoring},
		{From: model.StateBooking, Event: EventLostRace, To: model.StateMonitoring},
		{From: model.StateClaiming, Event: EventRetry, To: model.StateMonitoring},
		{From: model.StateBooking, Event: EventRetry, To: model.StateMonitoring},
		{From: model.StateIdle, Event: EventEscalate, To: model.StateFailed},
		{From: model.StateMonitoring, Event: EventEscalate, To: model.StateFailed},
		{From: model.StateClaiming, Event: EventEscalate, To: model.StateFailed},
		{From: model.StateBooking, Event: EventEscalate, To: model.StateFailed},
		{From: model.StateFailed, Event: EventResume, To: model.StateMonitoring},
	}
}

// Controller binds one session's state machine to its persisted record. Both
// units of a pair share a single controller; every accepted transition is
// written through the versioned store before it becomes visible.
type Controller struct {
	sessionID string
	store     store.Store
	machine   *fsm.Machine[model.SessionState, FSMEvent]
	logger    zerolog.Logger

	mu         sync.Mutex
	doneOnce   sync.Once
	done       chan struct{}
	resumeable bool // failed sessions may re-enter monitoring
}

// NewController loads the machine at the record's persisted state. Non
// terminal states left over from a previous process are suspended work, not
// failures, so they are normalized back to IDLE by the runtime before this
// point.
func NewController(sessionID string, initial model.SessionState, st store.Store, resumeable bool) (*Controller, error) {
	m, err := fsm.New(initial, sessionTransitions())
	if err != nil {
		return nil, err
	}
	return &Controller{
		sessionID:  sessionID,
		store:      st,
		machine:    m,
		logger:     log.WithComponent("session").With().Str(log.FieldSessionID, sessionID).Logger(),
		done:       make(chan struct{}),
		resumeable: resumeable,
	}, nil
}

func (c *Controller) SessionID() string { return c.sessionID }

// State returns the current in-process FSM state.
func (c *Controller) State() model.SessionState {
	return c.machine.State()
}

// Done is closed once the session reaches an absorbing state and the units
// should wind down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Fire applies one FSM event and persists the resulting state. mutate, when
// non-nil, adjusts the record inside the same store update. Illegal events
// are rejected, counted and logged; the state does not change.
func (c *Controller) Fire(ctx context.Context, event FSMEvent, mutate func(*model.SessionRecord)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.machine.State()
	to, err := c.machine.Fire(ctx, event)
	if err != nil {
		if errors.Is(err, fsm.ErrInvalidTransition) {
			metrics.FSMRejectedTotal.WithLabelValues(string(from), string(event)).Inc()
			c.logger.Warn().
				Str(log.FieldOldState, string(from)).
				Str(log.FieldEvent, string(event)).
				Msg("illegal transition rejected")
		}
		return err
	}
	metrics.RecordTransition(string(from), string(to))

	_, _, err = store.Update(ctx, c.store, c.sessionID, func(rec *model.SessionRecord) error {
		rec.State = to
		rec.LockToken++
		if mutate != nil {
			mutate(rec)
		}
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).
			Str(log.FieldNewState, string(to)).
			Msg("failed to persist transition")
	}

	c.logger.Info().
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Str(log.FieldEvent, string(event)).
		Msg("state transition")

	if to == model.StateBooked || (to == model.StateFailed && !c.resumeable) {
		c.doneOnce.Do(func() { close(c.done) })
	}
	return err
}

// Suspend persists the current state for a clean shutdown. Shutdown is not a
// failure; the session resumes as MONITORING on the next start.
func (c *Controller) Suspend(ctx context.Context) error {
	state := c.machine.State()
	_, _, err := store.Update(ctx, c.store, c.sessionID, func(rec *model.SessionRecord) error {
		rec.State = state
		return nil
	})
	return err
}
