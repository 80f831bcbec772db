// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package backendtest provides scripted in-memory fakes for the automation
// interfaces. Tests enqueue poll batches and claim outcomes up front and then
// assert on the calls the runtime made.
package backendtest

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/agentbot/internal/backend"
	"github.com/ManuGH/agentbot/internal/model"
)

// PollStep is one scripted answer to PollAvailability.
type PollStep struct {
	Slots []model.AppointmentSlot
	Err   error
}

// ClaimStep is one scripted answer to Claim.
type ClaimStep struct {
	Claim backend.Claim
	Err   error
}

// ConfirmStep is one scripted answer to Confirm.
type ConfirmStep struct {
	Result model.BookingResult
	Err    error
}

// FakeAutomation hands out one FakeSession per EstablishSession call, in
// order. When the script runs out it keeps returning the last session so
// restart loops in tests do not need exact counts.
type FakeAutomation struct {
	mu         sync.Mutex
	sessions   []*FakeSession
	establishN int
	// EstablishErr, when set, fails every EstablishSession call.
	EstablishErr error
}

func NewFakeAutomation(sessions ...*FakeSession) *FakeAutomation {
	return &FakeAutomation{sessions: sessions}
}

func (a *FakeAutomation) EstablishSession(ctx context.Context, credentialsRef string) (backend.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.establishN++
	if a.EstablishErr != nil {
		return nil, a.EstablishErr
	}
	if len(a.sessions) == 0 {
		return NewFakeSession(), nil
	}
	idx := a.establishN - 1
	if idx >= len(a.sessions) {
		idx = len(a.sessions) - 1
	}
	return a.sessions[idx], nil
}

// EstablishCalls reports how many sessions were requested.
func (a *FakeAutomation) EstablishCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.establishN
}

// FakeSession replays scripted answers. Each script position is consumed
// once; an exhausted poll script returns empty polls, an exhausted claim or
// confirm script returns a success.
type FakeSession struct {
	mu       sync.Mutex
	polls    []PollStep
	claims   []ClaimStep
	confirms []ConfirmStep

	pollCalls    int
	claimedSlots []string
	confirmCalls int
	closed       bool
}

func NewFakeSession() *FakeSession { return &FakeSession{} }

// ScriptPolls appends poll answers in call order.
func (s *FakeSession) ScriptPolls(steps ...PollStep) *FakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls = append(s.polls, steps...)
	return s
}

// ScriptClaims appends claim answers in call order.
func (s *FakeSession) ScriptClaims(steps ...ClaimStep) *FakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims = append(s.claims, steps...)
	return s
}

// ScriptConfirms appends confirm answers in call order.
func (s *FakeSession) ScriptConfirms(steps ...ConfirmStep) *FakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirms = append(s.confirms, steps...)
	return s
}

func (s *FakeSession) PollAvailability(ctx context.Context, prefs []model.SlotPreference) ([]model.AppointmentSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollCalls++
	if len(s.polls) == 0 {
		return nil, nil
	}
	step := s.polls[0]
	s.polls = s.polls[1:]
	return step.Slots, step.Err
}

func (s *FakeSession) Claim(ctx context.Context, slotID string) (backend.Claim, error) {
	if err := ctx.Err(); err != nil {
		return backend.Claim{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimedSlots = append(s.claimedSlots, slotID)
	if len(s.claims) == 0 {
		return backend.Claim{SlotID: slotID, Ref: "claim-" + slotID}, nil
	}
	step := s.claims[0]
	s.claims = s.claims[1:]
	if step.Err != nil {
		return backend.Claim{}, step.Err
	}
	c := step.Claim
	if c.SlotID == "" {
		c.SlotID = slotID
	}
	return c, nil
}

func (s *FakeSession) Confirm(ctx context.Context, claim backend.Claim, code string) (model.BookingResult, error) {
	if err := ctx.Err(); err != nil {
		return model.BookingResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmCalls++
	if len(s.confirms) == 0 {
		return model.BookingResult{
			Outcome:      model.OutcomeSuccess,
			SlotID:       claim.SlotID,
			Confirmation: "conf-" + claim.SlotID,
			AttemptedAt:  time.Now(),
		}, nil
	}
	step := s.confirms[0]
	s.confirms = s.confirms[1:]
	if step.Err != nil {
		return model.BookingResult{}, step.Err
	}
	r := step.Result
	if r.SlotID == "" {
		r.SlotID = claim.SlotID
	}
	return r, nil
}

func (s *FakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// PollCalls reports the number of availability polls made so far.
func (s *FakeSession) PollCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCalls
}

// ClaimedSlots returns the slot ids claimed so far, in order.
func (s *FakeSession) ClaimedSlots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.claimedSlots))
	copy(out, s.claimedSlots)
	return out
}

// ConfirmCalls reports the number of confirm attempts.
func (s *FakeSession) ConfirmCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmCalls
}

// Closed reports whether Close was called.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FakeCodeSource returns a fixed code, or ErrCodeNotFound when empty.
type FakeCodeSource struct {
	mu    sync.Mutex
	Code  string
	calls int
}

func (c *FakeCodeSource) FetchCode(ctx context.Context, sessionID string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.Code == "" {
		return "", backend.ErrCodeNotFound
	}
	return c.Code, nil
}

// FetchCalls reports how many times a code was requested.
func (c *FakeCodeSource) FetchCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

var (
	_ backend.Automation = (*FakeAutomation)(nil)
	_ backend.Session    = (*FakeSession)(nil)
	_ backend.CodeSource = (*FakeCodeSource)(nil)
)
