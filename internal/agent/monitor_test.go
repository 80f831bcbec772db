// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/agentbot/internal/backend"
	"github.com/ManuGH/agentbot/internal/backend/backendtest"
	"github.com/ManuGH/agentbot/internal/bus"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/ManuGH/agentbot/internal/store"
	"github.com/stretchr/testify/require"
)

type monitorFixture struct {
	st   *store.MemoryStore
	bus  *bus.MemoryBus
	ctl  *Controller
	mon  *Monitor
	auto *backendtest.FakeAutomation
}

func newMonitorFixture(t *testing.T, auto *backendtest.FakeAutomation, initial model.SessionState) *monitorFixture {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus(bus.Config{PublishTimeout: time.Second})
	t.Cleanup(func() { _ = b.Close() })

	rec := &model.SessionRecord{
		SessionID:      "s1",
		CredentialsRef: "vault://creds/u1",
		State:          initial,
		Preferences:    []model.SlotPreference{{Location: "downtown"}},
	}
	_, err := st.Save(context.Background(), rec, 0)
	require.NoError(t, err)

	ctl, err := NewController("s1", initial, st, false)
	require.NoError(t, err)

	mon := NewMonitor(ctl, auto, b, fastPlanner(4), rec, MonitorConfig{PollInterval: 5 * time.Millisecond})
	return &monitorFixture{st: st, bus: b, ctl: ctl, mon: mon, auto: auto}
}

func TestMonitorPublishesDiscoveredSlots(t *testing.T) {
	slot := model.AppointmentSlot{SlotID: "slot-1", Location: "downtown", SlotTime: time.Now().Add(24 * time.Hour)}
	sess := backendtest.NewFakeSession().ScriptPolls(backendtest.PollStep{Slots: []model.AppointmentSlot{slot}})
	f := newMonitorFixture(t, backendtest.NewFakeAutomation(sess), model.StateIdle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	avail, err := f.bus.Subscribe(ctx, model.TopicAvailability, bus.WithSessionFilter("s1"))
	require.NoError(t, err)
	beats, err := f.bus.Subscribe(ctx, model.TopicHeartbeat, bus.WithSessionFilter("s1"))
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- f.mon.Run(ctx) }()

	select {
	case ev := <-avail.C():
		got, ok := ev.Slot()
		require.True(t, ok)
		require.Equal(t, "slot-1", got.SlotID)
		require.False(t, got.DiscoveredAt.IsZero(), "discovery time is stamped")
	case <-time.After(waitFor):
		t.Fatal("no availability event published")
	}

	select {
	case ev := <-beats.C():
		hb, ok := ev.Beat()
		require.True(t, ok)
		require.Equal(t, model.StateMonitoring, hb.State)
	case <-time.After(waitFor):
		t.Fatal("no heartbeat published")
	}

	require.Equal(t, model.StateMonitoring, f.ctl.State(), "idle session logged in and started monitoring")

	cancel()
	require.ErrorIs(t, <-runDone, context.Canceled)
	require.True(t, sess.Closed(), "handle released on exit")
}

func TestMonitorFatalEstablishEscalates(t *testing.T) {
	auto := backendtest.NewFakeAutomation()
	auto.EstablishErr = backend.Fatal("establish", errors.New("invalid credentials"))
	f := newMonitorFixture(t, auto, model.StateIdle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results, err := f.bus.Subscribe(ctx, model.TopicBookingResult, bus.WithSessionFilter("s1"))
	require.NoError(t, err)

	require.NoError(t, f.mon.Run(ctx), "fatal establishment ends the run cleanly")
	require.Equal(t, model.StateFailed, f.ctl.State())

	rec, _, err := f.st.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, rec.State)
	require.Contains(t, rec.LastError, "invalid credentials")

	select {
	case ev := <-results.C():
		res, ok := ev.Result()
		require.True(t, ok)
		require.Equal(t, model.OutcomeFatalFailure, res.Outcome)
	case <-time.After(waitFor):
		t.Fatal("no outcome event published")
	}
	require.Equal(t, 1, auto.EstablishCalls(), "no retry on fatal")
}

func TestMonitorRetriesTransientEstablish(t *testing.T) {
	sess := backendtest.NewFakeSession()
	auto := &flakyAutomation{inner: backendtest.NewFakeAutomation(sess), failures: 2}
	f := newMonitorFixture(t, backendtest.NewFakeAutomation(sess), model.StateIdle)
	f.mon = NewMonitor(f.ctl, auto, f.bus, fastPlanner(4), &model.SessionRecord{CredentialsRef: "vault://creds/u1"}, MonitorConfig{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- f.mon.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.ctl.State() == model.StateMonitoring
	}, waitFor, tick)
	require.Equal(t, 3, auto.calls(), "two transient failures then success")

	cancel()
	require.ErrorIs(t, <-runDone, context.Canceled)
}

func TestMonitorStopsOnTerminalSession(t *testing.T) {
	sess := backendtest.NewFakeSession()
	f := newMonitorFixture(t, backendtest.NewFakeAutomation(sess), model.StateMonitoring)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- f.mon.Run(ctx) }()

	// Walk the session to BOOKED from outside; the monitor must notice and
	// wind down on its own.
	require.NoError(t, f.ctl.Fire(ctx, EventSlotSelected, nil))
	require.NoError(t, f.ctl.Fire(ctx, EventClaimAccepted, nil))
	require.NoError(t, f.ctl.Fire(ctx, EventBookingConfirmed, nil))

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("monitor did not stop after terminal state")
	}
	require.True(t, sess.Closed())
}

func TestMonitorFatalPollEscalates(t *testing.T) {
	sess := backendtest.NewFakeSession().ScriptPolls(backendtest.PollStep{Err: backend.Fatal("poll", errors.New("session revoked"))})
	f := newMonitorFixture(t, backendtest.NewFakeAutomation(sess), model.StateMonitoring)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- f.mon.Run(ctx) }()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("monitor did not stop after fatal poll")
	}
	require.Equal(t, model.StateFailed, f.ctl.State())
	require.True(t, sess.Closed())
}

func TestMonitorSurvivesTransientPollErrors(t *testing.T) {
	sess := backendtest.NewFakeSession().ScriptPolls(
		backendtest.PollStep{Err: backend.Transient("poll", errors.New("502"))},
		backendtest.PollStep{Err: backend.Transient("poll", errors.New("503"))},
	)
	f := newMonitorFixture(t, backendtest.NewFakeAutomation(sess), model.StateMonitoring)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- f.mon.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sess.PollCalls() >= 3
	}, waitFor, tick, "polling continues past transient errors")
	require.Equal(t, model.StateMonitoring, f.ctl.State())

	cancel()
	require.ErrorIs(t, <-runDone, context.Canceled)
}

// flakyAutomation fails establishment with a transient error a fixed number
// of times before delegating to the wrapped fake.
type flakyAutomation struct {
	inner    *backendtest.FakeAutomation
	mu       sync.Mutex
	failures int
	n        int
}

func (a *flakyAutomation) EstablishSession(ctx context.Context, credentialsRef string) (backend.Session, error) {
	a.mu.Lock()
	a.n++
	fail := a.n <= a.failures
	a.mu.Unlock()
	if fail {
		return nil, backend.Transient("establish", errors.New("login gateway busy"))
	}
	return a.inner.EstablishSession(ctx, credentialsRef)
}

func (a *flakyAutomation) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
