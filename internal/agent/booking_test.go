// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ManuGH/agentbot/internal/audit"
	"github.com/ManuGH/agentbot/internal/backend"
	"github.com/ManuGH/agentbot/internal/backend/backendtest"
	"github.com/ManuGH/agentbot/internal/bus"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/ManuGH/agentbot/internal/planner"
	"github.com/ManuGH/agentbot/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 5 * time.Second
const tick = 5 * time.Millisecond

type fixture struct {
	st      *store.MemoryStore
	bus     *bus.MemoryBus
	ctl     *Controller
	booking *Booking
	results bus.Subscription
}

func fastPlanner(maxAttempts int) *planner.Planner {
	return planner.New(planner.Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		JitterFactor:   0,
		MaxAttempts:    maxAttempts,
	})
}

func newFixture(t *testing.T, sess *backendtest.FakeSession) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus(bus.Config{PublishTimeout: time.Second})
	t.Cleanup(func() { _ = b.Close() })

	rec := &model.SessionRecord{
		SessionID:      "s1",
		UserID:         "u1",
		CredentialsRef: "vault://creds/u1",
		State:          model.StateMonitoring,
		Preferences:    []model.SlotPreference{{Location: "downtown"}},
	}
	_, err := st.Save(context.Background(), rec, 0)
	require.NoError(t, err)

	ctl, err := NewController("s1", model.StateMonitoring, st, false)
	require.NoError(t, err)

	results, err := b.Subscribe(context.Background(), model.TopicBookingResult, bus.WithSessionFilter("s1"))
	require.NoError(t, err)

	booking := NewBooking(
		ctl,
		backendtest.NewFakeAutomation(sess),
		&backendtest.FakeCodeSource{Code: "123456"},
		b,
		fastPlanner(4),
		audit.NewLogger(),
		rec,
		BookingConfig{CodeTimeout: time.Second},
	)
	return &fixture{st: st, bus: b, ctl: ctl, booking: booking, results: results}
}

// start launches the booking unit and waits for its availability
// subscription, so events the test publishes afterwards cannot be lost.
func (f *fixture) start(t *testing.T, ctx context.Context) chan error {
	t.Helper()
	runDone := make(chan error, 1)
	go func() { runDone <- f.booking.Run(ctx) }()
	select {
	case <-f.booking.Ready():
	case <-time.After(waitFor):
		t.Fatal("booking unit did not subscribe")
	}
	return runDone
}

func (f *fixture) publishSlot(t *testing.T, slotID string) {
	t.Helper()
	slot := model.AppointmentSlot{
		SlotID:       slotID,
		Location:     "downtown",
		SlotTime:     time.Now().Add(48 * time.Hour),
		DiscoveredAt: time.Now().UTC(),
	}
	require.NoError(t, f.bus.Publish(context.Background(), model.NewAvailabilityEvent("s1", "", slot)))
}

func (f *fixture) collectResults(t *testing.T, window time.Duration) []model.BookingResult {
	t.Helper()
	var out []model.BookingResult
	deadline := time.After(window)
	for {
		select {
		case ev, ok := <-f.results.C():
			if !ok {
				return out
			}
			res, isResult := ev.Result()
			require.True(t, isResult)
			out = append(out, res)
		case <-deadline:
			return out
		}
	}
}

func (f *fixture) record(t *testing.T) *model.SessionRecord {
	t.Helper()
	rec, _, err := f.st.Load(context.Background(), "s1")
	require.NoError(t, err)
	return rec
}

// Scenario: one slot appears, the claim and confirmation succeed, the session
// ends BOOKED with exactly one success outcome.
func TestBookingHappyPath(t *testing.T) {
	sess := backendtest.NewFakeSession().
		ScriptClaims(backendtest.ClaimStep{Claim: backend.Claim{NeedsVerification: true}})
	f := newFixture(t, sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := f.start(t, ctx)

	f.publishSlot(t, "slot-X")

	select {
	case err := <-runDone:
		require.NoError(t, err, "run must end cleanly once booked")
	case <-time.After(waitFor):
		t.Fatal("booking unit did not finish")
	}

	require.Equal(t, model.StateBooked, f.ctl.State())
	rec := f.record(t)
	require.Equal(t, model.StateBooked, rec.State)
	require.Equal(t, "slot-X", rec.ClaimedSlotID)
	require.Equal(t, 0, rec.RetryCount)

	results := f.collectResults(t, 100*time.Millisecond)
	require.Len(t, results, 1, "exactly one outcome event")
	require.Equal(t, model.OutcomeSuccess, results[0].Outcome)
	require.Equal(t, "slot-X", results[0].SlotID)
	require.Equal(t, []string{"slot-X"}, sess.ClaimedSlots())
	require.Equal(t, 1, sess.ConfirmCalls())
}

// Scenario: duplicate availability for the same slot triggers only one
// claiming transition; the duplicate is discarded without side effects.
func TestBookingDuplicateSlotEventIsNoop(t *testing.T) {
	sess := backendtest.NewFakeSession()
	f := newFixture(t, sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := f.start(t, ctx)

	f.publishSlot(t, "slot-X")
	f.publishSlot(t, "slot-X")

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("booking unit did not finish")
	}

	require.Equal(t, []string{"slot-X"}, sess.ClaimedSlots(), "one claim for duplicate events")
	results := f.collectResults(t, 100*time.Millisecond)
	require.Len(t, results, 1)
	require.Equal(t, model.OutcomeSuccess, results[0].Outcome)
}

// Scenario: a lost race returns the session to MONITORING without touching
// the retry budget.
func TestBookingLostRace(t *testing.T) {
	sess := backendtest.NewFakeSession().
		ScriptClaims(backendtest.ClaimStep{Err: backend.LostRace("claim", "slot-X")})
	f := newFixture(t, sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := f.start(t, ctx)

	f.publishSlot(t, "slot-X")

	require.Eventually(t, func() bool {
		return f.ctl.State() == model.StateMonitoring && len(sess.ClaimedSlots()) == 1
	}, waitFor, tick)

	rec := f.record(t)
	require.Equal(t, model.StateMonitoring, rec.State)
	require.Equal(t, 0, rec.RetryCount, "lost race consumes no budget")

	results := f.collectResults(t, 100*time.Millisecond)
	require.Len(t, results, 1)
	require.Equal(t, model.OutcomeLostRace, results[0].Outcome)

	cancel()
	require.ErrorIs(t, <-runDone, context.Canceled)
}

// Scenario: five consecutive transient failures exceed the cap of four and
// the session terminates FAILED with a single failure outcome.
func TestBookingTransientFailuresExhaustBudget(t *testing.T) {
	transient := func() backendtest.ClaimStep {
		return backendtest.ClaimStep{Err: backend.Transient("claim", errors.New("gateway timeout"))}
	}
	sess := backendtest.NewFakeSession().
		ScriptClaims(transient(), transient(), transient(), transient(), transient())
	f := newFixture(t, sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := f.start(t, ctx)

	f.publishSlot(t, "slot-X")
	for i := 1; i <= 4; i++ {
		i := i
		require.Eventually(t, func() bool {
			return len(sess.ClaimedSlots()) == i && f.ctl.State() == model.StateMonitoring
		}, waitFor, tick, "attempt %d should back off into monitoring", i)
		f.publishSlot(t, "slot-X")
	}

	select {
	case err := <-runDone:
		require.NoError(t, err, "terminal failure ends the run cleanly")
	case <-time.After(waitFor):
		t.Fatal("booking unit did not reach FAILED")
	}

	require.Equal(t, model.StateFailed, f.ctl.State())
	rec := f.record(t)
	require.Equal(t, model.StateFailed, rec.State)
	require.Equal(t, 5, rec.RetryCount)
	require.NotEmpty(t, rec.LastError)

	results := f.collectResults(t, 100*time.Millisecond)
	require.Len(t, results, 1, "exactly one failure outcome for the termination")
	require.Equal(t, model.OutcomeTransientFailure, results[0].Outcome)
	require.Len(t, sess.ClaimedSlots(), 5)
}

// A fatal confirm error must skip the retry loop entirely.
func TestBookingFatalFailureBypassesRetry(t *testing.T) {
	sess := backendtest.NewFakeSession().
		ScriptConfirms(backendtest.ConfirmStep{Err: backend.Fatal("confirm", errors.New("account blocked"))})
	f := newFixture(t, sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := f.start(t, ctx)

	f.publishSlot(t, "slot-X")

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("booking unit did not reach FAILED")
	}

	require.Equal(t, model.StateFailed, f.ctl.State())
	results := f.collectResults(t, 100*time.Millisecond)
	require.Len(t, results, 1)
	require.Equal(t, model.OutcomeFatalFailure, results[0].Outcome)
	require.Equal(t, 1, len(sess.ClaimedSlots()), "no retry after fatal")
}

// Events arriving outside MONITORING are discarded, not queued.
func TestBookingDiscardsEventsOutsideMonitoring(t *testing.T) {
	sess := backendtest.NewFakeSession()
	f := newFixture(t, sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := f.start(t, ctx)

	f.publishSlot(t, "slot-X")
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("booking unit did not finish")
	}
	require.Equal(t, model.StateBooked, f.ctl.State())

	// The pair is terminal; a late event must not resurrect it. Publishing
	// still succeeds because the inbox exists until the bus closes.
	f.publishSlot(t, "slot-Y")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"slot-X"}, sess.ClaimedSlots())
}

// Ranking picks the best preference match when a burst of slots arrives.
// The handler is driven directly so the whole burst sits in the inbox when
// the drain runs.
func TestBookingPrefersRankedCandidate(t *testing.T) {
	sess := backendtest.NewFakeSession()
	f := newFixture(t, sess)
	ctx := context.Background()

	sub, err := f.bus.Subscribe(ctx, model.TopicAvailability, bus.WithSessionFilter("s1"))
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	// The airport slot matches no preference, the two downtown slots tie on
	// preference and resolve by discovery time.
	now := time.Now().UTC()
	older := model.AppointmentSlot{SlotID: "slot-old", Location: "downtown", SlotTime: now.Add(48 * time.Hour), DiscoveredAt: now.Add(-time.Minute)}
	newer := model.AppointmentSlot{SlotID: "slot-new", Location: "downtown", SlotTime: now.Add(48 * time.Hour), DiscoveredAt: now}
	off := model.AppointmentSlot{SlotID: "slot-off", Location: "airport", SlotTime: now.Add(48 * time.Hour), DiscoveredAt: now.Add(-time.Hour)}
	for _, s := range []model.AppointmentSlot{off, newer, older} {
		require.NoError(t, f.bus.Publish(ctx, model.NewAvailabilityEvent("s1", "", s)))
	}

	first := <-sub.C()
	escalated := f.booking.handleAvailability(ctx, first, sub)
	require.False(t, escalated)

	require.Equal(t, []string{"slot-old"}, sess.ClaimedSlots())
	require.Equal(t, model.StateBooked, f.ctl.State())
}

// Ready must close even when the unit cannot subscribe, so a supervisor
// waiting for the inbox never blocks on a dead unit.
func TestBookingReadySignalsOnFailedSubscribe(t *testing.T) {
	f := newFixture(t, backendtest.NewFakeSession())
	require.NoError(t, f.bus.Close())

	err := f.booking.Run(context.Background())
	require.ErrorIs(t, err, bus.ErrClosed)

	select {
	case <-f.booking.Ready():
	default:
		t.Fatal("ready channel must be closed after run exits")
	}
}

// Each drained slot keeps the correlation id of the event that carried it,
// so the attempt is attributed to the winning discovery rather than to
// whichever event happened to arrive first.
func TestDrainPendingTracksEventCorrelation(t *testing.T) {
	f := newFixture(t, backendtest.NewFakeSession())
	ctx := context.Background()

	sub, err := f.bus.Subscribe(ctx, model.TopicAvailability, bus.WithSessionFilter("s1"))
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	now := time.Now().UTC()
	newer := model.AppointmentSlot{SlotID: "slot-new", Location: "downtown", SlotTime: now.Add(48 * time.Hour), DiscoveredAt: now}
	older := model.AppointmentSlot{SlotID: "slot-old", Location: "downtown", SlotTime: now.Add(48 * time.Hour), DiscoveredAt: now.Add(-time.Minute)}
	require.NoError(t, f.bus.Publish(ctx, model.NewAvailabilityEvent("s1", "corr-new", newer)))
	require.NoError(t, f.bus.Publish(ctx, model.NewAvailabilityEvent("s1", "corr-old", older)))

	first := <-sub.C()
	pending, correlations := f.booking.drainPending(first, sub)
	require.Len(t, pending, 2)
	require.Equal(t, "corr-new", correlations["slot-new"])
	require.Equal(t, "corr-old", correlations["slot-old"], "the ranked winner carries its own correlation")
}

// The reentrancy token prevents a second concurrent attempt for one session.
func TestAttemptReentrancyGuard(t *testing.T) {
	sess := backendtest.NewFakeSession()
	f := newFixture(t, sess)

	f.booking.attemptMu.Lock()
	escalated := f.booking.attempt(context.Background(), model.AppointmentSlot{SlotID: "slot-X"}, "")
	f.booking.attemptMu.Unlock()

	require.False(t, escalated)
	require.Empty(t, sess.ClaimedSlots(), "guarded attempt must not reach the backend")
	require.Equal(t, model.StateMonitoring, f.ctl.State())
}

func TestControllerRejectsIllegalTransition(t *testing.T) {
	f := newFixture(t, backendtest.NewFakeSession())

	err := f.ctl.Fire(context.Background(), EventBookingConfirmed, nil)
	require.Error(t, err)
	require.Equal(t, model.StateMonitoring, f.ctl.State())
	rec := f.record(t)
	require.Equal(t, model.StateMonitoring, rec.State, "rejected transition is not persisted")
}

func TestControllerPersistsLockToken(t *testing.T) {
	f := newFixture(t, backendtest.NewFakeSession())
	ctx := context.Background()

	before := f.record(t).LockToken
	require.NoError(t, f.ctl.Fire(ctx, EventSlotSelected, nil))
	require.NoError(t, f.ctl.Fire(ctx, EventClaimAccepted, nil))

	rec := f.record(t)
	require.Equal(t, before+2, rec.LockToken, "token increases monotonically per transition")
	require.Equal(t, model.StateBooking, rec.State)
}

func TestSessionTransitionTableIsClosed(t *testing.T) {
	// Every edge must come from the documented graph; spot-check a few
	// forbidden ones through a fresh machine per case.
	forbidden := []struct {
		from  model.SessionState
		event FSMEvent
	}{
		{model.StateIdle, EventSlotSelected},
		{model.StateMonitoring, EventClaimAccepted},
		{model.StateBooked, EventRetry},
		{model.StateBooked, EventEscalate},
		{model.StateFailed, EventSlotSelected},
	}
	for _, tc := range forbidden {
		t.Run(fmt.Sprintf("%s_%s", tc.from, tc.event), func(t *testing.T) {
			st := store.NewMemoryStore()
			_, err := st.Save(context.Background(), &model.SessionRecord{SessionID: "s1", State: tc.from}, 0)
			require.NoError(t, err)
			ctl, err := NewController("s1", tc.from, st, false)
			require.NoError(t, err)
			require.Error(t, ctl.Fire(context.Background(), tc.event, nil))
			require.Equal(t, tc.from, ctl.State())
		})
	}
}
