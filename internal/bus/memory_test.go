// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ManuGH/agentbot/internal/metrics"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func availEvent(sessionID, slotID string) model.Event {
	return model.NewAvailabilityEvent(sessionID, "", model.AppointmentSlot{
		SlotID:       slotID,
		DiscoveredAt: time.Now().UTC(),
	})
}

func TestMemoryBusOrderPreserved(t *testing.T) {
	b := NewMemoryBus(Config{})
	defer func() { require.NoError(t, b.Close()) }()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, model.TopicAvailability)
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(ctx, availEvent("s1", fmt.Sprintf("slot-%03d", i))))
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-sub.C():
			slot, ok := ev.Slot()
			require.True(t, ok)
			require.Equal(t, fmt.Sprintf("slot-%03d", i), slot.SlotID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestMemoryBusSessionFilter(t *testing.T) {
	b := NewMemoryBus(Config{})
	defer func() { require.NoError(t, b.Close()) }()
	ctx := context.Background()

	s1, err := b.Subscribe(ctx, model.TopicAvailability, WithSessionFilter("s1"))
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, model.TopicAvailability, WithSessionFilter("s2"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, availEvent("s1", "a")))
	require.NoError(t, b.Publish(ctx, availEvent("s2", "b")))

	ev := <-s1.C()
	require.Equal(t, "s1", ev.SessionID)
	ev = <-s2.C()
	require.Equal(t, "s2", ev.SessionID)

	select {
	case ev := <-s1.C():
		t.Fatalf("unexpected extra event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusOverflowDropNewest(t *testing.T) {
	b := NewMemoryBus(Config{Capacity: 2, Overflow: OverflowDropNewest})
	defer func() { require.NoError(t, b.Close()) }()
	ctx := context.Background()

	_, err := b.Subscribe(ctx, model.TopicAvailability)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.BusDroppedTotal.WithLabelValues(string(model.TopicAvailability), "full"))
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, availEvent("s1", fmt.Sprintf("slot-%d", i))))
	}
	after := testutil.ToFloat64(metrics.BusDroppedTotal.WithLabelValues(string(model.TopicAvailability), "full"))
	require.Equal(t, float64(3), after-before)
}

func TestMemoryBusOverflowBlockTimesOut(t *testing.T) {
	b := NewMemoryBus(Config{Capacity: 1, PublishTimeout: 30 * time.Millisecond})
	defer func() { require.NoError(t, b.Close()) }()
	ctx := context.Background()

	_, err := b.Subscribe(ctx, model.TopicAvailability)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, availEvent("s1", "a")))

	start := time.Now()
	err = b.Publish(ctx, availEvent("s1", "b"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemoryBusBlockedPublisherUnblocksOnConsume(t *testing.T) {
	b := NewMemoryBus(Config{Capacity: 1, PublishTimeout: 2 * time.Second})
	defer func() { require.NoError(t, b.Close()) }()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, model.TopicAvailability)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, availEvent("s1", "a")))

	done := make(chan error, 1)
	go func() { done <- b.Publish(ctx, availEvent("s1", "b")) }()

	<-sub.C()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publisher stayed blocked after inbox drained")
	}
	<-sub.C()
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus(Config{})
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, model.TopicHeartbeat)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, ok := <-sub.C()
	require.False(t, ok, "inbox must be closed")

	err = b.Publish(ctx, availEvent("s1", "a"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = b.Subscribe(ctx, model.TopicHeartbeat)
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, b.Close(), "close is idempotent")
}

func TestMemoryBusSubscriptionClose(t *testing.T) {
	b := NewMemoryBus(Config{})
	defer func() { require.NoError(t, b.Close()) }()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, model.TopicAvailability)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")

	// Publishing into a topic with no subscribers left must not error.
	require.NoError(t, b.Publish(ctx, availEvent("s1", "a")))

	_, ok := <-sub.C()
	require.False(t, ok)
}

func TestMemoryBusPerSubscriberCapacity(t *testing.T) {
	b := NewMemoryBus(Config{Capacity: 1, Overflow: OverflowDropNewest})
	defer func() { require.NoError(t, b.Close()) }()
	ctx := context.Background()

	wide, err := b.Subscribe(ctx, model.TopicAvailability, WithCapacity(8))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, availEvent("s1", fmt.Sprintf("slot-%d", i))))
	}
	require.Len(t, wide.C(), 5)
}

func TestDropReason(t *testing.T) {
	require.Equal(t, "timeout", dropReason(context.DeadlineExceeded))
	require.Equal(t, "canceled", dropReason(context.Canceled))
	require.Equal(t, "full", dropReason(errors.New("other")))
}
