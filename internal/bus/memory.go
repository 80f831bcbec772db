// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/agentbot/internal/log"
	"github.com/ManuGH/agentbot/internal/metrics"
	"github.com/ManuGH/agentbot/internal/model"
)

const dropLogEvery = 100

var dropCount atomic.Uint64

// MemoryBus is the default single-process pub/sub. It is not durable and
// provides at-least-once in-process delivery while publish contexts remain
// active.
type MemoryBus struct {
	cfg Config

	mu     sync.Mutex
	topics map[model.Topic]*topicState
	closed bool
}

type topicState struct {
	// pubMu serializes fan-out per topic so stable subscribers observe
	// events in publish order.
	pubMu sync.Mutex
	subs  []*memSub
}

type memSub struct {
	bus    *MemoryBus
	ts     *topicState
	filter string
	ch     chan model.Event
	closed bool
}

// NewMemoryBus creates an in-memory bus with the given delivery config.
func NewMemoryBus(cfg Config) *MemoryBus {
	return &MemoryBus{
		cfg:    cfg.withDefaults(),
		topics: make(map[model.Topic]*topicState),
	}
}

func (b *MemoryBus) topic(t model.Topic) (*topicState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ts, ok := b.topics[t]
	if !ok {
		ts = &topicState{}
		b.topics[t] = ts
	}
	return ts, nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "full"
	}
}

func recordDrop(topic model.Topic, reason string) {
	metrics.IncBusDropReason(string(topic), reason)
	count := dropCount.Add(1)
	if count%dropLogEvery == 0 {
		logger := log.WithComponent("bus")
		logger.Warn().
			Str(log.FieldTopic, string(topic)).
			Str("reason", reason).
			Uint64("dropped", count).
			Msg("bus dropped events")
	}
}

// Publish delivers ev to every matching subscriber of its topic. With
// OverflowBlock a full inbox stalls the publisher up to the publish timeout;
// with OverflowDropNewest the event is counted and skipped for that inbox.
func (b *MemoryBus) Publish(ctx context.Context, ev model.Event) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	ts, err := b.topic(ev.Topic)
	if err != nil {
		return err
	}

	ts.pubMu.Lock()
	defer ts.pubMu.Unlock()

	b.mu.Lock()
	subs := append([]*memSub(nil), ts.subs...)
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if sub.filter != "" && sub.filter != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		if b.cfg.Overflow == OverflowDropNewest {
			recordDrop(ev.Topic, "full")
			continue
		}
		timer := time.NewTimer(b.cfg.PublishTimeout)
		select {
		case sub.ch <- ev:
			timer.Stop()
		case <-timer.C:
			recordDrop(ev.Topic, "timeout")
			errs = append(errs, fmt.Errorf("publish topic %q: %w", ev.Topic, context.DeadlineExceeded))
		case <-ctx.Done():
			timer.Stop()
			recordDrop(ev.Topic, dropReason(ctx.Err()))
			errs = append(errs, fmt.Errorf("publish topic %q: %w", ev.Topic, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a bounded inbox for the topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic model.Topic, opts ...SubscribeOption) (Subscription, error) {
	o := applyOptions(b.cfg, opts)
	ts, err := b.topic(topic)
	if err != nil {
		return nil, err
	}

	sub := &memSub{
		bus:    b,
		ts:     ts,
		filter: o.sessionFilter,
		ch:     make(chan model.Event, o.capacity),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ts.subs = append(ts.subs, sub)
	b.mu.Unlock()

	return sub, nil
}

// Close shuts the bus down and closes every subscriber inbox.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*topicState, 0, len(b.topics))
	for _, ts := range b.topics {
		topics = append(topics, ts)
	}
	b.mu.Unlock()

	// Closing an inbox must not race an in-flight fan-out, so take the
	// per-topic publish lock before touching channels.
	for _, ts := range topics {
		ts.pubMu.Lock()
		b.mu.Lock()
		for _, sub := range ts.subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		ts.subs = nil
		b.mu.Unlock()
		ts.pubMu.Unlock()
	}
	return nil
}

func (s *memSub) C() <-chan model.Event {
	return s.ch
}

func (s *memSub) Close() error {
	// Lock order matches Publish (pubMu before bus.mu) so a blocked fan-out
	// finishes before the channel goes away.
	s.ts.pubMu.Lock()
	defer s.ts.pubMu.Unlock()
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	out := s.ts.subs[:0]
	for _, c := range s.ts.subs {
		if c != s {
			out = append(out, c)
		}
	}
	s.ts.subs = out
	close(s.ch) // Signal subscriber to stop
	return nil
}

// Ensure compliance
var _ Bus = (*MemoryBus)(nil)
