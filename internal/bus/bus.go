// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package bus provides the in-process publish/subscribe router that connects
// monitor and booking units. Delivery is at-least-once within the process;
// consumers deduplicate via slot and correlation ids.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/agentbot/internal/model"
)

// ErrClosed is returned by Publish and Subscribe after the bus was shut down.
var ErrClosed = errors.New("bus is closed")

// OverflowPolicy decides what happens when a subscriber inbox is full.
// Silent unbounded growth is not an option; the choice must be explicit per
// deployment.
type OverflowPolicy int

const (
	// OverflowBlock blocks the publisher up to the configured publish
	// timeout, then drops and reports an error.
	OverflowBlock OverflowPolicy = iota
	// OverflowDropNewest drops the event being published and keeps the
	// inbox as-is.
	OverflowDropNewest
)

// Config captures the delivery knobs shared by all bus implementations.
type Config struct {
	Capacity       int           // default per-subscriber inbox capacity
	PublishTimeout time.Duration // upper bound for OverflowBlock
	Overflow       OverflowPolicy
}

// DefaultConfig returns the delivery defaults used when a zero Config is given.
func DefaultConfig() Config {
	return Config{
		Capacity:       64,
		PublishTimeout: 2 * time.Second,
		Overflow:       OverflowBlock,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	return c
}

// Subscription is a bounded inbox owned exclusively by its subscriber.
// The channel is closed when the subscription or the bus is closed.
type Subscription interface {
	C() <-chan model.Event
	Close() error
}

// Bus routes published events to all current subscribers of a topic,
// preserving publish order per topic.
type Bus interface {
	// Publish enqueues the event for delivery. It never blocks beyond the
	// configured publish timeout.
	Publish(ctx context.Context, ev model.Event) error
	// Subscribe returns an inbox receiving a copy of every matching future
	// event in publish order.
	Subscribe(ctx context.Context, topic model.Topic, opts ...SubscribeOption) (Subscription, error)
	Close() error
}

// SubscribeOption customises a single subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	sessionFilter string
	capacity      int
}

// WithSessionFilter restricts delivery to events carrying the given session id.
func WithSessionFilter(sessionID string) SubscribeOption {
	return func(o *subscribeOptions) { o.sessionFilter = sessionID }
}

// WithCapacity overrides the default inbox capacity for this subscription.
func WithCapacity(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.capacity = n }
}

func applyOptions(cfg Config, opts []SubscribeOption) subscribeOptions {
	o := subscribeOptions{capacity: cfg.Capacity}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity <= 0 {
		o.capacity = cfg.Capacity
	}
	return o
}
