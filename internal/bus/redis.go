// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/agentbot/internal/log"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "agentbot:events:"

// RedisBus routes events through Redis pub/sub, one channel per topic. It is
// the extension point for running monitor and booking units in separate
// processes; within a single process MemoryBus is preferred.
type RedisBus struct {
	cfg    Config
	client *redis.Client
	owned  bool // close the client on Close

	mu     sync.Mutex
	subs   []*redisSub
	closed bool
}

// RedisOptions holds the connection settings for the Redis bus.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, opts RedisOptions, cfg Config) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("bus")
	logger.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("connected to redis bus")

	b := NewRedisBusWithClient(client, cfg)
	b.owned = true
	return b, nil
}

// NewRedisBusWithClient wraps an existing client. The caller keeps ownership
// of the client's lifecycle.
func NewRedisBusWithClient(client *redis.Client, cfg Config) *RedisBus {
	return &RedisBus{cfg: cfg.withDefaults(), client: client}
}

func channelFor(topic model.Topic) string {
	return channelPrefix + string(topic)
}

// Publish marshals the envelope and fans it out via Redis. Ordering follows
// Redis pub/sub semantics: per-channel, per-publisher.
func (b *RedisBus) Publish(ctx context.Context, ev model.Event) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()
	if err := b.client.Publish(pubCtx, channelFor(ev.Topic), payload).Err(); err != nil {
		return fmt.Errorf("publish topic %q: %w", ev.Topic, err)
	}
	return nil
}

// Subscribe opens a Redis subscription for the topic and pumps decoded
// events into a bounded inbox, applying the session filter locally.
func (b *RedisBus) Subscribe(ctx context.Context, topic model.Topic, opts ...SubscribeOption) (Subscription, error) {
	o := applyOptions(b.cfg, opts)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, channelFor(topic))
	// Force the subscription handshake so matching events published right
	// after Subscribe returns are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe topic %q: %w", topic, err)
	}

	sub := &redisSub{
		ps:    ps,
		ch:    make(chan model.Event, o.capacity),
		done:  make(chan struct{}),
		topic: topic,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go sub.pump(o.sessionFilter, b.cfg.Overflow)
	return sub, nil
}

// Close terminates all subscriptions and, when the bus owns the client,
// closes the connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := append([]*redisSub(nil), b.subs...)
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	if b.owned {
		return b.client.Close()
	}
	return nil
}

type redisSub struct {
	ps    *redis.PubSub
	ch    chan model.Event
	topic model.Topic

	closeOnce sync.Once
	done      chan struct{}
}

func (s *redisSub) pump(filter string, overflow OverflowPolicy) {
	defer close(s.ch)
	logger := log.WithComponent("bus")
	for msg := range s.ps.Channel() {
		var ev model.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logger.Warn().Err(err).Str(log.FieldTopic, string(s.topic)).Msg("dropping undecodable bus event")
			recordDrop(s.topic, "decode")
			continue
		}
		if filter != "" && filter != ev.SessionID {
			continue
		}
		if overflow == OverflowDropNewest {
			select {
			case s.ch <- ev:
			default:
				recordDrop(s.topic, "full")
			}
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *redisSub) C() <-chan model.Event {
	return s.ch
}

func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// Ensure compliance
var _ Bus = (*RedisBus)(nil)
