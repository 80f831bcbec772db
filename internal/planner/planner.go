// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package planner centralizes retry/backoff policy and slot ranking so the
// booking units stay declarative.
package planner

import (
	"sort"
	"time"

	"github.com/ManuGH/agentbot/internal/backend"
	"github.com/ManuGH/agentbot/internal/model"
	"github.com/cenkalti/backoff/v5"
)

// Config tunes the retry schedule and the failed-session resume policy.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// JitterFactor randomizes each delay by ±factor. Zero disables jitter
	// and makes the schedule fully deterministic.
	JitterFactor float64
	// MaxAttempts is the retry budget for transient failures. An attempt
	// number beyond the budget escalates to failed.
	MaxAttempts int
	// UnclassifiedMaxAttempts is the reduced budget applied to failures no
	// collaborator classified, to avoid infinite loops on unknown bugs.
	UnclassifiedMaxAttempts int
	// ResumeCooldown, when positive, allows a failed session to re-enter
	// monitoring after the cooldown window. Zero keeps failed terminal.
	ResumeCooldown time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		InitialBackoff:          2 * time.Second,
		MaxBackoff:              2 * time.Minute,
		Multiplier:              2,
		JitterFactor:            0.3,
		MaxAttempts:             4,
		UnclassifiedMaxAttempts: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.UnclassifiedMaxAttempts <= 0 {
		c.UnclassifiedMaxAttempts = d.UnclassifiedMaxAttempts
	}
	return c
}

// Decision is the planner's answer to a failed attempt.
type Decision struct {
	// RetryAfter is the backoff delay before re-entering monitoring.
	// Zero means immediately.
	RetryAfter time.Duration
	// Escalate marks the session as terminally failed.
	Escalate bool
}

// Planner is stateless; one instance serves all sessions.
type Planner struct {
	cfg Config
}

func New(cfg Config) *Planner {
	return &Planner{cfg: cfg.withDefaults()}
}

// ShouldRetry maps a classified failure and attempt number to a decision.
// Attempt numbers start at 1. LostRace never consumes budget; fatal failures
// bypass retry entirely.
func (p *Planner) ShouldRetry(kind backend.FailureKind, attempt int) Decision {
	switch kind {
	case backend.KindLostRace:
		return Decision{}
	case backend.KindFatal:
		return Decision{Escalate: true}
	case backend.KindUnclassified:
		if attempt > p.cfg.UnclassifiedMaxAttempts {
			return Decision{Escalate: true}
		}
	default:
		if attempt > p.cfg.MaxAttempts {
			return Decision{Escalate: true}
		}
	}
	return Decision{RetryAfter: p.Delay(attempt)}
}

// Delay computes the backoff before the given attempt (1-based). The base
// schedule is exponential and capped at MaxBackoff; jitter widens each value
// by ±JitterFactor.
func (p *Planner) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.RandomizationFactor = p.cfg.JitterFactor
	b.Multiplier = p.cfg.Multiplier
	b.MaxInterval = p.cfg.MaxBackoff
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// ResumeAfter reports whether a terminally failed session may re-enter
// monitoring, and after which cooldown.
func (p *Planner) ResumeAfter() (time.Duration, bool) {
	if p.cfg.ResumeCooldown <= 0 {
		return 0, false
	}
	return p.cfg.ResumeCooldown, true
}

// RankCandidates orders the qualifying slots for one claiming decision:
// explicit preference order first, then earliest discovery, then
// lexicographic slot id as the stable tiebreak. Slots matching no preference
// entry are excluded; a session without preferences takes anything. The
// ranking is deterministic for identical inputs.
func (p *Planner) RankCandidates(prefs []model.SlotPreference, slots []model.AppointmentSlot) []model.AppointmentSlot {
	type ranked struct {
		slot model.AppointmentSlot
		pref int
	}
	candidates := make([]ranked, 0, len(slots))
	for _, s := range slots {
		idx := 0
		if len(prefs) > 0 {
			idx = model.MatchIndex(prefs, s)
			if idx < 0 {
				continue
			}
		}
		candidates = append(candidates, ranked{slot: s, pref: idx})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.pref != b.pref {
			return a.pref < b.pref
		}
		if !a.slot.DiscoveredAt.Equal(b.slot.DiscoveredAt) {
			return a.slot.DiscoveredAt.Before(b.slot.DiscoveredAt)
		}
		return a.slot.SlotID < b.slot.SlotID
	})

	out := make([]model.AppointmentSlot, len(candidates))
	for i, c := range candidates {
		out[i] = c.slot
	}
	return out
}
