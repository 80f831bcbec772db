// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package backend

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ManuGH/agentbot/internal/model"
)

// SimulatorConfig tunes the built-in automation simulator.
type SimulatorConfig struct {
	// SlotEvery is roughly how often a new slot becomes visible per session.
	SlotEvery time.Duration
	// LoseRaceRatio is the fraction of claims lost to phantom competitors.
	LoseRaceRatio float64
	// Seed makes runs reproducible. Zero seeds from the clock.
	Seed int64
	// Locations to draw slot attributes from.
	Locations []string
}

// Simulator is a self-contained Automation and CodeSource used for local
// runs and soak tests. No real site is contacted; slots appear on a schedule
// and claims race against simulated competitors.
type Simulator struct {
	cfg SimulatorConfig

	mu  sync.Mutex
	rng *rand.Rand
	seq int
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.SlotEvery <= 0 {
		cfg.SlotEvery = 2 * time.Minute
	}
	if len(cfg.Locations) == 0 {
		cfg.Locations = []string{"downtown", "north", "airport"}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulator) EstablishSession(ctx context.Context, credentialsRef string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if credentialsRef == "" {
		return nil, Fatal("establish", fmt.Errorf("empty credentials reference"))
	}
	return &simSession{sim: s, lastSlot: time.Now()}, nil
}

func (s *Simulator) FetchCode(ctx context.Context, sessionID string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%06d", s.rng.Intn(1000000)), nil
}

type simSession struct {
	sim      *Simulator
	mu       sync.Mutex
	lastSlot time.Time
	closed   bool
}

func (ss *simSession) PollAvailability(ctx context.Context, prefs []model.SlotPreference) ([]model.AppointmentSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil, Transient("poll", fmt.Errorf("session closed"))
	}

	now := time.Now()
	if now.Sub(ss.lastSlot) < ss.sim.cfg.SlotEvery {
		return nil, nil
	}
	ss.lastSlot = now

	ss.sim.mu.Lock()
	ss.sim.seq++
	id := ss.sim.seq
	loc := ss.sim.cfg.Locations[ss.sim.rng.Intn(len(ss.sim.cfg.Locations))]
	ss.sim.mu.Unlock()

	slot := model.AppointmentSlot{
		SlotID:       fmt.Sprintf("sim-%06d", id),
		Location:     loc,
		Category:     "standard",
		SlotTime:     now.Add(72 * time.Hour),
		DiscoveredAt: now.UTC(),
	}
	return []model.AppointmentSlot{slot}, nil
}

func (ss *simSession) Claim(ctx context.Context, slotID string) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, err
	}
	ss.sim.mu.Lock()
	lost := ss.sim.rng.Float64() < ss.sim.cfg.LoseRaceRatio
	ss.sim.mu.Unlock()
	if lost {
		return Claim{}, LostRace("claim", slotID)
	}
	return Claim{SlotID: slotID, Ref: "simref-" + slotID, NeedsVerification: true}, nil
}

func (ss *simSession) Confirm(ctx context.Context, claim Claim, code string) (model.BookingResult, error) {
	if err := ctx.Err(); err != nil {
		return model.BookingResult{}, err
	}
	if claim.NeedsVerification && code == "" {
		return model.BookingResult{}, Transient("confirm", fmt.Errorf("missing verification code"))
	}
	return model.BookingResult{
		Outcome:      model.OutcomeSuccess,
		SlotID:       claim.SlotID,
		Confirmation: "SIM-" + claim.SlotID,
		AttemptedAt:  time.Now().UTC(),
	}, nil
}

func (ss *simSession) Close(ctx context.Context) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.closed = true
	return nil
}

var (
	_ Automation = (*Simulator)(nil)
	_ CodeSource = (*Simulator)(nil)
	_ Session    = (*simSession)(nil)
)
