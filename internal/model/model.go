// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package model holds the shared data types of the agent runtime: session
// records, appointment slots, booking outcomes and the event envelope.
package model

import (
	"regexp"
	"time"
)

// SessionState is the per-session FSM state. It is persisted verbatim, so
// keep the values stable.
type SessionState string

const (
	StateIdle       SessionState = "IDLE"
	StateMonitoring SessionState = "MONITORING"
	StateClaiming   SessionState = "CLAIMING"
	StateBooking    SessionState = "BOOKING"
	StateBooked     SessionState = "BOOKED"
	StateFailed     SessionState = "FAILED"
)

// IsTerminal returns true if the state is absorbing. A FAILED session may
// still be resumed by the planner when a resume cooldown is configured; from
// the record's point of view both are final until an external actor says
// otherwise.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateBooked, StateFailed:
		return true
	}
	return false
}

// Outcome classifies the result of a booking attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeLostRace         Outcome = "LOST_RACE"
	OutcomeTransientFailure Outcome = "TRANSIENT_FAILURE"
	OutcomeFatalFailure     Outcome = "FATAL_FAILURE"
)

// AppointmentSlot is a discrete bookable opportunity. SlotID must be stable
// across repeated observations of the same opportunity; dedup depends on it.
type AppointmentSlot struct {
	SlotID       string    `json:"slotId"`
	Location     string    `json:"location,omitempty"`
	Category     string    `json:"category,omitempty"`
	SlotTime     time.Time `json:"slotTime"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

// SlotPreference is one entry of a session's ordered preference list. Empty
// fields match anything; zero times disable the corresponding bound.
type SlotPreference struct {
	Location  string    `json:"location,omitempty"`
	Category  string    `json:"category,omitempty"`
	NotBefore time.Time `json:"notBefore,omitempty"`
	NotAfter  time.Time `json:"notAfter,omitempty"`
}

// Matches reports whether the slot satisfies this preference entry.
func (p SlotPreference) Matches(slot AppointmentSlot) bool {
	if p.Location != "" && p.Location != slot.Location {
		return false
	}
	if p.Category != "" && p.Category != slot.Category {
		return false
	}
	if !p.NotBefore.IsZero() && slot.SlotTime.Before(p.NotBefore) {
		return false
	}
	if !p.NotAfter.IsZero() && slot.SlotTime.After(p.NotAfter) {
		return false
	}
	return true
}

// MatchIndex returns the index of the first preference entry the slot
// satisfies, or -1 if none does. Lower indexes rank higher.
func MatchIndex(prefs []SlotPreference, slot AppointmentSlot) int {
	for i, p := range prefs {
		if p.Matches(slot) {
			return i
		}
	}
	return -1
}

// BookingResult is the payload of a booking.result event.
type BookingResult struct {
	Outcome      Outcome   `json:"outcome"`
	SlotID       string    `json:"slotId,omitempty"`
	Confirmation string    `json:"confirmation,omitempty"`
	AttemptedAt  time.Time `json:"attemptedAt"`
	Detail       string    `json:"detail,omitempty"`
}

// Heartbeat is the payload of an agent.heartbeat event, emitted once per
// completed poll cycle.
type Heartbeat struct {
	State SessionState `json:"state"`
	Cycle uint64       `json:"cycle"`
}

// SessionRecord is the store source of truth for one user session. It is
// mutated only by the monitor/booking pair bound to it.
type SessionRecord struct {
	SessionID      string            `json:"sessionId"`
	UserID         string            `json:"userId"`
	CredentialsRef string            `json:"credentialsRef"`
	Profile        map[string]string `json:"profile,omitempty"`
	Preferences    []SlotPreference  `json:"preferences,omitempty"`
	State          SessionState      `json:"state"`
	LockToken      uint64            `json:"lockToken"`
	ClaimedSlotID  string            `json:"claimedSlotId,omitempty"`
	RetryCount     int               `json:"retryCount"`
	LastError      string            `json:"lastError,omitempty"`
	CreatedAtUnix  int64             `json:"createdAtUnix"`
	UpdatedAtUnix  int64             `json:"updatedAtUnix"`
}

// Clone returns a deep copy. Store backends hand out copies so callers can
// never alias cached records.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Profile != nil {
		cp.Profile = make(map[string]string, len(r.Profile))
		for k, v := range r.Profile {
			cp.Profile[k] = v
		}
	}
	if r.Preferences != nil {
		cp.Preferences = append([]SlotPreference(nil), r.Preferences...)
	}
	return &cp
}

var safeSessionID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// IsSafeSessionID reports whether the ID is safe to use in store keys, file
// paths and log fields.
func IsSafeSessionID(id string) bool {
	return safeSessionID.MatchString(id)
}
