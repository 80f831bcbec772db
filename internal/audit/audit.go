// SPDX-License-Identifier: MIT

// Package audit provides structured audit logging for booking-relevant
// operations. It follows the WHO/WHAT/WHEN pattern for compliance and
// forensics. Recording is fire-and-forget, best-effort.
package audit

import (
	"strconv"
	"time"

	"github.com/ManuGH/agentbot/internal/log"
	"github.com/rs/zerolog"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Session lifecycle events
	EventSessionAttach  EventType = "session.attach"
	EventSessionDetach  EventType = "session.detach"
	EventSessionRestart EventType = "session.restart"
	EventSessionFailed  EventType = "session.failed"

	// Booking events
	EventClaimAttempt   EventType = "booking.claim"
	EventBookingSuccess EventType = "booking.success"
	EventBookingFailure EventType = "booking.failure"
	EventLostRace       EventType = "booking.lost_race"

	// Runtime events
	EventRuntimeStart    EventType = "runtime.start"
	EventRuntimeShutdown EventType = "runtime.shutdown"
	EventUncleanShutdown EventType = "runtime.unclean_shutdown"
)

// Event represents a structured audit event.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Actor     string            `json:"actor"`  // WHO: session id or "runtime"
	Action    string            `json:"action"` // WHAT: human-readable action description
	Resource  string            `json:"resource"`
	Result    string            `json:"result"` // success, failure, denied
	Details   map[string]string `json:"details,omitempty"`
}

// Sink accepts audit events. Implementations must never block the caller for
// long and must never return an error into the booking path.
type Sink interface {
	Record(event Event)
	SessionAttached(sessionID string)
	SessionDetached(sessionID, reason string)
	ClaimAttempt(sessionID, slotID string, attempt int)
	BookingOutcome(sessionID, slotID, outcome, detail string)
	SessionFailed(sessionID, reason string)
	UncleanShutdown(sessionID string)
}

// Logger is the default Sink, writing audit entries through zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger with a dedicated "audit" component.
func NewLogger() *Logger {
	auditLogger := log.WithComponent("audit").With().
		Str("log_type", "audit").
		Logger()

	return &Logger{logger: auditLogger}
}

// Record writes an audit event to the audit log.
func (l *Logger) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	logEvent := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)

	for key, value := range event.Details {
		logEvent = logEvent.Str(key, value)
	}

	logEvent.Msg("audit event")
}

// SessionAttached logs a session pair being attached to the runtime.
func (l *Logger) SessionAttached(sessionID string) {
	l.Record(Event{
		Type:     EventSessionAttach,
		Actor:    sessionID,
		Action:   "attached session pair",
		Resource: "session",
		Result:   "success",
	})
}

// SessionDetached logs a session pair being detached.
func (l *Logger) SessionDetached(sessionID, reason string) {
	l.Record(Event{
		Type:     EventSessionDetach,
		Actor:    sessionID,
		Action:   "detached session pair",
		Resource: "session",
		Result:   "success",
		Details:  map[string]string{"reason": reason},
	})
}

// ClaimAttempt logs the start of a claim for a specific slot.
func (l *Logger) ClaimAttempt(sessionID, slotID string, attempt int) {
	l.Record(Event{
		Type:     EventClaimAttempt,
		Actor:    sessionID,
		Action:   "started claim attempt",
		Resource: "slot/" + slotID,
		Result:   "started",
		Details:  map[string]string{"attempt": strconv.Itoa(attempt)},
	})
}

// BookingOutcome logs the final result of a booking attempt.
func (l *Logger) BookingOutcome(sessionID, slotID, outcome, detail string) {
	typ := EventBookingFailure
	result := "failure"
	switch outcome {
	case "SUCCESS":
		typ = EventBookingSuccess
		result = "success"
	case "LOST_RACE":
		typ = EventLostRace
		result = "denied"
	}
	details := map[string]string{"outcome": outcome}
	if detail != "" {
		details["detail"] = detail
	}
	l.Record(Event{
		Type:     typ,
		Actor:    sessionID,
		Action:   "completed booking attempt",
		Resource: "slot/" + slotID,
		Result:   result,
		Details:  details,
	})
}

// SessionFailed logs a session reaching terminal failure.
func (l *Logger) SessionFailed(sessionID, reason string) {
	l.Record(Event{
		Type:     EventSessionFailed,
		Actor:    sessionID,
		Action:   "session terminally failed",
		Resource: "session",
		Result:   "failure",
		Details:  map[string]string{"reason": reason},
	})
}

// UncleanShutdown logs units that did not acknowledge cancellation in time.
func (l *Logger) UncleanShutdown(sessionID string) {
	l.Record(Event{
		Type:     EventUncleanShutdown,
		Actor:    sessionID,
		Action:   "unit force-terminated during shutdown",
		Resource: "session",
		Result:   "failure",
	})
}

var _ Sink = (*Logger)(nil)
