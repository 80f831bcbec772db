// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic is the event routing key on the bus.
type Topic string

const (
	TopicAvailability  Topic = "appointment.available"
	TopicBookingResult Topic = "booking.result"
	TopicHeartbeat     Topic = "agent.heartbeat"
)

// Event is the immutable envelope carried by the bus. Payload is one of
// AppointmentSlot, BookingResult or Heartbeat depending on Topic.
type Event struct {
	ID            string    `json:"id"`
	Topic         Topic     `json:"topic"`
	SessionID     string    `json:"sessionId"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Payload       any       `json:"payload"`
}

func newEvent(topic Topic, sessionID, correlationID string, payload any) Event {
	return Event{
		ID:            uuid.New().String(),
		Topic:         topic,
		SessionID:     sessionID,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// NewAvailabilityEvent wraps a discovered slot for publication.
func NewAvailabilityEvent(sessionID, correlationID string, slot AppointmentSlot) Event {
	return newEvent(TopicAvailability, sessionID, correlationID, slot)
}

// NewResultEvent wraps a booking outcome for publication.
func NewResultEvent(sessionID, correlationID string, result BookingResult) Event {
	return newEvent(TopicBookingResult, sessionID, correlationID, result)
}

// NewHeartbeatEvent wraps a liveness signal for publication.
func NewHeartbeatEvent(sessionID string, hb Heartbeat) Event {
	return newEvent(TopicHeartbeat, sessionID, "", hb)
}

// Slot returns the availability payload, or false if the event carries none.
func (e Event) Slot() (AppointmentSlot, bool) {
	s, ok := e.Payload.(AppointmentSlot)
	return s, ok
}

// Result returns the booking result payload, or false if the event carries none.
func (e Event) Result() (BookingResult, bool) {
	r, ok := e.Payload.(BookingResult)
	return r, ok
}

// Beat returns the heartbeat payload, or false if the event carries none.
func (e Event) Beat() (Heartbeat, bool) {
	h, ok := e.Payload.(Heartbeat)
	return h, ok
}

// UnmarshalJSON decodes the payload into the concrete type selected by the
// topic, so events survive a trip through the Redis bus as typed values.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID            string          `json:"id"`
		Topic         Topic           `json:"topic"`
		SessionID     string          `json:"sessionId"`
		Timestamp     time.Time       `json:"timestamp"`
		CorrelationID string          `json:"correlationId,omitempty"`
		Payload       json.RawMessage `json:"payload"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	e.ID = a.ID
	e.Topic = a.Topic
	e.SessionID = a.SessionID
	e.Timestamp = a.Timestamp
	e.CorrelationID = a.CorrelationID

	if len(a.Payload) == 0 || string(a.Payload) == "null" {
		e.Payload = nil
		return nil
	}
	switch a.Topic {
	case TopicAvailability:
		var slot AppointmentSlot
		if err := json.Unmarshal(a.Payload, &slot); err != nil {
			return fmt.Errorf("decode availability payload: %w", err)
		}
		e.Payload = slot
	case TopicBookingResult:
		var result BookingResult
		if err := json.Unmarshal(a.Payload, &result); err != nil {
			return fmt.Errorf("decode result payload: %w", err)
		}
		e.Payload = result
	case TopicHeartbeat:
		var hb Heartbeat
		if err := json.Unmarshal(a.Payload, &hb); err != nil {
			return fmt.Errorf("decode heartbeat payload: %w", err)
		}
		e.Payload = hb
	default:
		return fmt.Errorf("unknown topic %q", a.Topic)
	}
	return nil
}
