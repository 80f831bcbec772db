// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	FieldSlotID        = "slot_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTopic     = "topic"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldOutcome  = "outcome"
	FieldAttempt  = "attempt"
)
