// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package backend declares the capability interfaces of the external
// collaborators the runtime drives: the browser-automation backend and the
// verification code source. Concrete variants are selected by configuration;
// the runtime itself never touches a page.
package backend

import (
	"context"
	"time"

	"github.com/ManuGH/agentbot/internal/model"
)

// Automation establishes authenticated site sessions for a user.
type Automation interface {
	// EstablishSession logs in with the referenced credentials and returns
	// a live handle. Invalid credentials surface as a fatal error.
	EstablishSession(ctx context.Context, credentialsRef string) (Session, error)
}

// Session is one authenticated automation handle. Implementations need not
// be safe for concurrent use; the runtime serializes calls per session.
type Session interface {
	// PollAvailability returns the currently visible slots matching the
	// preferences. An empty slice is a successful empty poll.
	PollAvailability(ctx context.Context, prefs []model.SlotPreference) ([]model.AppointmentSlot, error)

	// Claim reserves the slot ahead of confirmation. Losing the race to
	// another actor surfaces as a lost-race error.
	Claim(ctx context.Context, slotID string) (Claim, error)

	// Confirm finalizes a claim. code is empty unless the claim demanded
	// verification.
	Confirm(ctx context.Context, claim Claim, code string) (model.BookingResult, error)

	// Close releases the underlying automation resources. It must be safe
	// to call on every exit path.
	Close(ctx context.Context) error
}

// Claim is the intermediate state between reserving and confirming a slot.
type Claim struct {
	SlotID            string
	Ref               string // backend-specific claim reference
	NeedsVerification bool
}

// CodeSource retrieves out-of-band verification codes (mail, SMS bridge).
type CodeSource interface {
	// FetchCode blocks until a code for the session arrives or the timeout
	// elapses. A missing code is reported as ErrCodeNotFound.
	FetchCode(ctx context.Context, sessionID string, timeout time.Duration) (string, error)
}
