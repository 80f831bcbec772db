// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package backend

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies errors from external collaborators. The booking
// unit never inspects raw errors; it acts on the kind alone.
type FailureKind string

const (
	// KindTransient covers network hiccups and temporary backend errors.
	// Retried per planner policy.
	KindTransient FailureKind = "TRANSIENT"
	// KindLostRace means another actor secured the slot first. Benign.
	KindLostRace FailureKind = "LOST_RACE"
	// KindFatal covers invalid credentials, permanent blocks and structural
	// page incompatibilities. Terminal for the session.
	KindFatal FailureKind = "FATAL"
	// KindUnclassified is anything a collaborator failed to classify.
	// Treated as transient with a reduced retry budget.
	KindUnclassified FailureKind = "UNCLASSIFIED"
)

// Error is a classified collaborator failure.
type Error struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Fatal wraps err as a terminal failure.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// LostRace reports that the slot was taken by someone else.
func LostRace(op, slotID string) error {
	return &Error{Kind: KindLostRace, Op: op, Err: fmt.Errorf("slot %s already taken", slotID)}
}

// ErrCodeNotFound is returned by CodeSource when no code arrived in time.
var ErrCodeNotFound = errors.New("verification code not found")

// KindOf classifies an arbitrary error. Context cancellation is passed
// through as transient so shutdown paths do not escalate sessions to failed.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, ErrCodeNotFound) {
		return KindTransient
	}
	return KindUnclassified
}
