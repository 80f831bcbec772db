// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	require.Equal(t, FailureKind(""), KindOf(nil))
	require.Equal(t, KindTransient, KindOf(Transient("claim", errors.New("502"))))
	require.Equal(t, KindFatal, KindOf(Fatal("establish", errors.New("blocked"))))
	require.Equal(t, KindLostRace, KindOf(LostRace("claim", "slot-1")))
	require.Equal(t, KindUnclassified, KindOf(errors.New("something odd")))

	// Cancellation must not escalate sessions to failed.
	require.Equal(t, KindTransient, KindOf(context.Canceled))
	require.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindTransient, KindOf(ErrCodeNotFound))
}

func TestKindOfWrapped(t *testing.T) {
	inner := Transient("poll", errors.New("timeout"))
	wrapped := fmt.Errorf("monitor cycle: %w", inner)
	require.Equal(t, KindTransient, KindOf(wrapped))

	var ce *Error
	require.True(t, errors.As(wrapped, &ce))
	require.Equal(t, "poll", ce.Op)
}

func TestErrorMessage(t *testing.T) {
	err := Fatal("confirm", errors.New("account blocked"))
	require.Contains(t, err.Error(), "confirm")
	require.Contains(t, err.Error(), "FATAL")
	require.Contains(t, err.Error(), "account blocked")

	bare := &Error{Kind: KindTransient, Op: "claim"}
	require.Equal(t, "claim: TRANSIENT", bare.Error())
}
