package payerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinelsWrap(t *testing.T) {
	err := fmt.Errorf("%w: have 10, need 20", ErrInsufficientBalance)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.NotErrorIs(t, err, ErrConflict)
}

func TestReconciliationErrorUnwraps(t *testing.T) {
	cause := fmt.Errorf("%w: have 10, need 200", ErrInsufficientBalance)
	rec := Reconciliation("log-1", "insufficient_points_at_confirmation", "deferred leg short", cause)

	require.ErrorIs(t, rec, ErrInsufficientBalance)
	require.Contains(t, rec.Error(), "log-1")
	require.Contains(t, rec.Error(), "insufficient_points_at_confirmation")
}

func TestIsRecoverable(t *testing.T) {
	rec := Reconciliation("log-1", "code", "msg", nil)
	wrapped := fmt.Errorf("settle: %w", rec)

	got, ok := IsRecoverable(wrapped)
	require.True(t, ok)
	require.Equal(t, "log-1", got.AuditLogID)

	_, ok = IsRecoverable(errors.New("plain"))
	require.False(t, ok)
	_, ok = IsRecoverable(ErrInsufficientBalance)
	require.False(t, ok)
}
