package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalLockRunsFn(t *testing.T) {
	m := NewManager(nil)
	ran := false
	err := m.WithLock(context.Background(), "k", time.Second, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestLocalLockIsBusyWhileHeld(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	err := m.WithLock(ctx, "k", time.Second, func() error {
		// Re-entry on the same key is refused while fn runs.
		inner := m.WithLock(ctx, "k", time.Second, func() error { return nil })
		require.ErrorIs(t, inner, ErrBusy)

		// Other keys are independent.
		return m.WithLock(ctx, "other", time.Second, func() error { return nil })
	})
	require.NoError(t, err)
}

func TestLocalLockReleasesAfterFn(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	require.NoError(t, m.WithLock(ctx, "k", time.Second, func() error { return nil }))
	require.NoError(t, m.WithLock(ctx, "k", time.Second, func() error { return nil }))
}

func TestLocalLockReleasesOnError(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	boom := m.WithLock(ctx, "k", time.Second, func() error {
		return context.Canceled
	})
	require.ErrorIs(t, boom, context.Canceled)

	require.NoError(t, m.WithLock(ctx, "k", time.Second, func() error { return nil }))
}
