package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayZeroWhenUnderBurst(t *testing.T) {
	l := New(100, 100)
	require.Equal(t, time.Duration(0), l.Delay(10))
}

func TestUnlimitedLimiterNeverDelays(t *testing.T) {
	l := New(0, 0)
	require.Equal(t, time.Duration(0), l.Delay(1<<20))
}

func TestWaitFreezableStoppableReturnsOnStop(t *testing.T) {
	l := New(1, 1)
	l.Stop()

	err := l.WaitFreezableStoppable(context.Background(), 1)
	require.Error(t, err)
}

func TestWaitFreezableStoppableRespectsContextCancel(t *testing.T) {
	l := New(1, 1)
	l.Freeze()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.WaitFreezableStoppable(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnfreezeAllowsWaitToProceed(t *testing.T) {
	l := New(0, 0)
	l.Freeze()

	done := make(chan error, 1)
	go func() { done <- l.WaitFreezableStoppable(context.Background(), 1) }()

	select {
	case <-done:
		t.Fatal("wait returned while frozen")
	case <-time.After(20 * time.Millisecond):
	}

	l.Unfreeze()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not proceed after unfreeze")
	}
}

func TestResetClearsFrozenAndStopped(t *testing.T) {
	l := New(1, 1)
	l.Freeze()
	l.Stop()

	l.Reset(0, 0)

	err := l.WaitFreezableStoppable(context.Background(), 1)
	require.NoError(t, err)
}
