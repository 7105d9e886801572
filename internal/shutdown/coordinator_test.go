package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmesh/botmesh/internal/common/logger"
)

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewCoordinator(log)
}

func TestRegisterRefusedWhileDraining(t *testing.T) {
	c := newCoordinator(t)
	c.Shutdown(time.Millisecond)
	assert.True(t, c.Draining())
	err := c.Register(1, func() {})
	assert.ErrorIs(t, err, ErrDraining)
}

func TestShutdownWaitsForDrain(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, c.Register(1, func() {}))

	done := make(chan struct{})
	go func() {
		c.Shutdown(5 * time.Second)
		close(done)
	}()

	// Give Shutdown a moment to enter the drain wait.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("shutdown returned before streams drained")
	default:
	}

	c.Unregister(1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not return after drain")
	}
	assert.Equal(t, 0, c.ActiveStreams())
}

func TestShutdownTimeoutCancelsStreams(t *testing.T) {
	c := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Register(7, cancel))

	c.Shutdown(50 * time.Millisecond)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stream context was not cancelled on timeout")
	}
	assert.Equal(t, 0, c.ActiveStreams())
}

func TestShutdownIdempotent(t *testing.T) {
	c := newCoordinator(t)
	c.Shutdown(time.Millisecond)
	c.Shutdown(time.Millisecond) // second call returns immediately
	assert.True(t, c.Draining())
}
