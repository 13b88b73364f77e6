package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailabilityStartsOpen(t *testing.T) {
	a := NewAvailability()
	assert.False(t, a.Paused())
	require.NoError(t, a.Wait(context.Background()))
}

func TestAvailabilityPauseBlocksWaiters(t *testing.T) {
	a := NewAvailability()
	a.Pause()
	a.Pause()
	assert.True(t, a.Paused())

	released := make(chan error, 1)
	go func() { released <- a.Wait(context.Background()) }()

	select {
	case <-released:
		t.Fatal("Wait returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	a.Resume()
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait not released by Resume")
	}
	a.Resume()
	assert.False(t, a.Paused())
}

func TestAvailabilityWaitHonoursContext(t *testing.T) {
	a := NewAvailability()
	a.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Wait(ctx), context.DeadlineExceeded)
}
