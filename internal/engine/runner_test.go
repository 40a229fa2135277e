package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_TriggersCoalesce(t *testing.T) {
	f := newFixture(t)
	r := NewRunner(NewController(f.engine), sc, 0)

	r.Trigger()
	r.Trigger()
	r.Trigger()

	assert.Len(t, r.signal, 1)
}

func TestRunner_RunsOnTriggerAndStops(t *testing.T) {
	f := newFixture(t)
	f.enqueueMessage(t, "m1")

	results := make(chan error, 4)
	r := NewRunner(NewController(f.engine), sc, 0, WithResultHook(func(_ Report, err error) {
		results <- err
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Trigger()
	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle after Trigger")
	}

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	counts, err := f.queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pushed)
}

func TestRunner_TickerDrivesCycles(t *testing.T) {
	f := newFixture(t)

	results := make(chan error, 16)
	r := NewRunner(NewController(f.engine), sc, 10*time.Millisecond, WithResultHook(func(_ Report, err error) {
		select {
		case results <- err:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("ticker did not fire")
		}
	}
}
