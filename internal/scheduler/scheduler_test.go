package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func noop(context.Context) error { return nil }

func TestAddValidates(t *testing.T) {
	s := New(nil, quiet())
	assert.Error(t, s.Add(Job{Fn: noop, Every: time.Second}))
	assert.Error(t, s.Add(Job{Name: "x", Every: time.Second}))
	assert.Error(t, s.Add(Job{Name: "x", Fn: noop}))
	assert.Error(t, s.Add(Job{Name: "x", Fn: noop, Every: time.Second, Schedule: "@hourly"}))
	assert.Error(t, s.Add(Job{Name: "x", Fn: noop, Schedule: "not a schedule"}))
	// Five-field expressions are rejected: seconds come first.
	assert.Error(t, s.Add(Job{Name: "x", Fn: noop, Schedule: "0 */4 * * *"}))

	require.NoError(t, s.Add(Job{Name: "scan", Fn: noop, Schedule: "0 0 */4 * * *"}))
	require.NoError(t, s.Add(Job{Name: "report", Fn: noop, Schedule: "@daily"}))
	require.NoError(t, s.Add(Job{Name: "tick", Fn: noop, Every: time.Minute}))
	assert.Equal(t, []string{"scan", "report", "tick"}, s.Jobs())
}

func TestIntervalJobRunsUntilCancelled(t *testing.T) {
	s := New(time.UTC, quiet())
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{
		Name:       "tick",
		Every:      10 * time.Millisecond,
		RunAtStart: true,
		Fn: func(context.Context) error {
			runs.Add(1)
			return errors.New("logged, not fatal")
		},
	}))
	require.NoError(t, s.Add(Job{Name: "nightly", Schedule: "@daily", Fn: noop}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
