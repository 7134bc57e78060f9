package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingSupervisor(collection string, maxRetries int) *Supervisor {
	factory := func(context.Context) (*Pipeline, error) {
		return nil, errors.New("sink unreachable")
	}
	s := NewSupervisor(collection, SupervisorConfig{MaxRetries: maxRetries, BaseDelay: time.Second}, factory, nil, zerolog.Nop(), nil)
	s.after = (&delayRecorder{}).after
	return s
}

func TestRunnerCompletes(t *testing.T) {
	a := newTestRig(insertEvents(3))
	b := newTestRig(insertEvents(4))

	attemptsA, attemptsB := 0, 0
	runner := NewRunner([]*Supervisor{
		newTestSupervisor(rigFactory(t, a, &attemptsA), 1, nil, &delayRecorder{}),
		newTestSupervisor(rigFactory(t, b, &attemptsB), 1, nil, &delayRecorder{}),
	}, zerolog.Nop())

	require.NoError(t, runner.Run(t.Context()))
	assert.Equal(t, []int{3}, a.inserter.Sizes())
	assert.Equal(t, []int{4}, b.inserter.Sizes())
}

func TestRunnerIsolatesFailingCollection(t *testing.T) {
	healthy := newTestRig(insertEvents(2))
	attempts := 0

	runner := NewRunner([]*Supervisor{
		failingSupervisor("orders", 2),
		newTestSupervisor(rigFactory(t, healthy, &attempts), 1, nil, &delayRecorder{}),
	}, zerolog.Nop())

	err := runner.Run(t.Context())
	require.Error(t, err)

	terminal := AsTerminalError(err)
	require.NotNil(t, terminal)
	assert.Equal(t, "orders", terminal.Collection)
	assert.Equal(t, 3, terminal.Attempts)

	assert.Equal(t, []int{2}, healthy.inserter.Sizes(), "the healthy collection still ran to completion")
}

func TestRunnerReportsEveryFailure(t *testing.T) {
	runner := NewRunner([]*Supervisor{
		failingSupervisor("orders", 0),
		failingSupervisor("refunds", 1),
	}, zerolog.Nop())

	err := runner.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orders")
	assert.Contains(t, err.Error(), "refunds")
}

func TestRunnerCancellation(t *testing.T) {
	rig := newTestRig(nil)
	rig.feed.block = true
	attempts := 0

	runner := NewRunner([]*Supervisor{
		newTestSupervisor(rigFactory(t, rig, &attempts), 1, nil, &delayRecorder{}),
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, IsTerminalError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
