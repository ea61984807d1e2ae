package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conveyor/pkg/log"
)

type countingRecoverer struct {
	calls atomic.Int32
	err   error
}

func (c *countingRecoverer) Recover(context.Context) (int, error) {
	c.calls.Add(1)

	return 1, c.err
}

func TestRecovery_SweepsOnStartAndSchedule(t *testing.T) {
	engine := &countingRecoverer{}

	recovery := NewRecovery(engine, "@every 1s", log.Discard())
	require.NoError(t, recovery.Start(t.Context()))
	t.Cleanup(recovery.Stop)

	assert.EqualValues(t, 1, engine.calls.Load())

	assert.Eventually(t, func() bool { return engine.calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestRecovery_FailedSweepKeepsScheduling(t *testing.T) {
	engine := &countingRecoverer{err: errors.New("database unavailable")}

	recovery := NewRecovery(engine, "@every 1s", log.Discard())
	require.NoError(t, recovery.Start(t.Context()))
	t.Cleanup(recovery.Stop)

	assert.Eventually(t, func() bool { return engine.calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestRecovery_InvalidSchedule(t *testing.T) {
	engine := &countingRecoverer{}

	err := NewRecovery(engine, "every now and then", log.Discard()).Start(t.Context())
	require.Error(t, err)
	assert.Zero(t, engine.calls.Load())
}
