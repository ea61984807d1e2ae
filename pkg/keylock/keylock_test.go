package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conveyor/pkg/log"
)

func TestKey_String(t *testing.T) {
	assert.Equal(t, "pipeline-record:r1", PipelineKey("r1").String())
	assert.Equal(t, "gitops-sync:env-1", SyncKey("env-1").String())
}

func TestLocal_SameKeyNeverOverlaps(t *testing.T) {
	l := NewLocal(log.Discard())
	key := PipelineKey("r1")

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := l.RunExclusive(context.Background(), key, func(context.Context) error {
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}

				time.Sleep(time.Millisecond)
				inside.Add(-1)

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 0, l.Len())
}

func TestLocal_DifferentKeysRunInParallel(t *testing.T) {
	l := NewLocal(log.Discard())

	first := make(chan struct{})
	second := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		err := l.RunExclusive(context.Background(), PipelineKey("a"), func(context.Context) error {
			close(first)

			select {
			case <-second:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("key b never ran concurrently")
			}
		})
		assert.NoError(t, err)
	}()

	go func() {
		defer wg.Done()

		err := l.RunExclusive(context.Background(), PipelineKey("b"), func(context.Context) error {
			close(second)

			select {
			case <-first:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("key a never ran concurrently")
			}
		})
		assert.NoError(t, err)
	}()

	wg.Wait()
}

func TestLocal_SameIDDifferentTypeIsIndependent(t *testing.T) {
	l := NewLocal(log.Discard())

	err := l.RunExclusive(context.Background(), PipelineKey("x"), func(ctx context.Context) error {
		return l.RunExclusive(ctx, SyncKey("x"), func(context.Context) error { return nil })
	})
	require.NoError(t, err)
}

func TestLocal_FIFO(t *testing.T) {
	l := NewLocal(log.Discard())
	key := SyncKey("env")

	release := make(chan struct{})
	holding := make(chan struct{})

	go func() {
		_ = l.RunExclusive(context.Background(), key, func(context.Context) error {
			close(holding)
			<-release

			return nil
		})
	}()

	<-holding

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = l.RunExclusive(context.Background(), key, func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()

				return nil
			})
		}()

		require.Eventually(t, func() bool { return l.queued(key) == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, l.Len())
}

func TestLocal_ReleasesOnError(t *testing.T) {
	l := NewLocal(log.Discard())
	key := PipelineKey("r1")
	boom := errors.New("boom")

	err := l.RunExclusive(context.Background(), key, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	err = l.RunExclusive(context.Background(), key, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestLocal_ReleasesOnPanic(t *testing.T) {
	l := NewLocal(log.Discard())
	key := PipelineKey("r1")

	assert.Panics(t, func() {
		_ = l.RunExclusive(context.Background(), key, func(context.Context) error { panic("boom") })
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := l.RunExclusive(ctx, key, func(context.Context) error { return nil })
	require.NoError(t, err)
}

func TestLocal_CancelWhileQueued(t *testing.T) {
	l := NewLocal(log.Discard())
	key := PipelineKey("r1")

	release := make(chan struct{})
	holding := make(chan struct{})

	go func() {
		_ = l.RunExclusive(context.Background(), key, func(context.Context) error {
			close(holding)
			<-release

			return nil
		})
	}()

	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)

	go func() {
		result <- l.RunExclusive(ctx, key, func(context.Context) error {
			t.Error("cancelled waiter must not run")

			return nil
		})
	}()

	require.Eventually(t, func() bool { return l.queued(key) == 1 }, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-result, context.Canceled)
	assert.Equal(t, 0, l.queued(key))

	close(release)

	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, time.Millisecond)

	err := l.RunExclusive(context.Background(), key, func(context.Context) error { return nil })
	require.NoError(t, err)
}

func TestLocal_CancelledBeforeAcquire(t *testing.T) {
	l := NewLocal(log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := l.RunExclusive(ctx, PipelineKey("r1"), func(context.Context) error {
		ran = true

		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
	assert.Equal(t, 0, l.Len())
}
