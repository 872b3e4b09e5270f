package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	// GIVEN: a local locker and 20 goroutines racing on one key
	l := NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup

	// WHEN: each one enters the critical section
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "plan:2025-12:type:monthly")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	// THEN: never more than one holder at a time, and the key is released
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.Held())
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocal_ContextCancelWhileWaiting(t *testing.T) {
	// GIVEN: a held key
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	// WHEN: a second caller waits with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")

	// THEN: it gives up with the context error
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocal_UnlockIsIdempotent(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock()

	unlock2, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock2()
	assert.Equal(t, 0, l.Held())
}
