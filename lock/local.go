/*
Package lock provides keyed lockers for check-then-act sequences.

IMPLEMENTATIONS:
  - Local: In-process, one waiter queue per key
  - Redis: Cross-process, SET NX with a TTL and a token-checked release

Both satisfy dues.Locker:

	unlock, err := l.Lock(ctx, "plan:2025-12:type:monthly")
	if err != nil {
	    return err
	}
	defer unlock()
*/
package lock

import (
	"context"
	"sync"
)

// Local is an in-process keyed mutex. Keys are released from the map when
// the holder unlocks, so the map only grows with concurrently held keys.
type Local struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]chan struct{})}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		ch, held := l.locks[key]
		if !held {
			ch = make(chan struct{})
			l.locks[key] = ch
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.locks, key)
					l.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Held reports how many keys are currently locked.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
