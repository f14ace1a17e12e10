package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errLockWait = errors.New("lock wait elapsed")

// keyedMutex serializes goroutines per key. Slots are created on demand and
// dropped once nobody holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[string]*keySlot)}
}

// acquire blocks until key is free, ctx is done or wait elapses.
// The returned func releases the key.
func (k *keyedMutex) acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &keySlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	k.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			k.drop(key, slot)
		}, nil
	case <-ctx.Done():
		k.drop(key, slot)
		return nil, ctx.Err()
	case <-timer.C:
		k.drop(key, slot)
		return nil, errLockWait
	}
}

func (k *keyedMutex) drop(key string, slot *keySlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, key)
	}
}

// size returns the number of live slots.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
