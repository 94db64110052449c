package engine

import (
	"context"
	"sync"
)

// orderLocks grants at most one goroutine the right to drive a given order.
// The state machine and the renewal scheduler share one table, so a renewal
// can never race a manual retry on the same order. A holder may register a
// cancel function so a cancellation request can interrupt its in-flight work.
type orderLocks struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

type lockEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newOrderLocks() *orderLocks {
	return &orderLocks{held: make(map[string]*lockEntry)}
}

// TryAcquire claims the order's lock without blocking. It returns false if
// another holder exists.
func (l *orderLocks) TryAcquire(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[orderID]; taken {
		return false
	}
	l.held[orderID] = &lockEntry{done: make(chan struct{})}
	return true
}

// SetCancel registers the current holder's context cancel function. It is a
// no-op when the lock is not held.
func (l *orderLocks) SetCancel(orderID string, cancel context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.held[orderID]; ok {
		entry.cancel = cancel
	}
}

// Release frees the order's lock and wakes anyone waiting on the holder.
func (l *orderLocks) Release(orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.held[orderID]; ok {
		close(entry.done)
		delete(l.held, orderID)
	}
}

// Interrupt cancels the holder's in-flight work, if any, and returns a
// channel that closes when the lock is released. It returns nil when the
// lock is free.
func (l *orderLocks) Interrupt(orderID string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.held[orderID]
	if !ok {
		return nil
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	return entry.done
}
