package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderLocks_Exclusive(t *testing.T) {
	locks := newOrderLocks()

	assert.True(t, locks.TryAcquire("order-1"))
	assert.False(t, locks.TryAcquire("order-1"), "second acquire must fail while held")
	assert.True(t, locks.TryAcquire("order-2"), "locks are per order")

	locks.Release("order-1")
	assert.True(t, locks.TryAcquire("order-1"), "released lock is reusable")
}

func TestOrderLocks_SingleWinnerUnderContention(t *testing.T) {
	locks := newOrderLocks()
	const goroutines = 32

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if locks.TryAcquire("contested") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners, "exactly one goroutine may hold the order")
}

func TestOrderLocks_InterruptCancelsHolder(t *testing.T) {
	locks := newOrderLocks()

	// No holder, nothing to interrupt.
	assert.Nil(t, locks.Interrupt("free"))

	require.True(t, locks.TryAcquire("order-1"))
	ctx, cancel := context.WithCancel(context.Background())
	locks.SetCancel("order-1", cancel)

	released := locks.Interrupt("order-1")
	require.NotNil(t, released)
	assert.Error(t, ctx.Err(), "interrupt must cancel the holder's context")

	select {
	case <-released:
		t.Fatal("release channel closed while the lock is still held")
	default:
	}

	locks.Release("order-1")
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("release channel did not close")
	}
	assert.True(t, locks.TryAcquire("order-1"), "released lock is reusable")
}
