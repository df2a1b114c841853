package awnsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_ManualStaysSignaled(t *testing.T) {
	e := NewEvent(false, false)
	assert.False(t, e.IsSignaled())

	e.Signal()
	assert.True(t, e.IsSignaled())

	// Manual events stay signaled for repeated waiters.
	require.True(t, e.WaitTimeout(10*time.Millisecond))
	require.True(t, e.WaitTimeout(10*time.Millisecond))

	e.Clear()
	assert.False(t, e.IsSignaled())
}

func TestEvent_AutoWakesOneAndClears(t *testing.T) {
	e := NewEvent(true, false)

	var wg sync.WaitGroup
	woken := make(chan int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			if e.WaitTimeout(200 * time.Millisecond) {
				woken <- idx
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	e.Signal()

	wg.Wait()
	close(woken)

	count := 0
	for range woken {
		count++
	}
	assert.Equal(t, 1, count, "auto-reset event should wake exactly one waiter")
}

func TestEvent_WaitTimeoutExpires(t *testing.T) {
	e := NewEvent(false, false)
	start := time.Now()
	ok := e.WaitTimeout(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestLockArbiter_MutualExclusion(t *testing.T) {
	a := NewLockArbiter()
	counter := 0
	var wg sync.WaitGroup

	for i := 1; i <= 50; i++ {
		wg.Add(1)
		token := int64(i)
		go func() {
			defer wg.Done()
			a.Lock(token)
			counter++
			a.Unlock(token)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestWaitAddressArbiter_WakeReleasesWaiters(t *testing.T) {
	w := NewWaitAddressArbiter()
	var addr uintptr = 0x1000

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Wait(addr, func() bool { return true })
		}()
	}

	time.Sleep(10 * time.Millisecond)
	woken := w.Wake(addr, -1)
	assert.Equal(t, 3, woken)
	wg.Wait()
}

func TestKeyArbiter_BroadcastWakesAllWaiters(t *testing.T) {
	k := NewKeyArbiter[string]()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Wait("drained")
		}()
	}

	time.Sleep(10 * time.Millisecond)
	k.Broadcast("drained")
	wg.Wait()
}
