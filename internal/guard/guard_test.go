package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_AcquireRelease(t *testing.T) {
	g := New()
	l, ok := g.Acquire(SyncKey("nb"))
	require.True(t, ok)
	assert.True(t, g.Live("sync:nb"))

	_, ok = g.Acquire(SyncKey("nb"))
	assert.False(t, ok, "second acquire must be refused while the first is live")

	other, ok := g.Acquire(PresenceKey("nb"))
	require.True(t, ok, "sync and presence keys are independent")
	other.Release()

	l.Release()
	l.Release()
	assert.False(t, g.Live("sync:nb"))
	assert.Equal(t, 0, g.Len())

	again, ok := g.Acquire(SyncKey("nb"))
	require.True(t, ok)
	l.Release() // a stale lease must not free the new holder
	assert.True(t, g.Live("sync:nb"))
	again.Release()
}

func TestGuard_ConcurrentAcquireGrantsOne(t *testing.T) {
	g := New()
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := g.Acquire("k"); ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestGuard_WaitAll(t *testing.T) {
	g := New()
	l, ok := g.Acquire("k")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.WaitAll(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(5 * time.Millisecond)
		l.Release()
	}()
	require.NoError(t, g.WaitAll(context.Background()))
}

func TestGuard_WaitAllCoversLeasesTakenWhileWaiting(t *testing.T) {
	g := New()
	first, ok := g.Acquire("a")
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- g.WaitAll(context.Background()) }()

	second, ok := g.Acquire("b")
	require.True(t, ok)
	first.Release()
	select {
	case <-done:
		t.Fatal("WaitAll returned while a lease was still held")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, g.Len())

	second.Release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitAll did not return after the last release")
	}
}
