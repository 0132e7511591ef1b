package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue[int]()
	for i := 1; i <= 3; i++ {
		require.True(t, q.Enqueue(i))
	}
	assert.Equal(t, 3, q.Len())

	for want := 1; want <= 3; want++ {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestEventQueue_SignalCoalesces(t *testing.T) {
	q := newEventQueue[int]()
	q.Enqueue(1)
	q.Enqueue(2)

	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("second signal should have been coalesced")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestEventQueue_CloseRejectsButDrains(t *testing.T) {
	q := newEventQueue[string]()
	q.Enqueue("a")
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue("b"))
	got, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "a", got)

	_, open := <-q.Wait()
	assert.False(t, open, "closing wakes waiters")
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	q := newEventQueue[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, q.Len())
}
