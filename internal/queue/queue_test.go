package queue

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/harplog/harp/action"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func act(id uint32) action.Action {
	return action.Action{ID: id, Addr: netip.MustParseAddr("127.0.0.1"), Kind: "k"}
}

func TestDrainPreservesOrder(t *testing.T) {
	q := New(10)
	for i := uint32(0); i < 5; i++ {
		require.NoError(t, q.Push(context.Background(), act(i)))
	}

	got := q.Drain()
	require.Len(t, got, 5)
	for i, a := range got {
		assert.Equal(t, uint32(i), a.ID)
	}
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Drain())
}

func TestPushBlocksWhenFull(t *testing.T) {
	q := New(1)
	require.True(t, q.TryPush(act(1)))
	assert.True(t, q.Full())
	assert.False(t, q.TryPush(act(2)))

	done := make(chan error, 1)
	go func() { done <- q.Push(context.Background(), act(2)) }()

	select {
	case <-done:
		t.Fatal("push returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	first := q.Drain()
	require.Len(t, first, 1)
	assert.Equal(t, uint32(1), first[0].ID)

	require.NoError(t, <-done)
	second := q.Drain()
	require.Len(t, second, 1)
	assert.Equal(t, uint32(2), second[0].ID)
}

func TestPushCancelled(t *testing.T) {
	q := New(1)
	require.True(t, q.TryPush(act(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Push(ctx, act(2))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, q.Len())
}

func TestDrainIsASnapshot(t *testing.T) {
	q := New(100)
	for i := uint32(0); i < 10; i++ {
		require.True(t, q.TryPush(act(i)))
	}

	got := q.Drain()
	require.True(t, q.TryPush(act(99)))

	assert.Len(t, got, 10)
	assert.Equal(t, 1, q.Len())
}

func TestConcurrentProducers(t *testing.T) {
	q := New(16)
	const producers, perProducer = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Push(context.Background(), act(uint32(p*perProducer+i)))
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	seen := make(map[uint32]bool)
	lastByProducer := make(map[uint32]int)
	for {
		for _, a := range q.Drain() {
			require.False(t, seen[a.ID], "duplicate %d", a.ID)
			seen[a.ID] = true

			p, i := a.ID/perProducer, int(a.ID%perProducer)
			last, ok := lastByProducer[p]
			require.True(t, !ok || i > last, "producer %d out of order", p)
			lastByProducer[p] = i
		}
		select {
		case <-done:
			for _, a := range q.Drain() {
				seen[a.ID] = true
			}
			assert.Len(t, seen, producers*perProducer)
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
