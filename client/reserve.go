package client

import (
	"sync"
	"sync/atomic"
)

// DefaultReserveCapacity bounds the reserve so a long outage cannot exhaust
// memory. When full, the oldest frame is evicted.
const DefaultReserveCapacity = 10_000

// Reserve holds encoded frames that could not be queued or written. It is
// drained oldest-first by Retry.
type Reserve struct {
	mu       sync.Mutex
	frames   [][]byte
	capacity int
	dropped  atomic.Int64
}

// NewReserve returns a reserve holding at most capacity frames. A capacity of
// zero or less means unbounded.
func NewReserve(capacity int) *Reserve {
	return &Reserve{capacity: capacity}
}

// Push appends a frame, evicting the oldest one if the reserve is full.
// It reports whether an eviction happened.
func (r *Reserve) Push(frame []byte) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capacity > 0 && len(r.frames) >= r.capacity {
		r.frames[0] = nil
		r.frames = r.frames[1:]
		r.dropped.Add(1)
		evicted = true
	}
	r.frames = append(r.frames, frame)
	return evicted
}

// pushFront returns a frame to the head of the reserve after a failed retry.
// If the reserve filled up in the meantime the frame is the oldest entry and
// is the one dropped.
func (r *Reserve) pushFront(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capacity > 0 && len(r.frames) >= r.capacity {
		r.dropped.Add(1)
		return
	}
	r.frames = append(r.frames, nil)
	copy(r.frames[1:], r.frames)
	r.frames[0] = frame
}

func (r *Reserve) popFront() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.frames) == 0 {
		return nil, false
	}
	frame := r.frames[0]
	r.frames[0] = nil
	r.frames = r.frames[1:]
	return frame, true
}

func (r *Reserve) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Dropped is the number of frames evicted since the reserve was created.
func (r *Reserve) Dropped() int64 {
	return r.dropped.Load()
}

// Retry resends frames oldest-first. allow is consulted before each frame and
// can stop the pass early; a nil allow permits everything. The pass stops at
// the first send error, which is returned, leaving that frame and everything
// behind it in place.
func (r *Reserve) Retry(send func([]byte) error, allow func() bool) (sent int, err error) {
	for {
		if allow != nil && r.Len() > 0 && !allow() {
			return sent, nil
		}
		frame, ok := r.popFront()
		if !ok {
			return sent, nil
		}
		if err := send(frame); err != nil {
			r.pushFront(frame)
			return sent, err
		}
		sent++
	}
}
