// Package queue holds validated actions between the connection handlers and
// the batch writer.
package queue

import (
	"context"

	"github.com/harplog/harp/action"
)

// Queue is a bounded multi-producer queue with a single draining consumer.
type Queue struct {
	ch chan action.Action
}

func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan action.Action, capacity)}
}

// Push enqueues a, waiting for space while the queue is full. It only fails
// when ctx is done, so a saturated queue slows producers down instead of
// losing actions.
func (q *Queue) Push(ctx context.Context, a action.Action) error {
	select {
	case q.ch <- a:
		return nil
	default:
	}

	select {
	case q.ch <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues a if there is room.
func (q *Queue) TryPush(a action.Action) bool {
	select {
	case q.ch <- a:
		return true
	default:
		return false
	}
}

// Drain removes the actions that were queued when it was called. Actions
// pushed while draining stay queued.
func (q *Queue) Drain() []action.Action {
	n := len(q.ch)
	if n == 0 {
		return nil
	}

	out := make([]action.Action, 0, n)
	for i := 0; i < n; i++ {
		select {
		case a := <-q.ch:
			out = append(out, a)
		default:
			return out
		}
	}
	return out
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }

// Full reports whether a Push would have to wait.
func (q *Queue) Full() bool { return len(q.ch) == cap(q.ch) }
