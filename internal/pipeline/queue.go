package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultQueueCapacity is the intake capacity used when none is configured.
const DefaultQueueCapacity = 8192

var (
	// ErrCapacity is returned when the intake stays full for the whole queue
	// timeout.
	ErrCapacity = errors.New("request intake full")

	// ErrDraining is returned when a request is queued after draining began.
	ErrDraining = errors.New("engine is draining")
)

// intake is the bounded request queue callers push into. It is safe for
// concurrent producers and consumers.
type intake struct {
	ch chan []byte
}

func newIntake(capacity int) *intake {
	return &intake{ch: make(chan []byte, capacity)}
}

// offer pushes req, waiting up to timeout for space.
func (q *intake) offer(ctx context.Context, req []byte, timeout time.Duration) error {
	select {
	case q.ch <- req:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.ch <- req:
		return nil
	case <-timer.C:
		return ErrCapacity
	case <-ctx.Done():
		return ctx.Err()
	}
}

// poll pops the oldest request, waiting up to timeout for one to arrive.
func (q *intake) poll(timeout time.Duration) ([]byte, bool) {
	select {
	case req := <-q.ch:
		return req, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case req := <-q.ch:
		return req, true
	case <-timer.C:
		return nil, false
	}
}

func (q *intake) len() int {
	return len(q.ch)
}

// retryBuffer holds requests whose connection failed before a response was
// read. It never rejects a push.
type retryBuffer struct {
	mu    sync.Mutex
	items [][]byte
}

// pushAll appends reqs in order.
func (b *retryBuffer) pushAll(reqs [][]byte) {
	if len(reqs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, reqs...)
}

// pop removes the oldest request without blocking.
func (b *retryBuffer) pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return nil, false
	}
	req := b.items[0]
	b.items[0] = nil
	b.items = b.items[1:]
	if len(b.items) == 0 {
		b.items = nil
	}
	return req, true
}

func (b *retryBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// snapshot returns a copy of the buffered requests, oldest first.
func (b *retryBuffer) snapshot() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.items))
	copy(out, b.items)
	return out
}
