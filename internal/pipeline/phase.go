package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Phase is the engine-wide lifecycle state. It only moves forward.
type Phase int32

const (
	// PhaseConnecting: workers are opening their first connection and wait
	// for the engine to go live before sending anything.
	PhaseConnecting Phase = iota
	// PhaseLive: workers send as fast as they can.
	PhaseLive
	// PhaseDraining: workers retire once both queues are empty.
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseLive:
		return "live"
	case PhaseDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// lifecycle holds the phase and broadcasts each transition by closing a
// channel, so workers block on a transition instead of polling for it.
type lifecycle struct {
	phase    atomic.Int32
	live     chan struct{}
	draining chan struct{}
	mu       sync.Mutex
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		live:     make(chan struct{}),
		draining: make(chan struct{}),
	}
}

func (l *lifecycle) current() Phase {
	return Phase(l.phase.Load())
}

// advance moves to p if p is ahead of the current phase and reports whether
// it did. Skipping Live closes the live channel too.
func (l *lifecycle) advance(p Phase) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.current()
	if p <= cur {
		return false
	}
	l.phase.Store(int32(p))
	if cur < PhaseLive {
		close(l.live)
	}
	if p == PhaseDraining {
		close(l.draining)
	}
	return true
}

// gate is a countdown latch sized to the worker count.
type gate struct {
	wg   sync.WaitGroup
	done chan struct{}
}

func newGate(n int) *gate {
	g := &gate{done: make(chan struct{})}
	g.wg.Add(n)
	go func() {
		g.wg.Wait()
		close(g.done)
	}()
	return g
}

// countDown must be called exactly once per worker.
func (g *gate) countDown() {
	g.wg.Done()
}

// wait blocks until every worker counted down or timeout elapses, and reports
// whether the gate opened.
func (g *gate) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.done:
		return true
	case <-timer.C:
		return false
	}
}

func (g *gate) opened() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}
