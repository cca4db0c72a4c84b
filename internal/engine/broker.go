package engine

import "sync"

// subscriberBufferSize is the channel buffer for each response subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 256

// Broker fans out per-run response lines to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that subscribers arriving after a
// run finishes receive a closed channel instead of blocking forever.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewBroker creates a new broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives response lines for the given run
// and an unsubscribe function. If the run has already finished, the returned
// channel is immediately closed.
func (b *Broker) Subscribe(runID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan string)}
		b.topics[runID] = t
	}

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a line to all subscribers of the given run. Lines are
// dropped for subscribers whose buffers are full. Concurrent publishers only
// share a read lock.
func (b *Broker) Publish(runID string, line string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.topics[runID]
	if !ok || t.closed || len(t.subs) == 0 {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Workers must never block on a slow reader.
		}
	}
}

// Close signals that no more lines will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		b.topics[runID] = &topic{subs: make(map[int]chan string), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
