// Package tap fans protocol traffic out to live observers such as the
// diagnostics server.
package tap

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Traffic directions.
const (
	DirIn  = "in"
	DirOut = "out"
)

// Event is one protocol line seen by the worker.
type Event struct {
	Dir  string    `json:"dir"`
	Line string    `json:"line"`
	Time time.Time `json:"time"`
}

// Tap distributes events to subscribers. It is safe for concurrent use.
// Publishing never blocks the worker loop.
type Tap struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// New creates an open tap.
func New() *Tap {
	return &Tap{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and an unsubscribe function.
// After Close the returned channel is already closed.
func (t *Tap) Subscribe() (<-chan Event, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends one line to every subscriber, dropping it for those whose
// buffers are full. A nil Tap discards everything.
func (t *Tap) Publish(dir string, line []byte) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || len(t.subs) == 0 {
		return
	}

	ev := Event{Dir: dir, Line: string(line), Time: time.Now().UTC()}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports the number of active subscribers.
func (t *Tap) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close ends the stream. Subscriber channels are closed and later
// subscriptions receive a closed channel.
func (t *Tap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
