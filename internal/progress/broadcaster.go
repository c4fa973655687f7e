// Package progress fans agent updates out to subscribers.
//
// A Broadcaster caches the latest update and replays it to each new
// subscriber, then delivers every later update to every subscriber exactly
// once and in publish order. Publishing never blocks: each subscriber owns
// an unbounded queue drained by its own goroutine, so a slow reader only
// delays itself.
package progress

import (
	"sync"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

// DefaultBuffer is the subscriber channel size used when none is given.
const DefaultBuffer = 16

// Broadcaster is a replay-latest hot stream of agent updates.
type Broadcaster struct {
	buffer int

	mu     sync.Mutex
	latest *model.AgentUpdate
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroadcaster creates a broadcaster whose subscriptions use channels of
// the given size. Non-positive sizes use DefaultBuffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Publish records u as the latest update and queues it for every current
// subscriber. It returns false if the broadcaster is closed.
func (b *Broadcaster) Publish(u model.AgentUpdate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.latest = &u
	for s := range b.subs {
		s.enqueue(u)
	}
	return true
}

// Subscribe returns a subscription that first receives the latest update,
// if any. Subscribing to a closed broadcaster returns a subscription whose
// channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return closedSubscription()
	}
	s := newSubscription(b, b.buffer)
	if b.latest != nil {
		s.enqueue(*b.latest)
	}
	b.subs[s] = struct{}{}
	go s.pump()
	return s
}

// Latest returns the most recently published update.
func (b *Broadcaster) Latest() (model.AgentUpdate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return model.AgentUpdate{}, false
	}
	return *b.latest, true
}

// Close stops accepting updates. Subscribers receive everything already
// published and then see their channel closed. Close is idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.finish()
	}
	clear(b.subs)
}

// Closed reports whether Close has been called.
func (b *Broadcaster) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one reader's view of a Broadcaster.
type Subscription struct {
	b  *Broadcaster
	ch chan model.AgentUpdate

	mu      sync.Mutex
	queue   []model.AgentUpdate
	closing bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newSubscription(b *Broadcaster, buffer int) *Subscription {
	return &Subscription{
		b:    b,
		ch:   make(chan model.AgentUpdate, buffer),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

func closedSubscription() *Subscription {
	s := newSubscription(nil, 0)
	close(s.ch)
	s.stopOnce.Do(func() { close(s.stop) })
	return s
}

// C returns the channel of updates. It is closed when the broadcaster
// closes and all queued updates were delivered, or after Unsubscribe.
func (s *Subscription) C() <-chan model.AgentUpdate { return s.ch }

// Unsubscribe detaches s from its broadcaster and closes its channel.
// Updates still queued are discarded.
func (s *Subscription) Unsubscribe() {
	s.stopOnce.Do(func() {
		if s.b != nil {
			s.b.remove(s)
		}
		close(s.stop)
	})
}

func (s *Subscription) enqueue(u model.AgentUpdate) {
	s.mu.Lock()
	s.queue = append(s.queue, u)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued updates onto the channel until the broadcaster closes
// and the queue is empty, or the subscriber unsubscribes.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = model.AgentUpdate{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- next:
		case <-s.stop:
			return
		}
	}
}
