package auth

import (
	"sync"
)

// Hub fans auth events out to subscribers.
//
// Each subscriber owns a goroutine and an unbounded queue, so a slow
// subscriber never blocks the publisher or reorders its own events.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

type subscriber struct {
	fn     func(Event)
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	done   bool
	exited chan struct{}
}

func newSubscriber(fn func(Event)) *subscriber {
	s := &subscriber{fn: fn, exited: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) run() {
	defer close(s.exited)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fn(ev)
	}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.done = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

// Subscribe registers fn. If initial is non-nil it is queued before any
// event published after this call returns.
func (h *Hub) Subscribe(fn func(Event), initial *Event) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := newSubscriber(fn)
	if h.closed {
		sub.stop()
		return &hubSubscription{}
	}
	if initial != nil {
		sub.push(*initial)
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	return &hubSubscription{hub: h, id: id}
}

// Publish queues ev for every current subscriber.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		sub.push(ev)
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops every subscriber. Later subscriptions receive nothing.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		sub.stop()
		delete(h.subs, id)
	}
}

func (h *Hub) remove(id int) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		sub.stop()
	}
}

type hubSubscription struct {
	hub  *Hub
	id   int
	once sync.Once
}

func (s *hubSubscription) Unsubscribe() {
	if s.hub == nil {
		return
	}
	s.once.Do(func() { s.hub.remove(s.id) })
}
