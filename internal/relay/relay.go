package relay

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/stupiduntilnot/sidechat/internal/model"
)

// Kind tags a relay event.
type Kind string

const (
	KindFragment Kind = "fragment"
	KindEnd      Kind = "end"
	KindError    Kind = "error"
)

// Event is one message on the relay. Every session produces zero or more
// fragments followed by exactly one end or error.
type Event struct {
	SessionID string `json:"session_id"`
	Kind      Kind   `json:"kind"`
	Text      string `json:"text,omitempty"`
	Err       error  `json:"-"`
}

// Terminal reports whether e closes its session.
func (e Event) Terminal() bool {
	return e.Kind == KindEnd || e.Kind == KindError
}

// Hub broadcasts stream events to every subscription attached at publish
// time. There is no replay: events published with no subscribers are lost.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	wg   sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscription receives every event published while it is open. Each
// subscription queues its own events and a pump goroutine feeds the channel,
// so a listener that stops reading never delays the publisher or other
// listeners, and never loses or reorders its own events.
type Subscription struct {
	hub  *Hub
	ch   chan Event
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
}

// Subscribe attaches a new listener with the given channel buffer.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	sub := &Subscription{
		hub:  h,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	go sub.pump()
	return sub
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close detaches the subscription and discards anything still queued.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.done)
	})
}

// Pending returns the number of events queued but not yet handed to the channel.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) enqueue(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			s.mu.Lock()
			s.queue = nil
			s.mu.Unlock()
			return
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish queues ev on every current subscriber. It never blocks on a
// subscriber.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		sub.enqueue(ev)
	}
}

// Run opens a stream on provider and relays it as sessionID events. The
// returned error is the one published in the terminal error event.
func (h *Hub) Run(ctx context.Context, sessionID string, provider model.Provider, req model.Request) error {
	stream, err := provider.Open(ctx, req)
	if err != nil {
		log.Printf("[relay] session=%s provider=%s open failed: %v", sessionID, req.Provider, err)
		h.Publish(Event{SessionID: sessionID, Kind: KindError, Text: err.Error(), Err: err})
		return err
	}
	defer stream.Close()

	fragments := 0
	for stream.Next() {
		fragments++
		h.Publish(Event{SessionID: sessionID, Kind: KindFragment, Text: stream.Fragment()})
	}
	if err := stream.Err(); err != nil {
		log.Printf("[relay] session=%s provider=%s stream failed after %d fragments: %v", sessionID, req.Provider, fragments, err)
		h.Publish(Event{SessionID: sessionID, Kind: KindError, Text: err.Error(), Err: err})
		return err
	}
	h.Publish(Event{SessionID: sessionID, Kind: KindEnd})
	return nil
}

// Send starts a completion in the background and returns its session id.
// Callers subscribe before calling Send to observe the whole session.
func (h *Hub) Send(ctx context.Context, registry model.Registry, req model.Request) string {
	sessionID := uuid.NewString()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		provider, err := registry.Lookup(req.Provider)
		if err != nil {
			h.Publish(Event{SessionID: sessionID, Kind: KindError, Text: err.Error(), Err: err})
			return
		}
		_ = h.Run(ctx, sessionID, provider, req)
	}()
	return sessionID
}

// Wait blocks until every session started by Send has finished.
func (h *Hub) Wait() {
	h.wg.Wait()
}
