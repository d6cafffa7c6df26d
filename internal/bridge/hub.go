package bridge

import "sync"

// Subscriber receives events fanned out from one bridge. Deliver must not
// block: implementations queue internally (buffered channel, socket write
// pump) and drop on overflow. Delivery is best-effort.
type Subscriber interface {
	Deliver(Event)
}

// Hub is the per-bridge event buffer and fan-out. It starts in buffering
// mode: with no subscribers attached, events accumulate in arrival order.
// The first subscriber to attach receives the full backlog exactly once
// (oldest to newest), after which backlog retention is permanently dropped
// and every event is pushed directly to the subscriber set at the moment it
// occurs. Subscribers attaching later receive no replay — they join an
// in-progress broadcast.
type Hub struct {
	mu      sync.Mutex
	retain  bool
	backlog []Event
	subs    map[Subscriber]struct{}
	taps    map[Subscriber]struct{}
}

// NewHub creates a Hub in buffering mode.
func NewHub() *Hub {
	return &Hub{
		retain: true,
		subs:   make(map[Subscriber]struct{}),
		taps:   make(map[Subscriber]struct{}),
	}
}

// Subscribe attaches a subscriber. The first subscriber ever attached drains
// the backlog before any live event is delivered to it; the drain and the
// mode switch happen atomically with respect to Publish.
func (h *Hub) Subscribe(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.retain {
		for _, evt := range h.backlog {
			s.Deliver(evt)
		}
		h.backlog = nil
		h.retain = false
	}
	h.subs[s] = struct{}{}
}

// Tap attaches a passive subscriber that observes events without counting
// as the first subscriber: the backlog is delivered to it but retained, so
// the first real subscriber still gets the full replay. Taps keep receiving
// events in both buffering and live mode.
func (h *Hub) Tap(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, evt := range h.backlog {
		s.Deliver(evt)
	}
	h.taps[s] = struct{}{}
}

// Unsubscribe detaches a subscriber or tap. Unknown subscribers are ignored.
func (h *Hub) Unsubscribe(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
	delete(h.taps, s)
}

// Publish buffers the event when no subscriber has ever attached, otherwise
// delivers it to every current subscriber. Events published while in live
// mode with zero subscribers are dropped, matching join-in-progress
// semantics.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.taps {
		s.Deliver(evt)
	}
	if h.retain {
		h.backlog = append(h.backlog, evt)
		return
	}
	for s := range h.subs {
		s.Deliver(evt)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Buffering reports whether the hub is still retaining a backlog.
func (h *Hub) Buffering() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retain
}
