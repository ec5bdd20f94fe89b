package realtime

import (
	"strings"
	"sync"

	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/logging"
)

const (
	EventCreated = "CREATED"
	EventUpdated = "UPDATED"
	EventDeleted = "DELETED"
)

type Payload struct {
	Type string             `json:"type"`
	ID   string             `json:"id"`
	Doc  *docstore.Document `json:"doc,omitempty"`
}

type Event struct {
	Event   string  `json:"event"`
	Payload Payload `json:"payload"`
}

func eventName(verb docstore.Verb) string {
	switch verb {
	case docstore.VerbCreated:
		return EventCreated
	case docstore.VerbDeleted:
		return EventDeleted
	default:
		return EventUpdated
	}
}

// Subscription receives the events of the doctypes it subscribed to. Events
// arriving while its buffer is full are dropped.
type Subscription struct {
	hub    *Hub
	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	doctypes map[string]map[string]struct{}
	dropped  int
}

func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription ends, by Close or by the hub closing.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe adds doctype, optionally narrowed to one document id.
func (s *Subscription) Subscribe(doctype, id string) {
	doctype = strings.TrimSpace(doctype)
	if doctype == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.doctypes[doctype]
	if !ok {
		ids = map[string]struct{}{}
		s.doctypes[doctype] = ids
	}
	if id == "" {
		// an empty set means every document of the doctype
		for key := range ids {
			delete(ids, key)
		}
		ids[""] = struct{}{}
		return
	}
	if _, all := ids[""]; !all {
		ids[id] = struct{}{}
	}
}

func (s *Subscription) wants(doctype, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.doctypes[doctype]
	if !ok {
		return false
	}
	if _, all := ids[""]; all {
		return true
	}
	_, ok = ids[id]
	return ok
}

func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub fans document changes out to websocket subscribers.
type Hub struct {
	logger logging.Logger
	buffer int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewHub(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Hub{logger: logger, buffer: 64, subs: map[*Subscription]struct{}{}}
}

func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		hub:      h,
		events:   make(chan Event, h.buffer),
		done:     make(chan struct{}),
		doctypes: map[string]map[string]struct{}{},
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.done)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.done)
}

// Publish is meant to be passed to docstore.Store.Subscribe.
func (h *Hub) Publish(change docstore.Change) {
	if change.Doctype == docstore.DoctypeShared {
		return
	}
	event := Event{
		Event:   eventName(change.Verb),
		Payload: Payload{Type: change.Doctype, ID: change.ID, Doc: change.Doc},
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.wants(change.Doctype, change.ID) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			sub.mu.Lock()
			sub.dropped++
			dropped := sub.dropped
			sub.mu.Unlock()
			h.logger.Warn("realtime subscriber too slow, event dropped", "doctype", change.Doctype, "id", change.ID, "dropped", dropped)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later subscriptions start closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.done)
	}
}
