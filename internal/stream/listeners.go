package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Wildcard is the event type whose listeners receive every event.
const Wildcard = "*"

// Event is one parsed inbound frame.
type Event struct {
	// Type is the frame's "type" field.
	Type string
	// Data is the complete raw frame.
	Data []byte
}

// Decode unmarshals the frame into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Listener handles events.
type Listener func(Event)

// ListenerID identifies a registered listener for Off.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

type listenerSet struct {
	mu     sync.RWMutex
	byType map[string][]listenerEntry
	nextID ListenerID
}

func (s *listenerSet) add(eventType string, fn Listener) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byType == nil {
		s.byType = make(map[string][]listenerEntry)
	}
	s.nextID++
	s.byType[eventType] = append(s.byType[eventType], listenerEntry{id: s.nextID, fn: fn})
	return s.nextID
}

func (s *listenerSet) remove(eventType string, id ListenerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.byType[eventType]
	for i, e := range entries {
		if e.id != id {
			continue
		}
		// Copy so an in-flight dispatch keeps iterating its own slice.
		next := make([]listenerEntry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		if len(next) == 0 {
			delete(s.byType, eventType)
		} else {
			s.byType[eventType] = next
		}
		return true
	}
	return false
}

// matching returns the listeners for eventType followed by the wildcard
// listeners, each group in registration order.
func (s *listenerSet) matching(eventType string) []listenerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	typed := s.byType[eventType]
	var wild []listenerEntry
	if eventType != Wildcard {
		wild = s.byType[Wildcard]
	}
	out := make([]listenerEntry, 0, len(typed)+len(wild))
	out = append(out, typed...)
	return append(out, wild...)
}

func (s *listenerSet) dispatch(ev Event, logger *slog.Logger) {
	for _, e := range s.matching(ev.Type) {
		invoke(e, ev, logger)
	}
}

func invoke(e listenerEntry, ev Event, logger *slog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Listener panicked", "type", ev.Type, "listener", e.id, "panic", rec)
		}
	}()
	e.fn(ev)
}
