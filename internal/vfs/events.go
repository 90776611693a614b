package vfs

import "time"

// EventKind names a store change.
type EventKind string

// Store change kinds.
const (
	EventListing         EventKind = "listing"
	EventSelect          EventKind = "select"
	EventSearch          EventKind = "search"
	EventExpand          EventKind = "expand"
	EventCollapse        EventKind = "collapse"
	EventRefreshStarted  EventKind = "refresh-started"
	EventRefreshFinished EventKind = "refresh-finished"
	EventError           EventKind = "error"
	EventClosed          EventKind = "closed"
)

// Event is delivered to subscribers after the store has changed.
type Event struct {
	Kind     EventKind `json:"kind"`
	ClientID string    `json:"client_id"`
	Path     string    `json:"path,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Subscribe returns a channel of store events and a func that cancels the
// subscription. A subscriber that falls behind loses events instead of
// blocking the store. The channel is closed on cancel or Close.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, s.opts.EventBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// emit must be called with s.mu held.
func (s *Store) emit(kind EventKind, path string, err error) {
	ev := Event{Kind: kind, ClientID: s.clientID, Path: path, Time: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
