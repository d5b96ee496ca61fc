package notify

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/trip-matching/internal/models"
)

// Session wraps one subscriber connection; writes are serialized because
// gorilla/websocket allows a single concurrent writer.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) send(ev models.MatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Registry holds WebSocket subscribers waiting for a trip's match outcome.
// Several clients may watch the same trip.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string][]*Session
}

func NewRegistry() *Registry { return &Registry{sessions: make(map[string][]*Session)} }

func (r *Registry) Add(tripID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[tripID] = append(r.sessions[tripID], &Session{conn: conn})
}

// Notify delivers the event to every subscriber of the trip, dropping
// connections that fail to write. Best-effort.
func (r *Registry) Notify(tripID string, ev models.MatchEvent) {
	r.mu.RLock()
	subs := r.sessions[tripID]
	r.mu.RUnlock()
	if len(subs) == 0 {
		return
	}
	var alive []*Session
	for _, s := range subs {
		if err := s.send(ev); err != nil {
			_ = s.conn.Close()
			continue
		}
		alive = append(alive, s)
	}
	r.mu.Lock()
	if len(alive) == 0 {
		delete(r.sessions, tripID)
	} else {
		r.sessions[tripID] = alive
	}
	r.mu.Unlock()
}
