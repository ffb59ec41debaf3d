package realtime

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// Session is one connected client and its lazily-created backend
// connection. A session owns its backend connection exclusively: both are
// torn down together, and at most one backend connection is ever created
// per session.
type Session struct {
	id     string
	client *websocket.Conn
	logger zerolog.Logger

	// writeMu serializes writes to the client socket: pushes can arrive from
	// the backend reader, the registry, and the client reader concurrently.
	writeMu sync.Mutex

	mu          sync.Mutex
	authID      string
	backend     *websocket.Conn
	backendOpen bool
	dialed      bool
	closed      bool
}

func newSession(client *websocket.Conn, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		client: client,
		logger: logger.With().Str("session", id).Logger(),
	}
}

// Send writes an event frame to the client.
func (s *Session) Send(evt dispatch.Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.client.WriteJSON(evt)
}

// sendError delivers an explicit error payload to the client.
func (s *Session) sendError(message string) {
	evt, err := dispatch.NewEvent("error", map[string]string{"message": message})
	if err != nil {
		return
	}
	if err := s.Send(evt); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to deliver error payload")
	}
}

// setAuthID records the announced identity. A re-announcement overwrites:
// the newest identity wins, matching the registry's last-writer semantics.
func (s *Session) setAuthID(authID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authID = authID
}

// AuthID returns the announced identity, or "".
func (s *Session) AuthID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authID
}

// claimDial marks the one permitted backend-establishing transition. It
// returns false if a dial was already claimed or the session is closed;
// callers that lose the claim must not dial.
func (s *Session) claimDial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialed || s.closed {
		return false
	}
	s.dialed = true
	return true
}

// attachBackend adopts the dialed backend connection. It returns false when
// the session closed while the dial was in flight, in which case the caller
// must close the connection itself.
func (s *Session) attachBackend(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.backend = conn
	s.backendOpen = true
	return true
}

// backendConn returns the backend connection and whether it currently
// reports itself open.
func (s *Session) backendConn() (*websocket.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend, s.backendOpen
}

// markBackendClosed records that the backend side is gone.
func (s *Session) markBackendClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendOpen = false
}

// Close tears down both sides of the session. It is idempotent and safe to
// call from either side's reader: a disconnect racing a relay attempt never
// leaves a half-closed pair.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.backendOpen = false
	backend := s.backend
	s.mu.Unlock()

	if backend != nil {
		_ = backend.Close()
	}
	_ = s.client.Close()
	s.logger.Debug().Msg("Session closed")
}
