package realtime

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// ClientRegistry maps an announced auth id to the session currently
// representing that user, so out-of-band events can be pushed to a user
// regardless of which connection object they arrived on.
//
// Registration is last-writer-wins by contract: a reconnecting user
// overwrites the previous entry and the newest connection receives all
// subsequent pushes.
type ClientRegistry struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry(logger zerolog.Logger) *ClientRegistry {
	return &ClientRegistry{
		logger:   logger.With().Str("component", "ClientRegistry").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Register binds the auth id to the session, replacing any previous entry.
func (r *ClientRegistry) Register(authID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[authID] = s
}

// Deregister removes the entry only if it still points at s. A stale
// connection's teardown must not evict the session that replaced it.
func (r *ClientRegistry) Deregister(authID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[authID]; ok && current == s {
		delete(r.sessions, authID)
	}
}

// Push delivers an event to the user's current session, if any. Delivery is
// best-effort; false means no connected client for this auth id.
func (r *ClientRegistry) Push(authID string, evt dispatch.Event) bool {
	r.mu.RLock()
	s, ok := r.sessions[authID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug().Str("authId", authID).Str("event", evt.Name).Msg("No connected client for push")
		return false
	}
	if err := s.Send(evt); err != nil {
		r.logger.Warn().Err(err).Str("authId", authID).Str("event", evt.Name).Msg("Push delivery failed")
		return false
	}
	return true
}
