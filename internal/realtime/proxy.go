// Package realtime implements the duplex event proxy: the client-facing
// event socket, the per-connection session lifecycle, and the relay of named
// events to and from the assigned worker.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ojuolokun86/load-manager/internal/fanout"
	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// backendSocketPath is the event-socket endpoint exposed by every worker.
const backendSocketPath = "/socket"

const backendDialTimeout = 10 * time.Second

// BotInfoSource provides the aggregated cross-worker session listing pushed
// to clients on identity announcement.
type BotInfoSource interface {
	UserBots(ctx context.Context, authID string) []fanout.Bot
}

// WorkerResolver resolves the worker that should serve a user, falling back
// to the first registry entry when nothing else succeeds.
type WorkerResolver interface {
	ResolveOrFirst(ctx context.Context, key dispatch.Key) dispatch.Worker
}

// EventProxy relays named events between connected clients and their
// assigned workers. Each client connection gets at most one backend
// connection, created lazily on the first relayable event.
type EventProxy struct {
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	resolver WorkerResolver
	bots     BotInfoSource
	registry *ClientRegistry
	logger   zerolog.Logger
}

// NewEventProxy creates the duplex event proxy.
func NewEventProxy(resolver WorkerResolver, bots BotInfoSource, registry *ClientRegistry, logger zerolog.Logger) *EventProxy {
	return &EventProxy{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Cross-origin browsers are expected; origin policy lives in
				// the CORS config of the HTTP tier.
				return true
			},
		},
		dialer:   &websocket.Dialer{HandshakeTimeout: backendDialTimeout},
		resolver: resolver,
		bots:     bots,
		registry: registry,
		logger:   logger.With().Str("component", "EventProxy").Logger(),
	}
}

// Handler upgrades the request and runs the session until either side
// disconnects.
func (p *EventProxy) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to upgrade client connection")
			return
		}

		s := newSession(conn, p.logger)
		defer func() {
			s.Close()
			if authID := s.AuthID(); authID != "" {
				p.registry.Deregister(authID, s)
			}
			s.logger.Info().Msg("Client disconnected")
		}()

		s.logger.Info().Msg("Client connected")
		p.readLoop(r.Context(), s)
	}
}

// readLoop processes inbound client frames in arrival order.
func (p *EventProxy) readLoop(ctx context.Context, s *Session) {
	for {
		_, data, err := s.client.ReadMessage()
		if err != nil {
			return
		}

		var evt dispatch.Event
		if err := json.Unmarshal(data, &evt); err != nil || evt.Name == "" {
			s.sendError("invalid event frame")
			return
		}

		switch evt.Name {
		case dispatch.EventAuthID:
			if !p.handleIdentity(ctx, s, evt) {
				return
			}
		case dispatch.EventGetBotInfo:
			p.pushBotInfo(ctx, s)
		default:
			p.relay(ctx, s, evt)
		}
	}
}

// handleIdentity records the announced identity, registers the session for
// out-of-band pushes, and eagerly pushes the aggregated bot info. Returns
// false when the announcement is malformed, which closes the connection.
func (p *EventProxy) handleIdentity(ctx context.Context, s *Session, evt dispatch.Event) bool {
	var authID string
	if err := evt.FirstArg(&authID); err != nil || authID == "" {
		s.sendError("identity announcement must carry an auth id")
		return false
	}

	s.setAuthID(authID)
	p.registry.Register(authID, s)
	s.logger.Info().Str("authId", authID).Msg("Client announced identity")

	p.pushBotInfo(ctx, s)
	return true
}

// pushBotInfo sends the fan-out session listing for the announced identity.
// This is a stateless HTTP read across workers; it never opens the backend
// relay connection.
func (p *EventProxy) pushBotInfo(ctx context.Context, s *Session) {
	authID := s.AuthID()
	if authID == "" {
		return
	}

	bots := p.bots.UserBots(ctx, authID)
	evt, err := dispatch.NewEvent(dispatch.EventBotInfo, map[string][]fanout.Bot{"bots": bots})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build bot-info event")
		return
	}
	if err := s.Send(evt); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to push bot-info")
	}
}

// relay forwards a client event to the backend connection, establishing it
// exactly once per session on first use. Events arriving while no open
// backend exists are silently dropped: the relay favors simplicity over
// delivery guarantees.
func (p *EventProxy) relay(ctx context.Context, s *Session, evt dispatch.Event) {
	if conn, _ := s.backendConn(); conn == nil && s.claimDial() {
		p.dialBackend(ctx, s, evt)
	}

	conn, open := s.backendConn()
	if conn == nil || !open {
		s.logger.Debug().Str("event", evt.Name).Msg("No open backend connection; dropping event")
		return
	}
	if err := conn.WriteJSON(evt); err != nil {
		s.logger.Warn().Err(err).Str("event", evt.Name).Msg("Backend relay failed; tearing down")
		s.Close()
	}
}

// dialBackend resolves the target worker from the triggering event's payload
// (phone number preferred, announced identity as fallback) and opens the one
// backend connection for this session. A failed dial is not retried: the
// single establishment attempt is spent.
func (p *EventProxy) dialBackend(ctx context.Context, s *Session, evt dispatch.Event) {
	var key dispatch.Key
	if len(evt.Args) > 0 {
		// The payload may or may not carry routing identity; decode errors
		// just leave the key empty.
		_ = json.Unmarshal(evt.Args[0], &key)
	}
	if key.AuthID == "" {
		key.AuthID = s.AuthID()
	}

	worker := p.resolver.ResolveOrFirst(ctx, key)
	target := wsURL(worker.URL) + backendSocketPath
	log := s.logger.With().Str("worker", worker.ID).Logger()

	conn, resp, err := p.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to dial backend event socket")
		return
	}
	if !s.attachBackend(conn) {
		// Session closed while the dial was in flight.
		_ = conn.Close()
		return
	}
	log.Info().Msg("Backend event socket established")

	if authID := s.AuthID(); authID != "" {
		announce, err := dispatch.NewEvent(dispatch.EventAuthID, authID)
		if err == nil {
			if err := conn.WriteJSON(announce); err != nil {
				log.Warn().Err(err).Msg("Failed to announce identity to backend")
			}
		}
	}

	go p.backendReader(s)
}

// backendReader forwards backend events to the client verbatim, except the
// reserved pairing-code event, which is re-routed through the client
// registry by the identity embedded in its payload. The backend side-channel
// may push a code before any relay association exists for that user.
func (p *EventProxy) backendReader(s *Session) {
	conn, _ := s.backendConn()
	defer func() {
		s.markBackendClosed()
		s.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var evt dispatch.Event
		if err := json.Unmarshal(data, &evt); err != nil || evt.Name == "" {
			s.logger.Warn().Msg("Discarding malformed backend frame")
			continue
		}

		if evt.Name == dispatch.EventPairingCode {
			p.forwardPairingCode(evt)
			continue
		}
		if err := s.Send(evt); err != nil {
			return
		}
	}
}

// forwardPairingCode routes a pairing-code push to whichever session
// currently represents the target user.
func (p *EventProxy) forwardPairingCode(evt dispatch.Event) {
	var payload struct {
		AuthID string `json:"authId"`
	}
	if err := evt.FirstArg(&payload); err != nil || payload.AuthID == "" {
		p.logger.Warn().Msg("Pairing-code push without auth id; dropping")
		return
	}
	if !p.registry.Push(payload.AuthID, evt) {
		p.logger.Info().Str("authId", payload.AuthID).Msg("Pairing code had no connected client")
	}
}

// wsURL converts a worker's http(s) base address to the ws(s) scheme.
func wsURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpURL, "http://")
}
