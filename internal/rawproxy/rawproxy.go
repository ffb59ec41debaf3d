// Package rawproxy implements the low-level duplex byte-stream relay for
// clients that connect by phone number instead of the named-event protocol.
package rawproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// backendPath is the raw-socket endpoint exposed by every worker.
const backendPath = "/ws"

const dialTimeout = 10 * time.Second

// Proxy relays raw frames between a client and the worker owning the
// client's session. Resolution is directory-only: a session must already
// exist, there is no load-balancer fallback here.
type Proxy struct {
	registry  *dispatch.Registry
	directory dispatch.AffinityDirectory
	upgrader  websocket.Upgrader
	dialer    *websocket.Dialer
	logger    zerolog.Logger
}

// NewProxy creates the raw socket proxy.
func NewProxy(registry *dispatch.Registry, directory dispatch.AffinityDirectory, logger zerolog.Logger) *Proxy {
	return &Proxy{
		registry:  registry,
		directory: directory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
		logger: logger.With().Str("component", "RawProxy").Logger(),
	}
}

// Handler upgrades the request, performs the first-message handshake, and
// relays until either side closes.
func (p *Proxy) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to upgrade raw socket connection")
			return
		}

		backend, ok := p.handshake(r.Context(), client)
		if !ok {
			_ = client.Close()
			return
		}
		p.relay(client, backend)
	}
}

// handshake reads the first frame, which must be a JSON object carrying the
// phone number, resolves the owning worker through the directory only, and
// dials the backend raw socket. Malformed input and unknown sessions get an
// explicit error payload before the connection is closed; there is no retry
// on bad input.
func (p *Proxy) handshake(ctx context.Context, client *websocket.Conn) (*websocket.Conn, bool) {
	_, data, err := client.ReadMessage()
	if err != nil {
		return nil, false
	}

	var first struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := json.Unmarshal(data, &first); err != nil || first.PhoneNumber == "" {
		p.sendError(client, "Invalid message format. Expected JSON with phoneNumber.")
		return nil, false
	}
	log := p.logger.With().Str("phoneNumber", first.PhoneNumber).Logger()

	workerID, err := p.directory.Lookup(ctx, dispatch.Key{PhoneNumber: first.PhoneNumber})
	if err != nil {
		if !errors.Is(err, dispatch.ErrNoAffinity) {
			log.Error().Err(err).Msg("Affinity lookup failed")
		}
		p.sendError(client, "No backend server found for this session.")
		return nil, false
	}
	worker, ok := p.registry.ByID(workerID)
	if !ok {
		log.Warn().Str("worker", workerID).Msg("Affinity record references unknown worker")
		p.sendError(client, "No backend server found for this session.")
		return nil, false
	}

	target := wsURL(worker.URL) + backendPath
	backend, resp, err := p.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.Error().Err(err).Str("worker", worker.ID).Msg("Failed to dial backend raw socket")
		p.sendError(client, "No backend server found for this session.")
		return nil, false
	}

	log.Info().Str("worker", worker.ID).Msg("Raw socket relay established")
	return backend, true
}

// relay copies frames in both directions until either side closes or
// errors; any close on one side closes the other.
func (p *Proxy) relay(client, backend *websocket.Conn) {
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			_ = backend.Close()
			_ = client.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cleanup()
		pump(client, backend)
	}()
	go func() {
		defer wg.Done()
		defer cleanup()
		pump(backend, client)
	}()
	wg.Wait()
}

// pump forwards frames from src to dst preserving the message type.
func pump(src, dst *websocket.Conn) {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(messageType, data); err != nil {
			return
		}
	}
}

func (p *Proxy) sendError(conn *websocket.Conn, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to deliver raw socket error payload")
	}
}

func wsURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpURL, "http://")
}
