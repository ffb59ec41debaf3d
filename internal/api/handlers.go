// Package api defines the HTTP surface of the load manager: admin and user
// read endpoints, the worker push side-channel, and the action-parameterized
// forwarding proxy.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ojuolokun86/load-manager/internal/fanout"
	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// Resolver resolves the worker that should serve a user.
type Resolver interface {
	Resolve(ctx context.Context, key dispatch.Key) (dispatch.Worker, error)
}

// Aggregator performs the fan-out reads exposed by the user and admin
// endpoints.
type Aggregator interface {
	UserBots(ctx context.Context, authID string) []fanout.Bot
	AllBots(ctx context.Context) []fanout.Bot
	DeleteUsers(ctx context.Context) []fanout.DeleteResult
}

// Pusher delivers out-of-band events to a connected user.
type Pusher interface {
	Push(authID string, evt dispatch.Event) bool
}

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	registry  *dispatch.Registry
	health    dispatch.HealthSource
	directory dispatch.AffinityDirectory
	resolver  Resolver
	fanout    Aggregator
	pusher    Pusher
	forward   *http.Client
	logger    zerolog.Logger
}

// NewAPI creates a new, stateless API handler.
func NewAPI(
	registry *dispatch.Registry,
	health dispatch.HealthSource,
	directory dispatch.AffinityDirectory,
	resolver Resolver,
	aggregator Aggregator,
	pusher Pusher,
	logger zerolog.Logger,
) *API {
	return &API{
		registry:  registry,
		health:    health,
		directory: directory,
		resolver:  resolver,
		fanout:    aggregator,
		pusher:    pusher,
		forward:   &http.Client{Timeout: forwardTimeout},
		logger:    logger.With().Str("component", "API").Logger(),
	}
}

// RegisterRoutes attaches every handler to the mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", a.PingHandler)
	mux.HandleFunc("GET /api/admin/server-status", a.ServerStatusHandler)
	mux.HandleFunc("GET /api/admin/servers", a.ServersHandler)
	mux.HandleFunc("GET /api/user/bot-info", a.UserBotInfoHandler)
	mux.HandleFunc("GET /api/admin/bots-status", a.BotsStatusHandler)
	mux.HandleFunc("DELETE /api/admin/users", a.DeleteUsersHandler)
	mux.HandleFunc("POST /api/admin/switch-server", a.SwitchServerHandler)
	mux.HandleFunc("POST /api/push/qr", a.PushPairingCodeHandler)

	// Action-parameterized forwarding proxy. Action routes accept any
	// method and an optional trailing phone-number segment; the literal
	// read routes above stay more specific and keep precedence.
	mux.HandleFunc("POST /api/register", a.ForwardHandler)
	for _, group := range []string{"auth", "session", "user", "admin"} {
		mux.HandleFunc("/api/"+group+"/{action}", a.ForwardHandler)
		mux.HandleFunc("/api/"+group+"/{action}/{phoneNumber}", a.ForwardHandler)
	}
}

// PingHandler is the liveness probe.
func (a *API) PingHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// ServerStatusHandler returns the live health table.
func (a *API) ServerStatusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  a.health.Status(),
	})
}

// ServersHandler lists the currently healthy workers.
func (a *API) ServersHandler(w http.ResponseWriter, _ *http.Request) {
	status := a.health.Status()
	type serverInfo struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	servers := make([]serverInfo, 0)
	for _, worker := range a.registry.Workers() {
		if rec, ok := status[worker.ID]; ok && rec.Healthy {
			servers = append(servers, serverInfo{ID: worker.ID, Name: worker.Name})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

// UserBotInfoHandler returns the fan-out session listing for one user.
func (a *API) UserBotInfoHandler(w http.ResponseWriter, r *http.Request) {
	authID := r.URL.Query().Get("authId")
	if authID == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing authId")
		return
	}
	bots := a.fanout.UserBots(r.Context(), authID)
	writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

// BotsStatusHandler returns every session on every healthy worker.
func (a *API) BotsStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bots": a.fanout.AllBots(r.Context())})
}

// DeleteUsersHandler broadcasts a user deletion to all healthy workers.
func (a *API) DeleteUsersHandler(w http.ResponseWriter, r *http.Request) {
	results := a.fanout.DeleteUsers(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": results,
	})
}

// SwitchServerHandler is the explicit admin reassignment of one user's
// affinity record.
func (a *API) SwitchServerHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PhoneNumber string `json:"phoneNumber"`
		NewServerID string `json:"newServerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PhoneNumber == "" || body.NewServerID == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing params")
		return
	}
	if _, ok := a.registry.ByID(body.NewServerID); !ok {
		writeJSONError(w, http.StatusBadRequest, "Unknown server id")
		return
	}

	if err := a.directory.Bind(r.Context(), dispatch.Key{PhoneNumber: body.PhoneNumber}, body.NewServerID); err != nil {
		a.logger.Error().Err(err).Str("worker", body.NewServerID).Msg("Failed to switch server")
		writeJSONError(w, http.StatusInternalServerError, "Failed to switch server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Server switched successfully.",
	})
}

// PushPairingCodeHandler is the inbound side-channel for workers: a
// pairing-code payload is routed to the target user's current connection
// through the client registry, independent of any relay association.
func (a *API) PushPairingCodeHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AuthID      string          `json:"authId"`
		PhoneNumber string          `json:"phoneNumber"`
		QR          json.RawMessage `json:"qr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.AuthID == "" {
		writeJSONError(w, http.StatusBadRequest, "Pairing-code payload must carry an authId")
		return
	}

	evt, err := dispatch.NewEvent(dispatch.EventPairingCode, payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to build pairing-code event")
		return
	}
	delivered := a.pusher.Push(payload.AuthID, evt)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"delivered": delivered,
	})
}
