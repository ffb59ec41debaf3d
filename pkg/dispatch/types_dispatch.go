// Package dispatch contains the public domain models, interfaces, and
// configuration for the load manager. It defines the contract for routing
// users to the worker fleet.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"
)

// Reserved event names intercepted before generic relay. Every other event
// name is opaque and forwarded verbatim.
const (
	// EventAuthID is the identity-announcement event sent by a client after
	// connecting. Its single argument is the user's auth id.
	EventAuthID = "authId"
	// EventGetBotInfo asks the load manager to re-push the aggregated
	// bot-info for the announced identity. It never reaches a worker.
	EventGetBotInfo = "get-bot-info"
	// EventBotInfo carries the aggregated cross-worker bot listing to a client.
	EventBotInfo = "bot-info"
	// EventPairingCode is the out-of-band pairing-code push from a worker.
	// It is routed by the auth id in its payload, not by the originating
	// backend connection.
	EventPairingCode = "qr"
)

var (
	// ErrNoCapacity is returned when no healthy worker has spare capacity.
	ErrNoCapacity = errors.New("no worker with spare capacity")
	// ErrNoAffinity is returned when a user has no session affinity record.
	ErrNoAffinity = errors.New("no session affinity for user")
	// ErrUnknownWorker is returned when a worker id does not exist in the registry.
	ErrUnknownWorker = errors.New("worker id not present in registry")
	// ErrMalformedPayload is returned for payloads that fail structural parsing.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Worker is one backend instance hosting live user sessions. Immutable after
// registry load; identity is the ID.
type Worker struct {
	ID      string  `json:"id"`
	Name    string  `json:"name,omitempty"`
	URL     string  `json:"url"`
	MaxLoad float64 `json:"maxLoad,omitempty"`
}

// Registry is the static, ordered worker fleet loaded once at startup.
type Registry struct {
	workers []Worker
	byID    map[string]Worker
}

// NewRegistry validates the configured workers and builds the registry.
// A missing MaxLoad defaults to 1.
func NewRegistry(workers []Worker) (*Registry, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("worker registry cannot be empty")
	}
	r := &Registry{
		workers: make([]Worker, 0, len(workers)),
		byID:    make(map[string]Worker, len(workers)),
	}
	for _, w := range workers {
		if w.ID == "" {
			return nil, fmt.Errorf("worker with url %q has no id", w.URL)
		}
		if _, exists := r.byID[w.ID]; exists {
			return nil, fmt.Errorf("duplicate worker id %q", w.ID)
		}
		u, err := url.Parse(w.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("worker %q has invalid url %q", w.ID, w.URL)
		}
		if w.MaxLoad <= 0 {
			w.MaxLoad = 1
		}
		if w.Name == "" {
			w.Name = w.ID
		}
		r.workers = append(r.workers, w)
		r.byID[w.ID] = w
	}
	return r, nil
}

// Workers returns the fleet in registry order. The slice is a copy.
func (r *Registry) Workers() []Worker {
	out := make([]Worker, len(r.workers))
	copy(out, r.workers)
	return out
}

// ByID looks up a worker by id.
func (r *Registry) ByID(id string) (Worker, bool) {
	w, ok := r.byID[id]
	return w, ok
}

// First returns the first worker in registry order. It is the deliberate
// last-resort default when neither affinity nor assignment resolves.
func (r *Registry) First() Worker {
	return r.workers[0]
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	return len(r.workers)
}

// HealthRecord is the live healthy/unhealthy + load snapshot for one worker.
// Load is +Inf exactly when the worker is unreachable.
type HealthRecord struct {
	WorkerID string  `json:"workerId"`
	Healthy  bool    `json:"healthy"`
	Load     float64 `json:"load"`
}

// MarshalJSON renders an infinite load as null, since +Inf has no JSON
// representation.
func (h HealthRecord) MarshalJSON() ([]byte, error) {
	type wire struct {
		WorkerID string   `json:"workerId"`
		Healthy  bool     `json:"healthy"`
		Load     *float64 `json:"load"`
	}
	w := wire{WorkerID: h.WorkerID, Healthy: h.Healthy}
	if !math.IsInf(h.Load, 1) {
		load := h.Load
		w.Load = &load
	}
	return json.Marshal(w)
}

// HealthStatus is a snapshot of the health table, keyed by worker id.
type HealthStatus map[string]HealthRecord

// Key identifies a user for affinity resolution. PhoneNumber takes
// precedence over AuthID when both are present.
type Key struct {
	PhoneNumber string `json:"phoneNumber,omitempty"`
	AuthID      string `json:"authId,omitempty"`
}

// Empty reports whether the key carries no identity at all.
func (k Key) Empty() bool {
	return k.PhoneNumber == "" && k.AuthID == ""
}

// AffinityRecord is the durable user-to-worker assignment held in the
// external directory. One row per user; never deleted by this subsystem.
type AffinityRecord struct {
	PhoneNumber string    `json:"phoneNumber"`
	AuthID      string    `json:"authId"`
	ServerID    string    `json:"serverId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Event is the generic named-payload frame relayed between clients and
// workers over the event socket.
type Event struct {
	Name string            `json:"event"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// NewEvent builds an event, marshaling each argument. Marshal failures are
// not expected for the internal types we send and are reported as an error.
func NewEvent(name string, args ...any) (Event, error) {
	evt := Event{Name: name}
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal event %q argument: %w", name, err)
		}
		evt.Args = append(evt.Args, raw)
	}
	return evt, nil
}

// FirstArg decodes the first argument of the event into v.
func (e Event) FirstArg(v any) error {
	if len(e.Args) == 0 {
		return fmt.Errorf("event %q has no arguments: %w", e.Name, ErrMalformedPayload)
	}
	if err := json.Unmarshal(e.Args[0], v); err != nil {
		return fmt.Errorf("failed to decode event %q argument: %w", e.Name, ErrMalformedPayload)
	}
	return nil
}
