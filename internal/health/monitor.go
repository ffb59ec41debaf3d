// Package health implements the worker health monitor: a fixed-interval
// poller that maintains the live health/load table, detects edge transitions
// and triggers failover when a worker goes down.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// FailoverFunc is invoked on a worker-down edge with the id of the dead
// worker and the replacement chosen from the registry.
type FailoverFunc func(ctx context.Context, downWorkerID, healthyWorkerID string)

// transition is a committed health edge detected during a poll.
type transition struct {
	workerID      string
	healthy       bool
	replacementID string
}

// Monitor polls every registered worker and maintains the health table read
// by the load balancer and the HTTP handlers. All methods are safe for
// concurrent use.
type Monitor struct {
	registry       *dispatch.Registry
	notifier       dispatch.Notifier
	client         *http.Client
	interval       time.Duration
	minStablePolls int
	onDown         FailoverFunc
	logger         zerolog.Logger

	mu        sync.RWMutex
	records   map[string]dispatch.HealthRecord
	committed map[string]bool // last committed healthy state; absent = unknown
	observed  map[string]bool // most recent raw observation
	streak    map[string]int  // consecutive polls agreeing with observed
}

// NewMonitor creates a monitor polling every interval with a bounded
// per-request timeout. minStablePolls is the number of consecutive agreeing
// polls required before an edge fires; 1 reacts to every transition.
func NewMonitor(
	registry *dispatch.Registry,
	notifier dispatch.Notifier,
	interval time.Duration,
	timeout time.Duration,
	minStablePolls int,
	logger zerolog.Logger,
) *Monitor {
	if minStablePolls < 1 {
		minStablePolls = 1
	}
	return &Monitor{
		registry:       registry,
		notifier:       notifier,
		client:         &http.Client{Timeout: timeout},
		interval:       interval,
		minStablePolls: minStablePolls,
		logger:         logger.With().Str("component", "HealthMonitor").Logger(),
		records:        make(map[string]dispatch.HealthRecord, registry.Len()),
		committed:      make(map[string]bool, registry.Len()),
		observed:       make(map[string]bool, registry.Len()),
		streak:         make(map[string]int, registry.Len()),
	}
}

// SetOnDown sets the callback invoked when a worker transitions to
// unhealthy and a healthy replacement exists. Must be called before Run.
func (m *Monitor) SetOnDown(fn FailoverFunc) {
	m.onDown = fn
}

// Status returns a snapshot of the current health table. It never blocks on
// network I/O.
func (m *Monitor) Status() dispatch.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(dispatch.HealthStatus, len(m.records))
	for id, rec := range m.records {
		out[id] = rec
	}
	return out
}

// Run polls once eagerly, then on every tick until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().Dur("interval", m.interval).Msg("Health monitor starting...")
	m.Poll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Poll(ctx)
		case <-ctx.Done():
			m.logger.Info().Msg("Health monitor stopped.")
			return
		}
	}
}

// Poll checks every worker concurrently, updates the table, and fires any
// committed edge transitions. A failed check degrades that worker's record;
// it never surfaces an error to the caller.
func (m *Monitor) Poll(ctx context.Context) {
	workers := m.registry.Workers()
	results := make([]dispatch.HealthRecord, len(workers))

	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w dispatch.Worker) {
			defer wg.Done()
			results[i] = m.checkWorker(ctx, w)
		}(i, w)
	}
	wg.Wait()

	transitions := m.commit(results)
	for _, t := range transitions {
		m.announce(ctx, t)
	}
}

// checkWorker performs one bounded reachability/status request.
func (m *Monitor) checkWorker(ctx context.Context, w dispatch.Worker) dispatch.HealthRecord {
	unhealthy := dispatch.HealthRecord{WorkerID: w.ID, Healthy: false, Load: math.Inf(1)}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.URL+"/api/health", nil)
	if err != nil {
		m.logger.Error().Err(err).Str("worker", w.ID).Msg("Failed to build health request")
		return unhealthy
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn().Err(err).Str("worker", w.ID).Msg("Health check failed")
		return unhealthy
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logger.Warn().Int("status", resp.StatusCode).Str("worker", w.ID).Msg("Health check returned non-success status")
		return unhealthy
	}

	var body struct {
		Load float64 `json:"load"`
	}
	// A missing or unparseable load on a reachable worker defaults to 0.
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return dispatch.HealthRecord{WorkerID: w.ID, Healthy: true, Load: body.Load}
}

// commit overwrites the table with the new poll results and returns the edge
// transitions that have been stable for minStablePolls consecutive polls.
// The replacement for a down worker is the first other worker in registry
// order that is healthy in this poll.
func (m *Monitor) commit(results []dispatch.HealthRecord) []transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var transitions []transition
	for _, rec := range results {
		m.records[rec.WorkerID] = rec

		if prev, seen := m.observed[rec.WorkerID]; seen && prev == rec.Healthy {
			m.streak[rec.WorkerID]++
		} else {
			m.observed[rec.WorkerID] = rec.Healthy
			m.streak[rec.WorkerID] = 1
		}

		prev, known := m.committed[rec.WorkerID]
		if !known {
			// Workers are presumed healthy until observed, so a worker that
			// is already down at startup still fires a down edge, while a
			// healthy fleet starts silently.
			prev = true
		}
		if m.streak[rec.WorkerID] < m.minStablePolls {
			continue
		}
		m.committed[rec.WorkerID] = rec.Healthy
		if prev != rec.Healthy {
			transitions = append(transitions, transition{workerID: rec.WorkerID, healthy: rec.Healthy})
		}
	}

	for i := range transitions {
		if !transitions[i].healthy {
			transitions[i].replacementID = m.firstOtherHealthyLocked(transitions[i].workerID)
		}
	}
	return transitions
}

// firstOtherHealthyLocked returns the first healthy worker in registry order
// other than excludeID, or "". Callers must hold m.mu.
func (m *Monitor) firstOtherHealthyLocked(excludeID string) string {
	for _, w := range m.registry.Workers() {
		if w.ID == excludeID {
			continue
		}
		if rec, ok := m.records[w.ID]; ok && rec.Healthy {
			return w.ID
		}
	}
	return ""
}

// announce emits the operator notification for a committed edge and, on a
// down edge with an available replacement, invokes the failover callback.
// Recovery edges notify only: sessions are not migrated back.
func (m *Monitor) announce(ctx context.Context, t transition) {
	if t.healthy {
		m.logger.Info().Str("worker", t.workerID).Msg("Worker is back online")
		m.notify(ctx, fmt.Sprintf("Worker %q is back online.", t.workerID))
		return
	}

	m.logger.Error().Str("worker", t.workerID).Msg("Worker is DOWN")
	m.notify(ctx, fmt.Sprintf("Worker %q is DOWN!", t.workerID))

	if t.replacementID == "" {
		m.logger.Error().Str("worker", t.workerID).Msg("No healthy worker available for failover")
		return
	}
	if m.onDown != nil {
		m.onDown(ctx, t.workerID, t.replacementID)
	}
}

func (m *Monitor) notify(ctx context.Context, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, message); err != nil {
		m.logger.Warn().Err(err).Msg("Operator notification failed")
	}
}
