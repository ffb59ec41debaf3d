// Package balancer implements the server-selection strategies used to assign
// a worker to a user with no existing session affinity.
package balancer

import (
	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// LeastLoaded is the canonical strategy: among workers that are healthy and
// strictly below their load cap, pick the one with the lowest load. Ties are
// broken by registry order.
type LeastLoaded struct {
	registry *dispatch.Registry
}

// NewLeastLoaded creates the default capacity-capped least-load strategy.
func NewLeastLoaded(registry *dispatch.Registry) *LeastLoaded {
	return &LeastLoaded{registry: registry}
}

// Assign implements dispatch.Strategy.
func (b *LeastLoaded) Assign(status dispatch.HealthStatus) (string, bool) {
	return leastLoaded(b.registry.Workers(), status, "")
}

// PreferredPrimary always tries one designated worker first, up to a fixed
// ceiling, before falling back to least-load over the rest of the fleet.
// This mirrors a production setup with one oversized primary host.
type PreferredPrimary struct {
	registry *dispatch.Registry
	// PrimaryID names the worker to prefer.
	PrimaryID string
	// Ceiling is the load below which the primary keeps absorbing new users.
	Ceiling float64
}

// NewPreferredPrimary creates the primary-first strategy.
func NewPreferredPrimary(registry *dispatch.Registry, primaryID string, ceiling float64) *PreferredPrimary {
	return &PreferredPrimary{registry: registry, PrimaryID: primaryID, Ceiling: ceiling}
}

// Assign implements dispatch.Strategy.
func (b *PreferredPrimary) Assign(status dispatch.HealthStatus) (string, bool) {
	if rec, ok := status[b.PrimaryID]; ok && rec.Healthy && rec.Load < b.Ceiling {
		return b.PrimaryID, true
	}
	return leastLoaded(b.registry.Workers(), status, b.PrimaryID)
}

// leastLoaded scans workers in registry order, skipping excludeID, and
// returns the qualifying worker with the lowest load. The strict < on the
// incumbent preserves registry order as the tie-break.
func leastLoaded(workers []dispatch.Worker, status dispatch.HealthStatus, excludeID string) (string, bool) {
	var (
		bestID   string
		bestLoad float64
		found    bool
	)
	for _, w := range workers {
		if w.ID == excludeID {
			continue
		}
		rec, ok := status[w.ID]
		if !ok || !rec.Healthy || rec.Load >= w.MaxLoad {
			continue
		}
		if !found || rec.Load < bestLoad {
			bestID = w.ID
			bestLoad = rec.Load
			found = true
		}
	}
	return bestID, found
}
