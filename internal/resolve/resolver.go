// Package resolve implements the shared worker-resolution contract: a fresh
// affinity directory lookup, falling back to a load-balancer assignment for
// users with no existing session.
package resolve

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// Resolver decides which worker should serve a given user. Every call reads
// the directory fresh: the directory is the source of truth across
// processes, so nothing is cached here.
type Resolver struct {
	registry  *dispatch.Registry
	directory dispatch.AffinityDirectory
	strategy  dispatch.Strategy
	health    dispatch.HealthSource
	logger    zerolog.Logger
}

// NewResolver creates a resolver over the given collaborators.
func NewResolver(
	registry *dispatch.Registry,
	directory dispatch.AffinityDirectory,
	strategy dispatch.Strategy,
	health dispatch.HealthSource,
	logger zerolog.Logger,
) *Resolver {
	return &Resolver{
		registry:  registry,
		directory: directory,
		strategy:  strategy,
		health:    health,
		logger:    logger.With().Str("component", "Resolver").Logger(),
	}
}

// Resolve returns the worker owning the user's session, assigning and
// binding a new one when no affinity exists. An affinity record pointing at
// a worker missing from the registry counts as no affinity, not an error.
// Returns dispatch.ErrNoCapacity when assignment is needed and no worker
// qualifies.
func (r *Resolver) Resolve(ctx context.Context, key dispatch.Key) (dispatch.Worker, error) {
	workerID, err := r.directory.Lookup(ctx, key)
	if err == nil {
		if worker, ok := r.registry.ByID(workerID); ok {
			return worker, nil
		}
		r.logger.Warn().Str("worker", workerID).Msg("Affinity record references unknown worker; reassigning")
	} else if !errors.Is(err, dispatch.ErrNoAffinity) {
		r.logger.Warn().Err(err).Msg("Affinity lookup failed; falling back to assignment")
	}

	workerID, ok := r.strategy.Assign(r.health.Status())
	if !ok {
		return dispatch.Worker{}, dispatch.ErrNoCapacity
	}
	worker, ok := r.registry.ByID(workerID)
	if !ok {
		// A strategy can only return registered ids; treat anything else as
		// a capacity miss rather than crash.
		return dispatch.Worker{}, dispatch.ErrNoCapacity
	}

	if !key.Empty() {
		if err := r.directory.Bind(ctx, key, worker.ID); err != nil {
			r.logger.Warn().Err(err).Str("worker", worker.ID).Msg("Failed to bind new affinity record")
		}
	}
	r.logger.Info().Str("worker", worker.ID).Msg("Assigned worker for user")
	return worker, nil
}

// ResolveOrFirst resolves like Resolve but falls back to the first registry
// entry when neither affinity nor assignment succeeds. This last-resort
// default is deliberate: the proxy paths prefer a possibly-wrong worker over
// refusing the connection outright.
func (r *Resolver) ResolveOrFirst(ctx context.Context, key dispatch.Key) dispatch.Worker {
	worker, err := r.Resolve(ctx, key)
	if err != nil {
		first := r.registry.First()
		r.logger.Warn().Err(err).Str("worker", first.ID).Msg("Resolution failed; defaulting to first registry worker")
		return first
	}
	return worker
}
