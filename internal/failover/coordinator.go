// Package failover moves session ownership away from a worker that has gone
// unhealthy.
package failover

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

const reloadTimeout = 10 * time.Second

// Coordinator bulk-reassigns affinity records from a dead worker to a
// healthy one and signals the healthy worker to reload the migrated
// sessions.
type Coordinator struct {
	registry  *dispatch.Registry
	directory dispatch.AffinityDirectory
	client    *http.Client
	logger    zerolog.Logger
}

// NewCoordinator creates a failover coordinator.
func NewCoordinator(registry *dispatch.Registry, directory dispatch.AffinityDirectory, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		registry:  registry,
		directory: directory,
		client:    &http.Client{Timeout: reloadTimeout},
		logger:    logger.With().Str("component", "FailoverCoordinator").Logger(),
	}
}

// Reassign rebinds every affinity record pointing at downWorkerID to
// healthyWorkerID, then best-effort signals the healthy worker to reload its
// session set. The rebind is authoritative immediately; a failed reload
// signal is logged, never retried, and never undoes the rebind. Calling
// Reassign twice is safe: the second call finds zero rows to move.
func (c *Coordinator) Reassign(ctx context.Context, downWorkerID, healthyWorkerID string) error {
	log := c.logger.With().Str("from", downWorkerID).Str("to", healthyWorkerID).Logger()

	target, ok := c.registry.ByID(healthyWorkerID)
	if !ok {
		log.Error().Msg("Refusing to reassign sessions to an unregistered worker")
		return fmt.Errorf("cannot reassign sessions to %q: %w", healthyWorkerID, dispatch.ErrUnknownWorker)
	}

	count, err := c.directory.Rebind(ctx, downWorkerID, healthyWorkerID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reassign sessions")
		return fmt.Errorf("failed to reassign sessions from %q to %q: %w", downWorkerID, healthyWorkerID, err)
	}
	log.Info().Int64("count", count).Msg("Reassigned sessions")

	c.signalReload(ctx, target)
	return nil
}

// signalReload fires the best-effort session-reload notification. The
// directory is already authoritative at this point; the live worker's
// in-memory session set converges once the signal lands.
func (c *Coordinator) signalReload(ctx context.Context, worker dispatch.Worker) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, worker.URL+"/api/admin/reload-sessions", nil)
	if err != nil {
		c.logger.Error().Err(err).Str("worker", worker.ID).Msg("Failed to build reload request")
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("worker", worker.ID).Msg("Failed to trigger session reload")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn().Int("status", resp.StatusCode).Str("worker", worker.ID).Msg("Session reload signal rejected")
		return
	}
	c.logger.Info().Str("worker", worker.ID).Msg("Triggered session reload")
}
