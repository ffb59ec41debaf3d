// Package loadmanager wires the registry, health monitor, balancer,
// resolver, failover coordinator and both proxy tiers into a runnable
// service exposing two listeners: the HTTP API and the WebSocket relay.
package loadmanager

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ojuolokun86/load-manager/internal/api"
	"github.com/ojuolokun86/load-manager/internal/balancer"
	"github.com/ojuolokun86/load-manager/internal/failover"
	"github.com/ojuolokun86/load-manager/internal/fanout"
	"github.com/ojuolokun86/load-manager/internal/health"
	"github.com/ojuolokun86/load-manager/internal/rawproxy"
	"github.com/ojuolokun86/load-manager/internal/realtime"
	"github.com/ojuolokun86/load-manager/internal/resolve"
	"github.com/ojuolokun86/load-manager/loadmanager/config"
	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

// Wrapper owns every component of the load manager and the two HTTP
// servers they are mounted on.
type Wrapper struct {
	registry  *dispatch.Registry
	monitor   *health.Monitor
	resolver  *resolve.Resolver
	clients   *realtime.ClientRegistry
	apiServer *http.Server
	wsServer  *http.Server
	logger    zerolog.Logger
}

// New creates and wires up the entire load manager.
func New(
	cfg *config.AppConfig,
	dependencies *dispatch.ServiceDependencies,
	logger zerolog.Logger,
) (*Wrapper, error) {
	workers := make([]dispatch.Worker, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		workers = append(workers, dispatch.Worker{
			ID:      w.ID,
			Name:    w.Name,
			URL:     w.URL,
			MaxLoad: w.MaxLoad,
		})
	}
	registry, err := dispatch.NewRegistry(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to build worker registry: %w", err)
	}

	strategy, err := newStrategy(cfg, registry)
	if err != nil {
		return nil, err
	}

	monitor := health.NewMonitor(
		registry,
		dependencies.Notifier,
		cfg.HealthInterval,
		cfg.HealthTimeout,
		cfg.MinStablePolls,
		logger,
	)

	coordinator := failover.NewCoordinator(registry, dependencies.Directory, logger)
	monitor.SetOnDown(func(ctx context.Context, downWorkerID, healthyWorkerID string) {
		if err := coordinator.Reassign(ctx, downWorkerID, healthyWorkerID); err != nil {
			logger.Error().Err(err).
				Str("from", downWorkerID).
				Str("to", healthyWorkerID).
				Msg("Failover reassignment failed")
		}
	})

	resolver := resolve.NewResolver(registry, dependencies.Directory, strategy, monitor, logger)
	aggregator := fanout.NewAggregator(registry, monitor, logger)
	clients := realtime.NewClientRegistry(logger)

	// HTTP API tier.
	apiHandler := api.NewAPI(registry, monitor, dependencies.Directory, resolver, aggregator, clients, logger)
	apiMux := http.NewServeMux()
	apiHandler.RegisterRoutes(apiMux)

	// WebSocket tier: the named-event relay and the raw byte relay share a
	// listener on distinct paths.
	eventProxy := realtime.NewEventProxy(resolver, aggregator, clients, logger)
	rawProxy := rawproxy.NewProxy(registry, dependencies.Directory, logger)
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/socket", eventProxy.Handler())
	wsMux.HandleFunc("/ws", rawProxy.Handler())

	cors := api.CORS(cfg.Cors.AllowedOrigins)

	return &Wrapper{
		registry: registry,
		monitor:  monitor,
		resolver: resolver,
		clients:  clients,
		apiServer: &http.Server{
			Addr:    ":" + cfg.APIPort,
			Handler: cors(apiMux),
		},
		wsServer: &http.Server{
			Addr:    ":" + cfg.WebSocketPort,
			Handler: wsMux,
		},
		logger: logger,
	}, nil
}

// newStrategy creates the pluggable assignment strategy based on config.
func newStrategy(cfg *config.AppConfig, registry *dispatch.Registry) (dispatch.Strategy, error) {
	switch cfg.Balancer.Strategy {
	case "least_loaded":
		return balancer.NewLeastLoaded(registry), nil
	case "preferred_primary":
		if _, ok := registry.ByID(cfg.Balancer.PrimaryID); !ok {
			return nil, fmt.Errorf("balancer primary %q is not a configured worker", cfg.Balancer.PrimaryID)
		}
		return balancer.NewPreferredPrimary(registry, cfg.Balancer.PrimaryID, cfg.Balancer.PrimaryMaxLoad), nil
	default:
		return nil, fmt.Errorf("invalid balancer strategy: %s (must be 'least_loaded' or 'preferred_primary')", cfg.Balancer.Strategy)
	}
}

// Start runs the health monitor and both listeners, blocking until the
// context is cancelled or a listener fails.
func (w *Wrapper) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.monitor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		w.logger.Info().Str("addr", w.apiServer.Addr).Msg("API listener starting")
		if err := w.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		w.logger.Info().Str("addr", w.wsServer.Addr).Msg("WebSocket listener starting")
		if err := w.wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("WebSocket server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx := context.WithoutCancel(ctx)
		_ = w.apiServer.Shutdown(shutdownCtx)
		_ = w.wsServer.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// Shutdown gracefully stops both listeners.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := w.apiServer.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("API server shutdown failed.")
		finalErr = err
	}
	if err := w.wsServer.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		finalErr = err
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
