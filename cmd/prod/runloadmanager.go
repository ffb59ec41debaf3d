/*
File: cmd/prod/runloadmanager.go
Description: Production entrypoint for the load manager. Wires the real
affinity directory (Redis or Firestore) chosen by config.
*/
package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ojuolokun86/load-manager/cmd"
	"github.com/ojuolokun86/load-manager/internal/app"
	"github.com/ojuolokun86/load-manager/internal/directory"
	"github.com/ojuolokun86/load-manager/internal/platform/notify"
	"github.com/ojuolokun86/load-manager/loadmanager"
	"github.com/ojuolokun86/load-manager/loadmanager/config"
	"github.com/ojuolokun86/load-manager/pkg/dispatch"
)

func main() {
	// 1. Setup structured logging.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "load-manager").Logger()

	// 2. Load the embedded config.yaml (Stage 1).
	baseCfg, err := cmd.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// 3. Apply Overrides & Validate (Stage 2: Env Vars).
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration with environment overrides")
	}

	// 4. Create dependencies.
	ctx := context.Background()
	deps, err := newProdDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	defer func() {
		if err := deps.Directory.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close affinity directory")
		}
	}()

	// 5. Create the service.
	service, err := loadmanager.New(cfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Load Manager")
	}

	// 6. Run the application.
	app.Run(ctx, logger, service)
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*dispatch.ServiceDependencies, error) {
	dir, err := newDirectory(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &dispatch.ServiceDependencies{
		Directory: dir,
		Notifier:  notify.NewWebhookNotifier(cfg.Notify.WebhookURL, logger),
	}, nil
}

// newDirectory creates the pluggable affinity directory based on config.
func newDirectory(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (dispatch.AffinityDirectory, error) {
	dirType := cfg.Directory.Type
	logger.Info().Str("type", dirType).Msg("Initializing affinity directory...")

	switch dirType {
	case "redis":
		redisAddr := cfg.Directory.Redis.Addr
		if redisAddr == "" {
			return nil, fmt.Errorf("directory type is redis but no address is configured (check REDIS_ADDR env var)")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		// Test the connection
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis directory at %s: %w", redisAddr, err)
		}
		logger.Info().Str("addr", redisAddr).Msg("Connected to Redis directory")
		return directory.NewRedisDirectory(rdb, logger)

	case "firestore":
		projectID := cfg.Directory.Firestore.ProjectID
		if projectID == "" {
			return nil, fmt.Errorf("directory type is firestore but no project id is configured (check GCP_PROJECT_ID env var)")
		}
		fsClient, err := firestore.NewClient(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		return directory.NewFirestoreDirectory(fsClient, cfg.Directory.Firestore.CollectionName, logger)

	case "memory":
		logger.Warn().Msg("Using in-memory directory; session affinity will not survive a restart")
		return directory.NewMemoryDirectory(logger), nil

	default:
		return nil, fmt.Errorf("invalid directory type: %s (must be 'redis', 'firestore' or 'memory')", dirType)
	}
}
