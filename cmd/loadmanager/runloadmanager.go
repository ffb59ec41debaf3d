/*
File: cmd/loadmanager/runloadmanager.go
Description: Local entrypoint for the load manager. Loads the embedded
config, fakes external dependencies, and starts the application.
*/
package main

import (
	"context"
	_ "embed"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/ojuolokun86/load-manager/cmd"
	"github.com/ojuolokun86/load-manager/internal/app"
	"github.com/ojuolokun86/load-manager/loadmanager"
	"github.com/ojuolokun86/load-manager/loadmanager/config"
)

//go:embed config.yaml
var configFile []byte

func main() {
	// 1. Setup structured logging.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error", "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	logger := log.With().Str("service", "load-manager").Logger()

	// 2. Load Configuration (Stage 0: Unmarshal).
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to unmarshal embedded yaml config")
	}

	// 3. Build Base Config (Stage 1) and apply env overrides (Stage 2).
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build base configuration from YAML")
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration with environment overrides")
	}

	// 4. Create dependencies. Local runs always fake the directory and
	// notifier; real adapters live behind the prod entrypoint.
	ctx := context.Background()
	deps, err := cmd.NewFakeDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	logger.Warn().Msg("Running in 'local' mode. All external dependencies will be faked.")

	// 5. Create the service.
	service, err := loadmanager.New(cfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Load Manager")
	}

	// 6. Run the application.
	app.Run(ctx, logger, service)
}
