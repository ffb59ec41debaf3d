package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation. This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	if port := os.Getenv("API_PORT"); port != "" {
		logger.Debug().Str("key", "API_PORT").Msg("Overriding config value from env")
		cfg.APIPort = port
	}
	if port := os.Getenv("WEBSOCKET_PORT"); port != "" {
		logger.Debug().Str("key", "WEBSOCKET_PORT").Msg("Overriding config value from env")
		cfg.WebSocketPort = port
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Debug().Str("key", "REDIS_ADDR").Msg("Overriding config value from env")
		cfg.Directory.Redis.Addr = redisAddr
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		logger.Debug().Str("key", "GCP_PROJECT_ID").Msg("Overriding config value from env")
		cfg.Directory.Firestore.ProjectID = projectID
	}
	if webhookURL := os.Getenv("NOTIFY_WEBHOOK_URL"); webhookURL != "" {
		logger.Debug().Str("key", "NOTIFY_WEBHOOK_URL").Msg("Overriding config value from env")
		cfg.Notify.WebhookURL = webhookURL
	}
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug().Str("key", "CORS_ALLOWED_ORIGINS").Msg("Overriding config value from env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.Cors.AllowedOrigins = cleanOrigins
	}

	// Final validation.
	if cfg.APIPort == "" {
		return nil, fmt.Errorf("API_PORT is not set in config or env var")
	}
	if cfg.WebSocketPort == "" {
		return nil, fmt.Errorf("WEBSOCKET_PORT is not set in config or env var")
	}
	switch cfg.Directory.Type {
	case "memory":
	case "redis":
		if cfg.Directory.Redis.Addr == "" {
			return nil, fmt.Errorf("directory type is redis but no redis addr is configured")
		}
	case "firestore":
		if cfg.Directory.Firestore.ProjectID == "" {
			return nil, fmt.Errorf("directory type is firestore but no project id is configured")
		}
	default:
		return nil, fmt.Errorf("unknown directory type %q", cfg.Directory.Type)
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}
