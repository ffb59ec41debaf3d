// Package config holds the two-stage configuration loading for the load
// manager: YAML unmarshal into YamlConfig, conversion into the canonical
// AppConfig, then environment overrides and final validation.
package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	defaultHealthInterval = 20 * time.Second
	defaultHealthTimeout  = 5 * time.Second
)

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and
// finalized by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	RunMode        string
	APIPort        string
	WebSocketPort  string
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	MinStablePolls int
	Balancer       YamlBalancerConfig
	Directory      YamlDirectoryConfig
	Notify         YamlNotifyConfig
	Cors           YamlCorsConfig
	Workers        []YamlWorkerConfig
}

// NewConfigFromYaml converts the raw unmarshaled data into a clean, base
// AppConfig struct, applying defaults. Environment overrides have not been
// applied yet.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	appCfg := &AppConfig{
		RunMode:        yamlCfg.RunMode,
		APIPort:        yamlCfg.APIPort,
		WebSocketPort:  yamlCfg.WebSocketPort,
		HealthInterval: defaultHealthInterval,
		HealthTimeout:  defaultHealthTimeout,
		MinStablePolls: 1,
		Balancer:       yamlCfg.Balancer,
		Directory:      yamlCfg.Directory,
		Notify:         yamlCfg.Notify,
		Cors:           yamlCfg.Cors,
		Workers:        yamlCfg.Workers,
	}

	if yamlCfg.Health.IntervalSeconds > 0 {
		appCfg.HealthInterval = time.Duration(yamlCfg.Health.IntervalSeconds) * time.Second
	}
	if yamlCfg.Health.TimeoutSeconds > 0 {
		appCfg.HealthTimeout = time.Duration(yamlCfg.Health.TimeoutSeconds) * time.Second
	}
	if yamlCfg.Health.MinStablePolls > 1 {
		appCfg.MinStablePolls = yamlCfg.Health.MinStablePolls
	}
	if appCfg.Balancer.Strategy == "" {
		appCfg.Balancer.Strategy = "least_loaded"
	}
	if appCfg.Directory.Type == "" {
		appCfg.Directory.Type = "memory"
	}
	if appCfg.Directory.Firestore.CollectionName == "" {
		appCfg.Directory.Firestore.CollectionName = "sessions"
	}

	if len(appCfg.Workers) == 0 {
		return nil, fmt.Errorf("at least one worker must be configured")
	}
	for _, w := range appCfg.Workers {
		if w.ID == "" {
			return nil, fmt.Errorf("worker with url %q is missing an id", w.URL)
		}
		if _, err := url.Parse(w.URL); err != nil {
			return nil, fmt.Errorf("worker %q has an unparseable url: %w", w.ID, err)
		}
	}

	return appCfg, nil
}
