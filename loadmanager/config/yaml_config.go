package config

// --- YAML-Specific Structs ---

type YamlWorkerConfig struct {
	ID      string  `yaml:"id"`
	Name    string  `yaml:"name"`
	URL     string  `yaml:"url"`
	MaxLoad float64 `yaml:"max_load"`
}

type YamlHealthConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
	// MinStablePolls is the number of consecutive polls that must agree
	// before a health edge fires. 1 reproduces the reference behavior of
	// reacting to every transition.
	MinStablePolls int `yaml:"min_stable_polls"`
}

type YamlBalancerConfig struct {
	// Strategy is "least_loaded" (default) or "preferred_primary".
	Strategy string `yaml:"strategy"`
	// PrimaryID and PrimaryMaxLoad configure the preferred_primary strategy:
	// the primary is always tried first, up to this fixed ceiling.
	PrimaryID      string  `yaml:"primary_id"`
	PrimaryMaxLoad float64 `yaml:"primary_max_load"`
}

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlFirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection_name"`
}

type YamlDirectoryConfig struct {
	Type      string              `yaml:"type"` // "redis", "firestore" or "memory"
	Redis     YamlRedisConfig     `yaml:"redis"`
	Firestore YamlFirestoreConfig `yaml:"firestore"`
}

type YamlNotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	RunMode       string              `yaml:"run_mode"`
	APIPort       string              `yaml:"api_port"`
	WebSocketPort string              `yaml:"websocket_port"`
	Health        YamlHealthConfig    `yaml:"health"`
	Balancer      YamlBalancerConfig  `yaml:"balancer"`
	Directory     YamlDirectoryConfig `yaml:"directory"`
	Notify        YamlNotifyConfig    `yaml:"notify"`
	Cors          YamlCorsConfig      `yaml:"cors"`
	Workers       []YamlWorkerConfig  `yaml:"workers"`
}
