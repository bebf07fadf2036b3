package config

import "time"

// EnvLookup abstracts os.LookupEnv so tests can inject environments.
type EnvLookup func(key string) (string, bool)

const (
	DefaultLogDir             = "runtime"
	DefaultLogLevel           = "INFO"
	DefaultServerPort         = 8080
	DefaultMaxConcurrentTasks = 5
	DefaultStorageBackend     = "memory"
	DefaultMetricsPort        = 9090
	DefaultMaxSteps           = 50
	DefaultMode               = "normal"
	DefaultPlatform           = "linux"
	DefaultEventReplay        = 32
	DefaultEventBuffer        = 64
	DefaultLingerSeconds      = 5
	DefaultBackendName        = "lybic"
	DefaultMaxLifeSeconds     = 3600
)

// Storage backend names accepted by TASK_STORAGE_BACKEND.
const (
	StorageMemory = "memory"
	StorageSQL    = "sql"
)

// Config captures the service configuration, resolved from defaults, an
// optional YAML file, and environment variables, in that order.
type Config struct {
	LogDir              string `yaml:"log_dir"`
	LogLevel            string `yaml:"log_level"`
	ServerPort          int    `yaml:"server_port"`
	MaxConcurrentTasks  int    `yaml:"max_concurrent_tasks"`
	StorageBackend      string `yaml:"storage_backend"`
	SQLConnectionString string `yaml:"sql_connection_string"`
	EnableMetrics       bool   `yaml:"enable_metrics"`
	MetricsPort         int    `yaml:"metrics_port"`
	AllowGlobalConfig   bool   `yaml:"allow_global_config"`

	// Per-task defaults applied when a request omits them.
	DefaultMaxSteps int    `yaml:"default_max_steps"`
	DefaultMode     string `yaml:"default_mode"`
	DefaultPlatform string `yaml:"default_platform"`

	// Event bus tuning.
	EventReplay   int `yaml:"event_replay"`
	EventBuffer   int `yaml:"event_buffer"`
	LingerSeconds int `yaml:"linger_seconds"`

	Backend BackendConfig `yaml:"backend"`
	Tools   ToolsConfig   `yaml:"tools"`
}

// BackendConfig holds sandbox backend credentials and defaults. The values
// are opaque to the engine; the backend adapter interprets them.
type BackendConfig struct {
	Name           string `yaml:"name"`
	APIKey         string `yaml:"api_key"`
	APIEndpoint    string `yaml:"api_endpoint"`
	ProjectID      string `yaml:"project_id"`
	Shape          string `yaml:"shape"`
	MaxLifeSeconds int    `yaml:"max_life_seconds"`
}

// ToolsConfig holds the default provider settings shared by every tool plus
// per-tool overrides and rate limits.
type ToolsConfig struct {
	Provider    string                  `yaml:"provider"`
	Model       string                  `yaml:"model"`
	APIKey      string                  `yaml:"api_key"`
	APIEndpoint string                  `yaml:"api_endpoint"`
	Overrides   map[string]ToolOverride `yaml:"overrides"`
	RateLimits  map[string]RateLimit    `yaml:"rate_limits"`
}

// ToolOverride overrides provider settings for a single tool. Empty fields
// keep the shared default.
type ToolOverride struct {
	Provider    string `yaml:"provider" json:"provider,omitempty"`
	ModelName   string `yaml:"model_name" json:"model_name,omitempty"`
	APIKey      string `yaml:"api_key" json:"api_key,omitempty"`
	APIEndpoint string `yaml:"api_endpoint" json:"api_endpoint,omitempty"`
}

// RateLimit is a token-bucket limit for one tool.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Linger returns the event bus linger window after terminal state.
func (c Config) Linger() time.Duration {
	seconds := c.LingerSeconds
	if seconds <= 0 {
		seconds = DefaultLingerSeconds
	}
	return time.Duration(seconds) * time.Second
}

// Default returns the baseline configuration before file and env overrides.
func Default() Config {
	return Config{
		LogDir:             DefaultLogDir,
		LogLevel:           DefaultLogLevel,
		ServerPort:         DefaultServerPort,
		MaxConcurrentTasks: DefaultMaxConcurrentTasks,
		StorageBackend:     DefaultStorageBackend,
		MetricsPort:        DefaultMetricsPort,
		DefaultMaxSteps:    DefaultMaxSteps,
		DefaultMode:        DefaultMode,
		DefaultPlatform:    DefaultPlatform,
		EventReplay:        DefaultEventReplay,
		EventBuffer:        DefaultEventBuffer,
		LingerSeconds:      DefaultLingerSeconds,
		Backend: BackendConfig{
			Name:           DefaultBackendName,
			MaxLifeSeconds: DefaultMaxLifeSeconds,
		},
	}
}
