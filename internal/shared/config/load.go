package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"navi/internal/shared/errors"
)

type loadOptions struct {
	envLookup EnvLookup
	filePath  string
	readFile  func(string) ([]byte, error)
}

// Option customizes Load behavior.
type Option func(*loadOptions)

// WithEnvLookup replaces the environment source (tests).
func WithEnvLookup(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithFile points Load at a YAML config file. Missing files are an error;
// an empty path skips file loading.
func WithFile(path string) Option {
	return func(o *loadOptions) { o.filePath = path }
}

// Load resolves the configuration: defaults, then the optional YAML file,
// then environment variables. The result is validated.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()

	if options.filePath != "" {
		data, err := options.readFile(options.filePath)
		if err != nil {
			return Config{}, errors.Validationf("read config file %s: %v", options.filePath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Validationf("parse config file %s: %v", options.filePath, err)
		}
	}

	applyEnv(&cfg, options.envLookup)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env EnvLookup) {
	setString(env, "LOG_DIR", &cfg.LogDir)
	setString(env, "LOG_LEVEL", &cfg.LogLevel)
	setInt(env, "SERVER_PORT", &cfg.ServerPort)
	setInt(env, "TASK_MAX_TASKS", &cfg.MaxConcurrentTasks)
	setString(env, "TASK_STORAGE_BACKEND", &cfg.StorageBackend)
	setString(env, "SQL_CONNECTION_STRING", &cfg.SQLConnectionString)
	setBool(env, "ENABLE_METRICS", &cfg.EnableMetrics)
	setInt(env, "METRICS_PORT", &cfg.MetricsPort)
	setBool(env, "NAVI_ALLOW_GLOBAL_CONFIG", &cfg.AllowGlobalConfig)
	setInt(env, "NAVI_DEFAULT_MAX_STEPS", &cfg.DefaultMaxSteps)
	setString(env, "NAVI_DEFAULT_MODE", &cfg.DefaultMode)
	setString(env, "NAVI_DEFAULT_PLATFORM", &cfg.DefaultPlatform)
	setInt(env, "NAVI_EVENT_REPLAY", &cfg.EventReplay)
	setInt(env, "NAVI_EVENT_BUFFER", &cfg.EventBuffer)
	setInt(env, "NAVI_LINGER_SECONDS", &cfg.LingerSeconds)

	setString(env, "NAVI_BACKEND", &cfg.Backend.Name)
	setString(env, "LYBIC_API_KEY", &cfg.Backend.APIKey)
	setString(env, "LYBIC_API_ENDPOINT", &cfg.Backend.APIEndpoint)
	setString(env, "LYBIC_PROJECT_ID", &cfg.Backend.ProjectID)
	setString(env, "LYBIC_SHAPE", &cfg.Backend.Shape)
	setInt(env, "LYBIC_MAX_LIFE_SECONDS", &cfg.Backend.MaxLifeSeconds)

	setString(env, "NAVI_TOOL_PROVIDER", &cfg.Tools.Provider)
	setString(env, "NAVI_TOOL_MODEL", &cfg.Tools.Model)
	setString(env, "NAVI_TOOL_API_KEY", &cfg.Tools.APIKey)
	setString(env, "NAVI_TOOL_API_ENDPOINT", &cfg.Tools.APIEndpoint)
}

func setString(env EnvLookup, key string, target *string) {
	if value, ok := env(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func setInt(env EnvLookup, key string, target *int) {
	value, ok := env(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return
	}
	*target = parsed
}

func setBool(env EnvLookup, key string, target *bool) {
	value, ok := env(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return
	}
	*target = parsed
}

// Validate checks consistency; failures are Validation-kind errors suitable
// for exit code 2 at startup.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case StorageMemory, StorageSQL:
	default:
		return errors.Validationf("unknown storage backend %q (want %s or %s)",
			c.StorageBackend, StorageMemory, StorageSQL)
	}
	if c.StorageBackend == StorageSQL && strings.TrimSpace(c.SQLConnectionString) == "" {
		return errors.Validationf("storage backend %q requires SQL_CONNECTION_STRING", StorageSQL)
	}
	if c.MaxConcurrentTasks < 1 {
		return errors.Validationf("max concurrent tasks must be >= 1, got %d", c.MaxConcurrentTasks)
	}
	if c.DefaultMaxSteps < 1 {
		return errors.Validationf("default max steps must be >= 1, got %d", c.DefaultMaxSteps)
	}
	if err := validatePort("server port", c.ServerPort); err != nil {
		return err
	}
	if c.EnableMetrics {
		if err := validatePort("metrics port", c.MetricsPort); err != nil {
			return err
		}
	}
	switch c.DefaultMode {
	case "normal", "fast":
	default:
		return errors.Validationf("unknown default mode %q (want normal or fast)", c.DefaultMode)
	}
	if c.LingerSeconds < 1 || c.LingerSeconds > 30 {
		return errors.Validationf("linger seconds must be within [1,30], got %d", c.LingerSeconds)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return errors.Validationf("%s out of range: %d", name, port)
	}
	return nil
}

// Describe returns a single-line summary safe for logs (no secrets).
func (c Config) Describe() string {
	return fmt.Sprintf("log_dir=%s storage=%s max_tasks=%d metrics=%t backend=%s mode=%s",
		c.LogDir, c.StorageBackend, c.MaxConcurrentTasks, c.EnableMetrics, c.Backend.Name, c.DefaultMode)
}
