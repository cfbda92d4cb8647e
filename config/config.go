// Package config loads engine configuration with the precedence
// defaults → YAML file → environment variables.
//
// Usage:
//
//	cfg, err := config.Load("config.yaml")
//
// Every field except the Redis pool size and the retry backoff multiplier
// can be overridden through SLIPSTREAM_* environment variables, so a bare
// worker container needs no config file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/slipstream/executor"
	"github.com/BaSui01/slipstream/internal/telemetry"
	"github.com/BaSui01/slipstream/repository"
	"github.com/BaSui01/slipstream/transport"
)

// EnvPrefix is the prefix of all configuration environment variables.
const EnvPrefix = "SLIPSTREAM_"

// TransportConfig selects and configures the message transport.
type TransportConfig struct {
	// Backend is inmemory or redis
	Backend transport.BackendType `yaml:"backend"`

	// QueueSize bounds each in-memory topic queue
	QueueSize int `yaml:"queue_size"`

	// Redis configuration (only used when Backend is "redis")
	Redis transport.RedisConfig `yaml:"redis"`
}

// WorkflowConfig holds engine-wide workflow settings.
type WorkflowConfig struct {
	// MaxInsertions bounds cumulative dynamic itinerary insertions
	MaxInsertions int `yaml:"max_insertions"`
}

// Config is the complete engine configuration.
type Config struct {
	// Transport configuration
	Transport TransportConfig `yaml:"transport"`

	// Repository configuration
	Repository repository.Config `yaml:"repository"`

	// Retry configuration for step execution
	Retry executor.RetryConfig `yaml:"retry"`

	// Workflow settings
	Workflow WorkflowConfig `yaml:"workflow"`

	// Log configuration
	Log telemetry.LogConfig `yaml:"log"`
}

// Default returns the default configuration: in-memory transport and
// repository, conservative retries, info-level JSON logs.
func Default() Config {
	return Config{
		Transport: TransportConfig{
			Backend:   transport.BackendInMemory,
			QueueSize: transport.DefaultQueueSize,
			Redis:     transport.DefaultRedisConfig(),
		},
		Repository: repository.Config{
			Backend: repository.BackendMemory,
		},
		Retry: executor.DefaultRetryConfig(),
		Workflow: WorkflowConfig{
			MaxInsertions: 3,
		},
		Log: telemetry.LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the given YAML file, falling back to the
// SLIPSTREAM_CONFIG env variable and then to defaults when no file exists,
// and finally applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var err error
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, convErr)
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return
		}
		b, convErr := strconv.ParseBool(v)
		if convErr != nil {
			err = fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, convErr)
			return
		}
		*dst = b
	}
	setDuration := func(key string, dst *time.Duration) {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return
		}
		d, convErr := time.ParseDuration(v)
		if convErr != nil {
			err = fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, convErr)
			return
		}
		*dst = d
	}

	if v, ok := os.LookupEnv(EnvPrefix + "TRANSPORT_BACKEND"); ok {
		cfg.Transport.Backend = transport.BackendType(v)
	}
	setInt("TRANSPORT_QUEUE_SIZE", &cfg.Transport.QueueSize)
	setString("REDIS_ADDR", &cfg.Transport.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Transport.Redis.Password)
	setInt("REDIS_DB", &cfg.Transport.Redis.DB)
	setString("REDIS_GROUP", &cfg.Transport.Redis.Group)
	setString("REDIS_CONSUMER", &cfg.Transport.Redis.Consumer)
	setDuration("REDIS_BLOCK", &cfg.Transport.Redis.Block)
	setDuration("REDIS_CLAIM_MIN_IDLE", &cfg.Transport.Redis.ClaimMinIdle)
	setDuration("REDIS_CLAIM_INTERVAL", &cfg.Transport.Redis.ClaimInterval)

	if v, ok := os.LookupEnv(EnvPrefix + "REPOSITORY_BACKEND"); ok {
		cfg.Repository.Backend = repository.BackendType(v)
	}
	setString("REPOSITORY_DSN", &cfg.Repository.DSN)

	setInt("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	setDuration("RETRY_INITIAL_BACKOFF", &cfg.Retry.InitialBackoff)
	setDuration("RETRY_MAX_BACKOFF", &cfg.Retry.MaxBackoff)
	setBool("RETRY_JITTER", &cfg.Retry.Jitter)

	setInt("WORKFLOW_MAX_INSERTIONS", &cfg.Workflow.MaxInsertions)

	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)

	return err
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	switch c.Transport.Backend {
	case transport.BackendInMemory, transport.BackendRedis:
	default:
		return fmt.Errorf("unsupported transport backend: %s", c.Transport.Backend)
	}
	switch c.Repository.Backend {
	case repository.BackendMemory, repository.BackendSQLite, repository.BackendPostgres, "":
	default:
		return fmt.Errorf("unsupported repository backend: %s", c.Repository.Backend)
	}
	if c.Workflow.MaxInsertions < 0 {
		return fmt.Errorf("max_insertions must not be negative")
	}
	return nil
}
