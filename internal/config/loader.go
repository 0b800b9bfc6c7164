package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "loom.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	cfg.Rollout.Home = expandHome(cfg.Rollout.Home)

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "LOOM_PORT")
	setString(&cfg.Server.CORSOrigin, "LOOM_CORS_ORIGIN")
	setString(&cfg.Rollout.Backend, "LOOM_ROLLOUT_BACKEND")
	setString(&cfg.Rollout.Home, "LOOM_HOME")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "LOOM_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "LOOM_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "LOOM_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "LOOM_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "LOOM_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Engine.DefaultModel, "LOOM_ENGINE_MODEL")
	setString(&cfg.Engine.DefaultCwd, "LOOM_ENGINE_CWD")
	setDuration(&cfg.Engine.StartTimeout, "LOOM_ENGINE_START_TIMEOUT")
	setString(&cfg.Engine.SubjectPrefix, "LOOM_ENGINE_SUBJECT_PREFIX")
	setInt(&cfg.Engine.EventQueueSize, "LOOM_ENGINE_EVENT_QUEUE")
	setDuration(&cfg.Stream.KeepaliveInterval, "LOOM_STREAM_KEEPALIVE")
	setInt(&cfg.Stream.SubscriberBuffer, "LOOM_STREAM_BUFFER")
	setString(&cfg.Logging.Level, "LOOM_LOG_LEVEL")
	setString(&cfg.Logging.Service, "LOOM_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "LOOM_LOG_ASYNC")
	setString(&cfg.Otel.Endpoint, "LOOM_OTEL_ENDPOINT")
	setInt64(&cfg.Cache.MaxSizeMB, "LOOM_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.MetadataTTL, "LOOM_CACHE_METADATA_TTL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Rollout.Backend {
	case "file":
		if cfg.Rollout.Home == "" {
			return errors.New("rollout.home is required for the file backend")
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres backend")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	default:
		return fmt.Errorf("rollout.backend must be \"file\" or \"postgres\", got %q", cfg.Rollout.Backend)
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Stream.SubscriberBuffer < 1 {
		return errors.New("stream.subscriber_buffer must be >= 1")
	}
	if cfg.Stream.KeepaliveInterval <= 0 {
		return errors.New("stream.keepalive_interval must be positive")
	}
	return nil
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
