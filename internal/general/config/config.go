package config

import (
	"errors"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full runtime configuration of the tracking service. Values
// come from a YAML file with optional MD_ environment overrides
// (MD_DATABASE__HOST=… maps to database.host).
type Config struct {
	Database struct {
		Host     string `koanf:"host"`
		Port     int    `koanf:"port"`
		User     string `koanf:"user"`
		Password string `koanf:"password"`
		Name     string `koanf:"database"`
	} `koanf:"database"`

	RabbitMQ struct {
		Host     string `koanf:"host"`
		Port     int    `koanf:"port"`
		User     string `koanf:"user"`
		Password string `koanf:"password"`
	} `koanf:"rabbitmq"`

	Server struct {
		Port int `koanf:"port"`
	} `koanf:"server"`

	Store struct {
		// "postgres" in production, "memory" for local runs without a DB.
		Driver string `koanf:"driver"`
	} `koanf:"store"`

	Registry struct {
		QueueSize int `koanf:"queue_size"`
	} `koanf:"registry"`

	Dispatch struct {
		Workers    int           `koanf:"workers"`
		RetryMax   int           `koanf:"retry_max"`
		RetryDelay time.Duration `koanf:"retry_delay"`
	} `koanf:"dispatch"`

	Sweeps struct {
		CleanupInterval  time.Duration `koanf:"cleanup_interval"`
		RetentionDays    int           `koanf:"retention_days"`
		TimeoutInterval  time.Duration `koanf:"timeout_interval"`
		TimeoutThreshold time.Duration `koanf:"timeout_threshold"`
	} `koanf:"sweeps"`
}

// Load reads the YAML file at path, applies MD_ environment overrides,
// fills defaults, and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider("MD_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "md_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets safe defaults for optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}

	if cfg.RabbitMQ.Host == "" {
		cfg.RabbitMQ.Host = "localhost"
	}
	if cfg.RabbitMQ.Port == 0 {
		cfg.RabbitMQ.Port = 5672
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "postgres"
	}

	if cfg.Registry.QueueSize == 0 {
		cfg.Registry.QueueSize = 32
	}

	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.RetryMax == 0 {
		cfg.Dispatch.RetryMax = 3
	}
	if cfg.Dispatch.RetryDelay == 0 {
		cfg.Dispatch.RetryDelay = 500 * time.Millisecond
	}

	if cfg.Sweeps.CleanupInterval == 0 {
		cfg.Sweeps.CleanupInterval = time.Hour
	}
	if cfg.Sweeps.RetentionDays == 0 {
		cfg.Sweeps.RetentionDays = 30
	}
	if cfg.Sweeps.TimeoutInterval == 0 {
		cfg.Sweeps.TimeoutInterval = 5 * time.Minute
	}
	if cfg.Sweeps.TimeoutThreshold == 0 {
		cfg.Sweeps.TimeoutThreshold = 6 * time.Hour
	}
}

// validate checks required fields and basic ranges.
func (c *Config) validate() error {
	var problems []string

	if c.Store.Driver != "postgres" && c.Store.Driver != "memory" {
		problems = append(problems, "store.driver must be postgres or memory")
	}

	if c.Store.Driver == "postgres" {
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			problems = append(problems, "database.port must be in 1..65535")
		}
		if c.Database.User == "" {
			problems = append(problems, "database.user is required")
		}
		if c.Database.Name == "" {
			problems = append(problems, "database.database is required")
		}
	}

	if c.RabbitMQ.Port <= 0 || c.RabbitMQ.Port > 65535 {
		problems = append(problems, "rabbitmq.port must be in 1..65535")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be in 1..65535")
	}

	if c.Registry.QueueSize < 1 {
		problems = append(problems, "registry.queue_size must be positive")
	}
	if c.Dispatch.Workers < 1 {
		problems = append(problems, "dispatch.workers must be positive")
	}
	if c.Dispatch.RetryMax < 0 {
		problems = append(problems, "dispatch.retry_max must not be negative")
	}
	if c.Sweeps.RetentionDays < 1 {
		problems = append(problems, "sweeps.retention_days must be positive")
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}
