package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvRedisAddr overrides document.redis.addr when set.
const EnvRedisAddr = "LATTICE_REDIS_ADDR"

// Document drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config is the configuration of a lattice node.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`
	Document  DocumentConfig  `mapstructure:"document"`
	Namespace NamespaceConfig `mapstructure:"namespace"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// DocumentConfig selects the shared document backend.
type DocumentConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis document.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`

	// Lock serializes transactions across nodes with a Redis lock.
	Lock    bool          `mapstructure:"lock"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// NamespaceConfig configures the record namespace served by the node.
type NamespaceConfig struct {
	Name         string        `mapstructure:"name"`
	SendInterval time.Duration `mapstructure:"send_interval"`
	GetTimeout   time.Duration `mapstructure:"get_timeout"`
	RequireData  bool          `mapstructure:"require_data"`
}

// HTTPConfig configures the inspection server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Document: DocumentConfig{
			Driver: DriverMemory,
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Prefix:  "lattice:",
				LockTTL: 5 * time.Second,
			},
		},
		Namespace: NamespaceConfig{
			Name:         "records",
			SendInterval: 100 * time.Millisecond,
			GetTimeout:   time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Load reads a YAML or JSON file over the defaults. A missing file yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			if err := decode(raw, cfg); err != nil {
				return nil, fmt.Errorf("invalid config %s: %w", path, err)
			}
		}
	}

	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		cfg.Document.Redis.Addr = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	raw := make(map[string]any)
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		// Default to YAML
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return raw, nil
}

func decode(raw map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      cfg,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	switch c.Document.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Document.Redis.Addr == "" {
			return errors.New("document.redis.addr is required")
		}
	default:
		return fmt.Errorf("unknown document driver %q", c.Document.Driver)
	}
	if c.Namespace.Name == "" {
		return errors.New("namespace.name is required")
	}
	if c.Namespace.SendInterval <= 0 || c.Namespace.GetTimeout <= 0 {
		return errors.New("namespace intervals must be positive")
	}
	return nil
}
