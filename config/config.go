// Package config loads engine configuration from a YAML file with a
// CONDUCT_* environment overlay. A local .env file is honored when present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

const envPrefix = "CONDUCT_"

// StoreBackend names a persistence backend for checkpoints or deliverables.
type StoreBackend string

const (
	BackendMemory StoreBackend = "memory"
	BackendSQLite StoreBackend = "sqlite"
	BackendRedis  StoreBackend = "redis"
)

type CheckpointConfig struct {
	Backend StoreBackend `yaml:"backend"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// Redis settings, used when Backend is redis.
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	RedisTTL      time.Duration `yaml:"redisTTL"`
}

type DeliverableConfig struct {
	Backend StoreBackend `yaml:"backend"`
	Path    string       `yaml:"path"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
	Jitter      float64       `yaml:"jitter"`
}

type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	CoolDown  time.Duration `yaml:"coolDown"`
}

type Config struct {
	Namespace      string            `yaml:"namespace"`
	MaxParallelism int               `yaml:"maxParallelism"`
	KeepRecent     int               `yaml:"keepRecent"`
	MaxNodeVisits  int               `yaml:"maxNodeVisits"`
	Checkpoint     CheckpointConfig  `yaml:"checkpoint"`
	Deliverable    DeliverableConfig `yaml:"deliverable"`
	Retry          RetryConfig       `yaml:"retry"`
	Breaker        BreakerConfig     `yaml:"breaker"`
}

// Default returns the configuration used when no file or environment
// overrides are present: in-memory stores and the engine defaults.
func Default() Config {
	return Config{
		Namespace:      "default",
		MaxParallelism: 4,
		KeepRecent:     6,
		MaxNodeVisits:  128,
		Checkpoint:     CheckpointConfig{Backend: BackendMemory},
		Deliverable:    DeliverableConfig{Backend: BackendMemory},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: 200 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
			Jitter:      0.2,
		},
		Breaker: BreakerConfig{Threshold: 3, CoolDown: 30 * time.Second},
	}
}

// Load reads the YAML file at path, overlays the environment, applies
// defaults, and validates. An empty path skips the file and uses the
// environment alone.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %q: %w", absPath, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv builds a configuration from defaults and CONDUCT_* variables
// without touching the filesystem.
func FromEnv() (Config, error) {
	cfg := Default()
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := envString("NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := envInt("MAX_PARALLELISM"); v > 0 {
		c.MaxParallelism = v
	}
	if v := envInt("KEEP_RECENT"); v > 0 {
		c.KeepRecent = v
	}
	if v := envInt("MAX_NODE_VISITS"); v > 0 {
		c.MaxNodeVisits = v
	}
	if v := envString("CHECKPOINT_BACKEND"); v != "" {
		c.Checkpoint.Backend = StoreBackend(v)
	}
	if v := envString("CHECKPOINT_PATH"); v != "" {
		c.Checkpoint.Path = v
	}
	if v := envString("REDIS_ADDR"); v != "" {
		c.Checkpoint.RedisAddr = v
	}
	if v := envString("REDIS_PASSWORD"); v != "" {
		c.Checkpoint.RedisPassword = v
	}
	if v := envInt("REDIS_DB"); v > 0 {
		c.Checkpoint.RedisDB = v
	}
	if v := envDuration("REDIS_TTL"); v > 0 {
		c.Checkpoint.RedisTTL = v
	}
	if v := envString("DELIVERABLE_BACKEND"); v != "" {
		c.Deliverable.Backend = StoreBackend(v)
	}
	if v := envString("DELIVERABLE_PATH"); v != "" {
		c.Deliverable.Path = v
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.Namespace) == "" {
		c.Namespace = def.Namespace
	}
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = def.MaxParallelism
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = def.KeepRecent
	}
	if c.MaxNodeVisits <= 0 {
		c.MaxNodeVisits = def.MaxNodeVisits
	}
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = BackendMemory
	}
	if c.Deliverable.Backend == "" {
		c.Deliverable.Backend = BackendMemory
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.BaseBackoff <= 0 {
		c.Retry.BaseBackoff = def.Retry.BaseBackoff
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = def.Retry.MaxBackoff
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		c.Retry.Jitter = def.Retry.Jitter
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = def.Breaker.Threshold
	}
	if c.Breaker.CoolDown <= 0 {
		c.Breaker.CoolDown = def.Breaker.CoolDown
	}
}

func (c Config) Validate() error {
	switch c.Checkpoint.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Checkpoint.Path) == "" {
			return fmt.Errorf("config: checkpoint.path is required for the sqlite backend")
		}
	case BackendRedis:
		if strings.TrimSpace(c.Checkpoint.RedisAddr) == "" {
			return fmt.Errorf("config: checkpoint.redisAddr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown checkpoint backend %q", c.Checkpoint.Backend)
	}

	switch c.Deliverable.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Deliverable.Path) == "" {
			return fmt.Errorf("config: deliverable.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown deliverable backend %q", c.Deliverable.Backend)
	}
	return nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func envInt(key string) int {
	raw := envString(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func envDuration(key string) time.Duration {
	raw := envString(key)
	if raw == "" {
		return 0
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return value
}
