// Package config loads the routing core's configuration from a YAML file
// with environment-variable overrides for deployment knobs. Validation
// happens once at load; a running process never sees a partially valid
// configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbiterlab/arbiter/internal/api"
	"github.com/arbiterlab/arbiter/internal/prior"
)

// Config is the full process configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Arms         []ArmConfig        `yaml:"arms"`
	Priors       PriorsConfig       `yaml:"priors"`
	Bandit       BanditConfig       `yaml:"bandit"`
	Cache        CacheConfig        `yaml:"cache"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Store        StoreConfig        `yaml:"store"`
	Otel         OtelConfig         `yaml:"otel"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MetricsUser     string        `yaml:"metrics_user"`
	MetricsPass     string        `yaml:"metrics_pass"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

// ArmConfig declares one selectable provider/model option.
type ArmConfig struct {
	ID       string `yaml:"id"`
	Family   string `yaml:"family"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
	Active   *bool  `yaml:"active"` // nil means active
}

// PriorsConfig points at the benchmark table, either a file or inline.
type PriorsConfig struct {
	Path  string      `yaml:"path"`
	Table prior.Table `yaml:"table"`
}

type BanditConfig struct {
	Alpha              float64           `yaml:"alpha"`
	MinObservations    int64             `yaml:"min_observations"`
	RewardWeights      api.RewardWeights `yaml:"reward_weights"`
	NormCostUSD        float64           `yaml:"norm_cost_usd"`
	NormLatencySeconds float64           `yaml:"norm_latency_seconds"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend"` // memory | redis
	Size          int           `yaml:"size"`
	MaxPerBucket  int           `yaml:"max_per_bucket"`
	FallbackSize  int           `yaml:"fallback_size"`
	TTL           time.Duration `yaml:"ttl"`
	Threshold     float64       `yaml:"threshold"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

type BreakerConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold"`
	Window           int           `yaml:"window"`
	WindowDuration   time.Duration `yaml:"window_duration"`
	CoolDown         time.Duration `yaml:"cool_down"`
	MinSamples       int           `yaml:"min_samples"`
}

type BackpressureConfig struct {
	Capacity             int           `yaml:"capacity"`
	OpenCircuitThreshold int           `yaml:"open_circuit_threshold"`
	LoadThreshold        float64       `yaml:"load_threshold"`
	WarningFraction      float64       `yaml:"warning_fraction"`
	MinDwell             time.Duration `yaml:"min_dwell"`
}

type StoreConfig struct {
	Backend          string        `yaml:"backend"` // memory | redis | postgres
	Path             string        `yaml:"path"`    // memory backend file mirror
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPassword    string        `yaml:"redis_password"`
	RedisDB          int           `yaml:"redis_db"`
	PostgresConn     string        `yaml:"postgres_conn"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns a runnable single-node configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimitRPS:    500,
			RateLimitBurst:  1000,
			ShutdownTimeout: 10 * time.Second,
			LogLevel:        "info",
		},
		Bandit: BanditConfig{
			Alpha:              0.4,
			MinObservations:    10,
			RewardWeights:      api.DefaultRewardWeights(),
			NormCostUSD:        1.0,
			NormLatencySeconds: 30.0,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			Size:          4096,
			MaxPerBucket:  32,
			FallbackSize:  1024,
			TTL:           15 * time.Minute,
			Threshold:     0.92,
			SweepInterval: time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 0.5,
			Window:           20,
			WindowDuration:   60 * time.Second,
			CoolDown:         30 * time.Second,
			MinSamples:       5,
		},
		Backpressure: BackpressureConfig{
			Capacity:             256,
			OpenCircuitThreshold: 2,
			LoadThreshold:        0.8,
			WarningFraction:      0.75,
			MinDwell:             30 * time.Second,
		},
		Store: StoreConfig{
			Backend:          "memory",
			SnapshotInterval: time.Minute,
		},
		Otel: OtelConfig{
			ServiceName: "arbiter",
			SampleRatio: 0.1,
		},
	}
}

// Load reads the YAML file (optional), applies environment overrides, and
// validates. An empty path yields defaults plus env overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("ARBITER_ADDR", c.Server.Addr)
	c.Server.MetricsUser = getEnv("ARBITER_METRICS_USER", c.Server.MetricsUser)
	c.Server.MetricsPass = getEnv("ARBITER_METRICS_PASS", c.Server.MetricsPass)
	c.Server.LogLevel = getEnv("ARBITER_LOG_LEVEL", c.Server.LogLevel)
	c.Server.RateLimitRPS = getEnvFloat("ARBITER_RATE_LIMIT_RPS", c.Server.RateLimitRPS)

	c.Priors.Path = getEnv("ARBITER_PRIORS_PATH", c.Priors.Path)

	c.Bandit.Alpha = getEnvFloat("ARBITER_BANDIT_ALPHA", c.Bandit.Alpha)

	c.Cache.Backend = getEnv("ARBITER_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.RedisAddr = getEnv("ARBITER_CACHE_REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = getEnv("ARBITER_CACHE_REDIS_PASSWORD", c.Cache.RedisPassword)
	c.Cache.Threshold = getEnvFloat("ARBITER_CACHE_THRESHOLD", c.Cache.Threshold)

	c.Store.Backend = getEnv("ARBITER_STORE_BACKEND", c.Store.Backend)
	c.Store.Path = getEnv("ARBITER_STORE_PATH", c.Store.Path)
	c.Store.RedisAddr = getEnv("ARBITER_STORE_REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getEnv("ARBITER_STORE_REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.PostgresConn = getEnv("ARBITER_STORE_POSTGRES_CONN", c.Store.PostgresConn)

	if v := os.Getenv("ARBITER_OTEL_ENABLED"); v != "" {
		c.Otel.Enabled = v == "true" || v == "1"
	}
	c.Otel.Endpoint = getEnv("ARBITER_OTEL_ENDPOINT", c.Otel.Endpoint)
	c.Otel.ServiceName = getEnv("ARBITER_OTEL_SERVICE_NAME", c.Otel.ServiceName)
}

// Validate rejects configurations that would misbehave at runtime rather
// than failing lazily on the first request.
func (c *Config) Validate() error {
	if sum := c.Bandit.RewardWeights.Sum(); math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("reward weights must sum to 1, got %.6f", sum)
	}
	if c.Bandit.Alpha < 0 {
		return fmt.Errorf("bandit alpha must be non-negative, got %f", c.Bandit.Alpha)
	}
	if c.Bandit.NormCostUSD <= 0 || c.Bandit.NormLatencySeconds <= 0 {
		return fmt.Errorf("reward normalization ceilings must be positive")
	}
	if c.Cache.Threshold <= 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("cache threshold %.3f out of range (0, 1]", c.Cache.Threshold)
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("breaker failure threshold %.3f out of range (0, 1]", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Window <= 0 || c.Breaker.MinSamples <= 0 {
		return fmt.Errorf("breaker window and min_samples must be positive")
	}
	if c.Backpressure.Capacity <= 0 {
		return fmt.Errorf("backpressure capacity must be positive, got %d", c.Backpressure.Capacity)
	}
	if c.Backpressure.LoadThreshold <= 0 || c.Backpressure.LoadThreshold > 1 {
		return fmt.Errorf("backpressure load threshold %.3f out of range (0, 1]", c.Backpressure.LoadThreshold)
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store backend redis requires redis_addr")
		}
	case "postgres":
		if c.Store.PostgresConn == "" {
			return fmt.Errorf("store backend postgres requires postgres_conn")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	seen := make(map[string]bool, len(c.Arms))
	for _, a := range c.Arms {
		if a.ID == "" {
			return fmt.Errorf("arm with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate arm id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Provider == "" || a.Model == "" {
			return fmt.Errorf("arm %q missing provider or model", a.ID)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
