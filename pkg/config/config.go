// Package config loads the engine configuration from a YAML file with
// environment-variable overrides. Every threshold has a safe default;
// validation rejects values a breaker or the allocator cannot work with.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Config is the full engine configuration.
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DatabasePath is the sqlite file backing identities, the returns
	// ledger and the audit trail. Empty selects in-memory stores.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	// RedisURL enables the distributed nonce guard. Empty selects the
	// in-process guard.
	RedisURL string `yaml:"redis_url" json:"redis_url"`

	// WebhookURL receives circuit breaker alerts. Empty disables alerting.
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`

	Breakers BreakerConfig `yaml:"breakers" json:"breakers"`
	Weights  WeightConfig  `yaml:"weights" json:"weights"`
	Cycle    CycleConfig   `yaml:"cycle" json:"cycle"`
}

// BreakerConfig tunes the circuit breaker bank.
type BreakerConfig struct {
	DailyLossThreshold  float64 `yaml:"daily_loss_threshold" json:"daily_loss_threshold"` // e.g. -0.02
	VolatilityThreshold float64 `yaml:"volatility_threshold" json:"volatility_threshold"` // e.g. 30
	VolatilityReduction float64 `yaml:"volatility_reduction" json:"volatility_reduction"` // e.g. 0.5
	ConcentrationLimit  float64 `yaml:"concentration_limit" json:"concentration_limit"`   // e.g. 0.20
	NotifyTimeoutMs     int     `yaml:"notify_timeout_ms" json:"notify_timeout_ms"`
}

// WeightConfig tunes the performance weighting engine.
type WeightConfig struct {
	Lookback       int     `yaml:"lookback" json:"lookback"`
	RiskFreeAnnual float64 `yaml:"risk_free_annual" json:"risk_free_annual"`
	FloorWeight    float64 `yaml:"floor_weight" json:"floor_weight"`
	Strict         bool    `yaml:"strict" json:"strict"` // strict mode zeroes sub-threshold agents
}

// CycleConfig tunes the orchestration cycle.
type CycleConfig struct {
	SystemicSellThreshold int `yaml:"systemic_sell_threshold" json:"systemic_sell_threshold"`
	SummaryTimeoutMs      int `yaml:"summary_timeout_ms" json:"summary_timeout_ms"`
	SinkTimeoutMs         int `yaml:"sink_timeout_ms" json:"sink_timeout_ms"`
	NonceTTLMinutes       int `yaml:"nonce_ttl_minutes" json:"nonce_ttl_minutes"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel: "INFO",
		Breakers: BreakerConfig{
			DailyLossThreshold:  -0.02,
			VolatilityThreshold: 30,
			VolatilityReduction: 0.5,
			ConcentrationLimit:  0.20,
			NotifyTimeoutMs:     3000,
		},
		Weights: WeightConfig{
			Lookback:       50,
			RiskFreeAnnual: 0.05,
			FloorWeight:    0.05,
		},
		Cycle: CycleConfig{
			SystemicSellThreshold: 3,
			SummaryTimeoutMs:      5000,
			SinkTimeoutMs:         3000,
			NonceTTLMinutes:       60,
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays ARBITER_* environment variables. Unparseable numeric
// values are ignored in favor of the file value.
func (c *Config) applyEnv() {
	if v := os.Getenv("ARBITER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ARBITER_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("ARBITER_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("ARBITER_WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if f, ok := envFloat("ARBITER_DAILY_LOSS_THRESHOLD"); ok {
		c.Breakers.DailyLossThreshold = f
	}
	if f, ok := envFloat("ARBITER_VOLATILITY_THRESHOLD"); ok {
		c.Breakers.VolatilityThreshold = f
	}
	if f, ok := envFloat("ARBITER_VOLATILITY_REDUCTION"); ok {
		c.Breakers.VolatilityReduction = f
	}
	if f, ok := envFloat("ARBITER_CONCENTRATION_LIMIT"); ok {
		c.Breakers.ConcentrationLimit = f
	}
	if n, ok := envInt("ARBITER_NOTIFY_TIMEOUT_MS"); ok {
		c.Breakers.NotifyTimeoutMs = n
	}
	if f, ok := envFloat("ARBITER_RISK_FREE_ANNUAL"); ok {
		c.Weights.RiskFreeAnnual = f
	}
	if f, ok := envFloat("ARBITER_FLOOR_WEIGHT"); ok {
		c.Weights.FloorWeight = f
	}
	if n, ok := envInt("ARBITER_WEIGHT_LOOKBACK"); ok {
		c.Weights.Lookback = n
	}
	if v := os.Getenv("ARBITER_WEIGHT_STRICT"); v != "" {
		c.Weights.Strict = v == "true"
	}
	if n, ok := envInt("ARBITER_SYSTEMIC_SELL_THRESHOLD"); ok {
		c.Cycle.SystemicSellThreshold = n
	}
	if n, ok := envInt("ARBITER_SUMMARY_TIMEOUT_MS"); ok {
		c.Cycle.SummaryTimeoutMs = n
	}
	if n, ok := envInt("ARBITER_SINK_TIMEOUT_MS"); ok {
		c.Cycle.SinkTimeoutMs = n
	}
	if n, ok := envInt("ARBITER_NONCE_TTL_MINUTES"); ok {
		c.Cycle.NonceTTLMinutes = n
	}
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects values the breakers or the weighting engine cannot
// operate on.
func (c Config) Validate() error {
	if c.Breakers.DailyLossThreshold >= 0 {
		return fmt.Errorf("%w: daily_loss_threshold must be negative, got %v",
			contracts.ErrConfiguration, c.Breakers.DailyLossThreshold)
	}
	if c.Breakers.VolatilityThreshold <= 0 {
		return fmt.Errorf("%w: volatility_threshold must be positive, got %v",
			contracts.ErrConfiguration, c.Breakers.VolatilityThreshold)
	}
	if c.Breakers.VolatilityReduction <= 0 || c.Breakers.VolatilityReduction > 1 {
		return fmt.Errorf("%w: volatility_reduction must be in (0,1], got %v",
			contracts.ErrConfiguration, c.Breakers.VolatilityReduction)
	}
	if c.Breakers.ConcentrationLimit <= 0 || c.Breakers.ConcentrationLimit > 1 {
		return fmt.Errorf("%w: concentration_limit must be in (0,1], got %v",
			contracts.ErrConfiguration, c.Breakers.ConcentrationLimit)
	}
	if c.Weights.FloorWeight < 0 || c.Weights.FloorWeight >= 1 {
		return fmt.Errorf("%w: floor_weight must be in [0,1), got %v",
			contracts.ErrConfiguration, c.Weights.FloorWeight)
	}
	if c.Weights.Lookback <= 0 {
		return fmt.Errorf("%w: lookback must be positive, got %d",
			contracts.ErrConfiguration, c.Weights.Lookback)
	}
	if c.Cycle.SystemicSellThreshold <= 0 {
		return fmt.Errorf("%w: systemic_sell_threshold must be positive, got %d",
			contracts.ErrConfiguration, c.Cycle.SystemicSellThreshold)
	}
	return nil
}

// NotifyTimeout converts the millisecond setting.
func (c BreakerConfig) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutMs) * time.Millisecond
}

// SummaryTimeout converts the millisecond setting.
func (c CycleConfig) SummaryTimeout() time.Duration {
	return time.Duration(c.SummaryTimeoutMs) * time.Millisecond
}

// SinkTimeout converts the millisecond setting.
func (c CycleConfig) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutMs) * time.Millisecond
}

// NonceTTL converts the minute setting.
func (c CycleConfig) NonceTTL() time.Duration {
	return time.Duration(c.NonceTTLMinutes) * time.Minute
}
