// Package config loads the operator node's configuration from a YAML file
// (if present) and environment variable overrides, following the same
// layered load order the rest of the corpus uses: defaults, then file, then
// env.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ChainConfig describes one EVM or Cosmos chain endpoint the Trigger Manager
// and Submission subsystem connect to.
type ChainConfig struct {
	ID   string `json:"id" yaml:"id"`
	Kind string `json:"kind" yaml:"kind"` // "evm" or "cosmos"
	// WSEndpoint is a single-endpoint convenience; WSEndpoints is the
	// ordered failover list used when a chain has more than one relay.
	// Both may be set: WSEndpoint is appended to WSEndpoints if not
	// already present there.
	WSEndpoint    string   `json:"ws_endpoint" yaml:"ws_endpoint" env:"WAVS_CHAIN_WS_ENDPOINT"`
	WSEndpoints   []string `json:"ws_endpoints" yaml:"ws_endpoints"`
	HTTPEndpoint  string   `json:"http_endpoint" yaml:"http_endpoint" env:"WAVS_CHAIN_HTTP_ENDPOINT"`
	ChainIDNumber uint64   `json:"chain_id_number" yaml:"chain_id_number"`

	// ServiceManagerAddress/ServiceHandlerAddress are the EVM contract
	// addresses workflows on this chain submit to and check quorum against.
	// Workflows reference this chain by setting Submit.ChainID (direct) or
	// Submit.ServiceManager == ID (aggregated) to resolve to these contracts.
	ServiceManagerAddress string `json:"service_manager_address" yaml:"service_manager_address"`
	ServiceHandlerAddress string `json:"service_handler_address" yaml:"service_handler_address"`
}

// AllWSEndpoints returns the ordered list of websocket endpoints for this
// chain: WSEndpoints followed by WSEndpoint, if set and not a duplicate.
func (c ChainConfig) AllWSEndpoints() []string {
	endpoints := append([]string(nil), c.WSEndpoints...)
	if c.WSEndpoint == "" {
		return endpoints
	}
	for _, e := range endpoints {
		if e == c.WSEndpoint {
			return endpoints
		}
	}
	return append(endpoints, c.WSEndpoint)
}

// EngineConfig controls the bounded Wasm/component worker pool.
type EngineConfig struct {
	Workers          int           `json:"workers" yaml:"workers" env:"WAVS_ENGINE_WORKERS"`
	DefaultFuelCap   uint64        `json:"default_fuel_cap" yaml:"default_fuel_cap" env:"WAVS_ENGINE_DEFAULT_FUEL_CAP"`
	DefaultTimeCap   time.Duration `json:"default_time_cap" yaml:"default_time_cap" env:"WAVS_ENGINE_DEFAULT_TIME_CAP"`
	ComponentCacheMB int           `json:"component_cache_mb" yaml:"component_cache_mb" env:"WAVS_ENGINE_COMPONENT_CACHE_MB"`
	// StorageKeySeed derives the root key that seals every component's KV
	// storage values at rest; empty leaves storage unsealed.
	StorageKeySeed string `json:"-" yaml:"-" env:"WAVS_ENGINE_STORAGE_KEY_SEED"`
}

// KeystoreConfig controls HD key derivation for per-service signing keys.
type KeystoreConfig struct {
	Seed string `json:"-" yaml:"-" env:"WAVS_KEYSTORE_SEED"`
}

// DispatcherConfig controls the event-routing core.
type DispatcherConfig struct {
	QueueWarnDepth int `json:"queue_warn_depth" yaml:"queue_warn_depth" env:"WAVS_DISPATCHER_QUEUE_WARN_DEPTH"`
	DedupCacheSize int `json:"dedup_cache_size" yaml:"dedup_cache_size" env:"WAVS_DISPATCHER_DEDUP_CACHE_SIZE"`
}

// SubmissionConfig controls gas policy and submission retry behavior.
type SubmissionConfig struct {
	GasMultiplier    float64       `json:"gas_multiplier" yaml:"gas_multiplier" env:"WAVS_SUBMISSION_GAS_MULTIPLIER"`
	GasCap           uint64        `json:"gas_cap" yaml:"gas_cap" env:"WAVS_SUBMISSION_GAS_CAP"`
	SubmitTimeout    time.Duration `json:"submit_timeout" yaml:"submit_timeout" env:"WAVS_SUBMISSION_TIMEOUT"`
	RetryMaxAttempts int           `json:"retry_max_attempts" yaml:"retry_max_attempts" env:"WAVS_SUBMISSION_RETRY_MAX_ATTEMPTS"`
	RetryDelay       time.Duration `json:"retry_delay" yaml:"retry_delay" env:"WAVS_SUBMISSION_RETRY_DELAY"`
}

// AggregatorConfig controls the quorum-aggregation HTTP service.
type AggregatorConfig struct {
	ListenAddr       string        `json:"listen_addr" yaml:"listen_addr" env:"WAVS_AGGREGATOR_LISTEN_ADDR"`
	RateLimitPerSec  float64       `json:"rate_limit_per_sec" yaml:"rate_limit_per_sec" env:"WAVS_AGGREGATOR_RATE_LIMIT_PER_SEC"`
	RateLimitBurst   int           `json:"rate_limit_burst" yaml:"rate_limit_burst" env:"WAVS_AGGREGATOR_RATE_LIMIT_BURST"`
	SubmitRetryDelay time.Duration `json:"submit_retry_delay" yaml:"submit_retry_delay" env:"WAVS_AGGREGATOR_SUBMIT_RETRY_DELAY"`
	StaleBlockWindow uint32        `json:"stale_block_window" yaml:"stale_block_window" env:"WAVS_AGGREGATOR_STALE_BLOCK_WINDOW"`
}

// LoggingConfig controls application logging, mirroring the rest of the corpus.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"WAVS_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"WAVS_LOG_FORMAT"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" env:"WAVS_METRICS_LISTEN_ADDR"`
}

// Config is the top-level operator node configuration.
type Config struct {
	Chains     []ChainConfig    `json:"chains" yaml:"chains"`
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Keystore   KeystoreConfig   `json:"keystore" yaml:"keystore"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Submission SubmissionConfig `json:"submission" yaml:"submission"`
	Aggregator AggregatorConfig `json:"aggregator" yaml:"aggregator"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:          4,
			DefaultFuelCap:   10_000_000,
			DefaultTimeCap:   5 * time.Second,
			ComponentCacheMB: 256,
		},
		Dispatcher: DispatcherConfig{
			QueueWarnDepth: 1000,
			DedupCacheSize: 100_000,
		},
		Submission: SubmissionConfig{
			GasMultiplier:    1.2,
			GasCap:           5_000_000,
			SubmitTimeout:    30 * time.Second,
			RetryMaxAttempts: 5,
			RetryDelay:       2 * time.Second,
		},
		Aggregator: AggregatorConfig{
			ListenAddr:       "0.0.0.0:8070",
			RateLimitPerSec:  50,
			RateLimitBurst:   100,
			SubmitRetryDelay: 2 * time.Second,
			StaleBlockWindow: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			ListenAddr: "0.0.0.0:9090",
		},
	}
}

// Load loads configuration from a file (if present) and environment
// variables, in that order, so env vars always win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("WAVS_CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when none of its tagged fields are present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting every variable.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Keystore.Seed == "" {
		return fmt.Errorf("keystore seed (WAVS_KEYSTORE_SEED) is required")
	}
	seen := make(map[string]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if seen[ch.ID] {
			return fmt.Errorf("duplicate chain id %q", ch.ID)
		}
		seen[ch.ID] = true
	}
	return nil
}
