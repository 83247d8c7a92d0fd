// Package config handles loading and validating memoryrouter configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the memoryrouter gateway.
// Provider credentials are deliberately absent here: they are BYOK,
// supplied per owner at request time (spec.md §1), never held in server
// config the way the teacher's ProviderConfig map once did.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Engine    EngineConfig    `koanf:"engine"`
	Quota     QuotaConfig     `koanf:"quota"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Index     IndexConfig     `koanf:"index"`
	Redis     RedisConfig     `koanf:"redis"`
	Events    EventsConfig    `koanf:"events"`
}

// ServerConfig holds HTTP server settings, including the deadlines
// spec.md §5 names for the provider call, the off-critical-path
// store+meter task, and the post-disconnect capture grace window.
type ServerConfig struct {
	Port              int           `koanf:"port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	ProviderTimeout   time.Duration `koanf:"provider_timeout"`
	AsyncStoreTimeout time.Duration `koanf:"async_store_timeout"`
	DisconnectGrace   time.Duration `koanf:"disconnect_grace"`
}

// EngineConfig tunes the retrieval engine; zero values fall back to
// engine.DefaultConfig at wiring time.
type EngineConfig struct {
	Budget           time.Duration `koanf:"budget"`
	OversampleFactor int           `koanf:"oversample_factor"`
	ScoreFloor       float64       `koanf:"score_floor"`
	HotWindow        time.Duration `koanf:"hot_window"`
	WorkingWindow    time.Duration `koanf:"working_window"`
	LongTermWindow   time.Duration `koanf:"long_term_window"`
}

// QuotaConfig mirrors quota.Config for file/env loading.
type QuotaConfig struct {
	FreeAllowanceTokens int64         `koanf:"free_allowance_tokens"`
	UnitPriceMicros     int64         `koanf:"unit_price_micros"`
	GraceWindow         time.Duration `koanf:"grace_window"`
	ReportUnitTokens    int64         `koanf:"report_unit_tokens"`
	ReportInterval      time.Duration `koanf:"report_interval"`
}

// EmbeddingConfig selects and tunes the embedding backend.
type EmbeddingConfig struct {
	// Backend is one of "stub" (deterministic, no model weights) or
	// "local" (onnxruntime_go + daulet/tokenizers, spec.md §4.5).
	Backend       string        `koanf:"backend"`
	Dimension     int           `koanf:"dimension"`
	ModelPath     string        `koanf:"model_path"`
	TokenizerPath string        `koanf:"tokenizer_path"`
	CacheTTL      time.Duration `koanf:"cache_ttl"`
}

// IndexConfig tunes the per-context adapter pool.
type IndexConfig struct {
	PoolSize int      `koanf:"pool_size"`
	Shards   []string `koanf:"shards"`
}

// RedisConfig configures the optional shared embedding cache backend.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// EventsConfig configures subscription-event signature verification.
type EventsConfig struct {
	Secret string        `koanf:"secret"`
	Skew   time.Duration `koanf:"skew"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// This is the equivalent of require('dotenv').config() in Node.
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "MEMORYROUTER_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   MEMORYROUTER_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("MEMORYROUTER_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "MEMORYROUTER_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal the loaded key-value pairs into our Config struct.
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
