// Package config provides application configuration with multi-source priority.
//
// Sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.sage/config.yaml)
//  3. Default values
//
// Main categories:
//   - AI: synthesis/classifier model selection, embedder model and dimension
//   - Providers: upstream knowledge-source credentials and endpoints (providers.go)
//   - Storage: PostgreSQL connection (storage.go)
//   - Engine: retrieval tuning — timeouts, recency blend, cache TTLs
//   - Observability: OpenTelemetry tracing (observability.go)
//
// Security: sensitive values (passwords, API keys) are masked in MarshalJSON
// and never logged. Validation is fail-fast with sentinel errors so callers
// can branch with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidEmbedderDimension indicates the embedder dimension is unsupported.
	ErrInvalidEmbedderDimension = errors.New("invalid embedder dimension")

	// ErrInvalidRecencyWeight indicates the memory recency weight is out of [0,1].
	ErrInvalidRecencyWeight = errors.New("invalid recency weight")

	// ErrInvalidRecencyHorizon indicates the recency horizon is not positive.
	ErrInvalidRecencyHorizon = errors.New("invalid recency horizon")

	// ErrInvalidDeadline indicates a timeout/deadline setting is not positive.
	ErrInvalidDeadline = errors.New("invalid deadline")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 outputs 3072 dimensions by default but supports
	// truncation via OutputDimensionality; the pgvector schema uses 768.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultEmbedderDimension matches the vector(768) columns in db/migrations.
	DefaultEmbedderDimension = 768

	// DefaultSynthesisModel is the model used for answer synthesis.
	DefaultSynthesisModel = "googleai/gemini-2.5-flash"

	// DefaultClassifierModel is the low-latency model used for query routing.
	DefaultClassifierModel = "googleai/gemini-2.5-flash-lite"
)

// Engine holds retrieval/synthesis tuning for the pipeline.
type Engine struct {
	// SourceTimeout bounds a single provider adapter call.
	SourceTimeout time.Duration `mapstructure:"source_timeout" json:"source_timeout"`

	// GatherDeadline bounds the whole fan-out/fan-in; adapters still pending
	// at the deadline are reported as timeout results.
	GatherDeadline time.Duration `mapstructure:"gather_deadline" json:"gather_deadline"`

	// SynthesisTimeout bounds the final language-model call. Kept shorter than
	// the caller's overall budget so a stuck synthesis step stays detectable.
	SynthesisTimeout time.Duration `mapstructure:"synthesis_timeout" json:"synthesis_timeout"`

	// RecencyWeight blends similarity and recency for project-memory search.
	// 0 = pure similarity, 1 = pure recency.
	RecencyWeight float64 `mapstructure:"recency_weight" json:"recency_weight"`

	// RecencyHorizonDays is the age at which the recency score reaches zero.
	RecencyHorizonDays int `mapstructure:"recency_horizon_days" json:"recency_horizon_days"`

	// ClassifierRPS rate-limits classification and disambiguation model calls.
	ClassifierRPS float64 `mapstructure:"classifier_rps" json:"classifier_rps"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON. When adding new
// secrets (passwords, API keys, tokens), update MarshalJSON.
type Config struct {
	// Synthesis / classification models (provider-qualified genkit names)
	SynthesisModel  string  `mapstructure:"synthesis_model" json:"synthesis_model"`
	ClassifierModel string  `mapstructure:"classifier_model" json:"classifier_model"`
	Temperature     float32 `mapstructure:"temperature" json:"temperature"`

	// Embedding
	EmbedderModel     string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedderDimension int    `mapstructure:"embedder_dimension" json:"embedder_dimension"`

	// Upstream knowledge-source providers (see providers.go)
	Providers Providers `mapstructure:"providers" json:"providers"`

	// Engine tuning
	Engine Engine `mapstructure:"engine" json:"engine"`

	// Storage (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// HTTP server
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// Observability (see observability.go)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// Load loads configuration with priority env > file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".sage")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers all default configuration values.
func setDefaults() {
	viper.SetDefault("synthesis_model", DefaultSynthesisModel)
	viper.SetDefault("classifier_model", DefaultClassifierModel)
	viper.SetDefault("temperature", 0.3)

	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("embedder_dimension", DefaultEmbedderDimension)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "sage")
	viper.SetDefault("postgres_password", "sage_dev_password")
	viper.SetDefault("postgres_db_name", "sage")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("listen_addr", ":8080")

	// Engine tuning. Recency weight/horizon are product constants by default
	// but deliberately configurable per deployment.
	viper.SetDefault("engine.source_timeout", 20*time.Second)
	viper.SetDefault("engine.gather_deadline", 45*time.Second)
	viper.SetDefault("engine.synthesis_timeout", 30*time.Second)
	viper.SetDefault("engine.recency_weight", 0.3)
	viper.SetDefault("engine.recency_horizon_days", 30)
	viper.SetDefault("engine.classifier_rps", 2.0)

	// Provider endpoints (keys come from env only)
	viper.SetDefault("providers.exa.base_url", "https://api.exa.ai")
	viper.SetDefault("providers.perplexity.base_url", "https://api.perplexity.ai")
	viper.SetDefault("providers.wikipedia.base_url", "https://en.wikipedia.org/api/rest_v1")
	viper.SetDefault("providers.market.base_url", "https://finnhub.io/api/v1")

	// Tracing defaults
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.environment", "dev")
	viper.SetDefault("tracing.service_name", "sage")
}

// bindEnvVariables binds secrets and common overrides explicitly.
// GEMINI_API_KEY is read directly by genkit, not via viper; validation only
// checks its presence.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime condition.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("providers.exa.api_key", "EXA_API_KEY")
	mustBind("providers.perplexity.api_key", "PERPLEXITY_API_KEY")
	mustBind("providers.market.api_key", "FINNHUB_API_KEY")

	mustBind("synthesis_model", "SAGE_SYNTHESIS_MODEL")
	mustBind("classifier_model", "SAGE_CLASSIFIER_MODEL")
	mustBind("listen_addr", "SAGE_LISTEN_ADDR")
	mustBind("tracing.enabled", "SAGE_TRACING_ENABLED")
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid substring matches against real secret fragments.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters for debugging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + maskedValue + s[len(s)-2:]
}

// MarshalJSON masks sensitive fields so Config can be logged safely.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	masked := alias(*c)
	masked.PostgresPassword = maskSecret(c.PostgresPassword)
	masked.Providers.Exa.APIKey = maskSecret(c.Providers.Exa.APIKey)
	masked.Providers.Perplexity.APIKey = maskSecret(c.Providers.Perplexity.APIKey)
	masked.Providers.Market.APIKey = maskSecret(c.Providers.Market.APIKey)
	return json.Marshal(masked)
}
