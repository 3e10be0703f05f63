package config

import (
	"fmt"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// GEMINI_API_KEY is read directly by genkit; only its presence is checked here.
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}

	if c.SynthesisModel == "" {
		return fmt.Errorf("%w: synthesis_model cannot be empty", ErrInvalidModelName)
	}
	if c.ClassifierModel == "" {
		return fmt.Errorf("%w: classifier_model cannot be empty", ErrInvalidModelName)
	}

	// Temperature range per Gemini API documentation.
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// The dimension must match the vector(N) columns in db/migrations; a
	// mismatch would make every ingestion fail at the dimensionality check.
	if c.EmbedderDimension != DefaultEmbedderDimension {
		return fmt.Errorf("%w: schema expects %d, got %d",
			ErrInvalidEmbedderDimension, DefaultEmbedderDimension, c.EmbedderDimension)
	}

	if c.Engine.RecencyWeight < 0 || c.Engine.RecencyWeight > 1 {
		return fmt.Errorf("%w: must be within [0,1], got %.2f",
			ErrInvalidRecencyWeight, c.Engine.RecencyWeight)
	}
	if c.Engine.RecencyHorizonDays <= 0 {
		return fmt.Errorf("%w: recency_horizon_days must be positive, got %d",
			ErrInvalidRecencyHorizon, c.Engine.RecencyHorizonDays)
	}

	for name, d := range map[string]interface{ Seconds() float64 }{
		"source_timeout":    c.Engine.SourceTimeout,
		"gather_deadline":   c.Engine.GatherDeadline,
		"synthesis_timeout": c.Engine.SynthesisTimeout,
	} {
		if d.Seconds() <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidDeadline, name)
		}
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	// Modern SSL modes only; allow/prefer are deprecated (MITM-vulnerable).
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}
