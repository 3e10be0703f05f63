package config

// TracingConfig configures OpenTelemetry trace export.
//
// Traces are sent over OTLP/HTTP to a local collector agent, which handles
// authentication, buffering, and forwarding. The application never holds
// backend credentials.
type TracingConfig struct {
	// Enabled turns span export on. Off by default; the engine runs fine
	// without a collector.
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// Endpoint is the OTLP/HTTP receiver address (host:port, no scheme).
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`

	// ServiceName tags exported spans.
	ServiceName string `mapstructure:"service_name" json:"service_name"`

	// Environment tags spans with the deployment environment (dev/staging/prod).
	Environment string `mapstructure:"environment" json:"environment"`
}
