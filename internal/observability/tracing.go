// Package observability wires OpenTelemetry trace export into Genkit.
//
// Spans are exported over OTLP/HTTP to a local collector agent, which
// handles authentication, buffering, and forwarding to whatever backend
// is configured. The application itself never holds backend credentials.
package observability

import (
	"context"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/sagehq/sage/internal/log"
)

// DefaultEndpoint is the default OTLP/HTTP collector address.
const DefaultEndpoint = "localhost:4318"

// Config for trace export.
type Config struct {
	// Endpoint is the collector's OTLP/HTTP address (host:port, no scheme).
	Endpoint string
	// Environment tags spans with the deployment environment.
	Environment string
	// ServiceName is the service name shown in the APM backend.
	ServiceName string
}

// Setup registers an OTLP exporter with Genkit's TracerProvider, so every
// model call, flow, and custom span flows to the collector. Returns a
// shutdown function that flushes pending spans.
//
// An unreachable collector is not fatal: the exporter is skipped and the
// engine runs untraced.
func Setup(ctx context.Context, cfg Config, logger log.Logger) (shutdown func(context.Context) error, err error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	// Genkit's TracerProvider reads the service identity from the OTEL
	// environment at span-build time.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(), // local collector, no TLS
	)
	if err != nil {
		logger.Warn("creating trace exporter failed, tracing disabled", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"endpoint", endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}

// Tracer returns a named tracer from Genkit's TracerProvider for manual
// spans around pipeline stages.
func Tracer(name string) trace.Tracer {
	return tracing.TracerProvider().Tracer(name)
}
