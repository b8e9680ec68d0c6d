package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ExporterKind names a span exporter.
type ExporterKind string

// Span exporters.
const (
	ExporterNone   ExporterKind = "none"
	ExporterStdout ExporterKind = "stdout"
	ExporterOTLP   ExporterKind = "otlp"
)

// ErrUnknownExporter is returned for an unrecognised exporter name.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// ParseExporterKind converts a configuration string into an ExporterKind. Empty means otlp.
func ParseExporterKind(raw string) (ExporterKind, error) {
	switch k := ExporterKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case "", ExporterOTLP:
		return ExporterOTLP, nil
	case ExporterStdout, ExporterNone:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownExporter, raw)
	}
}

// ExporterConfig selects and configures the span exporter.
type ExporterConfig struct {
	Kind ExporterKind
	// Endpoint is the host:port of an OTLP gRPC collector.
	Endpoint string
	Insecure bool
	Headers  map[string]string
	// Writer receives stdout spans; nil means os.Stdout.
	Writer io.Writer
}

// NewExporter builds the configured span exporter. ExporterNone yields a nil exporter.
func NewExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Kind {
	case ExporterNone:
		return nil, nil
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLP, "":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("otlp trace exporter requires an endpoint")
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.Kind)
	}
}
