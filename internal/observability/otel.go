/*
Package observability sets up OpenTelemetry tracing for the engine.

Spans are exported with the stdout exporter to stderr or a file. Standard
output is never used because the stdio server owns it.
*/
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/khanglvm/amas-engine/internal/logger"
)

// Config controls tracing.
type Config struct {
	Enabled     bool    `json:"enabled" env:"AMAS_OTEL_ENABLED"`
	ServiceName string  `json:"serviceName" env:"AMAS_OTEL_SERVICE_NAME"`
	SampleRatio float64 `json:"sampleRatio" env:"AMAS_OTEL_SAMPLE_RATIO"`

	// Output is "stderr" or a file path.
	Output string `json:"output" env:"AMAS_OTEL_OUTPUT"`
}

// DefaultConfig returns tracing disabled.
func DefaultConfig() Config {
	return Config{ServiceName: "amas-engine", SampleRatio: 1, Output: "stderr"}
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

var (
	initOnce sync.Once
	shutdown ShutdownFunc = func(context.Context) error { return nil }
)

// Init installs the global tracer provider once. When tracing is disabled
// the global no-op provider stays in place. The returned func is safe to
// call even then.
func Init(ctx context.Context, cfg Config, version string, log *logger.Logger) ShutdownFunc {
	initOnce.Do(func() {
		if !cfg.Enabled {
			return
		}
		if log == nil {
			log = logger.Nop()
		}
		name := strings.TrimSpace(cfg.ServiceName)
		if name == "" {
			name = DefaultConfig().ServiceName
		}

		w, closeOut, err := openOutput(cfg.Output)
		if err != nil {
			log.Warn("otel output unavailable, tracing disabled", "output", cfg.Output, "error", err)
			return
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			closeOut()
			log.Warn("otel exporter init failed, tracing disabled", "error", err)
			return
		}

		res, err := resource.New(ctx, resource.WithAttributes(
			attribute.String("service.name", name),
			attribute.String("service.version", version),
		))
		if err != nil {
			log.Warn("otel resource init failed (continuing)", "error", err)
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.SampleRatio)))),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		shutdown = func(ctx context.Context) error {
			defer closeOut()
			return tp.Shutdown(ctx)
		}
		log.Info("otel tracing initialized", "service", name, "output", cfg.Output)
	})
	return shutdown
}

// Tracer returns a tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func openOutput(output string) (io.Writer, func(), error) {
	switch strings.TrimSpace(output) {
	case "", "stderr":
		return os.Stderr, func() {}, nil
	case "stdout":
		return nil, nil, fmt.Errorf("stdout is reserved for the stdio server")
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func clampRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
