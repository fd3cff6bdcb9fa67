// Package tracing installs the process-wide OpenTelemetry tracer provider.
// Spans from the campaign, snapshot and engine packages are exported as
// JSON, one file per day, under the workspace's traces directory.
package tracing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"stagecheck/internal/logging"
)

// Provider owns the installed tracer provider and its output file.
type Provider struct {
	tp   *sdktrace.TracerProvider
	file *os.File
	path string
}

// Setup opens <dir>/spans-<date>.json for appending and installs a batching
// provider that writes to it as the global tracer provider.
func Setup(dir, version string) (*Provider, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create traces directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("spans-%s.json", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open span file: %w", err)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "stagecheck"),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	logging.BootDebug("span export to %s", path)
	return &Provider{tp: tp, file: f, path: path}, nil
}

// Path is the file spans are written to.
func (p *Provider) Path() string {
	return p.path
}

// Shutdown flushes pending spans and closes the file.
func (p *Provider) Shutdown(ctx context.Context) error {
	err := p.tp.Shutdown(ctx)
	if cerr := p.file.Close(); err == nil {
		err = cerr
	}
	return err
}
