// Package tracing installs the OpenTelemetry tracer provider and offers the
// small span helpers the engine uses around node execution.
package tracing

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "careflow/backend"

var (
	providerOnce sync.Once
	shutdownFn   func(context.Context) error
	providerErr  error
)

// exporterFactory builds the exporter and, when it owns one, the file the
// exporter writes to.
type exporterFactory func() (sdktrace.SpanExporter, io.Closer, error)

// Init installs a global tracer provider exporting to stdout, or to
// outputFile when set. Only the first call has an effect; later calls do not
// touch outputFile. The returned function flushes and stops the provider and
// closes the output file.
func Init(serviceName, serviceVersion, outputFile string) (func(context.Context) error, error) {
	return install(serviceName, serviceVersion, stdoutExporter(outputFile))
}

func stdoutExporter(outputFile string) exporterFactory {
	return func() (sdktrace.SpanExporter, io.Closer, error) {
		if outputFile == "" {
			exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
			return exporter, nil, err
		}
		f, err := os.Create(outputFile)
		if err != nil {
			return nil, nil, err
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return exporter, f, nil
	}
}

// InitWithExporter is Init with a caller-supplied exporter.
func InitWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) (func(context.Context) error, error) {
	return install(serviceName, serviceVersion, func() (sdktrace.SpanExporter, io.Closer, error) {
		return exporter, nil, nil
	})
}

func install(serviceName, serviceVersion string, newExporter exporterFactory) (func(context.Context) error, error) {
	providerOnce.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				attribute.String("service.name", serviceName),
				attribute.String("service.version", serviceVersion),
			),
		)
		if err != nil {
			providerErr = err
			return
		}

		exporter, closer, err := newExporter()
		if err != nil {
			providerErr = err
			return
		}

		provider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)

		shutdownFn = func(ctx context.Context) error {
			err := provider.Shutdown(ctx)
			if closer != nil {
				err = errors.Join(err, closer.Close())
			}
			return err
		}
	})
	if providerErr != nil {
		return nil, providerErr
	}
	return shutdownFn, nil
}

// StartSpan starts an internal span from the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
