// Package telemetry is a thin wrapper around OpenTelemetry so the rest of
// the code can open spans without importing the SDK. Spans go to a stdout
// exporter, optionally redirected to a file.
package telemetry

import (
	"context"
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

const tracerName = "ledgerline"

var (
	initOnce sync.Once
	initErr  error
)

// Init installs the global tracer provider with a stdout exporter. Empty
// outputFile means os.Stdout. Safe to call more than once; the first
// successful initialisation wins.
func Init(serviceVersion, outputFile string) error {
	initOnce.Do(func() {
		var w io.Writer = os.Stdout
		if outputFile != "" {
			f, err := os.Create(outputFile)
			if err != nil {
				initErr = err
				return
			}
			w = f
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			initErr = err
			return
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				attribute.String("service.name", tracerName),
				attribute.String("service.version", serviceVersion),
			),
		)
		if err != nil {
			initErr = err
			return
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
	})
	return initErr
}

// Span wraps trace.Span so callers stay decoupled from the otel API.
type Span struct {
	span trace.Span
}

// StartSpan opens a child span. Without Init, spans are no-ops.
func StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, *Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		kvs := make([]attribute.KeyValue, 0, len(attrs))
		for k, v := range attrs {
			kvs = append(kvs, attribute.String(k, v))
		}
		span.SetAttributes(kvs...)
	}
	return ctx, &Span{span: span}
}

// End closes the span, recording err as its status when non-nil.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// EndSpan is the free-function form of (*Span).End.
func EndSpan(s *Span, err error) {
	s.End(err)
}
