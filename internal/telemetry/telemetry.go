// Package telemetry wires the ambient OTel tracer every daemon shares,
// mirroring the teacher's transitively-pulled OTel SDK stack (never
// directly exercised there) with an actual tracer provider so the
// control-plane's dispatch and execution paths get real spans.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Init installs a process-wide TracerProvider for serviceName. With no
// exporter configured, spans are recorded and discarded — this keeps
// every daemon instrumented without requiring an external collector in
// lab deployments, while leaving a natural seam (WithBatcher(exporter))
// for operators who want to plug one in.
func Init(serviceName string) (shutdown func(context.Context) error) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Tracer returns the shared tracer for name, e.g. "router" or "agent".
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
