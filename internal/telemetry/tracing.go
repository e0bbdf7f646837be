/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the queue daemon.
// Custom span attributes use the `nova.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "nova-ops.io/queue"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("novad"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSubmitSpan creates the span covering action submission.
func StartSubmitSpan(ctx context.Context, skill, command, mode string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "action.submit",
		trace.WithAttributes(
			attribute.String("nova.skill", skill),
			attribute.String("nova.command", command),
			attribute.String("nova.mode", mode),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartExecuteSpan creates the span covering one skill execution.
func StartExecuteSpan(ctx context.Context, actionID, skill, command, mode string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "action.execute",
		trace.WithAttributes(
			attribute.String("nova.action_id", actionID),
			attribute.String("nova.skill", skill),
			attribute.String("nova.command", command),
			attribute.String("nova.mode", mode),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndExecuteSpan records the terminal status on the execution span.
func EndExecuteSpan(span trace.Span, status string, message string) {
	span.SetAttributes(attribute.String("nova.status", status))
	if status == "failed" {
		span.SetStatus(codes.Error, message)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
