package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanForward    = "webhook.forward"
	SpanDeadLetter = "deadletter.write"
)

// Attribute keys.
const (
	AttrTopic         = "messaging.kafka.topic"
	AttrPartition     = "messaging.kafka.partition"
	AttrOffset        = "messaging.kafka.offset"
	AttrAttempt       = "hookbridge.attempt"
	AttrOutcome       = "hookbridge.outcome"
	AttrCorrelationID = "hookbridge.correlation_id"
	AttrHTTPStatus    = "http.status_code"
)

// StartSpan starts a span, or returns the current span when tracer is nil.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// MessageAttrs returns the attributes identifying a record.
func MessageAttrs(topic string, partition int32, offset int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTopic, topic),
		attribute.Int64(AttrPartition, int64(partition)),
		attribute.Int64(AttrOffset, offset),
	}
}
