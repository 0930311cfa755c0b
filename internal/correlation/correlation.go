// Package correlation carries a request correlation id and trace context from
// record headers to the webhook request.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Header names, lower-case as they appear on Kafka records.
const (
	HeaderCorrelationID = "x-correlation-id"
	HeaderRequestID     = "x-request-id"
	HeaderTraceparent   = "traceparent"
)

// ID is a correlation id and where it was found.
type ID struct {
	Value  string
	Source string
}

// ExtractOrGenerate returns the correlation id from headers, or a new UUID.
// Priority: x-correlation-id > x-request-id > traceparent trace id > generated.
func ExtractOrGenerate(headers map[string]string) ID {
	for _, h := range []string{HeaderCorrelationID, HeaderRequestID} {
		if v := lookup(headers, h); v != "" {
			return ID{Value: v, Source: h}
		}
	}
	if tp := lookup(headers, HeaderTraceparent); tp != "" {
		if id := traceID(tp); id != "" {
			return ID{Value: id, Source: HeaderTraceparent}
		}
	}
	return ID{Value: uuid.NewString(), Source: "generated"}
}

// ExtractTraceContext returns ctx carrying the remote span found in headers, if any.
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	for k, v := range headers {
		carrier[strings.ToLower(k)] = v
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// lookup matches header names case-insensitively.
func lookup(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// traceID parses the W3C traceparent format version-traceid-parentid-flags.
func traceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}
