package fault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"cancelled", context.Canceled, ExitOK},
		{"shutdown", New(KindShutdownRequested, "", nil), ExitOK},
		{"config", New(KindConfig, "bad", nil), ExitConfig},
		{"wrapped config", fmt.Errorf("load: %w", New(KindConfig, "bad", nil)), ExitConfig},
		{"unreachable", New(KindBrokerUnreachable, "", errors.New("dial")), ExitUnavailable},
		{"invariant", At(KindInvariantViolation, "t", 0, 5, 0, "regression", nil), ExitInternal},
		{"plain", errors.New("boom"), ExitFailure},
		{"transport", New(KindBrokerTransport, "", nil), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	err := At(KindWebhookPermanent, "orders", 2, 41, 1, "http status 400", nil)
	want := "WebhookPermanent orders[2]@41: http status 400"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("poll: %w", New(KindBrokerTransport, "fetch", cause))
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through the chain")
	}
	if !Is(err, KindBrokerTransport) {
		t.Error("expected kind BrokerTransportError")
	}
}

func TestLog_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	Log(logger, "delivery failed", At(KindWebhookPermanent, "t1", 0, 10, 1, "http status 400", nil))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	for _, key := range []string{"kind", "topic", "partition", "offset", "attempt", "detail"} {
		if _, ok := rec[key]; !ok {
			t.Errorf("missing field %q in %v", key, rec)
		}
	}
	if rec["kind"] != "WebhookPermanent" {
		t.Errorf("kind = %v", rec["kind"])
	}
	if rec["offset"] != float64(10) {
		t.Errorf("offset = %v", rec["offset"])
	}
}

func TestLog_Unclassified(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	Log(logger, "oops", errors.New("plain"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	if rec["kind"] != "Unclassified" || rec["detail"] != "plain" {
		t.Errorf("unexpected record %v", rec)
	}
}
