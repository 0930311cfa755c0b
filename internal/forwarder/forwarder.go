// Package forwarder posts envelopes to the webhook and classifies the response.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/lsm/hookbridge/internal/envelope"
	"github.com/lsm/hookbridge/internal/tracing"
)

// Request headers set on every POST.
const (
	HeaderSourceTopic   = "X-Source-Topic"
	HeaderAttempt       = "X-Attempt"
	HeaderCorrelationID = "X-Correlation-ID"
)

// OAuthConfig enables the OAuth2 client-credentials flow for webhook requests.
type OAuthConfig struct {
	TokenURL     string   `yaml:"tokenUrl"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// Config holds webhook client configuration.
type Config struct {
	URL     string
	Timeout time.Duration // per request, default 10s
	Headers map[string]string

	BearerToken string
	OAuth       *OAuthConfig

	RateLimit float64 // requests per second, 0 disables
	RateBurst int

	MaxIdleConnsPerHost int
	MaxConnsPerHost     int

	MaxRequestBytes  int64 // 0 means unlimited
	MaxResponseBytes int64 // read limit for failure details, default 64 KiB
}

// Delivery is the input to one forwarding attempt.
type Delivery struct {
	Envelope      envelope.Envelope
	Attempt       int
	CorrelationID string
}

// Forwarder issues a single POST per call. It never retries.
type Forwarder struct {
	client  *http.Client
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a Forwarder with a pooled, instrumented HTTP client.
func New(cfg Config, logger *slog.Logger) (*Forwarder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("url must be http or https: %s", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 64 << 10
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 32
	}
	if logger == nil {
		logger = slog.Default()
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	base.MaxConnsPerHost = cfg.MaxConnsPerHost

	var rt http.RoundTripper = base
	if cfg.OAuth != nil {
		if cfg.OAuth.TokenURL == "" || cfg.OAuth.ClientID == "" {
			return nil, fmt.Errorf("oauth tokenUrl and clientId are required")
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{
			Transport: base,
			Timeout:   cfg.Timeout,
		})
		rt = &oauth2.Transport{Source: cc.TokenSource(tokenCtx), Base: base}
	}

	f := &Forwarder{
		client: &http.Client{
			Timeout:       cfg.Timeout,
			Transport:     otelhttp.NewTransport(rt),
			CheckRedirect: NoRedirects,
		},
		config: cfg,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("webhook-forwarder"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return f, nil
}

// SetTracer sets the tracer for the forwarder.
func (f *Forwarder) SetTracer(tracer trace.Tracer) {
	f.tracer = tracer
}

// Forward posts d.Envelope once and classifies the result.
func (f *Forwarder) Forward(ctx context.Context, d Delivery) Outcome {
	start := time.Now()
	env := d.Envelope

	ctx, span := tracing.StartSpan(ctx, f.tracer, tracing.SpanForward,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.MessageAttrs(env.Topic, env.Partition, env.Offset)...),
		trace.WithAttributes(
			attribute.Int(tracing.AttrAttempt, d.Attempt),
			attribute.String(tracing.AttrCorrelationID, d.CorrelationID),
		),
	)
	defer span.End()

	out := f.forward(ctx, d)
	out.Latency = time.Since(start)

	span.SetAttributes(attribute.String(tracing.AttrOutcome, out.Kind.String()))
	if out.Status != 0 {
		span.SetAttributes(attribute.Int(tracing.AttrHTTPStatus, out.Status))
	}
	if out.Kind == Success {
		tracing.SetSpanOK(span)
	} else {
		tracing.SetSpanError(span, errors.New(out.Reason))
	}

	f.logger.Debug("webhook attempt",
		"correlation_id", d.CorrelationID,
		"topic", env.Topic,
		"partition", env.Partition,
		"offset", env.Offset,
		"attempt", d.Attempt,
		"outcome", out.Kind.String(),
		"status", out.Status,
		"latency_ms", out.Latency.Milliseconds(),
	)
	return out
}

func (f *Forwarder) forward(ctx context.Context, d Delivery) Outcome {
	body, err := d.Envelope.Marshal()
	if err != nil {
		return Outcome{Kind: Permanent, Reason: fmt.Sprintf("encode envelope: %v", err)}
	}
	if f.config.MaxRequestBytes > 0 && int64(len(body)) > f.config.MaxRequestBytes {
		return Outcome{
			Kind:   Permanent,
			Reason: fmt.Sprintf("envelope is %d bytes, limit %d", len(body), f.config.MaxRequestBytes),
		}
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return Outcome{Kind: Retriable, Reason: fmt.Sprintf("rate limit wait: %v", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: Permanent, Reason: fmt.Sprintf("create request: %v", err)}
	}
	for k, v := range f.config.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSourceTopic, d.Envelope.Topic)
	req.Header.Set(HeaderAttempt, strconv.Itoa(d.Attempt))
	if d.CorrelationID != "" {
		req.Header.Set(HeaderCorrelationID, d.CorrelationID)
	}
	if f.config.BearerToken != "" && f.config.OAuth == nil {
		req.Header.Set("Authorization", "Bearer "+f.config.BearerToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Outcome{Kind: Retriable, Reason: fmt.Sprintf("http request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxResponseBytes))
	// Drain a bounded remainder so the connection can be reused. Larger
	// bodies close the connection.
	_, _ = io.CopyN(io.Discard, resp.Body, f.config.MaxResponseBytes)

	return Classify(resp.StatusCode, resp.Header, detail)
}

// NoRedirects makes a client return 3xx responses as they are. A followed
// 301, 302 or 303 would be replayed as a bodiless GET.
func NoRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Close releases idle connections.
func (f *Forwarder) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// Classify maps an HTTP response to an outcome.
func Classify(status int, header http.Header, body []byte) Outcome {
	if status >= 200 && status < 300 {
		return Outcome{Kind: Success, Status: status}
	}

	reason := fmt.Sprintf("http status %d", status)
	if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > 256 {
			text = text[:256] + "..."
		}
		reason += ": " + text
	}

	out := Outcome{Status: status, Reason: reason}
	if retriableStatus(status) {
		out.Kind = Retriable
		out.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	} else {
		out.Kind = Permanent
	}
	return out
}

func retriableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500 && status < 600
}

// parseRetryAfter accepts delay-seconds or an HTTP-date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
