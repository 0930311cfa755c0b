package dlq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lsm/hookbridge/internal/forwarder"
)

// HTTPSink posts each record as JSON. Any 2xx response counts as durable;
// redirects are not followed.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates a sink for url. A nil client gets an instrumented
// transport and a 10s timeout.
func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = NewHTTPClient(10 * time.Second)
	}
	c := *client
	c.CheckRedirect = forwarder.NoRedirects
	return &HTTPSink{url: url, client: &c}
}

// NewHTTPClient returns a client with an otelhttp transport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		Transport:     otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone()),
		CheckRedirect: forwarder.NoRedirects,
	}
}

func (s *HTTPSink) Write(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return unavailable(rec, fmt.Errorf("encode record: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return unavailable(rec, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return unavailable(rec, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unavailable(rec, fmt.Errorf("http status %d", resp.StatusCode))
	}
	return nil
}

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
