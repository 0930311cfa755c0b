// Package config loads bridge configuration from an optional YAML file and
// the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	brokerkafka "github.com/lsm/hookbridge/internal/broker/kafka"
	"github.com/lsm/hookbridge/internal/fault"
	"github.com/lsm/hookbridge/internal/forwarder"
	"github.com/lsm/hookbridge/internal/kafka"
	"github.com/lsm/hookbridge/internal/observability"
	"github.com/lsm/hookbridge/internal/pipeline"
	"github.com/lsm/hookbridge/internal/retry"
	"github.com/lsm/hookbridge/internal/tracing"
)

// EnvConfigFile names the optional YAML file read before the environment.
const EnvConfigFile = "BRIDGE_CONFIG_FILE"

// Config is the complete bridge configuration.
type Config struct {
	Broker         BrokerConfig   `yaml:"broker"`
	Webhook        WebhookConfig  `yaml:"webhook"`
	Retry          RetryConfig    `yaml:"retry"`
	Concurrency    int            `yaml:"concurrency"`
	ShutdownGrace  time.Duration  `yaml:"shutdownGrace"`
	DeadLetterSink string         `yaml:"deadLetterSink"`
	LogLevel       string         `yaml:"logLevel"`
	MetricsAddr    string         `yaml:"metricsAddr"`
	Tracing        tracing.Config `yaml:"tracing"`
	WatchFile      bool           `yaml:"watch"`

	// File is the YAML file the configuration was read from, if any.
	File string `yaml:"-"`
}

// BrokerConfig describes the source cluster and consumer group.
type BrokerConfig struct {
	Bootstrap        []string         `yaml:"bootstrap"`
	GroupID          string           `yaml:"groupId"`
	Topics           []string         `yaml:"topics"`
	ClientID         string           `yaml:"clientId,omitempty"`
	StartOffset      string           `yaml:"startOffset"`
	SessionTimeout   time.Duration    `yaml:"sessionTimeout"`
	PollTimeout      time.Duration    `yaml:"pollTimeout"`
	RebalanceTimeout time.Duration    `yaml:"rebalanceTimeout"`
	Auth             kafka.AuthConfig `yaml:"auth,omitempty"`
	TLS              kafka.TLSConfig  `yaml:"tls,omitempty"`
}

// WebhookConfig describes the HTTP destination.
type WebhookConfig struct {
	URL              string                 `yaml:"url"`
	Timeout          time.Duration          `yaml:"timeout"`
	Headers          map[string]string      `yaml:"headers,omitempty"`
	BearerToken      string                 `yaml:"bearerToken,omitempty"`
	OAuth            *forwarder.OAuthConfig `yaml:"oauth,omitempty"`
	RateLimit        float64                `yaml:"rateLimit,omitempty"`
	MaxConnsPerHost  int                    `yaml:"maxConnsPerHost,omitempty"`
	MaxRequestBytes  int64                  `yaml:"maxRequestBytes,omitempty"`
	MaxResponseBytes int64                  `yaml:"maxResponseBytes,omitempty"`
}

// RetryConfig parameterizes webhook retry backoff.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	Factor      float64       `yaml:"factor"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	policy := retry.DefaultPolicy()
	return Config{
		Broker: BrokerConfig{
			StartOffset:      "earliest",
			SessionTimeout:   45 * time.Second,
			PollTimeout:      time.Second,
			RebalanceTimeout: 25 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout:          10 * time.Second,
			MaxResponseBytes: 64 << 10,
		},
		Retry: RetryConfig{
			MaxAttempts: policy.MaxAttempts,
			Base:        policy.BaseDelay,
			Cap:         policy.MaxDelay,
			Factor:      policy.Factor,
		},
		Concurrency:   32,
		ShutdownGrace: 30 * time.Second,
		LogLevel:      "info",
		MetricsAddr:   ":9090",
		Tracing:       tracing.Config{ServiceName: "hookbridge"},
	}
}

// Load builds the configuration: defaults, then the file named by
// BRIDGE_CONFIG_FILE, then environment overrides. getenv is usually os.Getenv.
// Every failure is a ConfigError.
func Load(getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path := getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fault.New(fault.KindConfig, "config file "+path, err)
		}
		cfg.File = path
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, fault.New(fault.KindConfig, "environment", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fault.New(fault.KindConfig, "invalid configuration", err)
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Cluster().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("broker: %w", err))
	}
	if c.Broker.GroupID == "" {
		errs = append(errs, errors.New("broker group id is required"))
	}
	if len(c.Broker.Topics) == 0 {
		errs = append(errs, errors.New("at least one topic is required"))
	}
	switch c.Broker.StartOffset {
	case "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("start offset must be earliest or latest, got %q", c.Broker.StartOffset))
	}
	if c.Broker.SessionTimeout <= 0 || c.Broker.PollTimeout <= 0 || c.Broker.RebalanceTimeout <= 0 {
		errs = append(errs, errors.New("broker timeouts must be positive"))
	}

	if c.Webhook.URL == "" {
		errs = append(errs, errors.New("webhook url is required"))
	} else if u, err := url.Parse(c.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("webhook url must be an absolute http(s) url, got %q", c.Webhook.URL))
	}
	if c.Webhook.Timeout <= 0 {
		errs = append(errs, errors.New("webhook timeout must be positive"))
	}
	if c.Webhook.OAuth != nil && (c.Webhook.OAuth.TokenURL == "" || c.Webhook.OAuth.ClientID == "") {
		errs = append(errs, errors.New("webhook oauth requires token url and client id"))
	}
	if c.Webhook.RateLimit < 0 {
		errs = append(errs, errors.New("webhook rate limit must not be negative"))
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be >= 1"))
	}
	if c.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("shutdown grace must be positive"))
	}
	if c.DeadLetterSink == "" {
		errs = append(errs, errors.New("dead-letter sink is required (discard:// drops failed messages)"))
	}
	if _, err := observability.ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.WatchFile && c.File == "" {
		errs = append(errs, fmt.Errorf("config watch requires %s", EnvConfigFile))
	}

	return errors.Join(errs...)
}

// Cluster returns the connection settings for the source cluster. The
// dead-letter producer uses the same cluster.
func (c *Config) Cluster() *kafka.ClusterConfig {
	return &kafka.ClusterConfig{
		Brokers:  c.Broker.Bootstrap,
		ClientID: c.Broker.ClientID,
		Auth:     c.Broker.Auth,
		TLS:      c.Broker.TLS,
	}
}

// Consumer returns the consumer-group adapter configuration.
func (c *Config) Consumer() brokerkafka.Config {
	return brokerkafka.Config{
		Cluster:          c.Cluster(),
		GroupID:          c.Broker.GroupID,
		StartOffset:      c.Broker.StartOffset,
		SessionTimeout:   c.Broker.SessionTimeout,
		RebalanceTimeout: c.Broker.RebalanceTimeout,
		PollTimeout:      c.Broker.PollTimeout,
	}
}

// Pipeline returns the delivery pipeline configuration.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Topics:        c.Broker.Topics,
		Concurrency:   c.Concurrency,
		ShutdownGrace: c.ShutdownGrace,
	}
}

// RetryPolicy returns the webhook retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:   c.Retry.Base,
		Factor:      c.Retry.Factor,
		MaxDelay:    c.Retry.Cap,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

// Forwarder returns the webhook client configuration.
func (c *Config) Forwarder() forwarder.Config {
	w := c.Webhook
	return forwarder.Config{
		URL:                 w.URL,
		Timeout:             w.Timeout,
		Headers:             w.Headers,
		BearerToken:         w.BearerToken,
		OAuth:               w.OAuth,
		RateLimit:           w.RateLimit,
		MaxIdleConnsPerHost: c.Concurrency,
		MaxConnsPerHost:     w.MaxConnsPerHost,
		MaxRequestBytes:     w.MaxRequestBytes,
		MaxResponseBytes:    w.MaxResponseBytes,
	}
}

// applyEnv overrides fields from environment variables that are set.
func (c *Config) applyEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.list("BROKER_BOOTSTRAP", &c.Broker.Bootstrap)
	e.str("BROKER_GROUP_ID", &c.Broker.GroupID)
	e.list("BROKER_TOPICS", &c.Broker.Topics)
	e.str("BROKER_CLIENT_ID", &c.Broker.ClientID)
	e.str("BROKER_START_OFFSET", &c.Broker.StartOffset)
	e.millis("SESSION_TIMEOUT_MS", &c.Broker.SessionTimeout)
	e.millis("POLL_TIMEOUT_MS", &c.Broker.PollTimeout)
	e.millis("REBALANCE_TIMEOUT_MS", &c.Broker.RebalanceTimeout)
	e.str("BROKER_SASL_MECHANISM", &c.Broker.Auth.Mechanism)
	e.str("BROKER_SASL_USERNAME", &c.Broker.Auth.Username)
	e.str("BROKER_SASL_PASSWORD", &c.Broker.Auth.Password)
	e.boolean("BROKER_TLS_ENABLED", &c.Broker.TLS.Enabled)
	e.str("BROKER_TLS_CA_FILE", &c.Broker.TLS.CAFile)
	e.str("BROKER_TLS_CERT_FILE", &c.Broker.TLS.CertFile)
	e.str("BROKER_TLS_KEY_FILE", &c.Broker.TLS.KeyFile)
	e.boolean("BROKER_TLS_SKIP_VERIFY", &c.Broker.TLS.SkipVerify)

	e.str("WEBHOOK_URL", &c.Webhook.URL)
	e.millis("WEBHOOK_TIMEOUT_MS", &c.Webhook.Timeout)
	e.pairs("WEBHOOK_HEADERS", &c.Webhook.Headers)
	e.str("WEBHOOK_BEARER_TOKEN", &c.Webhook.BearerToken)
	e.float("WEBHOOK_RATE_LIMIT_RPS", &c.Webhook.RateLimit)
	e.integer("WEBHOOK_MAX_CONNS_PER_HOST", &c.Webhook.MaxConnsPerHost)
	e.int64("WEBHOOK_MAX_REQUEST_BYTES", &c.Webhook.MaxRequestBytes)
	e.int64("WEBHOOK_MAX_RESPONSE_BYTES", &c.Webhook.MaxResponseBytes)
	if tokenURL := getenv("WEBHOOK_OAUTH_TOKEN_URL"); tokenURL != "" {
		if c.Webhook.OAuth == nil {
			c.Webhook.OAuth = &forwarder.OAuthConfig{}
		}
		c.Webhook.OAuth.TokenURL = tokenURL
	}
	if c.Webhook.OAuth != nil {
		e.str("WEBHOOK_OAUTH_CLIENT_ID", &c.Webhook.OAuth.ClientID)
		e.str("WEBHOOK_OAUTH_CLIENT_SECRET", &c.Webhook.OAuth.ClientSecret)
		e.list("WEBHOOK_OAUTH_SCOPES", &c.Webhook.OAuth.Scopes)
	}

	e.integer("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	e.millis("RETRY_BASE_MS", &c.Retry.Base)
	e.millis("RETRY_CAP_MS", &c.Retry.Cap)
	e.integer("CONCURRENCY", &c.Concurrency)
	e.millis("SHUTDOWN_GRACE_MS", &c.ShutdownGrace)
	e.str("DEAD_LETTER_SINK", &c.DeadLetterSink)

	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("METRICS_ADDR", &c.MetricsAddr)
	e.boolean("BRIDGE_OTEL_ENABLED", &c.Tracing.Enabled)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	e.str("OTEL_SERVICE_NAME", &c.Tracing.ServiceName)
	e.boolean("BRIDGE_CONFIG_WATCH", &c.WatchFile)

	return errors.Join(e.errs...)
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v := strings.TrimSpace(e.getenv(name))
	return v, v != ""
}

func (e *envReader) fail(name, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", name, v, err))
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

// pairs parses k=v,k=v and merges it into dst.
func (e *envReader) pairs(name string, dst *map[string]string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	if *dst == nil {
		*dst = make(map[string]string)
	}
	for _, part := range strings.Split(v, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, val, found := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !found || k == "" {
			e.fail(name, v, fmt.Errorf("expected key=value, got %q", part))
			return
		}
		(*dst)[k] = strings.TrimSpace(val)
	}
}

func (e *envReader) millis(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = n
}

func (e *envReader) int64(name string, dst *int64) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = n
}

func (e *envReader) float(name string, dst *float64) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = f
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = b
}
