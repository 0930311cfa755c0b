// Package dlq writes undeliverable envelopes to a durable dead-letter sink.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lsm/hookbridge/internal/envelope"
	"github.com/lsm/hookbridge/internal/fault"
	"github.com/lsm/hookbridge/internal/kafka"
)

// Record is one dead-lettered message with its failure metadata.
type Record struct {
	ID       string            `json:"id"`
	Envelope envelope.Envelope `json:"envelope"`
	Key      []byte            `json:"key,omitempty"`
	Reason   string            `json:"reason"`
	Status   int               `json:"status,omitempty"`
	Attempts int               `json:"attempts"`
	FailedAt time.Time         `json:"failed_at"`

	CorrelationID string `json:"correlation_id,omitempty"`
}

// NewRecord stamps a record with a fresh id and the current time.
func NewRecord(env envelope.Envelope, key []byte, reason string, status, attempts int) Record {
	return Record{
		ID:       uuid.NewString(),
		Envelope: env,
		Key:      key,
		Reason:   reason,
		Status:   status,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
}

// Sink stores dead-letter records. Write returns only once the record is
// durable at the destination.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Deps are the collaborators a sink may need.
type Deps struct {
	Cluster    *kafka.ClusterConfig // kafka:// sinks
	HTTPClient *http.Client         // http(s):// sinks, default 10s timeout
	Logger     *slog.Logger
}

// Open builds the sink described by uri. Supported schemes are kafka,
// file, http, https and discard.
func Open(uri string, deps Deps) (Sink, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if strings.TrimSpace(uri) == "" {
		return nil, fault.New(fault.KindConfig, "dead-letter sink is required (use discard:// to drop)", nil)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fault.New(fault.KindConfig, "dead-letter sink uri", err)
	}

	switch u.Scheme {
	case "kafka":
		topic := u.Host + strings.TrimPrefix(u.Path, "/")
		if topic == "" {
			return nil, fault.New(fault.KindConfig, "dead-letter kafka topic is required", nil)
		}
		pub, err := NewKafkaPublisher(deps.Cluster)
		if err != nil {
			return nil, fault.New(fault.KindConfig, "dead-letter kafka publisher", err)
		}
		return NewTopicSink(pub, topic), nil
	case "file":
		if u.Path == "" {
			return nil, fault.New(fault.KindConfig, "dead-letter file path is required", nil)
		}
		sink, err := NewFileSink(u.Path)
		if err != nil {
			return nil, fault.New(fault.KindConfig, "dead-letter file", err)
		}
		return sink, nil
	case "http", "https":
		return NewHTTPSink(uri, deps.HTTPClient), nil
	case "discard":
		return NewDiscardSink(deps.Logger), nil
	default:
		return nil, fault.New(fault.KindConfig, fmt.Sprintf("unsupported dead-letter scheme %q", u.Scheme), nil)
	}
}

func unavailable(rec Record, err error) error {
	env := rec.Envelope
	return fault.At(fault.KindDeadLetterUnavailable, env.Topic, env.Partition, env.Offset, rec.Attempts, "dead-letter write", err)
}

// DiscardSink logs and acknowledges every record.
type DiscardSink struct {
	logger *slog.Logger
}

// NewDiscardSink creates a sink that drops records after logging them.
func NewDiscardSink(logger *slog.Logger) *DiscardSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscardSink{logger: logger}
}

func (s *DiscardSink) Write(_ context.Context, rec Record) error {
	s.logger.Warn("dead-letter record discarded",
		"id", rec.ID,
		"topic", rec.Envelope.Topic,
		"partition", rec.Envelope.Partition,
		"offset", rec.Envelope.Offset,
		"reason", rec.Reason,
	)
	return nil
}

func (s *DiscardSink) Close() error { return nil }
