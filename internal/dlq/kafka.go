package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/hookbridge/internal/kafka"
)

// Failure metadata headers on dead-letter topic records.
const (
	HeaderOriginalTopic     = "hookbridge-original-topic"
	HeaderOriginalPartition = "hookbridge-original-partition"
	HeaderOriginalOffset    = "hookbridge-original-offset"
	HeaderReason            = "hookbridge-reason"
	HeaderStatus            = "hookbridge-status"
	HeaderAttempts          = "hookbridge-attempts"
	HeaderFailedAt          = "hookbridge-failed-at"
	HeaderRecordID          = "hookbridge-record-id"
	HeaderCorrelationID     = "hookbridge-correlation-id"
)

// Publisher publishes one message and returns once the broker acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// producer abstracts the kgo.Client methods used by KafkaPublisher for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher produces to Kafka waiting for all in-sync replicas.
type KafkaPublisher struct {
	client producer
}

// NewKafkaPublisher creates a producer client for cluster.
func NewKafkaPublisher(cluster *kafka.ClusterConfig) (*KafkaPublisher, error) {
	opts, err := kafka.ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}
	return &KafkaPublisher{client: client}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

// TopicSink writes records to a dead-letter topic. The record value is the
// webhook envelope and the failure metadata travels in headers.
type TopicSink struct {
	publisher Publisher
	topic     string
}

// NewTopicSink creates a sink publishing to topic.
func NewTopicSink(pub Publisher, topic string) *TopicSink {
	return &TopicSink{publisher: pub, topic: topic}
}

func (s *TopicSink) Write(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec.Envelope)
	if err != nil {
		return unavailable(rec, fmt.Errorf("encode envelope: %w", err))
	}

	env := rec.Envelope
	headers := map[string]string{
		HeaderOriginalTopic:     env.Topic,
		HeaderOriginalPartition: strconv.Itoa(int(env.Partition)),
		HeaderOriginalOffset:    strconv.FormatInt(env.Offset, 10),
		HeaderReason:            rec.Reason,
		HeaderAttempts:          strconv.Itoa(rec.Attempts),
		HeaderFailedAt:          rec.FailedAt.Format(time.RFC3339Nano),
		HeaderRecordID:          rec.ID,
	}
	if rec.Status != 0 {
		headers[HeaderStatus] = strconv.Itoa(rec.Status)
	}
	if rec.CorrelationID != "" {
		headers[HeaderCorrelationID] = rec.CorrelationID
	}

	if err := s.publisher.Publish(ctx, s.topic, rec.Key, value, headers); err != nil {
		return unavailable(rec, fmt.Errorf("publish to %s: %w", s.topic, err))
	}
	return nil
}

func (s *TopicSink) Close() error {
	return s.publisher.Close()
}
