package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lsm/hookbridge/internal/broker"
	"github.com/lsm/hookbridge/internal/envelope"
	"github.com/lsm/hookbridge/internal/fault"
)

type mockPublisher struct {
	published []publishedMessage
	err       error
	closed    bool
}

type publishedMessage struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

func (m *mockPublisher) Publish(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, publishedMessage{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockProducer struct {
	results kgo.ProduceResults
	records []*kgo.Record
	closed  bool
}

func (m *mockProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.records = append(m.records, rs...)
	return m.results
}

func (m *mockProducer) Close() { m.closed = true }

func testRecord() Record {
	env := envelope.New(broker.Message{Topic: "orders", Partition: 2, Offset: 41, Payload: []byte("bad"), Timestamp: 1700000000000})
	rec := NewRecord(env, []byte("k1"), "http status 400", 400, 1)
	rec.CorrelationID = "corr-1"
	return rec
}

func TestNewRecord(t *testing.T) {
	rec := testRecord()
	if rec.ID == "" {
		t.Error("expected record id")
	}
	if rec.FailedAt.IsZero() {
		t.Error("expected failure time")
	}
	if rec.Envelope.Offset != 41 || rec.Attempts != 1 || rec.Status != 400 {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestTopicSink_Write(t *testing.T) {
	pub := &mockPublisher{}
	sink := NewTopicSink(pub, "orders-dlq")

	if err := sink.Write(context.Background(), testRecord()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 message, got %d", len(pub.published))
	}
	msg := pub.published[0]
	if msg.topic != "orders-dlq" || string(msg.key) != "k1" {
		t.Errorf("unexpected topic/key: %s %s", msg.topic, msg.key)
	}

	var env envelope.Envelope
	if err := json.Unmarshal(msg.value, &env); err != nil {
		t.Fatalf("value is not an envelope: %v", err)
	}
	if env.Message != "bad" || env.Offset != 41 {
		t.Errorf("unexpected envelope %+v", env)
	}

	want := map[string]string{
		HeaderOriginalTopic:     "orders",
		HeaderOriginalPartition: "2",
		HeaderOriginalOffset:    "41",
		HeaderReason:            "http status 400",
		HeaderStatus:            "400",
		HeaderAttempts:          "1",
		HeaderCorrelationID:     "corr-1",
	}
	for k, v := range want {
		if msg.headers[k] != v {
			t.Errorf("header %s = %q, want %q", k, msg.headers[k], v)
		}
	}
	if msg.headers[HeaderFailedAt] == "" || msg.headers[HeaderRecordID] == "" {
		t.Error("expected failed-at and record-id headers")
	}
}

func TestTopicSink_PublishError(t *testing.T) {
	sink := NewTopicSink(&mockPublisher{err: errors.New("not enough replicas")}, "dlq")

	err := sink.Write(context.Background(), testRecord())
	if !fault.Is(err, fault.KindDeadLetterUnavailable) {
		t.Fatalf("expected DeadLetterUnavailable, got %v", err)
	}
	var fe *fault.Error
	if errors.As(err, &fe) && (fe.Offset != 41 || fe.Partition != 2) {
		t.Errorf("unexpected position %s[%d]@%d", fe.Topic, fe.Partition, fe.Offset)
	}
}

func TestTopicSink_Close(t *testing.T) {
	pub := &mockPublisher{}
	if err := NewTopicSink(pub, "dlq").Close(); err != nil {
		t.Fatal(err)
	}
	if !pub.closed {
		t.Error("expected publisher closed")
	}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	mp := &mockProducer{results: kgo.ProduceResults{{Record: &kgo.Record{}}}}
	pub := &KafkaPublisher{client: mp}

	err := pub.Publish(context.Background(), "dlq", []byte("k"), []byte("v"), map[string]string{"a": "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mp.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(mp.records))
	}
	r := mp.records[0]
	if r.Topic != "dlq" || string(r.Value) != "v" || len(r.Headers) != 1 || r.Headers[0].Key != "a" {
		t.Errorf("unexpected record %+v", r)
	}
}

func TestKafkaPublisher_Error(t *testing.T) {
	mp := &mockProducer{results: kgo.ProduceResults{{Err: errors.New("broker down")}}}
	pub := &KafkaPublisher{client: mp}

	if err := pub.Publish(context.Background(), "dlq", nil, nil, nil); err == nil {
		t.Fatal("expected error")
	}
	_ = pub.Close()
	if !mp.closed {
		t.Error("expected producer closed")
	}
}

func TestNewKafkaPublisher_NilCluster(t *testing.T) {
	if _, err := NewKafkaPublisher(nil); err == nil {
		t.Fatal("expected error for nil cluster")
	}
}

func TestFileSink_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dlq.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := sink.Write(context.Background(), testRecord()); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if rec.Envelope.Topic != "orders" || string(rec.Key) != "k1" {
			t.Errorf("unexpected record %+v", rec)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("expected 2 lines, got %d", lines)
	}
}

func TestFileSink_WriteAfterClose(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "dlq.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	_ = sink.Close()
	if err := sink.Write(context.Background(), testRecord()); !fault.Is(err, fault.KindDeadLetterUnavailable) {
		t.Fatalf("expected DeadLetterUnavailable, got %v", err)
	}
}

func TestHTTPSink(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"created", http.StatusCreated, false},
		{"server error", http.StatusInternalServerError, true},
		{"rejected", http.StatusBadRequest, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Record
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("content type = %q", ct)
				}
				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &got)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			sink := NewHTTPSink(srv.URL, nil)
			defer func() { _ = sink.Close() }()

			err := sink.Write(context.Background(), testRecord())
			if tt.wantErr {
				if !fault.Is(err, fault.KindDeadLetterUnavailable) {
					t.Fatalf("expected DeadLetterUnavailable, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Reason != "http status 400" || got.Envelope.Offset != 41 {
				t.Errorf("unexpected posted record %+v", got)
			}
		})
	}
}

func TestHTTPSink_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPSink(url, nil).Write(context.Background(), testRecord())
	if !fault.Is(err, fault.KindDeadLetterUnavailable) {
		t.Fatalf("expected DeadLetterUnavailable, got %v", err)
	}
}

func TestHTTPSink_RedirectNotFollowed(t *testing.T) {
	var followed atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/dlq", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	mux.HandleFunc("/elsewhere", func(w http.ResponseWriter, r *http.Request) {
		followed.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for name, client := range map[string]*http.Client{
		"default client":  nil,
		"supplied client": {Timeout: time.Second},
	} {
		t.Run(name, func(t *testing.T) {
			err := NewHTTPSink(srv.URL+"/dlq", client).Write(context.Background(), testRecord())
			if !fault.Is(err, fault.KindDeadLetterUnavailable) {
				t.Fatalf("expected DeadLetterUnavailable, got %v", err)
			}
		})
	}
	if n := followed.Load(); n != 0 {
		t.Errorf("redirect target was requested %d times", n)
	}
}

func TestNewHTTPClient_Instrumented(t *testing.T) {
	c := NewHTTPClient(3 * time.Second)
	if _, ok := c.Transport.(*otelhttp.Transport); !ok {
		t.Errorf("transport = %T, want *otelhttp.Transport", c.Transport)
	}
	if c.Timeout != 3*time.Second {
		t.Errorf("timeout = %v", c.Timeout)
	}
	if c.CheckRedirect == nil {
		t.Error("expected redirects to be disabled")
	}
}

func TestDiscardSink(t *testing.T) {
	sink := NewDiscardSink(nil)
	if err := sink.Write(context.Background(), testRecord()); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		uri    string
		want   string
		config bool
	}{
		{"empty", "", "", true},
		{"unknown scheme", "s3://bucket/key", "", true},
		{"kafka without topic", "kafka://", "", true},
		{"kafka without cluster", "kafka://orders-dlq", "", true},
		{"file", "file://" + filepath.Join(dir, "dlq.jsonl"), "*dlq.FileSink", false},
		{"http", "http://localhost:8080/dlq", "*dlq.HTTPSink", false},
		{"https", "https://example.com/dlq", "*dlq.HTTPSink", false},
		{"discard", "discard://", "*dlq.DiscardSink", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := Open(tt.uri, Deps{})
			if tt.config {
				if !fault.Is(err, fault.KindConfig) {
					t.Fatalf("expected ConfigError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer func() { _ = sink.Close() }()
			if got := fmt.Sprintf("%T", sink); got != tt.want {
				t.Errorf("sink type = %s, want %s", got, tt.want)
			}
		})
	}
}
