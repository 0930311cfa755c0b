package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lsm/hookbridge/internal/broker"
	"github.com/lsm/hookbridge/internal/dlq"
	"github.com/lsm/hookbridge/internal/forwarder"
	"github.com/lsm/hookbridge/internal/offset"
	"github.com/lsm/hookbridge/internal/retry"
)

// --- Fakes ---

// fakeConsumer behaves like a group member with rebalances blocked on
// poll: change waits while a poll's records are being handed off. Poll
// returns at most max records and skips paused partitions, keeping their
// records for after Resume.
type fakeConsumer struct {
	mu         sync.Mutex
	handler    broker.RebalanceHandler
	subscribed chan struct{}
	batches    chan []broker.Message
	buffer     []broker.Message
	paused     map[broker.TopicPartition]bool
	pauses     int
	pollErrs   []error
	commits    []map[broker.TopicPartition]int64
	commitErr  error
	afterPoll  func(broker.Poll)

	rebalance sync.Mutex
	holding   atomic.Bool
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		subscribed: make(chan struct{}),
		batches:    make(chan []broker.Message, 64),
		paused:     make(map[broker.TopicPartition]bool),
	}
}

func (c *fakeConsumer) Subscribe(_ []string, h broker.RebalanceHandler) error {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	close(c.subscribed)
	return nil
}

func (c *fakeConsumer) Poll(ctx context.Context, max int) (broker.Poll, error) {
	c.rebalance.Lock()
	c.holding.Store(true)

	c.mu.Lock()
	if len(c.pollErrs) > 0 {
		err := c.pollErrs[0]
		c.pollErrs = c.pollErrs[1:]
		c.mu.Unlock()
		return broker.Poll{}, err
	}
	ready := c.readyLocked()
	c.mu.Unlock()

	if !ready {
		select {
		case b := <-c.batches:
			c.add(b)
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
		}
	}
	for drained := false; !drained; {
		select {
		case b := <-c.batches:
			c.add(b)
		default:
			drained = true
		}
	}

	poll := broker.Poll{Messages: c.take(max)}
	c.mu.Lock()
	hook := c.afterPoll
	c.mu.Unlock()
	if hook != nil && !poll.Idle() {
		hook(poll)
	}
	return poll, nil
}

func (c *fakeConsumer) add(b []broker.Message) {
	c.mu.Lock()
	c.buffer = append(c.buffer, b...)
	c.mu.Unlock()
}

func (c *fakeConsumer) readyLocked() bool {
	for _, m := range c.buffer {
		if !c.paused[m.TopicPartition()] {
			return true
		}
	}
	return false
}

// take removes up to max records of unpaused partitions from the buffer.
func (c *fakeConsumer) take(max int) []broker.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out, rest []broker.Message
	for _, m := range c.buffer {
		if len(out) < max && !c.paused[m.TopicPartition()] {
			out = append(out, m)
			continue
		}
		rest = append(rest, m)
	}
	c.buffer = rest
	return out
}

func (c *fakeConsumer) AllowRebalance() {
	if c.holding.CompareAndSwap(true, false) {
		c.rebalance.Unlock()
	}
}

func (c *fakeConsumer) Pause(tps ...broker.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range tps {
		c.paused[tp] = true
		c.pauses++
	}
}

func (c *fakeConsumer) Resume(tps ...broker.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range tps {
		delete(c.paused, tp)
	}
}

func (c *fakeConsumer) isPaused(tp broker.TopicPartition) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused[tp]
}

func (c *fakeConsumer) Commit(_ context.Context, offsets map[broker.TopicPartition]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitErr != nil {
		return c.commitErr
	}
	cp := make(map[broker.TopicPartition]int64, len(offsets))
	for k, v := range offsets {
		cp[k] = v
	}
	c.commits = append(c.commits, cp)
	return nil
}

func (c *fakeConsumer) Close() {}

func (c *fakeConsumer) setCommitErr(err error) {
	c.mu.Lock()
	c.commitErr = err
	c.mu.Unlock()
}

// committed returns the last committed offset of tp, or offset.None.
func (c *fakeConsumer) committed(tp broker.TopicPartition) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	last := offset.None
	for _, call := range c.commits {
		if off, ok := call[tp]; ok {
			last = off
		}
	}
	return last
}

// history returns every offset committed for tp in call order.
func (c *fakeConsumer) history(tp broker.TopicPartition) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int64
	for _, call := range c.commits {
		if off, ok := call[tp]; ok {
			out = append(out, off)
		}
	}
	return out
}

func (c *fakeConsumer) change(t *testing.T, change broker.AssignmentChange) {
	t.Helper()
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	c.rebalance.Lock()
	defer c.rebalance.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.OnAssignmentChange(ctx, change)
}

func (c *fakeConsumer) assign(t *testing.T, tps ...broker.TopicPartition) {
	t.Helper()
	c.change(t, broker.AssignmentChange{Assigned: tps})
}

func (c *fakeConsumer) push(msgs ...broker.Message) {
	c.batches <- msgs
}

type fakeForwarder struct {
	mu      sync.Mutex
	calls   []forwarder.Delivery
	respond func(ctx context.Context, d forwarder.Delivery) forwarder.Outcome
}

func (f *fakeForwarder) Forward(ctx context.Context, d forwarder.Delivery) forwarder.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, d)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return forwarder.Outcome{Kind: forwarder.Success, Status: 200}
	}
	return respond(ctx, d)
}

func (f *fakeForwarder) deliveries() []forwarder.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwarder.Delivery(nil), f.calls...)
}

// offsets returns the offsets forwarded for tp in call order.
func (f *fakeForwarder) offsets(tp broker.TopicPartition) []int64 {
	var out []int64
	for _, d := range f.deliveries() {
		if d.Envelope.Topic == tp.Topic && d.Envelope.Partition == tp.Partition {
			out = append(out, d.Envelope.Offset)
		}
	}
	return out
}

type fakeSink struct {
	mu       sync.Mutex
	records  []dlq.Record
	writes   int
	failures int // writes to fail before succeeding
}

func (s *fakeSink) Write(_ context.Context, rec dlq.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) stored() []dlq.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dlq.Record(nil), s.records...)
}

// --- Helpers ---

func testPolicy() retry.Policy {
	return retry.Policy{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 4 * time.Millisecond, MaxAttempts: 8}
}

func fastCommits() Option {
	return WithCommitter(offset.CommitterConfig{
		Backoff: retry.Policy{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond, MaxAttempts: 1},
	})
}

func tp(topic string, partition int32) broker.TopicPartition {
	return broker.TopicPartition{Topic: topic, Partition: partition}
}

func msg(topic string, partition int32, off int64, payload string) broker.Message {
	return broker.Message{
		Topic:     topic,
		Partition: partition,
		Offset:    off,
		Payload:   []byte(payload),
		Timestamp: 1700000000000 + off,
	}
}

type harness struct {
	t        *testing.T
	consumer *fakeConsumer
	fwd      *fakeForwarder
	sink     *fakeSink
	pipeline *Pipeline
	cancel   context.CancelFunc
	result   chan error
}

func start(t *testing.T, cfg Config, policy retry.Policy, fwd *fakeForwarder, sink *fakeSink, opts ...Option) *harness {
	t.Helper()
	if cfg.Topics == nil {
		cfg.Topics = []string{"t1"}
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	fc := newFakeConsumer()
	p, err := New(cfg, fc, fwd, policy, sink, append([]Option{fastCommits()}, opts...)...)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, consumer: fc, fwd: fwd, sink: sink, pipeline: p, cancel: cancel, result: make(chan error, 1)}
	go func() { h.result <- p.Run(ctx) }()

	select {
	case <-fc.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not subscribe")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.result:
		case <-time.After(5 * time.Second):
			t.Error("pipeline did not stop")
		}
	})
	return h
}

// stop cancels Run and returns its error.
func (h *harness) stop() error {
	h.t.Helper()
	h.cancel()
	select {
	case err := <-h.result:
		h.result <- err
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("pipeline did not stop")
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
