// Package kafka implements broker.Consumer on top of franz-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/lsm/hookbridge/internal/broker"
	"github.com/lsm/hookbridge/internal/fault"
	"github.com/lsm/hookbridge/internal/kafka"
)

// Config holds consumer adapter configuration.
type Config struct {
	Cluster          *kafka.ClusterConfig // required
	GroupID          string
	StartOffset      string // "earliest" (default) or "latest"
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration // drain deadline handed to the rebalance handler
	PollTimeout      time.Duration
}

// client abstracts the kgo.Client methods used by Adapter for testing.
type client interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitOffsetsSync(ctx context.Context, uncommitted map[string]map[int32]kgo.EpochOffset, onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error))
	AllowRebalance()
	PauseFetchPartitions(topicPartitions map[string][]int32) map[string][]int32
	ResumeFetchPartitions(topicPartitions map[string][]int32)
	Close()
}

// Adapter is a consumer-group member with auto-commit disabled. Offsets
// reach the broker only through Commit. Rebalance callbacks never run between
// a Poll and the following AllowRebalance, so polled records always belong
// to the current assignment.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	newClient func(opts ...kgo.Opt) (client, error)

	mu     sync.Mutex
	client client

	handler atomic.Pointer[handlerBox]
}

type handlerBox struct{ h broker.RebalanceHandler }

var _ broker.Consumer = (*Adapter)(nil)

// New validates cfg and returns an adapter. No connection is made until Subscribe.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if len(cfg.Cluster.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	switch cfg.StartOffset {
	case "", "earliest", "latest":
	default:
		return nil, fmt.Errorf("start offset must be earliest or latest, got %q", cfg.StartOffset)
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 45 * time.Second
	}
	if cfg.RebalanceTimeout <= 0 {
		cfg.RebalanceTimeout = 25 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		cfg:    cfg,
		logger: logger,
		newClient: func(opts ...kgo.Opt) (client, error) {
			return kgo.NewClient(opts...)
		},
	}, nil
}

// Subscribe creates the group client for topics and registers h for rebalances.
func (a *Adapter) Subscribe(topics []string, h broker.RebalanceHandler) error {
	if len(topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return fmt.Errorf("already subscribed")
	}

	a.handler.Store(&handlerBox{h: h})

	opts, err := kafka.ClientOptions(a.cfg.Cluster)
	if err != nil {
		return fault.New(fault.KindConfig, "cluster options", err)
	}

	reset := kgo.NewOffset().AtStart()
	if a.cfg.StartOffset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}

	// Rebalance callbacks are given the full drain deadline before the
	// group session would time out.
	rebalanceTimeout := a.cfg.RebalanceTimeout + 5*time.Second

	opts = append(opts,
		kgo.ConsumerGroup(a.cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.SessionTimeout(a.cfg.SessionTimeout),
		kgo.RebalanceTimeout(rebalanceTimeout),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			a.notify(ctx, broker.AssignmentChange{Assigned: flatten(assigned)})
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			a.notify(ctx, broker.AssignmentChange{Revoked: flatten(revoked)})
		}),
		kgo.OnPartitionsLost(func(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
			a.notify(ctx, broker.AssignmentChange{Revoked: flatten(lost), Lost: true})
		}),
	)

	cl, err := a.newClient(opts...)
	if err != nil {
		return fault.New(fault.KindConfig, "kafka client", err)
	}
	a.client = cl

	a.logger.Info("subscribed", "group", a.cfg.GroupID, "topics", topics)
	return nil
}

func (a *Adapter) notify(ctx context.Context, change broker.AssignmentChange) {
	if len(change.Assigned) == 0 && len(change.Revoked) == 0 {
		return
	}
	a.logger.Info("assignment change",
		"assigned", len(change.Assigned),
		"revoked", len(change.Revoked),
		"lost", change.Lost,
	)
	box := a.handler.Load()
	if box == nil || box.h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RebalanceTimeout)
	defer cancel()
	box.h.OnAssignmentChange(ctx, change)
}

// Poll waits up to the poll timeout for at most max records.
func (a *Adapter) Poll(ctx context.Context, max int) (broker.Poll, error) {
	cl := a.current()
	if cl == nil {
		return broker.Poll{}, fmt.Errorf("not subscribed")
	}
	if max <= 0 {
		max = 1
	}

	pollCtx, cancel := context.WithTimeout(ctx, a.cfg.PollTimeout)
	defer cancel()

	fetches := cl.PollRecords(pollCtx, max)
	if fetches.IsClientClosed() {
		return broker.Poll{}, fault.New(fault.KindShutdownRequested, "client closed", kgo.ErrClientClosed)
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		errs = append(errs, fault.At(fault.KindBrokerTransport, topic, partition, -1, 0, "fetch", err))
	})

	var out broker.Poll
	fetches.EachRecord(func(r *kgo.Record) {
		out.Messages = append(out.Messages, toMessage(r))
	})

	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}

// AllowRebalance releases rebalances held back since the last Poll.
func (a *Adapter) AllowRebalance() {
	if cl := a.current(); cl != nil {
		cl.AllowRebalance()
	}
}

// Pause stops fetching tps. Buffered records for them are dropped by the
// client and fetched again after Resume.
func (a *Adapter) Pause(tps ...broker.TopicPartition) {
	if cl := a.current(); cl != nil && len(tps) > 0 {
		cl.PauseFetchPartitions(group(tps))
	}
}

// Resume restarts fetching of tps.
func (a *Adapter) Resume(tps ...broker.TopicPartition) {
	if cl := a.current(); cl != nil && len(tps) > 0 {
		cl.ResumeFetchPartitions(group(tps))
	}
}

// Commit stores, per partition, offset+1 as the group's next offset to consume.
func (a *Adapter) Commit(ctx context.Context, offsets map[broker.TopicPartition]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	cl := a.current()
	if cl == nil {
		return fmt.Errorf("not subscribed")
	}

	uncommitted := make(map[string]map[int32]kgo.EpochOffset)
	for tp, off := range offsets {
		parts, ok := uncommitted[tp.Topic]
		if !ok {
			parts = make(map[int32]kgo.EpochOffset)
			uncommitted[tp.Topic] = parts
		}
		parts[tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: off + 1}
	}

	var commitErr error
	cl.CommitOffsetsSync(ctx, uncommitted, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			commitErr = err
			return
		}
		commitErr = partitionErrors(resp)
	})
	if commitErr != nil {
		return fault.New(fault.KindBrokerTransport, "commit", commitErr)
	}
	return nil
}

// Close leaves the group and closes the client. Revocation callbacks fire
// during Close.
func (a *Adapter) Close() {
	a.mu.Lock()
	cl := a.client
	a.mu.Unlock()
	if cl != nil {
		cl.Close()
	}
	a.logger.Info("kafka consumer closed", "group", a.cfg.GroupID)
}

func (a *Adapter) current() client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

func toMessage(r *kgo.Record) broker.Message {
	msg := broker.Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Payload:   r.Value,
		Timestamp: r.Timestamp.UnixMilli(),
	}
	if len(r.Headers) > 0 {
		msg.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

func flatten(m map[string][]int32) []broker.TopicPartition {
	var out []broker.TopicPartition
	for topic, parts := range m {
		for _, p := range parts {
			out = append(out, broker.TopicPartition{Topic: topic, Partition: p})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

func group(tps []broker.TopicPartition) map[string][]int32 {
	out := make(map[string][]int32)
	for _, tp := range tps {
		out[tp.Topic] = append(out[tp.Topic], tp.Partition)
	}
	return out
}

func partitionErrors(resp *kmsg.OffsetCommitResponse) error {
	if resp == nil {
		return nil
	}
	var errs []error
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", t.Topic, p.Partition, err))
			}
		}
	}
	return errors.Join(errs...)
}
