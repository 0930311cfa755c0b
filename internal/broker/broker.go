package broker

import (
	"context"
	"fmt"
)

// TopicPartition identifies a partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// Message is a record consumed from the broker.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte // nil when the record has no key
	Payload   []byte
	Timestamp int64 // broker-assigned, epoch milliseconds
	Headers   map[string]string
}

// TopicPartition returns the message's partition identity.
func (m Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// Poll is the result of one poll call. An empty poll is Idle.
type Poll struct {
	Messages []Message
}

// Idle reports whether the poll returned no messages.
func (p Poll) Idle() bool { return len(p.Messages) == 0 }

// AssignmentChange describes a rebalance. Lost is set when partitions were
// taken away without a chance to commit (session expiry, fenced member).
type AssignmentChange struct {
	Assigned []TopicPartition
	Revoked  []TopicPartition
	Lost     bool
}

// RebalanceHandler is notified of assignment changes. Returning from
// OnAssignmentChange acknowledges the rebalance; ctx expires at the drain deadline.
type RebalanceHandler interface {
	OnAssignmentChange(ctx context.Context, change AssignmentChange)
}

// Consumer is the broker surface the delivery pipeline depends on.
type Consumer interface {
	// Subscribe joins the consumer group for topics. h receives rebalance notifications.
	Subscribe(topics []string, h RebalanceHandler) error

	// Poll returns up to max messages, or an idle result when none arrived
	// before the poll timeout. Transport errors are retriable. Rebalance
	// notifications are held back from the moment Poll returns until
	// AllowRebalance is called.
	Poll(ctx context.Context, max int) (Poll, error)

	// AllowRebalance lets rebalances held back by the last Poll proceed.
	AllowRebalance()

	// Pause stops fetching tps until Resume. Records already returned are
	// unaffected; buffered records are fetched again after Resume.
	Pause(tps ...TopicPartition)

	// Resume restarts fetching of paused partitions.
	Resume(tps ...TopicPartition)

	// Commit records, per partition, the last offset that has been fully handled.
	Commit(ctx context.Context, offsets map[TopicPartition]int64) error

	// Close leaves the group and releases the client.
	Close()
}
