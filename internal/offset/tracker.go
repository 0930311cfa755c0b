package offset

import (
	"sort"
	"sync"

	"github.com/lsm/hookbridge/internal/broker"
)

// PartitionState is a point-in-time view of one cursor.
type PartitionState struct {
	TopicPartition broker.TopicPartition
	Committed      int64
	Delivered      int64
	InFlight       int
}

// Tracker is the registry of cursors for currently owned partitions.
type Tracker struct {
	mu      sync.RWMutex
	cursors map[broker.TopicPartition]*Cursor
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{cursors: make(map[broker.TopicPartition]*Cursor)}
}

// Assign creates a fresh cursor for tp, releasing any previous one.
func (t *Tracker) Assign(tp broker.TopicPartition) *Cursor {
	c := NewCursor(tp)
	t.mu.Lock()
	if old, ok := t.cursors[tp]; ok {
		old.Release()
	}
	t.cursors[tp] = c
	t.mu.Unlock()
	return c
}

// Release releases c and removes it if it is still the cursor for its partition.
func (t *Tracker) Release(c *Cursor) {
	c.Release()
	t.mu.Lock()
	if cur, ok := t.cursors[c.tp]; ok && cur == c {
		delete(t.cursors, c.tp)
	}
	t.mu.Unlock()
}

// Get returns the current cursor for tp.
func (t *Tracker) Get(tp broker.TopicPartition) (*Cursor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.cursors[tp]
	return c, ok
}

// Snapshot returns the state of every owned partition, sorted by topic and partition.
func (t *Tracker) Snapshot() []PartitionState {
	t.mu.RLock()
	out := make([]PartitionState, 0, len(t.cursors))
	for tp, c := range t.cursors {
		out = append(out, PartitionState{
			TopicPartition: tp,
			Committed:      c.Committed(),
			Delivered:      c.HighestDelivered(),
			InFlight:       c.InFlight(),
		})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].TopicPartition, out[j].TopicPartition
		if a.Topic != b.Topic {
			return a.Topic < b.Topic
		}
		return a.Partition < b.Partition
	})
	return out
}
