// Package offset tracks which offsets are safe to commit and funnels commits
// to the broker.
package offset

import (
	"container/heap"
	"fmt"
	"sync/atomic"

	"github.com/lsm/hookbridge/internal/broker"
	"github.com/lsm/hookbridge/internal/fault"
)

// None marks an offset that has not been set.
const None int64 = -1

// Cursor is the offset bookkeeping of one partition. Its mutating methods
// must be called from a single goroutine, the partition's owner; the
// accessors read atomic mirrors and may be called from anywhere.
type Cursor struct {
	tp broker.TopicPartition

	last    int64          // highest tracked offset
	pending offsetHeap     // tracked offsets not yet committed, min first
	done    map[int64]bool // tracked offset -> reached COMMITTABLE

	committed atomic.Int64
	delivered atomic.Int64
	inflight  atomic.Int64
	released  atomic.Bool
}

// NewCursor returns an empty cursor for tp.
func NewCursor(tp broker.TopicPartition) *Cursor {
	c := &Cursor{
		tp:   tp,
		last: None,
		done: make(map[int64]bool),
	}
	c.committed.Store(None)
	c.delivered.Store(None)
	return c
}

// TopicPartition returns the partition this cursor belongs to.
func (c *Cursor) TopicPartition() broker.TopicPartition { return c.tp }

// Track registers a fetched offset. Offsets must strictly increase.
func (c *Cursor) Track(offset int64) error {
	if offset < 0 {
		return c.violation(offset, fmt.Sprintf("negative offset %d", offset))
	}
	if c.last != None && offset <= c.last {
		return c.violation(offset, fmt.Sprintf("offset regression: %d after %d", offset, c.last))
	}
	c.last = offset
	heap.Push(&c.pending, offset)
	c.done[offset] = false
	c.inflight.Store(int64(len(c.done)))
	return nil
}

// Complete marks a tracked offset COMMITTABLE and advances the committed
// offset to the largest value with no incomplete tracked offset at or below
// it. It returns the committed offset and whether it moved.
func (c *Cursor) Complete(offset int64) (int64, bool, error) {
	isDone, ok := c.done[offset]
	if !ok {
		return c.Committed(), false, c.violation(offset, fmt.Sprintf("completing untracked offset %d", offset))
	}
	if isDone {
		return c.Committed(), false, c.violation(offset, fmt.Sprintf("offset %d completed twice", offset))
	}
	c.done[offset] = true
	if offset > c.delivered.Load() {
		c.delivered.Store(offset)
	}

	committed := c.committed.Load()
	advanced := false
	for c.pending.Len() > 0 {
		head := c.pending[0]
		if !c.done[head] {
			break
		}
		heap.Pop(&c.pending)
		delete(c.done, head)
		committed = head
		advanced = true
	}
	if committed > c.delivered.Load() {
		return committed, false, c.violation(offset, fmt.Sprintf("committed %d beyond delivered %d", committed, c.delivered.Load()))
	}
	c.committed.Store(committed)
	c.inflight.Store(int64(len(c.done)))
	return committed, advanced, nil
}

// Committed returns the highest offset safe to commit, or None.
func (c *Cursor) Committed() int64 { return c.committed.Load() }

// HighestDelivered returns the highest offset that reached COMMITTABLE, or None.
func (c *Cursor) HighestDelivered() int64 { return c.delivered.Load() }

// InFlight returns the number of tracked offsets not yet committed.
func (c *Cursor) InFlight() int { return int(c.inflight.Load()) }

// Release marks the partition as no longer owned. Pending commits through
// a released cursor are dropped.
func (c *Cursor) Release() { c.released.Store(true) }

// Released reports whether Release was called.
func (c *Cursor) Released() bool { return c.released.Load() }

func (c *Cursor) violation(offset int64, detail string) error {
	return fault.At(fault.KindInvariantViolation, c.tp.Topic, c.tp.Partition, offset, 0, detail, nil)
}

type offsetHeap []int64

func (h offsetHeap) Len() int           { return len(h) }
func (h offsetHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h offsetHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *offsetHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *offsetHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
