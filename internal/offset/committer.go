package offset

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lsm/hookbridge/internal/broker"
	"github.com/lsm/hookbridge/internal/fault"
	"github.com/lsm/hookbridge/internal/retry"
)

// CommitFunc stores committed offsets at the broker. It is satisfied by
// broker.Consumer.Commit.
type CommitFunc func(ctx context.Context, offsets map[broker.TopicPartition]int64) error

// Hooks observe committer activity. Nil fields are skipped.
type Hooks struct {
	Committed func(offsets map[broker.TopicPartition]int64, took time.Duration)
	Failed    func(err error)
}

// CommitterConfig configures a Committer.
type CommitterConfig struct {
	QueueSize     int           // bounded request queue, default 256
	CommitTimeout time.Duration // per broker call, default 10s
	Backoff       retry.Policy  // delay between failed commits
	Hooks         Hooks
}

type commitRequest struct {
	cursor *Cursor
	offset int64
	flush  chan error
}

type pendingCommit struct {
	cursor *Cursor
	offset int64
}

// Committer is the single writer of offsets to the broker. Requests are
// coalesced per partition so only the newest offset of each is sent.
type Committer struct {
	commit   CommitFunc
	cfg      CommitterConfig
	logger   *slog.Logger
	requests chan commitRequest
	done     chan struct{}
}

// NewCommitter creates a committer that stores offsets with fn.
func NewCommitter(fn CommitFunc, cfg CommitterConfig, logger *slog.Logger) *Committer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	if cfg.Backoff.Validate() != nil {
		cfg.Backoff = retry.Policy{BaseDelay: 100 * time.Millisecond, Factor: 2, MaxDelay: 5 * time.Second, MaxAttempts: 1}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Committer{
		commit:   fn,
		cfg:      cfg,
		logger:   logger,
		requests: make(chan commitRequest, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Enqueue schedules c's offset for commit. It blocks while the queue is full.
func (c *Committer) Enqueue(ctx context.Context, cursor *Cursor, offset int64) error {
	select {
	case c.requests <- commitRequest{cursor: cursor, offset: offset}:
		return nil
	case <-c.done:
		return fault.New(fault.KindShutdownRequested, "committer stopped", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every offset enqueued before the call has been
// committed, or until ctx is done.
func (c *Committer) Flush(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case c.requests <- commitRequest{flush: ack}:
	case <-c.done:
		return fault.New(fault.KindShutdownRequested, "committer stopped", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-c.done:
		return fault.New(fault.KindShutdownRequested, "committer stopped", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes requests until ctx is done. Offsets still pending at that
// point are not committed.
func (c *Committer) Run(ctx context.Context) error {
	defer close(c.done)

	pending := make(map[broker.TopicPartition]pendingCommit)
	var waiters []chan error
	failures := 0

	accept := func(r commitRequest) {
		if r.flush != nil {
			waiters = append(waiters, r.flush)
			return
		}
		tp := r.cursor.TopicPartition()
		if cur, ok := pending[tp]; ok && cur.cursor == r.cursor && cur.offset >= r.offset {
			return
		}
		pending[tp] = pendingCommit{cursor: r.cursor, offset: r.offset}
	}

	for {
		if len(pending) == 0 && len(waiters) == 0 {
			select {
			case r := <-c.requests:
				accept(r)
			case <-ctx.Done():
				return nil
			}
		}
	drain:
		for {
			select {
			case r := <-c.requests:
				accept(r)
			default:
				break drain
			}
		}

		err := c.commitPending(ctx, pending)
		if err == nil {
			failures = 0
			for _, w := range waiters {
				w <- nil
			}
			waiters = waiters[:0]
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		fault.Log(c.logger, "offset commit failed", err)
		if c.cfg.Hooks.Failed != nil {
			c.cfg.Hooks.Failed(err)
		}
		if sleepErr := retry.Sleep(ctx, c.cfg.Backoff.Ceiling(failures)); sleepErr != nil {
			return nil
		}
	}
}

// commitPending sends every pending offset whose cursor is still owned.
// Entries are removed once committed or once their cursor is released.
func (c *Committer) commitPending(ctx context.Context, pending map[broker.TopicPartition]pendingCommit) error {
	batch := make(map[broker.TopicPartition]int64, len(pending))
	for tp, p := range pending {
		if p.cursor.Released() {
			delete(pending, tp)
			continue
		}
		batch[tp] = p.offset
	}
	if len(batch) == 0 {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel()

	start := time.Now()
	if err := c.commit(callCtx, batch); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	took := time.Since(start)

	for tp, off := range batch {
		if p, ok := pending[tp]; ok && p.offset == off {
			delete(pending, tp)
		}
	}
	c.logger.Debug("offsets committed", "partitions", len(batch), "took_ms", took.Milliseconds())
	if c.cfg.Hooks.Committed != nil {
		c.cfg.Hooks.Committed(batch, took)
	}
	return nil
}
