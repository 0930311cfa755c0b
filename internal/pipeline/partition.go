package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/hookbridge/internal/broker"
	"github.com/lsm/hookbridge/internal/correlation"
	"github.com/lsm/hookbridge/internal/dlq"
	"github.com/lsm/hookbridge/internal/envelope"
	"github.com/lsm/hookbridge/internal/fault"
	"github.com/lsm/hookbridge/internal/forwarder"
	"github.com/lsm/hookbridge/internal/observability"
	"github.com/lsm/hookbridge/internal/offset"
	"github.com/lsm/hookbridge/internal/retry"
	"github.com/lsm/hookbridge/internal/tracing"
)

type queued struct {
	msg     broker.Message
	fetched time.Time
}

// partitionTask delivers one partition's messages strictly in order.
//
// pending counts queued and in-progress messages. Fetching is paused while
// pending is at the pipeline budget.
//
// stop ends waiting work: the task abandons messages that are queued,
// backing off, or waiting for a worker. hard additionally cancels the
// POST or dead-letter write in progress.
type partitionTask struct {
	tp         broker.TopicPartition
	cursor     *offset.Cursor
	generation uint64
	queue      chan queued

	mu      sync.Mutex
	pending int
	paused  bool

	stop       context.Context
	cancelStop context.CancelFunc
	hard       context.Context
	cancelHard context.CancelFunc

	done chan struct{}
}

// startTask must be called with p.mu held.
func (p *Pipeline) startTask(tp broker.TopicPartition, gen uint64) *partitionTask {
	hard, cancelHard := context.WithCancel(context.Background())
	stop, cancelStop := context.WithCancel(hard)
	t := &partitionTask{
		tp:         tp,
		cursor:     p.tracker.Assign(tp),
		generation: gen,
		queue:      make(chan queued, p.cfg.Concurrency+p.cfg.PollBatch),
		stop:       stop,
		cancelStop: cancelStop,
		hard:       hard,
		cancelHard: cancelHard,
		done:       make(chan struct{}),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(t.done)
		defer p.unpause(t)
		defer cancelHard()
		if err := p.runTask(t); err != nil {
			p.fail(err)
		}
	}()
	return t
}

func (p *Pipeline) runTask(t *partitionTask) error {
	logger := p.logger.With("topic", t.tp.Topic, "partition", t.tp.Partition)
	logger.Debug("partition task started")
	defer logger.Debug("partition task stopped")

	for {
		select {
		case <-t.stop.Done():
			p.abandonQueued(t)
			return nil
		case q := <-t.queue:
			if err := p.deliver(t, q); err != nil {
				return err
			}
		}
	}
}

// abandonQueued drops messages left in the queue. The task was removed from
// the pipeline before stop was cancelled, so nothing is added meanwhile.
func (p *Pipeline) abandonQueued(t *partitionTask) {
	for {
		select {
		case q := <-t.queue:
			p.abandon(t, q)
		default:
			return
		}
	}
}

// deliver runs one message through SENDING and WAITING until it is
// committable or abandoned. It returns an error only for invariant violations.
func (p *Pipeline) deliver(t *partitionTask, q queued) error {
	msg := q.msg
	if err := t.cursor.Track(msg.Offset); err != nil {
		p.settle(t)
		return err
	}

	env := envelope.New(msg)
	corr := correlation.ExtractOrGenerate(msg.Headers)
	ctx := correlation.ExtractTraceContext(t.hard, msg.Headers)

	for attempt := 1; ; attempt++ {
		if t.stop.Err() != nil {
			p.abandon(t, q)
			return nil
		}
		if err := p.workers.Acquire(t.stop, 1); err != nil {
			p.abandon(t, q)
			return nil
		}
		out := p.forwarder.Forward(ctx, forwarder.Delivery{
			Envelope:      env,
			Attempt:       attempt,
			CorrelationID: corr.Value,
		})
		p.workers.Release(1)
		p.metrics.Attempt(msg.Topic, out.Kind.String(), out.Latency)

		if t.hard.Err() != nil {
			// Revoked past the drain deadline: the outcome is ignored.
			p.abandon(t, q)
			return nil
		}

		if out.Kind == forwarder.Success {
			return p.committable(t, q, observability.ResultDelivered)
		}

		decision := p.policy.Next(attempt, out)
		if decision.GiveUp {
			fault.Log(p.logger, "webhook delivery failed", fault.At(fault.KindWebhookPermanent,
				msg.Topic, msg.Partition, msg.Offset, attempt, out.Reason, nil))
			return p.deadLetter(t, q, env, corr.Value, out, attempt)
		}

		fault.Log(p.logger, "webhook attempt failed", fault.At(fault.KindWebhookRetriable,
			msg.Topic, msg.Partition, msg.Offset, attempt, out.Reason, nil))
		if err := retry.Sleep(t.stop, decision.Delay); err != nil {
			p.abandon(t, q)
			return nil
		}
	}
}

// deadLetter writes the message to the sink, retrying until the sink
// acknowledges or the task is stopped. The partition makes no progress meanwhile.
func (p *Pipeline) deadLetter(t *partitionTask, q queued, env envelope.Envelope, correlationID string, out forwarder.Outcome, attempts int) error {
	rec := dlq.NewRecord(env, q.msg.Key, out.Reason, out.Status, attempts)
	rec.CorrelationID = correlationID

	for failures := 0; ; {
		err := p.writeDeadLetter(t.hard, rec)
		p.metrics.DeadLetter(err)
		if err == nil {
			p.logger.Info("message dead-lettered",
				"topic", env.Topic,
				"partition", env.Partition,
				"offset", env.Offset,
				"record_id", rec.ID,
				"reason", rec.Reason,
			)
			return p.committable(t, q, observability.ResultDeadLettered)
		}
		if t.hard.Err() != nil {
			p.abandon(t, q)
			return nil
		}

		failures++
		var fe *fault.Error
		if !errors.As(err, &fe) {
			err = fault.At(fault.KindDeadLetterUnavailable, env.Topic, env.Partition, env.Offset, attempts, "dead-letter write", err)
		}
		fault.Log(p.logger, "dead-letter sink unavailable, partition blocked", err)
		if err := retry.Sleep(t.stop, p.policy.Ceiling(failures)); err != nil {
			p.abandon(t, q)
			return nil
		}
	}
}

func (p *Pipeline) writeDeadLetter(ctx context.Context, rec dlq.Record) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanDeadLetter,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.MessageAttrs(rec.Envelope.Topic, rec.Envelope.Partition, rec.Envelope.Offset)...),
		trace.WithAttributes(attribute.String(tracing.AttrCorrelationID, rec.CorrelationID)),
	)
	defer span.End()

	if err := p.sink.Write(ctx, rec); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

// committable marks the offset COMMITTABLE and schedules a commit when the
// contiguous committed offset advanced.
func (p *Pipeline) committable(t *partitionTask, q queued, result string) error {
	defer p.settle(t)

	committed, advanced, err := t.cursor.Complete(q.msg.Offset)
	if err != nil {
		return err
	}
	p.metrics.Message(q.msg.Topic, result, time.Since(q.fetched))
	p.logger.Debug("message committable",
		"topic", q.msg.Topic,
		"partition", q.msg.Partition,
		"offset", q.msg.Offset,
		"result", result,
		"committed", committed,
	)
	if !advanced {
		return nil
	}
	if err := p.committer.Enqueue(t.hard, t.cursor, committed); err != nil {
		p.logger.Debug("commit not scheduled", "topic", q.msg.Topic, "partition", q.msg.Partition, "error", err)
	}
	return nil
}

func (p *Pipeline) abandon(t *partitionTask, q queued) {
	p.settle(t)
	p.metrics.Message(q.msg.Topic, observability.ResultAbandoned, 0)
	p.logger.Debug("message abandoned", "topic", q.msg.Topic, "partition", q.msg.Partition, "offset", q.msg.Offset)
}

// hold counts a dispatched message against t and pauses fetching once t is
// at its budget.
func (p *Pipeline) hold(t *partitionTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending++
	if !t.paused && int64(t.pending) >= p.budget.Load() {
		t.paused = true
		p.consumer.Pause(t.tp)
		p.logger.Debug("partition paused", "topic", t.tp.Topic, "partition", t.tp.Partition, "pending", t.pending)
	}
	p.metrics.Buffered(1)
}

// settle releases a message that is terminal or abandoned and resumes
// fetching once t is under its budget.
func (p *Pipeline) settle(t *partitionTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending--
	if t.paused && int64(t.pending) < p.budget.Load() {
		t.paused = false
		p.consumer.Resume(t.tp)
		p.logger.Debug("partition resumed", "topic", t.tp.Topic, "partition", t.tp.Partition, "pending", t.pending)
	}
	p.metrics.Buffered(-1)
}

// unpause resumes fetching when t exits paused, so a later owner of the
// partition starts unpaused. Runs before t.done closes.
func (p *Pipeline) unpause(t *partitionTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		t.paused = false
		p.consumer.Resume(t.tp)
	}
}
