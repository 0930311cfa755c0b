// Package pipeline drives messages from the broker through the webhook
// forwarder and commits offsets once each message is delivered or
// dead-lettered.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lsm/hookbridge/internal/broker"
	"github.com/lsm/hookbridge/internal/dlq"
	"github.com/lsm/hookbridge/internal/fault"
	"github.com/lsm/hookbridge/internal/forwarder"
	"github.com/lsm/hookbridge/internal/observability"
	"github.com/lsm/hookbridge/internal/offset"
	"github.com/lsm/hookbridge/internal/retry"
)

// Forwarder posts one delivery attempt.
type Forwarder interface {
	Forward(ctx context.Context, d forwarder.Delivery) forwarder.Outcome
}

// Config holds pipeline configuration.
type Config struct {
	Topics []string

	// Concurrency bounds parallel webhook attempts. Each assigned partition
	// may hold ceil(Concurrency/assigned) fetched messages that are not yet
	// committable before its fetching pauses. Default 32.
	Concurrency int

	// PollBatch is the most records requested per poll. Default Concurrency.
	PollBatch int

	// ShutdownGrace bounds the drain after Run's context is cancelled. Default 30s.
	ShutdownGrace time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer sets the tracer used for dead-letter spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithCommitter overrides the committer configuration.
func WithCommitter(cfg offset.CommitterConfig) Option {
	return func(p *Pipeline) { p.committerCfg = cfg }
}

// Pipeline couples a broker consumer to the webhook with at-least-once
// delivery. It is the consumer's rebalance handler.
type Pipeline struct {
	cfg       Config
	consumer  broker.Consumer
	forwarder Forwarder
	policy    retry.Policy
	sink      dlq.Sink

	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       trace.Tracer
	committerCfg offset.CommitterConfig

	tracker   *offset.Tracker
	committer *offset.Committer

	workers *semaphore.Weighted // webhook attempts in flight

	generation atomic.Uint64
	budget     atomic.Int64 // per-partition pending messages before pausing

	mu       sync.Mutex
	tasks    map[broker.TopicPartition]*partitionTask
	draining bool
	wg       sync.WaitGroup

	fatalOnce sync.Once
	fatal     chan error
}

var _ broker.RebalanceHandler = (*Pipeline)(nil)

// New creates a pipeline. Run starts it.
func New(cfg Config, consumer broker.Consumer, fwd Forwarder, policy retry.Policy, sink dlq.Sink, opts ...Option) (*Pipeline, error) {
	if len(cfg.Topics) == 0 {
		return nil, fault.New(fault.KindConfig, "at least one topic is required", nil)
	}
	if consumer == nil || fwd == nil || sink == nil {
		return nil, fault.New(fault.KindConfig, "consumer, forwarder and dead-letter sink are required", nil)
	}
	if err := policy.Validate(); err != nil {
		return nil, fault.New(fault.KindConfig, "retry policy", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 32
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = cfg.Concurrency
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	p := &Pipeline{
		cfg:       cfg,
		consumer:  consumer,
		forwarder: fwd,
		policy:    policy,
		sink:      sink,
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("pipeline"),
		tracker:   offset.NewTracker(),
		workers:   semaphore.NewWeighted(int64(cfg.Concurrency)),
		tasks:     make(map[broker.TopicPartition]*partitionTask),
		fatal:     make(chan error, 1),
	}
	p.budget.Store(int64(cfg.Concurrency))
	for _, opt := range opts {
		opt(p)
	}

	ccfg := p.committerCfg
	if ccfg.Hooks.Committed == nil {
		ccfg.Hooks.Committed = p.metrics.Committed
	}
	if ccfg.Hooks.Failed == nil {
		ccfg.Hooks.Failed = p.metrics.CommitFailed
	}
	p.committer = offset.NewCommitter(consumer.Commit, ccfg, p.logger)
	return p, nil
}

// Tracker exposes per-partition offset state.
func (p *Pipeline) Tracker() *offset.Tracker { return p.tracker }

// Run subscribes and delivers until ctx is cancelled or an invariant is
// violated. Cancellation drains: no new polls, in-flight attempts finish
// their current POST, committable offsets are flushed within the grace
// period. Run returns nil after a clean drain.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.consumer.Subscribe(p.cfg.Topics, p); err != nil {
		return err
	}
	p.logger.Info("pipeline started", "topics", p.cfg.Topics, "concurrency", p.cfg.Concurrency)

	// The committer outlives ctx so the drain can flush.
	commitCtx, stopCommitter := context.WithCancel(context.Background())
	committerDone := make(chan struct{})
	go func() {
		defer close(committerDone)
		_ = p.committer.Run(commitCtx)
	}()

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		select {
		case err := <-p.fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		defer stopLoop()
		return p.pollLoop(gctx)
	})
	runErr := g.Wait()

	p.logger.Info("pipeline draining", "grace", p.cfg.ShutdownGrace.String())
	graceCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace)
	defer cancel()
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
	p.stopTasks(graceCtx, p.takeTasks(nil), runErr == nil)
	p.wg.Wait()

	stopCommitter()
	<-committerDone

	if runErr == nil {
		select {
		case runErr = <-p.fatal:
		default:
		}
	}
	if runErr == nil {
		p.logger.Info("pipeline stopped")
	}
	return runErr
}

func (p *Pipeline) pollLoop(ctx context.Context) error {
	failures := 0
	for ctx.Err() == nil {
		poll, err := p.consumer.Poll(ctx, p.cfg.PollBatch)
		if herr := p.handOff(ctx, poll.Messages); herr != nil {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil || fault.Is(err, fault.KindShutdownRequested) {
				return nil
			}
			failures++
			p.logPollError(err)
		} else {
			failures = 0
		}

		if failures > 0 {
			if err := retry.Sleep(ctx, p.policy.Ceiling(failures)); err != nil {
				return nil
			}
		}
	}
	return nil
}

func (p *Pipeline) logPollError(err error) {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			fault.Log(p.logger, "poll failed", e)
		}
		return
	}
	fault.Log(p.logger, "poll failed", err)
}

// handOff dispatches one poll's records, then lets held-back rebalances
// proceed. No assignment change runs between the poll and the dispatch, so
// the generation read here is the one the records were fetched under.
func (p *Pipeline) handOff(ctx context.Context, msgs []broker.Message) error {
	defer p.consumer.AllowRebalance()
	gen := p.generation.Load()
	for _, msg := range msgs {
		if err := p.dispatch(ctx, msg, gen); err != nil {
			return err
		}
	}
	return nil
}

// dispatch queues msg on its partition task. Records for partitions that
// are gone, or that were assigned again since gen, are dropped; the owner's
// fetch produces them again. A partition that reaches its budget is paused
// so the rest of the poll loop never waits on it.
func (p *Pipeline) dispatch(ctx context.Context, msg broker.Message, gen uint64) error {
	tp := msg.TopicPartition()
	q := queued{msg: msg, fetched: time.Now()}

	p.mu.Lock()
	task, ok := p.tasks[tp]
	if !ok || task.generation > gen {
		p.mu.Unlock()
		p.logger.Debug("dropping record for unowned partition", "topic", tp.Topic, "partition", tp.Partition, "offset", msg.Offset)
		return nil
	}
	p.hold(task)
	select {
	case task.queue <- q:
		p.mu.Unlock()
		return nil
	default:
	}
	p.mu.Unlock()

	// Only reached when the broker keeps returning records for a paused
	// partition.
	select {
	case task.queue <- q:
		return nil
	case <-task.stop.Done():
		p.abandon(task, q)
		return nil
	case <-ctx.Done():
		p.abandon(task, q)
		return ctx.Err()
	}
}

// rebudget splits Concurrency across assigned partitions. Must be called
// with p.mu held.
func (p *Pipeline) rebudget() {
	n := len(p.tasks)
	budget := p.cfg.Concurrency
	if n > 1 {
		budget = (p.cfg.Concurrency + n - 1) / n
	}
	p.budget.Store(int64(budget))
	p.metrics.Assigned(n)
}

// OnAssignmentChange revokes then assigns partitions. It returns once
// revoked partitions are drained or ctx, the broker's drain deadline, expires.
func (p *Pipeline) OnAssignmentChange(ctx context.Context, change broker.AssignmentChange) {
	p.metrics.Rebalance(change)

	if len(change.Revoked) > 0 {
		tasks := p.takeTasks(change.Revoked)
		p.logger.Info("partitions revoked", "count", len(change.Revoked), "lost", change.Lost)
		p.stopTasks(ctx, tasks, !change.Lost)
	}

	if len(change.Assigned) > 0 {
		// A partition assigned twice without a revoke restarts from the
		// broker's committed offset.
		if stale := p.takeTasks(change.Assigned); len(stale) > 0 {
			p.stopTasks(ctx, stale, false)
		}

		gen := p.generation.Add(1)
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return
		}
		for _, tp := range change.Assigned {
			p.tasks[tp] = p.startTask(tp, gen)
		}
		p.rebudget()
		p.mu.Unlock()

		p.logger.Info("partitions assigned", "count", len(change.Assigned), "budget", p.budget.Load())
	}
}

// takeTasks removes and returns the tasks for tps, or all tasks when tps is nil.
// Removed tasks receive no further messages.
func (p *Pipeline) takeTasks(tps []broker.TopicPartition) []*partitionTask {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*partitionTask
	if tps == nil {
		for tp, t := range p.tasks {
			out = append(out, t)
			delete(p.tasks, tp)
		}
	} else {
		for _, tp := range tps {
			if t, ok := p.tasks[tp]; ok {
				out = append(out, t)
				delete(p.tasks, tp)
			}
		}
	}
	p.rebudget()
	return out
}

// stopTasks cancels waiting work, lets current attempts finish until ctx
// expires and, when commit is set, flushes committable offsets before
// releasing the cursors. Outcomes arriving after ctx expires are ignored.
func (p *Pipeline) stopTasks(ctx context.Context, tasks []*partitionTask, commit bool) {
	if len(tasks) == 0 {
		return
	}
	for _, t := range tasks {
		if !commit {
			p.tracker.Release(t.cursor)
		}
		t.cancelStop()
	}

	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
		}
	}

	if commit {
		if err := p.committer.Flush(ctx); err != nil {
			fault.Log(p.logger, "offset flush failed", fault.New(fault.KindBrokerTransport, "flush before release", err))
		}
	}

	abandoned := 0
	for _, t := range tasks {
		p.tracker.Release(t.cursor)
		select {
		case <-t.done:
		default:
			abandoned++
		}
		t.cancelHard()
	}
	for _, t := range tasks {
		<-t.done
	}
	if abandoned > 0 {
		p.logger.Warn("in-flight work abandoned past drain deadline", "partitions", abandoned)
	}
}

func (p *Pipeline) fail(err error) {
	fault.Log(p.logger, "pipeline aborted", err)
	p.fatalOnce.Do(func() {
		p.fatal <- err
	})
}
