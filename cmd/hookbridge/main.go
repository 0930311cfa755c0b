// Command hookbridge consumes Kafka topics as a consumer group and forwards
// every record to an HTTP webhook with at-least-once delivery.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	brokerkafka "github.com/lsm/hookbridge/internal/broker/kafka"
	"github.com/lsm/hookbridge/internal/config"
	"github.com/lsm/hookbridge/internal/dlq"
	"github.com/lsm/hookbridge/internal/fault"
	"github.com/lsm/hookbridge/internal/forwarder"
	"github.com/lsm/hookbridge/internal/kafka"
	"github.com/lsm/hookbridge/internal/observability"
	"github.com/lsm/hookbridge/internal/pipeline"
	"github.com/lsm/hookbridge/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		code := fault.ExitCode(err)
		if code != fault.ExitOK {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(code)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return err
	}

	level, _ := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLogger("hookbridge", level)
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracing, err := tracing.Initialize(ctx, cfg.Tracing, logger)
	if err != nil {
		return fault.New(fault.KindConfig, "tracing", err)
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	// Fail fast when the cluster cannot be reached at all.
	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Broker.SessionTimeout)
	reach, err := kafka.Ping(pingCtx, cfg.Cluster(), cfg.Broker.Topics)
	pingCancel()
	if err != nil {
		return pingError(ctx, err)
	}
	logger.Info("broker reachable", "brokers", reach.Brokers)
	if len(reach.MissingTopics) > 0 {
		logger.Warn("topics not found, waiting for them to appear", "topics", reach.MissingTopics)
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	consumer, err := brokerkafka.New(cfg.Consumer(), logger.With("component", "consumer"))
	if err != nil {
		return fault.New(fault.KindConfig, "consumer", err)
	}
	defer consumer.Close()

	fwd, err := forwarder.New(cfg.Forwarder(), logger.With("component", "forwarder"))
	if err != nil {
		return fault.New(fault.KindConfig, "forwarder", err)
	}
	fwd.SetTracer(tracer)
	defer func() { _ = fwd.Close() }()

	sink, err := dlq.Open(cfg.DeadLetterSink, dlq.Deps{
		Cluster:    cfg.Cluster(),
		HTTPClient: dlq.NewHTTPClient(cfg.Webhook.Timeout),
		Logger:     logger.With("component", "dead-letter"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Error("dead-letter sink close error", "error", err)
		}
	}()

	p, err := pipeline.New(cfg.Pipeline(), consumer, fwd, cfg.RetryPolicy(), sink,
		pipeline.WithLogger(logger.With("component", "pipeline")),
		pipeline.WithMetrics(metrics),
		pipeline.WithTracer(tracer),
	)
	if err != nil {
		return err
	}
	reg.MustRegister(observability.NewPartitionCollector(p.Tracker().Snapshot))

	// Start metrics + health HTTP server
	health := observability.NewHealthServer()
	httpServer := observability.NewServer(cfg.MetricsAddr, reg, health)
	go func() {
		logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// A changed config file stops the bridge cleanly; the supervisor
	// restarts it with the new settings.
	if cfg.WatchFile {
		watcher := config.NewWatcher(cfg.File, logger)
		go func() {
			err := watcher.Watch(ctx, func() {
				logger.Info("config file changed, shutting down for restart", "path", cfg.File)
				cancel()
			})
			if err != nil {
				logger.Error("config watcher error", "error", err)
			}
		}()
	}

	health.SetReady(true, "")
	logger.Info("bridge starting",
		"group", cfg.Broker.GroupID,
		"topics", cfg.Broker.Topics,
		"concurrency", cfg.Concurrency,
	)

	// Run pipeline until shutdown
	runErr := p.Run(ctx)

	// Graceful shutdown
	health.SetReady(false, "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	if runErr != nil {
		fault.Log(logger, "bridge stopped", runErr)
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}

// pingError classifies a failed startup broker ping. A ping cut short by a
// shutdown signal is a clean exit, not an unreachable broker.
func pingError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fault.New(fault.KindShutdownRequested, "shutdown during startup", err)
	}
	return fault.New(fault.KindBrokerUnreachable, "broker unreachable", err)
}
