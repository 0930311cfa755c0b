package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lsm/hookbridge/internal/broker"
	"github.com/lsm/hookbridge/internal/offset"
)

// Message results counted by MessagesTotal.
const (
	ResultDelivered    = "delivered"
	ResultDeadLettered = "dead_lettered"
	ResultAbandoned    = "abandoned"
)

// Metrics holds the bridge's Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	MessagesTotal      *prometheus.CounterVec
	AttemptsTotal      *prometheus.CounterVec
	AttemptDuration    *prometheus.HistogramVec
	DeliveryDuration   *prometheus.HistogramVec
	DeadLetterWrites   *prometheus.CounterVec
	CommitsTotal       prometheus.Counter
	CommitErrors       prometheus.Counter
	CommitDuration     prometheus.Histogram
	Rebalances         *prometheus.CounterVec
	BufferedMessages   prometheus.Gauge
	AssignedPartitions prometheus.Gauge
}

// NewMetrics creates and registers all bridge metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hookbridge_messages_total",
			Help: "Messages that reached a terminal state.",
		}, []string{"topic", "result"}),

		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hookbridge_webhook_attempts_total",
			Help: "Webhook POST attempts by outcome.",
		}, []string{"topic", "outcome"}),

		AttemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hookbridge_webhook_attempt_duration_seconds",
			Help:    "Latency of a single webhook POST.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hookbridge_delivery_duration_seconds",
			Help:    "Time from fetch to a committable state, retries included.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"topic"}),

		DeadLetterWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hookbridge_dead_letter_writes_total",
			Help: "Dead-letter sink writes by result.",
		}, []string{"result"}),

		CommitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hookbridge_offset_commits_total",
			Help: "Successful offset commit calls.",
		}),

		CommitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "hookbridge_offset_commit_errors_total",
			Help: "Failed offset commit calls.",
		}),

		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookbridge_offset_commit_duration_seconds",
			Help:    "Latency of offset commit calls.",
			Buckets: prometheus.DefBuckets,
		}),

		Rebalances: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hookbridge_rebalances_total",
			Help: "Partition assignment changes by type.",
		}, []string{"type"}),

		BufferedMessages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hookbridge_buffered_messages",
			Help: "Fetched messages not yet committable.",
		}),

		AssignedPartitions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hookbridge_assigned_partitions",
			Help: "Partitions currently owned.",
		}),
	}
}

// Message counts a message reaching result.
func (m *Metrics) Message(topic, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(topic, result).Inc()
	if result != ResultAbandoned {
		m.DeliveryDuration.WithLabelValues(topic).Observe(took.Seconds())
	}
}

// Attempt records one webhook POST.
func (m *Metrics) Attempt(topic, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(topic, outcome).Inc()
	m.AttemptDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

// DeadLetter records one sink write.
func (m *Metrics) DeadLetter(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DeadLetterWrites.WithLabelValues(result).Inc()
}

// Committed records a successful commit call.
func (m *Metrics) Committed(_ map[broker.TopicPartition]int64, took time.Duration) {
	if m == nil {
		return
	}
	m.CommitsTotal.Inc()
	m.CommitDuration.Observe(took.Seconds())
}

// CommitFailed records a failed commit call.
func (m *Metrics) CommitFailed(error) {
	if m == nil {
		return
	}
	m.CommitErrors.Inc()
}

// Rebalance records an assignment change.
func (m *Metrics) Rebalance(change broker.AssignmentChange) {
	if m == nil {
		return
	}
	if len(change.Assigned) > 0 {
		m.Rebalances.WithLabelValues("assigned").Inc()
	}
	if len(change.Revoked) > 0 {
		kind := "revoked"
		if change.Lost {
			kind = "lost"
		}
		m.Rebalances.WithLabelValues(kind).Inc()
	}
}

// Buffered adjusts the buffered message gauge.
func (m *Metrics) Buffered(delta int) {
	if m == nil {
		return
	}
	m.BufferedMessages.Add(float64(delta))
}

// Assigned sets the owned partition gauge.
func (m *Metrics) Assigned(n int) {
	if m == nil {
		return
	}
	m.AssignedPartitions.Set(float64(n))
}

// PartitionCollector exports per-partition offsets from a tracker snapshot
// at scrape time.
type PartitionCollector struct {
	snapshot  func() []offset.PartitionState
	committed *prometheus.Desc
	delivered *prometheus.Desc
	inflight  *prometheus.Desc
}

// NewPartitionCollector creates a collector reading snapshot on every scrape.
func NewPartitionCollector(snapshot func() []offset.PartitionState) *PartitionCollector {
	labels := []string{"topic", "partition"}
	return &PartitionCollector{
		snapshot: snapshot,
		committed: prometheus.NewDesc("hookbridge_partition_committed_offset",
			"Highest offset safe to commit, -1 if none.", labels, nil),
		delivered: prometheus.NewDesc("hookbridge_partition_delivered_offset",
			"Highest offset that reached a committable state, -1 if none.", labels, nil),
		inflight: prometheus.NewDesc("hookbridge_partition_inflight_messages",
			"Tracked offsets not yet committed.", labels, nil),
	}
}

func (c *PartitionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.committed
	ch <- c.delivered
	ch <- c.inflight
}

func (c *PartitionCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.snapshot() {
		topic := st.TopicPartition.Topic
		partition := strconv.Itoa(int(st.TopicPartition.Partition))
		ch <- prometheus.MustNewConstMetric(c.committed, prometheus.GaugeValue, float64(st.Committed), topic, partition)
		ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.GaugeValue, float64(st.Delivered), topic, partition)
		ch <- prometheus.MustNewConstMetric(c.inflight, prometheus.GaugeValue, float64(st.InFlight), topic, partition)
	}
}
