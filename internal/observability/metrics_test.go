package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/lsm/hookbridge/internal/broker"
	"github.com/lsm/hookbridge/internal/offset"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestMetrics_Recorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Message("orders", ResultDelivered, 20*time.Millisecond)
	m.Message("orders", ResultAbandoned, 0)
	m.Attempt("orders", "retriable", 5*time.Millisecond)
	m.DeadLetter(nil)
	m.DeadLetter(errors.New("sink down"))
	m.Committed(nil, time.Millisecond)
	m.CommitFailed(errors.New("coordinator"))
	m.Rebalance(broker.AssignmentChange{Assigned: []broker.TopicPartition{{Topic: "orders"}}})
	m.Rebalance(broker.AssignmentChange{Revoked: []broker.TopicPartition{{Topic: "orders"}}, Lost: true})
	m.Buffered(3)
	m.Buffered(-1)
	m.Assigned(2)

	families := gather(t, reg)
	expected := []string{
		"hookbridge_messages_total",
		"hookbridge_webhook_attempts_total",
		"hookbridge_webhook_attempt_duration_seconds",
		"hookbridge_delivery_duration_seconds",
		"hookbridge_dead_letter_writes_total",
		"hookbridge_offset_commits_total",
		"hookbridge_offset_commit_errors_total",
		"hookbridge_offset_commit_duration_seconds",
		"hookbridge_rebalances_total",
		"hookbridge_buffered_messages",
		"hookbridge_assigned_partitions",
	}
	for _, name := range expected {
		if families[name] == nil {
			t.Errorf("expected metric %s not found", name)
		}
	}

	if v := families["hookbridge_buffered_messages"].GetMetric()[0].GetGauge().GetValue(); v != 2 {
		t.Errorf("buffered = %v, want 2", v)
	}
	hist := families["hookbridge_delivery_duration_seconds"].GetMetric()[0].GetHistogram()
	if hist.GetSampleCount() != 1 {
		t.Errorf("abandoned messages must not observe delivery duration, count = %d", hist.GetSampleCount())
	}
	if n := len(families["hookbridge_rebalances_total"].GetMetric()); n != 2 {
		t.Errorf("expected assigned and lost series, got %d", n)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Message("t", ResultDelivered, time.Second)
	m.Attempt("t", "success", time.Second)
	m.DeadLetter(nil)
	m.Committed(nil, 0)
	m.CommitFailed(nil)
	m.Rebalance(broker.AssignmentChange{})
	m.Buffered(1)
	m.Assigned(1)
}

func TestPartitionCollector(t *testing.T) {
	tr := offset.NewTracker()
	c := tr.Assign(broker.TopicPartition{Topic: "orders", Partition: 4})
	_ = c.Track(10)
	_ = c.Track(11)
	_, _, _ = c.Complete(10)

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPartitionCollector(tr.Snapshot))
	families := gather(t, reg)

	check := func(name string, want float64) {
		t.Helper()
		f := families[name]
		if f == nil || len(f.GetMetric()) != 1 {
			t.Fatalf("expected one %s series", name)
		}
		metric := f.GetMetric()[0]
		if got := metric.GetGauge().GetValue(); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
		labels := map[string]string{}
		for _, lp := range metric.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["topic"] != "orders" || labels["partition"] != "4" {
			t.Errorf("%s labels = %v", name, labels)
		}
	}
	check("hookbridge_partition_committed_offset", 10)
	check("hookbridge_partition_delivered_offset", 10)
	check("hookbridge_partition_inflight_messages", 1)
}
