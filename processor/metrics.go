package processor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"docflow/types"
)

const namespace = "docflow"

// Metrics are the processor's prometheus collectors.
type Metrics struct {
	Calls           *prometheus.CounterVec
	CallDuration    prometheus.Histogram
	Retries         prometheus.Counter
	Timeouts        prometheus.Counter
	PartialAccepted prometheus.Counter
	ChunkFailures   prometheus.Counter
	CheckpointSaves *prometheus.CounterVec
	BatchSize       prometheus.Gauge
	BufferedBytes   prometheus.Gauge
	Runs            *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg gets a private
// registry, so independent processors never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_calls_total",
			Help:      "Completion calls by outcome",
		}, []string{"outcome"}),
		CallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_call_duration_seconds",
			Help:      "Time until a completion call settled or timed out",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_retries_total",
			Help:      "Total number of chunk retries scheduled",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_timeouts_total",
			Help:      "Total number of completion calls that hit their deadline",
		}),
		PartialAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_partial_accepted_total",
			Help:      "Total number of partial responses accepted",
		}),
		ChunkFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_failures_total",
			Help:      "Total number of chunks recorded as failed",
		}),
		CheckpointSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_saves_total",
			Help:      "Checkpoint saves by status and result",
		}, []string{"status", "result"}),
		BatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Current effective batch size",
		}),
		BufferedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_result_bytes",
			Help:      "Bytes of chunk results held in memory",
		}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Processing runs by final status",
		}, []string{"status"}),
	}
}

func (m *Metrics) observeCall(outcome string, d time.Duration) {
	m.Calls.WithLabelValues(outcome).Inc()
	m.CallDuration.Observe(d.Seconds())
}

func (m *Metrics) observeSave(status types.Status, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CheckpointSaves.WithLabelValues(string(status), result).Inc()
}
