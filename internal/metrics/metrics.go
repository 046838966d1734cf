package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pledgecache"

// Metrics groups the collectors shared by the ingestion pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	rpcRequests   *prometheus.CounterVec
	rpcReconnects prometheus.Counter
	ingested      *prometheus.CounterVec
	removed       *prometheus.CounterVec
	promoted      prometheus.Counter
	handled       *prometheus.CounterVec
	handleLatency *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	repairs       *prometheus.CounterVec
	headBlock     prometheus.Gauge
}

var (
	registryOnce sync.Once
	registry     *Metrics
)

// Default returns the lazily-registered process-wide collectors.
func Default() *Metrics {
	registryOnce.Do(func() {
		registry = New()
		prometheus.MustRegister(registry.Collectors()...)
	})
	return registry
}

// New builds an unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Chain RPC requests segmented by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "reconnects_total",
			Help:      "Successful reconnections to the chain node.",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "ingested_total",
			Help:      "Events stored by ingestion segmented by kind and initial status.",
		}, []string{"kind", "status"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "removed_total",
			Help:      "Events deleted after a reorg segmented by the status they had reached.",
		}, []string{"status"}),
		promoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "promoted_total",
			Help:      "Events promoted to the dispatch queue by the confirmation gate.",
		}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handled_total",
			Help:      "Dispatched events segmented by kind and final outcome.",
		}, []string{"kind", "outcome"}),
		handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handle_duration_seconds",
			Help:      "Time spent applying one event to the ledger cache.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Events waiting in the dispatch queue.",
		}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "repairs_total",
			Help:      "Cache repairs made by the failed transaction monitor segmented by action.",
		}, []string{"action"}),
		headBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "head_block",
			Help:      "Latest block number observed by the confirmation gate.",
		}),
	}
}

// Collectors lists every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rpcRequests,
		m.rpcReconnects,
		m.ingested,
		m.removed,
		m.promoted,
		m.handled,
		m.handleLatency,
		m.queueDepth,
		m.repairs,
		m.headBlock,
	}
}

func (m *Metrics) ObserveRPC(method string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.rpcReconnects.Inc()
}

func (m *Metrics) RecordIngested(kind, status string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) RecordRemoved(status string) {
	if m == nil {
		return
	}
	m.removed.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordPromoted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.promoted.Add(float64(n))
}

// ObserveHandled records one dispatch pass. Outcome should be a stable
// string such as "processed", "failed" or "retried".
func (m *Metrics) ObserveHandled(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.handled.WithLabelValues(kind, outcome).Inc()
	m.handleLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) RecordRepair(action string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(action).Inc()
}

func (m *Metrics) SetHead(block uint64) {
	if m == nil {
		return
	}
	m.headBlock.Set(float64(block))
}
