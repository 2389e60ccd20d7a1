package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/boardflow/pkg/api"
)

// PrometheusMetrics holds the collectors shared by every run. Runs report
// through a probe from Probe.
type PrometheusMetrics struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	nodes        *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	skipped      prometheus.Counter
}

// NewPrometheusMetrics registers the collectors on reg under namespace.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) (*PrometheusMetrics, error) {
	if namespace == "" {
		namespace = "boardflow"
	}
	m := &PrometheusMetrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Board runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Board runs finished, by outcome.",
		}, []string{"outcome"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_invocations_total",
			Help:      "Node invocations, by node type.",
		}, []string{"type"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node invocation latency, by node type.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"type"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_skipped_total",
			Help:      "Nodes reported as skipped for missing inputs.",
		}),
	}
	for _, c := range []prometheus.Collector{m.runsStarted, m.runsFinished, m.nodes, m.nodeDuration, m.skipped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Probe returns a probe for a single run.
func (m *PrometheusMetrics) Probe() api.Probe {
	return &prometheusProbe{m: m, started: make(map[string]time.Time)}
}

type prometheusProbe struct {
	m *PrometheusMetrics

	mu      sync.Mutex
	started map[string]time.Time
}

func (p *prometheusProbe) Report(_ context.Context, msg api.ProbeMessage) {
	switch msg.Type {
	case api.ProbeGraphStart:
		if len(msg.Path) == 0 {
			p.m.runsStarted.Inc()
		}
	case api.ProbeGraphEnd:
		if len(msg.Path) == 0 {
			p.m.runsFinished.WithLabelValues("completed").Inc()
		}
	case api.ProbeError:
		p.m.runsFinished.WithLabelValues("failed").Inc()
	case api.ProbeSkip:
		p.m.skipped.Inc()
	case api.ProbeNodeStart:
		p.m.nodes.WithLabelValues(typeOf(msg)).Inc()
		p.mu.Lock()
		p.started[api.PathKey(msg.Path)] = msg.Timestamp
		p.mu.Unlock()
	case api.ProbeNodeEnd:
		key := api.PathKey(msg.Path)
		p.mu.Lock()
		at, ok := p.started[key]
		delete(p.started, key)
		p.mu.Unlock()
		if ok {
			p.m.nodeDuration.WithLabelValues(typeOf(msg)).Observe(msg.Timestamp.Sub(at).Seconds())
		}
	}
}

func typeOf(msg api.ProbeMessage) string {
	if msg.Node == nil {
		return ""
	}
	return msg.Node.Type
}
