package api

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeType identifies a diagnostic message.
type ProbeType string

const (
	ProbeGraphStart ProbeType = "graphstart"
	ProbeGraphEnd   ProbeType = "graphend"
	ProbeNodeStart  ProbeType = "nodestart"
	ProbeNodeEnd    ProbeType = "nodeend"
	ProbeInput      ProbeType = "input"
	ProbeOutput     ProbeType = "output"
	ProbeError      ProbeType = "error"
	ProbeSkip       ProbeType = "skip"
)

// ProbeMessage is one diagnostic event. Path is the invocation path of the
// node (or graph) the message is about.
type ProbeMessage struct {
	Type          ProbeType       `json:"type"`
	Path          []int           `json:"path"`
	Node          *NodeDescriptor `json:"node,omitempty"`
	Graph         string          `json:"graph,omitempty"`
	Inputs        InputValues     `json:"inputs,omitempty"`
	Outputs       OutputValues    `json:"outputs,omitempty"`
	MissingInputs []string        `json:"missingInputs,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NodeID returns the id of the node the message refers to, if any.
func (m ProbeMessage) NodeID() string {
	if m.Node == nil {
		return ""
	}
	return m.Node.ID
}

// Probe receives diagnostic messages from a run.
//
// Report is fire-and-forget. Implementations must not block the run and
// cannot influence control flow.
type Probe interface {
	Report(ctx context.Context, msg ProbeMessage)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, msg ProbeMessage)

func (f ProbeFunc) Report(ctx context.Context, msg ProbeMessage) { f(ctx, msg) }

// NoopProbe discards every message.
type NoopProbe struct{}

func (NoopProbe) Report(ctx context.Context, msg ProbeMessage) {}

// CompositeProbe fans out messages to multiple probes.
type CompositeProbe struct {
	probes []Probe
}

// NewCompositeProbe creates a Probe that forwards messages to each non-nil
// probe in ps.
func NewCompositeProbe(ps ...Probe) Probe {
	filtered := make([]Probe, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return NoopProbe{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeProbe{probes: filtered}
}

func (c *CompositeProbe) Report(ctx context.Context, msg ProbeMessage) {
	for _, p := range c.probes {
		p.Report(ctx, msg)
	}
}

// Broadcaster is a Probe with a dynamic subscriber list.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id    int
	probe Probe
}

// Subscribe adds p and returns a function removing it again.
func (b *Broadcaster) Subscribe(p Probe) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, probe: p})
	return func() { b.unsubscribe(id) }
}

func (b *Broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s subscriber) bool { return s.id == id })
}

func (b *Broadcaster) Report(ctx context.Context, msg ProbeMessage) {
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		s.probe.Report(ctx, msg)
	}
}

// LoggingProbe writes structured logs using log/slog.
type LoggingProbe struct {
	Logger *slog.Logger
}

// NewLoggingProbe creates a Probe that logs run lifecycle messages using the
// provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingProbe(logger *slog.Logger) Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingProbe{Logger: logger}
}

func (p *LoggingProbe) Report(ctx context.Context, msg ProbeMessage) {
	attrs := []any{
		slog.String("type", string(msg.Type)),
		slog.Any("path", msg.Path),
	}
	if msg.Node != nil {
		attrs = append(attrs,
			slog.String("node", msg.Node.ID),
			slog.String("node_type", msg.Node.Type),
		)
	}
	if msg.Graph != "" {
		attrs = append(attrs, slog.String("graph", msg.Graph))
	}

	switch msg.Type {
	case ProbeError:
		attrs = append(attrs, slog.String("error", msg.Error))
		p.Logger.ErrorContext(ctx, "probe", attrs...)
	case ProbeSkip:
		attrs = append(attrs, slog.Any("missing_inputs", msg.MissingInputs))
		p.Logger.DebugContext(ctx, "probe", attrs...)
	case ProbeGraphStart, ProbeGraphEnd:
		p.Logger.InfoContext(ctx, "probe", attrs...)
	default:
		p.Logger.DebugContext(ctx, "probe", attrs...)
	}
}

// BasicMetrics collects simple counters and aggregate node durations.
// It implements Probe, and can be combined with LoggingProbe via
// NewCompositeProbe.
type BasicMetrics struct {
	graphsStarted   atomic.Int64
	graphsCompleted atomic.Int64
	nodesStarted    atomic.Int64
	nodesCompleted  atomic.Int64
	nodesSkipped    atomic.Int64
	errors          atomic.Int64
	totalNodeTime   atomic.Int64 // nanoseconds

	mu      sync.Mutex
	started map[string]time.Time
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	GraphsStarted   int64
	GraphsCompleted int64
	NodesStarted    int64
	NodesCompleted  int64
	NodesSkipped    int64
	Errors          int64
	AvgNodeDuration time.Duration
}

func (m *BasicMetrics) Report(ctx context.Context, msg ProbeMessage) {
	switch msg.Type {
	case ProbeGraphStart:
		m.graphsStarted.Add(1)
	case ProbeGraphEnd:
		m.graphsCompleted.Add(1)
	case ProbeNodeStart:
		m.nodesStarted.Add(1)
		m.mu.Lock()
		if m.started == nil {
			m.started = make(map[string]time.Time)
		}
		m.started[PathKey(msg.Path)] = msg.Timestamp
		m.mu.Unlock()
	case ProbeNodeEnd:
		m.nodesCompleted.Add(1)
		m.mu.Lock()
		if at, ok := m.started[PathKey(msg.Path)]; ok {
			m.totalNodeTime.Add(msg.Timestamp.Sub(at).Nanoseconds())
			delete(m.started, PathKey(msg.Path))
		}
		m.mu.Unlock()
	case ProbeSkip:
		m.nodesSkipped.Add(1)
	case ProbeError:
		m.errors.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	completed := m.nodesCompleted.Load()
	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(m.totalNodeTime.Load() / completed)
	}
	return BasicMetricsSnapshot{
		GraphsStarted:   m.graphsStarted.Load(),
		GraphsCompleted: m.graphsCompleted.Load(),
		NodesStarted:    m.nodesStarted.Load(),
		NodesCompleted:  completed,
		NodesSkipped:    m.nodesSkipped.Load(),
		Errors:          m.errors.Load(),
		AvgNodeDuration: avg,
	}
}
