// Package telemetry exports run probes to OpenTelemetry and Prometheus.
package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/boardflow/pkg/api"
)

const instrumentationName = "github.com/petrijr/boardflow"

// TracingProbe turns probe messages into spans. A run becomes a root span and
// every node invocation a child of the closest enclosing invocation, keyed
// by invocation path.
type TracingProbe struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	failures    metric.Int64Counter

	mu    sync.Mutex
	root  trace.Span
	rctx  context.Context
	spans map[string]openSpan
}

type openSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewTracingProbe creates a probe for one run. Nil providers fall back to
// the global ones.
func NewTracingProbe(tp trace.TracerProvider, mp metric.MeterProvider) (*TracingProbe, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	invocations, err := meter.Int64Counter("boardflow.node.invocations",
		metric.WithDescription("Node invocations started"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("boardflow.node.failures",
		metric.WithDescription("Runs ended by a failure"))
	if err != nil {
		return nil, err
	}
	return &TracingProbe{
		tracer:      tp.Tracer(instrumentationName),
		invocations: invocations,
		failures:    failures,
		spans:       make(map[string]openSpan),
	}, nil
}

var _ api.Probe = (*TracingProbe)(nil)

func (p *TracingProbe) Report(ctx context.Context, msg api.ProbeMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := api.PathKey(msg.Path)
	switch msg.Type {
	case api.ProbeGraphStart:
		if len(msg.Path) == 0 {
			if p.root != nil {
				return
			}
			p.rctx, p.root = p.tracer.Start(ctx, "board "+msg.Graph,
				trace.WithAttributes(attribute.String("boardflow.board", msg.Graph)))
			return
		}
		if s, ok := p.spans[key]; ok {
			s.span.AddEvent("graph.enter", trace.WithAttributes(attribute.String("boardflow.graph", msg.Graph)))
		}

	case api.ProbeNodeStart:
		parent := p.parent(ctx, msg.Path)
		attrs := []attribute.KeyValue{
			attribute.String("boardflow.path", key),
			attribute.String("boardflow.node.id", msg.NodeID()),
		}
		name := "node " + msg.NodeID()
		if msg.Node != nil {
			attrs = append(attrs, attribute.String("boardflow.node.type", msg.Node.Type))
		}
		sctx, span := p.tracer.Start(parent, name, trace.WithAttributes(attrs...))
		p.spans[key] = openSpan{ctx: sctx, span: span}
		p.invocations.Add(ctx, 1, metric.WithAttributes(nodeType(msg)))

	case api.ProbeNodeEnd:
		if s, ok := p.spans[key]; ok {
			s.span.End()
			delete(p.spans, key)
		}

	case api.ProbeInput, api.ProbeOutput, api.ProbeSkip:
		if s, ok := p.spans[key]; ok {
			s.span.AddEvent(string(msg.Type))
		} else if p.root != nil {
			p.root.AddEvent(string(msg.Type), trace.WithAttributes(attribute.String("boardflow.path", key)))
		}

	case api.ProbeError:
		err := errors.New(msg.Error)
		p.failures.Add(ctx, 1, metric.WithAttributes(nodeType(msg)))
		if s, ok := p.spans[key]; ok {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, msg.Error)
		}
		p.endAll(err)

	case api.ProbeGraphEnd:
		if len(msg.Path) == 0 {
			p.endAll(nil)
		}
	}
}

// parent returns the context of the closest open ancestor invocation.
func (p *TracingProbe) parent(ctx context.Context, path []int) context.Context {
	for n := len(path) - 1; n > 0; n-- {
		if s, ok := p.spans[api.PathKey(path[:n])]; ok {
			return s.ctx
		}
	}
	if p.rctx != nil {
		return p.rctx
	}
	return ctx
}

func (p *TracingProbe) endAll(err error) {
	for key, s := range p.spans {
		s.span.End()
		delete(p.spans, key)
	}
	if p.root == nil {
		return
	}
	if err != nil {
		p.root.RecordError(err)
		p.root.SetStatus(codes.Error, err.Error())
	}
	p.root.End()
	p.root = nil
	p.rctx = nil
}

func nodeType(msg api.ProbeMessage) attribute.KeyValue {
	if msg.Node == nil {
		return attribute.String("boardflow.node.type", "")
	}
	return attribute.String("boardflow.node.type", strings.ToLower(msg.Node.Type))
}
