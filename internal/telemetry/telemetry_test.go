package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petrijr/boardflow/internal/harness"
	"github.com/petrijr/boardflow/pkg/api"
)

func testRegistry() *api.Registry {
	reg := api.NewRegistry()
	reg.Handle("passthrough", api.SimpleHandler(func(in api.InputValues) (api.OutputValues, error) {
		return in, nil
	}))
	reg.Handle("boom", api.SimpleHandler(func(api.InputValues) (api.OutputValues, error) {
		return nil, errors.New("boom")
	}))
	return reg
}

func board(middle string) *api.GraphDescriptor {
	return &api.GraphDescriptor{
		Title: "t",
		Nodes: []api.NodeDescriptor{
			{ID: "in", Type: api.NodeTypeInput},
			{ID: "mid", Type: middle},
			{ID: "out", Type: api.NodeTypeOutput},
		},
		Edges: []api.Edge{
			{From: "in", Out: "text", To: "mid", In: "text"},
			{From: "mid", Out: "text", To: "out", In: "text"},
		},
	}
}

func drive(t *testing.T, probe api.Probe, b *api.GraphDescriptor) []api.HarnessResult {
	t.Helper()
	ctx := context.Background()
	h := harness.New(harness.Config{Registry: testRegistry(), Probe: probe})
	run, err := h.Start(ctx, harness.RunConfig{Board: b, Inputs: api.InputValues{"text": "hi"}})
	require.NoError(t, err)
	results, err := harness.Collect(ctx, run)
	require.NoError(t, err)
	return results
}

func TestTracingProbe_SpansPerInvocation(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	probe, err := NewTracingProbe(tp, mp)
	require.NoError(t, err)
	drive(t, probe, board("passthrough"))

	spans := sr.Ended()
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}
	require.ElementsMatch(t, []string{"node in", "node mid", "node out", "board t"}, names)

	var root sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.Name() == "board t" {
			root = s
		}
	}
	for _, s := range spans {
		if s.Name() != "board t" {
			require.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID(), s.Name())
		}
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "boardflow.node.invocations" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	require.Equal(t, int64(3), total)
}

func TestTracingProbe_RecordsFailure(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	probe, err := NewTracingProbe(tp, nil)
	require.NoError(t, err)
	results := drive(t, probe, board("boom"))
	require.Equal(t, api.ResultError, results[len(results)-1].Type)

	var failed []string
	for _, s := range sr.Ended() {
		if s.Status().Code == codes.Error {
			failed = append(failed, s.Name())
		}
	}
	require.ElementsMatch(t, []string{"node mid", "board t"}, failed)
}

func TestPrometheusMetrics_CountsRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg, "bf")
	require.NoError(t, err)

	drive(t, m.Probe(), board("passthrough"))
	drive(t, m.Probe(), board("boom"))

	require.Equal(t, 2.0, testutil.ToFloat64(m.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.nodes.WithLabelValues("passthrough")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.nodes.WithLabelValues("boom")))
	require.Equal(t, 3, testutil.CollectAndCount(m.nodeDuration, "bf_node_duration_seconds"))

	_, err = NewPrometheusMetrics(reg, "bf")
	require.Error(t, err)
}
