package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/boardflow/pkg/api"
)

type recorder struct {
	msgs []api.ProbeMessage
}

func (r *recorder) Report(_ context.Context, msg api.ProbeMessage) {
	r.msgs = append(r.msgs, msg)
}

// events renders messages as "type(node)" or "type".
func (r *recorder) events() []string {
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		if id := m.NodeID(); id != "" && m.Type != api.ProbeGraphStart && m.Type != api.ProbeGraphEnd {
			out = append(out, string(m.Type)+"("+id+")")
			continue
		}
		out = append(out, string(m.Type))
	}
	return out
}

func testRegistry() *api.Registry {
	reg := api.NewRegistry()
	reg.Handle("passthrough", api.SimpleHandler(func(in api.InputValues) (api.OutputValues, error) {
		return in, nil
	}))
	reg.Handle("boom", api.SimpleHandler(func(api.InputValues) (api.OutputValues, error) {
		return nil, errors.New("boom")
	}))
	reg.Handle("answer", api.SimpleHandler(func(api.InputValues) (api.OutputValues, error) {
		return api.OutputValues{"value": 42}, nil
	}))
	return reg
}

func echoBoard() *api.GraphDescriptor {
	return &api.GraphDescriptor{
		Title: "echo",
		Nodes: []api.NodeDescriptor{
			{ID: "in", Type: api.NodeTypeInput},
			{ID: "p", Type: "passthrough"},
			{ID: "out", Type: api.NodeTypeOutput},
		},
		Edges: []api.Edge{
			{From: "in", Out: "text", To: "p", In: "text"},
			{From: "p", Out: "text", To: "out", In: "text"},
		},
	}
}

func resultTypes(results []api.HarnessResult) []api.ResultType {
	out := make([]api.ResultType, len(results))
	for i, r := range results {
		out[i] = r.Type
	}
	return out
}

func lastOutput(t *testing.T, results []api.HarnessResult) api.OutputValues {
	t.Helper()
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Type == api.ResultOutput {
			return results[i].Outputs
		}
	}
	t.Fatalf("no output result in %v", resultTypes(results))
	return nil
}

func TestRun_EchoScenario(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	h := New(Config{Registry: testRegistry(), Probe: rec})

	run, err := h.Start(ctx, RunConfig{Board: echoBoard()})
	require.NoError(t, err)

	first, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, []api.ResultType{api.ResultInput}, resultTypes(first))
	require.Equal(t, "in", first[0].Input.Node.ID)

	_, err = run.Next(ctx)
	require.ErrorIs(t, err, api.ErrInputRequired)

	require.NoError(t, run.Provide(api.InputValues{"text": "hi"}))
	rest, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, []api.ResultType{api.ResultOutput, api.ResultEnd}, resultTypes(rest))
	require.Equal(t, api.OutputValues{"text": "hi"}, rest[0].Outputs)

	require.Equal(t, []string{
		"graphstart",
		"nodestart(in)", "input(in)", "nodeend(in)",
		"nodestart(p)", "nodeend(p)",
		"nodestart(out)", "output(out)", "nodeend(out)",
		"graphend",
	}, rec.events())

	_, err = run.Next(ctx)
	require.ErrorIs(t, err, api.ErrRunComplete)
}

func TestRun_DiagnosticsYieldProbesBeforeResults(t *testing.T) {
	ctx := context.Background()
	h := New(Config{Registry: testRegistry()})

	run, err := h.Start(ctx, RunConfig{Board: echoBoard(), Diagnostics: DiagnosticsAll})
	require.NoError(t, err)

	first, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, []api.ResultType{api.ResultProbe, api.ResultProbe, api.ResultProbe, api.ResultInput}, resultTypes(first))
	require.Equal(t, api.ProbeInput, first[2].Probe.Type)

	require.NoError(t, run.Provide(api.InputValues{"text": "hi"}))
	rest, err := Collect(ctx, run)
	require.NoError(t, err)

	// output probe, output result, nodeend(out), graphend, end
	n := len(rest)
	require.Equal(t, api.ResultEnd, rest[n-1].Type)
	require.Equal(t, api.ProbeGraphEnd, rest[n-2].Probe.Type)
	require.Equal(t, api.ProbeNodeEnd, rest[n-3].Probe.Type)
	require.Equal(t, api.ResultOutput, rest[n-4].Type)
	require.Equal(t, api.ProbeOutput, rest[n-5].Probe.Type)
}

func TestRun_HandlerErrorEndsRunWithSingleError(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	h := New(Config{Registry: testRegistry(), Probe: rec})

	board := &api.GraphDescriptor{
		Nodes: []api.NodeDescriptor{
			{ID: "a", Type: "boom"},
			{ID: "b", Type: "passthrough"},
		},
		Edges: []api.Edge{{From: "a", Out: "x", To: "b", In: "x"}},
	}
	run, err := h.Start(ctx, RunConfig{Board: board})
	require.NoError(t, err)

	results, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, api.ResultError, results[0].Type)
	require.Equal(t, "boom", results[0].Error)

	nie, ok := api.IsNodeInvocationError(results[0].Err)
	require.True(t, ok)
	require.Equal(t, "a", nie.NodeID)

	require.NotContains(t, rec.events(), "nodestart(b)")
	require.Contains(t, rec.events(), "error(a)")

	snap, err := run.Snapshot()
	require.NoError(t, err)
	require.Equal(t, api.InvocationErrored, snap.Stack[0].Records[0].State)
}

func TestRun_ErrorPortWithoutConsumerFails(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry()
	reg.Handle("soft", api.SimpleHandler(func(api.InputValues) (api.OutputValues, error) {
		return api.OutputValues{api.PortError: map[string]any{"message": "bad input"}}, nil
	}))
	h := New(Config{Registry: reg})

	run, err := h.Start(ctx, RunConfig{Board: &api.GraphDescriptor{
		Nodes: []api.NodeDescriptor{{ID: "s", Type: "soft"}},
	}})
	require.NoError(t, err)
	results, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "bad input", results[0].Error)

	// With an edge consuming $error the value is just data.
	run, err = h.Start(ctx, RunConfig{Board: &api.GraphDescriptor{
		Nodes: []api.NodeDescriptor{
			{ID: "s", Type: "soft"},
			{ID: "out", Type: api.NodeTypeOutput},
		},
		Edges: []api.Edge{{From: "s", Out: api.PortError, To: "out", In: "problem"}},
	}})
	require.NoError(t, err)
	results, err = Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, api.OutputValues{"problem": map[string]any{"message": "bad input"}}, lastOutput(t, results))
}

func TestRun_PanicAndUnserializableOutputsBecomeErrors(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry()
	reg.Handle("panics", api.SimpleHandler(func(api.InputValues) (api.OutputValues, error) {
		panic("kaput")
	}))
	reg.Handle("chan", api.SimpleHandler(func(api.InputValues) (api.OutputValues, error) {
		return api.OutputValues{"c": make(chan int)}, nil
	}))
	h := New(Config{Registry: reg})

	for _, typ := range []string{"panics", "chan"} {
		t.Run(typ, func(t *testing.T) {
			run, err := h.Start(ctx, RunConfig{Board: &api.GraphDescriptor{
				Nodes: []api.NodeDescriptor{{ID: "n", Type: typ}},
			}})
			require.NoError(t, err)
			results, err := Collect(ctx, run)
			require.NoError(t, err)
			require.Len(t, results, 1)
			require.Equal(t, api.ResultError, results[0].Type)
			if typ == "chan" {
				var se *api.SerializationError
				require.ErrorAs(t, results[0].Err, &se)
				require.Equal(t, "n", se.NodeID)
			} else {
				require.Contains(t, results[0].Error, "kaput")
			}
		})
	}
}

func TestRun_SubGraphOutputsBecomeInvokerOutputs(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	h := New(Config{Registry: testRegistry(), Probe: rec})

	board := &api.GraphDescriptor{
		Nodes: []api.NodeDescriptor{
			{ID: "call", Type: "#inner", Configuration: api.InputValues{"x": 1}},
			{ID: "out", Type: api.NodeTypeOutput},
		},
		Edges: []api.Edge{{From: "call", Out: "value", To: "out", In: "value"}},
		Graphs: map[string]api.GraphDescriptor{
			"inner": {
				Nodes: []api.NodeDescriptor{
					{ID: "in", Type: api.NodeTypeInput},
					{ID: "calc", Type: "answer"},
					{ID: "result", Type: api.NodeTypeOutput},
				},
				Edges: []api.Edge{
					{From: "in", Out: "x", To: "calc", In: "x"},
					{From: "calc", Out: "value", To: "result", In: "value"},
				},
			},
		},
	}
	run, err := h.Start(ctx, RunConfig{Board: board})
	require.NoError(t, err)

	results, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, []api.ResultType{api.ResultOutput, api.ResultEnd}, resultTypes(results))
	require.Equal(t, api.OutputValues{"value": 42.0}, results[0].Outputs)

	snap, err := run.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Stack, 1)
	require.Equal(t, api.OutputValues{"value": 42.0}, snap.Stack[0].Records[0].Outputs)

	var inner []int
	for _, m := range rec.msgs {
		if m.Type == api.ProbeGraphStart && m.Graph == "inner" {
			inner = m.Path
		}
	}
	require.Equal(t, []int{1}, inner)
}

func TestRun_InvokeNodeWithBoardReference(t *testing.T) {
	ctx := context.Background()
	h := New(Config{Registry: testRegistry()})

	board := &api.GraphDescriptor{
		Nodes: []api.NodeDescriptor{
			{ID: "call", Type: api.NodeTypeInvoke, Configuration: api.InputValues{"$board": "#inner"}},
			{ID: "out", Type: api.NodeTypeOutput},
		},
		Edges: []api.Edge{{From: "call", Out: "value", To: "out", In: "value"}},
		Graphs: map[string]api.GraphDescriptor{
			"inner": {
				Nodes: []api.NodeDescriptor{
					{ID: "calc", Type: "answer"},
					{ID: "result", Type: api.NodeTypeOutput},
				},
				Edges: []api.Edge{{From: "calc", Out: "value", To: "result", In: "value"}},
			},
		},
	}
	run, err := h.Start(ctx, RunConfig{Board: board})
	require.NoError(t, err)
	results, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, api.OutputValues{"value": 42.0}, lastOutput(t, results))
}

func TestRun_PresuppliedInputsSkipSuspension(t *testing.T) {
	ctx := context.Background()
	h := New(Config{Registry: testRegistry()})

	run, err := h.Start(ctx, RunConfig{Board: echoBoard(), Inputs: api.InputValues{"text": "hi"}})
	require.NoError(t, err)
	results, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, []api.ResultType{api.ResultOutput, api.ResultEnd}, resultTypes(results))
}

// describedInput is an input node type that reports the values it expects.
type describedInput struct{}

func (describedInput) Invoke(_ context.Context, in api.InputValues, _ *api.NodeContext) (api.OutputValues, error) {
	return api.OutputValues(in), nil
}

func (describedInput) Describe(context.Context, api.InputValues) (api.Description, error) {
	return api.Description{OutputSchema: &api.Schema{
		Type:       "object",
		Properties: map[string]api.Schema{"text": {Type: "string"}},
		Required:   []string{"text"},
	}}, nil
}

func TestRun_InputRequestUsesDescribedSchema(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry()
	reg.Handle(api.NodeTypeInput, describedInput{})
	h := New(Config{Registry: reg})

	// Without the described schema any presupplied value would satisfy the node.
	run, err := h.Start(ctx, RunConfig{Board: echoBoard(), Inputs: api.InputValues{"other": 1}})
	require.NoError(t, err)
	results, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, []api.ResultType{api.ResultInput}, resultTypes(results))
	require.NotNil(t, results[0].Input.Schema)
	require.Equal(t, []string{"text"}, results[0].Input.Schema.Required)

	require.NoError(t, run.Provide(api.InputValues{"text": "hi"}))
	rest, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, api.OutputValues{"text": "hi"}, lastOutput(t, rest))
}

func TestRun_SchemaConfigurationWinsOverDescribe(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry()
	reg.Handle(api.NodeTypeInput, describedInput{})
	board := echoBoard()
	board.Nodes[0].Configuration = api.InputValues{"schema": map[string]any{
		"type":     "object",
		"required": []any{"other"},
	}}

	run, err := New(Config{Registry: reg}).Start(ctx, RunConfig{Board: board})
	require.NoError(t, err)
	results, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, []api.ResultType{api.ResultInput}, resultTypes(results))
	require.Equal(t, []string{"other"}, results[0].Input.Schema.Required)
}

func TestRun_StopAfterEndsEarly(t *testing.T) {
	ctx := context.Background()
	h := New(Config{Registry: testRegistry()})

	run, err := h.Start(ctx, RunConfig{
		Board:     echoBoard(),
		Inputs:    api.InputValues{"text": "hi"},
		StopAfter: "p",
	})
	require.NoError(t, err)
	results, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, []api.ResultType{api.ResultEnd}, resultTypes(results))
}

func TestRun_RestoreFromCheckpointMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry()

	var checkpoints []*api.ReanimationState
	h := New(Config{Registry: reg})
	run, err := h.Start(ctx, RunConfig{
		Board:  echoBoard(),
		Inputs: api.InputValues{"text": "hi"},
		Checkpoint: func(_ context.Context, s *api.ReanimationState) error {
			checkpoints = append(checkpoints, s)
			return nil
		},
	})
	require.NoError(t, err)
	full, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Len(t, checkpoints, 3)

	// Resume right after the input node completed.
	rec := &recorder{}
	restored, err := New(Config{Registry: reg, Probe: rec}).Start(ctx, RunConfig{
		Board: echoBoard(),
		State: checkpoints[0],
	})
	require.NoError(t, err)
	resumed, err := Collect(ctx, restored)
	require.NoError(t, err)

	require.Equal(t, lastOutput(t, full), lastOutput(t, resumed))
	require.NotContains(t, rec.events(), "graphstart")
	require.NotContains(t, rec.events(), "nodestart(in)")
}

func TestRun_RestoreWhileWaitingReissuesInputRequest(t *testing.T) {
	ctx := context.Background()
	h := New(Config{Registry: testRegistry()})

	run, err := h.Start(ctx, RunConfig{Board: echoBoard()})
	require.NoError(t, err)
	_, err = Collect(ctx, run)
	require.NoError(t, err)

	snap, err := run.Snapshot()
	require.NoError(t, err)
	run.Stop()

	again, err := h.Start(ctx, RunConfig{Board: echoBoard(), State: snap})
	require.NoError(t, err)
	results, err := Collect(ctx, again)
	require.NoError(t, err)
	require.Equal(t, []api.ResultType{api.ResultInput}, resultTypes(results))

	require.NoError(t, again.Provide(api.InputValues{"text": "later"}))
	rest, err := Collect(ctx, again)
	require.NoError(t, err)
	require.Equal(t, api.OutputValues{"text": "later"}, lastOutput(t, rest))
}

func TestRun_CheckpointErrorFailsRun(t *testing.T) {
	ctx := context.Background()
	h := New(Config{Registry: testRegistry()})
	run, err := h.Start(ctx, RunConfig{
		Board:  echoBoard(),
		Inputs: api.InputValues{"text": "hi"},
		Checkpoint: func(context.Context, *api.ReanimationState) error {
			return errors.New("disk full")
		},
	})
	require.NoError(t, err)
	results, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results[0].Error, "disk full")
}

func TestRun_CancelledContextStopsRun(t *testing.T) {
	h := New(Config{Registry: testRegistry()})
	run, err := h.Start(context.Background(), RunConfig{Board: echoBoard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = run.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)

	_, err = run.Next(context.Background())
	require.ErrorIs(t, err, api.ErrRunStopped)
	_, err = run.Snapshot()
	require.ErrorIs(t, err, api.ErrRunStopped)
}

func TestRun_InvokeGraphFromHandler(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry()
	inner := &api.GraphDescriptor{
		Nodes: []api.NodeDescriptor{
			{ID: "calc", Type: "answer"},
			{ID: "result", Type: api.NodeTypeOutput},
		},
		Edges: []api.Edge{{From: "calc", Out: "value", To: "result", In: "value"}},
	}
	reg.Handle("nested", api.HandlerFunc(func(ctx context.Context, _ api.InputValues, nc *api.NodeContext) (api.OutputValues, error) {
		return nc.InvokeGraph(ctx, inner, nil)
	}))
	rec := &recorder{}
	h := New(Config{Registry: reg, Probe: rec})

	run, err := h.Start(ctx, RunConfig{Board: &api.GraphDescriptor{
		Nodes: []api.NodeDescriptor{
			{ID: "n", Type: "nested"},
			{ID: "out", Type: api.NodeTypeOutput},
		},
		Edges: []api.Edge{{From: "n", Out: "value", To: "out", In: "value"}},
	}})
	require.NoError(t, err)
	results, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, api.OutputValues{"value": 42.0}, lastOutput(t, results))

	for _, m := range rec.msgs {
		if m.NodeID() == "calc" {
			require.Equal(t, []int{1, 1}, m.Path)
		}
	}
}

func TestStart_RejectsInvalidBoards(t *testing.T) {
	h := New(Config{})
	_, err := h.Start(context.Background(), RunConfig{Board: &api.GraphDescriptor{
		Nodes: []api.NodeDescriptor{{ID: "a", Type: "x"}},
		Edges: []api.Edge{{From: "a", Out: "o", To: "ghost", In: "i"}},
	}})
	_, ok := api.IsGraphStructureError(err)
	require.True(t, ok)

	_, err = h.Start(context.Background(), RunConfig{Board: echoBoard(), Start: "nope"})
	_, ok = api.IsGraphStructureError(err)
	require.True(t, ok)
}

func TestParseDiagnostics(t *testing.T) {
	for in, want := range map[string]Diagnostics{"": DiagnosticsNone, "false": DiagnosticsNone, "true": DiagnosticsAll, "top": DiagnosticsTop} {
		got, err := ParseDiagnostics(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseDiagnostics("loud")
	require.Error(t, err)
}
