package harness

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/boardflow/internal/sandbox"
	"github.com/petrijr/boardflow/pkg/api"
)

func TestRun_RunModuleNodeUsesCapabilities(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry()
	reg.Handle(sandbox.CapSecrets, api.SimpleHandler(func(api.InputValues) (api.OutputValues, error) {
		return api.OutputValues{"KEY": "k"}, nil
	}))
	sb := sandbox.NewFuncSandbox(map[string]sandbox.Module{
		"calc": func(ctx context.Context, in api.InputValues, caps *sandbox.Capabilities) (api.OutputValues, error) {
			answer, err := caps.Invoke(ctx, sandbox.CapInvoke, api.InputValues{"$board": "#inner", "x": in["n"]}).Unwrap()
			if err != nil {
				return nil, err
			}
			secret, err := caps.Invoke(ctx, sandbox.CapSecrets, api.InputValues{"keys": []any{"KEY"}}).Unwrap()
			if err != nil {
				return nil, err
			}
			n, _ := in["n"].(float64)
			value, _ := answer["value"].(float64)
			return api.OutputValues{"value": value + n, "key": secret["KEY"]}, nil
		},
	})
	reg.Register((&sandbox.RunModuleHandler{Sandbox: sb}).Kit())

	board := &api.GraphDescriptor{
		Nodes: []api.NodeDescriptor{
			{ID: "in", Type: api.NodeTypeInput},
			{ID: "mod", Type: sandbox.NodeTypeRunModule, Configuration: api.InputValues{"$module": "calc"}},
			{ID: "out", Type: api.NodeTypeOutput},
		},
		Edges: []api.Edge{
			{From: "in", Out: "n", To: "mod", In: "n"},
			{From: "mod", Out: "*", To: "out"},
		},
		Graphs: map[string]api.GraphDescriptor{
			"inner": {
				Nodes: []api.NodeDescriptor{
					{ID: "start", Type: api.NodeTypeInput},
					{ID: "calc", Type: "answer"},
					{ID: "result", Type: api.NodeTypeOutput},
				},
				Edges: []api.Edge{
					{From: "start", Out: "x", To: "calc", In: "x"},
					{From: "calc", Out: "value", To: "result", In: "value"},
				},
			},
		},
		Modules: map[string]api.ModuleSpec{"calc": {Code: "calc"}},
	}

	rec := &recorder{}
	run, err := New(Config{Registry: reg, Probe: rec}).Start(ctx, RunConfig{Board: board, Inputs: api.InputValues{"n": 1}})
	require.NoError(t, err)
	results, err := Collect(ctx, run)
	require.NoError(t, err)
	require.Equal(t, api.OutputValues{"value": 43.0, "key": "k"}, lastOutput(t, results))

	events := rec.events()
	order := []string{
		"nodestart(mod)",
		"nodestart(invoke-called-from-module)",
		"nodestart(calc)",
		"nodeend(invoke-called-from-module)",
		"nodestart(secrets-called-from-module)",
		"nodeend(secrets-called-from-module)",
		"nodeend(mod)",
	}
	last := -1
	for _, ev := range order {
		i := slices.Index(events, ev)
		require.Greater(t, i, last, "%s out of order in %v", ev, events)
		last = i
	}

	for _, m := range rec.msgs {
		if m.NodeID() == "secrets-called-from-module" {
			require.Equal(t, []int{2, 2}, m.Path)
		}
	}
}
