package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/petrijr/boardflow/internal/ctxlog"
	"github.com/petrijr/boardflow/pkg/api"
)

// NodeTypeRunModule is the node type that runs a board module.
const NodeTypeRunModule = "runModule"

// RunModuleHandler implements the runModule node type: it looks up the module
// named by the "$module" input among the board's modules and runs it in
// Sandbox. A nil Registry means the registry of the run.
//
// Modules can reach the fetch and secrets handlers of reg (which may be
// proxied to a host), invoke graphs, report outputs, describe embedded graphs
// and use the run's file system. An "invoke" handler in reg replaces the
// built-in graph invocation.
type RunModuleHandler struct {
	Sandbox  Sandbox
	Registry *api.Registry
}

var _ api.NodeHandler = (*RunModuleHandler)(nil)

// Kit returns a kit registering the handler as runModule.
func (h *RunModuleHandler) Kit() api.Kit {
	return api.Kit{Name: "sandbox", Handlers: map[string]api.NodeHandler{NodeTypeRunModule: h}}
}

func (h *RunModuleHandler) Invoke(ctx context.Context, inputs api.InputValues, nc *api.NodeContext) (api.OutputValues, error) {
	moduleID, _ := inputs["$module"].(string)
	if moduleID == "" {
		return api.OutputValues{api.PortError: "runModule needs a $module input"}, nil
	}
	var board *api.GraphDescriptor
	if nc != nil {
		board = nc.Board
	}
	if board == nil || len(board.Modules) == 0 {
		return api.OutputValues{api.PortError: "unable to run module: no modules found within board"}, nil
	}
	spec, ok := board.Modules[moduleID]
	if !ok {
		return api.OutputValues{api.PortError: fmt.Sprintf("unable to run module: unknown module %q", moduleID)}, nil
	}

	args := maps.Clone(inputs)
	delete(args, "$module")

	caps := h.capabilities(nc)
	start := time.Now()
	out := h.Sandbox.Run(ctx, moduleID, spec, args, caps)
	ctxlog.FromContext(ctx).DebugContext(ctx, "module_finished",
		slog.String("module", moduleID),
		slog.Bool("ok", out.OK()),
		slog.Duration("duration", time.Since(start)))

	if !out.OK() {
		return api.OutputValues{api.PortError: out.Err}, nil
	}
	return out.Value, nil
}

func (h *RunModuleHandler) capabilities(nc *api.NodeContext) *Capabilities {
	caps := NewCapabilities(nc.Probe, nc.Path)
	reg := h.Registry
	if reg == nil {
		reg = nc.Registry
	}
	caps.Add(CapInvoke, invokeCapability(nc))
	for _, name := range []string{CapFetch, CapSecrets, CapInvoke} {
		if handler, ok := reg.Handler(name); ok {
			caps.Add(name, HandlerCapability(handler, nc, name))
		}
	}
	caps.Add(CapOutput, outputCapability(nc))
	caps.Add(CapDescribe, describeCapability(nc))
	caps.FileCapabilities(nc.Files)
	return caps
}

// invokeCapability runs the graph named by "$board" through the harness and
// returns its first output. "$board" is either "#id" of a graph embedded in
// the board or an inline descriptor. The remaining args are its inputs.
func invokeCapability(nc *api.NodeContext) Capability {
	return func(ctx context.Context, args api.InputValues, _ []int) (api.OutputValues, error) {
		if nc.InvokeGraph == nil {
			return nil, errors.New("unable to invoke: graphs cannot be invoked here")
		}
		g, err := resolveBoard(nc.Board, args["$board"])
		if err != nil {
			return nil, fmt.Errorf("unable to invoke: %w", err)
		}
		inputs := maps.Clone(args)
		delete(inputs, "$board")
		return nc.InvokeGraph(ctx, g, inputs)
	}
}

func resolveBoard(board *api.GraphDescriptor, ref any) (*api.GraphDescriptor, error) {
	switch v := ref.(type) {
	case nil:
		return nil, errors.New("no $board given")
	case string:
		if board == nil {
			return nil, fmt.Errorf("%s: no board to resolve against", v)
		}
		g, ok := board.SubGraph(v)
		if !ok {
			return nil, fmt.Errorf("%s is not a graph of this board", v)
		}
		return g, nil
	case *api.GraphDescriptor:
		return v, nil
	case api.GraphDescriptor:
		return &v, nil
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return nil, err
	}
	return api.ParseGraph(data)
}

func outputCapability(nc *api.NodeContext) Capability {
	return func(ctx context.Context, args api.InputValues, path []int) (api.OutputValues, error) {
		if nc.Probe == nil {
			return api.OutputValues{"delivered": false}, nil
		}
		values := maps.Clone(args)
		delete(values, api.PortSchema)
		delete(values, "$metadata")
		node := api.NodeDescriptor{ID: "output-from-module", Type: api.NodeTypeOutput}
		nc.Probe.Report(ctx, api.ProbeMessage{
			Type:      api.ProbeOutput,
			Path:      path,
			Node:      &node,
			Outputs:   values,
			Timestamp: time.Now(),
		})
		return api.OutputValues{"delivered": true}, nil
	}
}

// describeCapability reports the input and output schemas of an embedded
// graph, read from the schema configuration of its input and output nodes.
func describeCapability(nc *api.NodeContext) Capability {
	return func(ctx context.Context, args api.InputValues, _ []int) (api.OutputValues, error) {
		url, ok := args["url"].(string)
		if !ok {
			return api.OutputValues{api.PortError: fmt.Sprintf("unable to describe: %v is not a string", args["url"])}, nil
		}
		if nc.Board == nil {
			return api.OutputValues{api.PortError: "unable to describe: no board"}, nil
		}
		g, ok := nc.Board.SubGraph(url)
		if !ok {
			return api.OutputValues{api.PortError: fmt.Sprintf("unable to describe: %s is not inspectable", url)}, nil
		}
		return api.OutputValues{
			"inputSchema":  portSchema(g, api.NodeTypeInput),
			"outputSchema": portSchema(g, api.NodeTypeOutput),
		}, nil
	}
}

func portSchema(g *api.GraphDescriptor, nodeType string) map[string]any {
	props := map[string]any{}
	var required []any
	for _, n := range g.Nodes {
		if n.Type != nodeType {
			continue
		}
		s := api.SchemaFromValues(n.Configuration)
		if s == nil {
			continue
		}
		for name, p := range s.Properties {
			props[name] = p
		}
		for _, r := range s.Required {
			required = append(required, r)
		}
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}
