package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/petrijr/boardflow/internal/ctxlog"
	"github.com/petrijr/boardflow/internal/runstate"
	"github.com/petrijr/boardflow/internal/traversal"
	"github.com/petrijr/boardflow/pkg/api"
)

type phase int

const (
	phaseRunning phase = iota
	phaseAwaitInput
	phaseDone
	phaseStopped
)

// localRun executes a board in-process.
type localRun struct {
	h      *Harness
	cfg    RunConfig
	root   *api.GraphDescriptor
	mgr    *runstate.Manager
	probe  api.Probe
	logger *slog.Logger
	memory *api.RunMemory
	files  api.FileSystem

	phase    phase
	started  bool
	buf      []api.HarnessResult
	provided api.InputValues
}

var _ Run = (*localRun)(nil)

func (h *Harness) startLocal(rc RunConfig, probe api.Probe) (*localRun, error) {
	r := &localRun{
		h:      h,
		cfg:    rc,
		root:   rc.Board,
		probe:  api.NewCompositeProbe(probe, rc.Probe),
		logger: h.logger,
		memory: api.NewRunMemory(),
		files:  h.files(),
	}
	if rc.State != nil {
		mgr, err := runstate.FromSnapshot(rc.State)
		if err != nil {
			return nil, err
		}
		r.mgr = mgr
		r.started = true
	} else {
		r.mgr = runstate.New()
	}
	return r, nil
}

func (r *localRun) Next(ctx context.Context) (api.HarnessResult, error) {
	for len(r.buf) == 0 {
		switch r.phase {
		case phaseDone:
			return api.HarnessResult{}, api.ErrRunComplete
		case phaseStopped:
			return api.HarnessResult{}, api.ErrRunStopped
		}
		if err := ctx.Err(); err != nil {
			r.Stop()
			return api.HarnessResult{}, err
		}
		if r.phase == phaseAwaitInput {
			if r.provided == nil {
				return api.HarnessResult{}, api.ErrInputRequired
			}
			if err := r.answerInput(ctx); err != nil {
				return api.HarnessResult{}, err
			}
			continue
		}
		if err := r.advance(ctx); err != nil {
			return api.HarnessResult{}, err
		}
	}
	res := r.buf[0]
	r.buf = r.buf[1:]
	return res, nil
}

func (r *localRun) Provide(inputs api.InputValues) error {
	if r.phase != phaseAwaitInput {
		return api.ErrNoPendingInput
	}
	cp, err := api.CloneValues(inputs)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = api.InputValues{}
	}
	r.provided = cp
	return nil
}

func (r *localRun) Snapshot() (*api.ReanimationState, error) {
	if r.mgr == nil {
		return nil, api.ErrRunStopped
	}
	return r.mgr.Snapshot()
}

func (r *localRun) Stop() {
	r.phase = phaseStopped
	r.mgr = nil
	r.buf = nil
	r.provided = nil
}

// advance performs one traversal step. Only cancellation is returned as an
// error; every other failure becomes an error result.
func (r *localRun) advance(ctx context.Context) error {
	if !r.started {
		r.started = true
		r.emit(ctx, api.ProbeMessage{Type: api.ProbeGraphStart, Path: []int{}, Graph: r.root.Title})
	}

	g, err := r.currentGraph()
	if err != nil {
		r.fail(ctx, nil, err)
		return nil
	}

	opts := traversal.Options{IsRemote: r.h.registry.IsRemote}
	if r.mgr.Depth() == 1 {
		opts.Start = r.cfg.Start
	}
	res, err := traversal.Step(g, r.mgr, opts)
	for _, s := range res.Skipped {
		node := s.Node
		r.emit(ctx, api.ProbeMessage{
			Type:          api.ProbeSkip,
			Path:          slices.Clone(r.mgr.Top().Path),
			Node:          &node,
			MissingInputs: s.MissingInputs,
		})
	}
	if err != nil {
		r.fail(ctx, nil, err)
		return nil
	}

	switch res.Kind {
	case traversal.Done:
		r.finishFrame(ctx, r.frameOutputs())
		return nil
	case traversal.WaitingForInput:
		r.requestInput(ctx, g, res.Invocation)
		return nil
	default:
		return r.invoke(ctx, g, res.Invocation)
	}
}

// currentGraph resolves the graph of the innermost frame.
func (r *localRun) currentGraph() (*api.GraphDescriptor, error) {
	g := r.root
	for _, f := range r.mgr.Frames()[1:] {
		sub, ok := g.Graphs[f.Graph]
		if !ok {
			sub, ok = r.root.Graphs[f.Graph]
		}
		if !ok {
			return nil, &api.GraphStructureError{Problems: []string{fmt.Sprintf("unknown graph %q on the stack", f.Graph)}}
		}
		g = &sub
	}
	return g, nil
}

func (r *localRun) begin(ctx context.Context, inv *api.NodeInvocation) {
	if inv.State != api.InvocationReady {
		return
	}
	node := inv.Node
	r.emit(ctx, api.ProbeMessage{
		Type:   api.ProbeNodeStart,
		Path:   slices.Clone(inv.Path),
		Node:   &node,
		Inputs: maps.Clone(inv.Inputs),
	})
	_ = r.mgr.Start(node.ID)
}

func (r *localRun) requestInput(ctx context.Context, g *api.GraphDescriptor, inv *api.NodeInvocation) {
	r.begin(ctx, inv)

	schema := api.SchemaFromValues(inv.Inputs)
	if schema == nil {
		schema = r.describeInput(ctx, inv)
	}
	req := &api.InputRequest{
		Node:   inv.Node,
		Inputs: maps.Clone(inv.Inputs),
		Schema: schema,
		Path:   slices.Clone(inv.Path),
	}
	node := inv.Node
	r.emit(ctx, api.ProbeMessage{Type: api.ProbeInput, Path: slices.Clone(inv.Path), Node: &node, Inputs: maps.Clone(inv.Inputs)})

	if r.mgr.Depth() > 1 {
		if seed := r.mgr.Top().Seed; schema.Satisfied(seed) {
			r.complete(ctx, g, inv, seed)
			return
		}
	}
	if len(r.cfg.Inputs) > 0 && schema.Satisfied(r.cfg.Inputs) {
		r.complete(ctx, g, inv, r.cfg.Inputs)
		return
	}

	r.phase = phaseAwaitInput
	r.buf = append(r.buf, api.HarnessResult{Type: api.ResultInput, Input: req, Node: &req.Node, Path: req.Path})
}

// describeInput asks the handler registered for the node type for the schema
// of the values an input node without a schema will emit.
func (r *localRun) describeInput(ctx context.Context, inv *api.NodeInvocation) *api.Schema {
	h, ok := r.h.registry.Handler(inv.Node.Type)
	if !ok {
		return nil
	}
	d, ok := h.(api.Describer)
	if !ok {
		return nil
	}
	desc, err := d.Describe(ctx, maps.Clone(inv.Inputs))
	if err != nil {
		r.logger.Warn("describe_failed", slog.String("node", inv.Node.ID), slog.Any("error", err))
		return nil
	}
	if desc.OutputSchema != nil {
		return desc.OutputSchema
	}
	return desc.InputSchema
}

func (r *localRun) answerInput(ctx context.Context) error {
	values := r.provided
	r.provided = nil
	r.phase = phaseRunning

	g, err := r.currentGraph()
	if err != nil {
		r.fail(ctx, nil, err)
		return nil
	}
	inv, ok := r.mgr.Pending()
	if !ok {
		r.fail(ctx, nil, &api.InvariantViolation{Message: "input provided but no invocation is pending"})
		return nil
	}
	r.complete(ctx, g, inv, values)
	return nil
}

func (r *localRun) invoke(ctx context.Context, g *api.GraphDescriptor, inv *api.NodeInvocation) error {
	r.begin(ctx, inv)
	node := inv.Node

	if node.Type == api.NodeTypeOutput {
		outputs := api.MergeValues(inv.Inputs)
		delete(outputs, api.PortSchema)
		if r.mgr.Depth() > 1 {
			// frameOutputs reads these back after a restore.
			r.complete(ctx, g, inv, outputs)
			if r.phase == phaseRunning {
				r.finishFrame(ctx, outputs)
			}
			return nil
		}
		r.emit(ctx, api.ProbeMessage{Type: api.ProbeOutput, Path: slices.Clone(inv.Path), Node: &node, Outputs: outputs})
		r.buf = append(r.buf, api.HarnessResult{Type: api.ResultOutput, Node: &node, Outputs: outputs, Path: slices.Clone(inv.Path)})
		r.complete(ctx, g, inv, api.OutputValues{})
		return nil
	}

	if ref, seed, ok := subGraphCall(node, inv.Inputs); ok {
		r.mgr.PushFrame(ref, node.ID, inv.Path, seed)
		r.emit(ctx, api.ProbeMessage{Type: api.ProbeGraphStart, Path: slices.Clone(inv.Path), Node: &node, Graph: ref})
		return nil
	}

	handler, ok := r.h.registry.Handler(node.Type)
	if !ok {
		r.fail(ctx, inv, fmt.Errorf("no handler for node type %q", node.Type))
		return nil
	}

	outputs, err := r.call(ctx, handler, inv)
	if err != nil {
		if ctx.Err() != nil {
			r.Stop()
			return ctx.Err()
		}
		r.fail(ctx, inv, err)
		return nil
	}
	if msg, ok := outputs[api.PortError]; ok && !consumesError(g, node.ID) {
		r.fail(ctx, inv, errors.New(errorText(msg)))
		return nil
	}
	r.complete(ctx, g, inv, outputs)
	return nil
}

func (r *localRun) call(ctx context.Context, handler api.NodeHandler, inv *api.NodeInvocation) (out api.OutputValues, err error) {
	logger := r.logger.With(slog.String("node", inv.Node.ID), slog.String("node_type", inv.Node.Type))
	nc := &api.NodeContext{
		Descriptor: inv.Node,
		Board:      r.root,
		Path:       slices.Clone(inv.Path),
		Memory:     r.memory,
		Files:      r.files,
		Logger:     logger,
		Probe:      r.probe,
		Registry:   r.h.registry,
		InvokeGraph: func(ctx context.Context, graph *api.GraphDescriptor, inputs api.InputValues) (api.OutputValues, error) {
			return r.invokeGraph(ctx, graph, inputs, inv.Path)
		},
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler.Invoke(ctxlog.WithLogger(ctx, logger), maps.Clone(inv.Inputs), nc)
}

// invokeGraph runs graph to its first output on behalf of a handler. Probe
// messages of the nested run are reported under the caller's path.
func (r *localRun) invokeGraph(ctx context.Context, graph *api.GraphDescriptor, inputs api.InputValues, path []int) (api.OutputValues, error) {
	if graph == nil {
		return nil, errors.New("no graph to invoke")
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	prefixed := api.ProbeFunc(func(ctx context.Context, msg api.ProbeMessage) {
		msg.Path = append(slices.Clone(path), msg.Path...)
		r.probe.Report(ctx, msg)
	})
	child, err := r.h.startLocal(RunConfig{Board: graph, Inputs: inputs}, prefixed)
	if err != nil {
		return nil, err
	}
	defer child.Stop()
	child.memory = r.memory
	child.files = r.files

	for {
		res, err := child.Next(ctx)
		if err != nil {
			if errors.Is(err, api.ErrRunComplete) {
				return api.OutputValues{}, nil
			}
			return nil, err
		}
		switch res.Type {
		case api.ResultOutput:
			return res.Outputs, nil
		case api.ResultInput:
			return nil, fmt.Errorf("invoked graph asks for input at node %q", res.Input.Node.ID)
		case api.ResultError:
			return nil, res.Err
		}
	}
}

// complete records outputs and reports the end of the invocation.
func (r *localRun) complete(ctx context.Context, g *api.GraphDescriptor, inv *api.NodeInvocation, outputs api.OutputValues) {
	node := inv.Node
	path := slices.Clone(inv.Path)
	if err := r.mgr.Complete(node.ID, outputs); err != nil {
		r.fail(ctx, inv, err)
		return
	}
	r.emit(ctx, api.ProbeMessage{Type: api.ProbeNodeEnd, Path: path, Node: &node, Outputs: maps.Clone(outputs)})

	if r.cfg.Checkpoint != nil {
		snap, err := r.mgr.Snapshot()
		if err == nil {
			err = r.cfg.Checkpoint(ctx, snap)
		}
		if err != nil {
			r.fail(ctx, nil, fmt.Errorf("checkpoint after %q: %w", node.ID, err))
			return
		}
	}

	if r.cfg.StopAfter != "" && r.cfg.StopAfter == node.ID && r.mgr.Depth() == 1 {
		r.end(ctx)
	}
}

// finishFrame closes the innermost frame. For an embedded graph the invoking
// node completes with outputs; for the board the run ends.
func (r *localRun) finishFrame(ctx context.Context, outputs api.OutputValues) {
	if r.mgr.Depth() == 1 {
		r.end(ctx)
		return
	}
	f, err := r.mgr.PopFrame()
	if err != nil {
		r.fail(ctx, nil, err)
		return
	}
	invoker, ok := r.mgr.Pending()
	if !ok || invoker.Node.ID != f.Invoker {
		r.fail(ctx, nil, &api.InvariantViolation{Message: fmt.Sprintf("graph %q finished without its invoker %q", f.Graph, f.Invoker)})
		return
	}
	node := invoker.Node
	r.emit(ctx, api.ProbeMessage{Type: api.ProbeGraphEnd, Path: slices.Clone(f.Path), Node: &node, Graph: f.Graph})

	g, err := r.currentGraph()
	if err != nil {
		r.fail(ctx, nil, err)
		return
	}
	r.complete(ctx, g, invoker, outputs)
}

// frameOutputs merges what the output nodes of the innermost frame produced.
func (r *localRun) frameOutputs() api.OutputValues {
	out := api.OutputValues{}
	for _, rec := range r.mgr.Top().Records {
		if rec.Node.Type == api.NodeTypeOutput && rec.State == api.InvocationCompleted {
			maps.Copy(out, rec.Outputs)
		}
	}
	return out
}

func (r *localRun) end(ctx context.Context) {
	r.emit(ctx, api.ProbeMessage{Type: api.ProbeGraphEnd, Path: []int{}, Graph: r.root.Title})
	r.buf = append(r.buf, api.HarnessResult{Type: api.ResultEnd})
	r.phase = phaseDone
}

// fail records err against inv (if any), reports it and ends the run.
func (r *localRun) fail(ctx context.Context, inv *api.NodeInvocation, err error) {
	res := api.HarnessResult{Type: api.ResultError, Err: err}
	msg := api.ProbeMessage{Type: api.ProbeError, Path: []int{}}

	if inv != nil {
		node := inv.Node
		var nie *api.NodeInvocationError
		var se *api.SerializationError
		var iv *api.InvariantViolation
		if !errors.As(err, &nie) && !errors.As(err, &se) && !errors.As(err, &iv) {
			err = &api.NodeInvocationError{NodeID: node.ID, Type: node.Type, Path: slices.Clone(inv.Path), Err: err}
		}
		_ = r.mgr.Fail(node.ID, err)
		res = api.HarnessResult{Type: api.ResultError, Err: err, Node: &node, Path: slices.Clone(inv.Path)}
		msg = api.ProbeMessage{Type: api.ProbeError, Path: slices.Clone(inv.Path), Node: &node}
	}
	res.Error = message(err)
	msg.Error = res.Error

	r.logger.ErrorContext(ctx, "run_failed", slog.Any("error", err))
	r.emit(ctx, msg)
	r.buf = append(r.buf, res)
	r.phase = phaseDone
}

// message is the text reported for err. Handler failures report the
// handler's own message; the node is carried separately.
func message(err error) string {
	var nie *api.NodeInvocationError
	if errors.As(err, &nie) && nie.Err != nil {
		return nie.Err.Error()
	}
	return err.Error()
}

func (r *localRun) emit(ctx context.Context, msg api.ProbeMessage) {
	msg.Timestamp = time.Now()
	r.probe.Report(ctx, msg)
	if r.cfg.Diagnostics.Allows(msg) {
		r.buf = append(r.buf, api.HarnessResult{Type: api.ResultProbe, Probe: &msg})
	}
}

// subGraphCall detects nodes that enter an embedded graph: "#id" node types
// and invoke nodes whose $board is "#id".
func subGraphCall(node api.NodeDescriptor, inputs api.InputValues) (string, api.InputValues, bool) {
	if id, ok := api.SubGraphID(node.Type); ok {
		return id, api.MergeValues(inputs), true
	}
	if node.Type != api.NodeTypeInvoke {
		return "", nil, false
	}
	ref, _ := inputs["$board"].(string)
	id, ok := api.SubGraphID(ref)
	if !ok {
		return "", nil, false
	}
	seed := api.MergeValues(inputs)
	delete(seed, "$board")
	return id, seed, true
}

func consumesError(g *api.GraphDescriptor, nodeID string) bool {
	for _, e := range g.Outgoing(nodeID) {
		if e.Out == api.PortError {
			return true
		}
	}
	return false
}

func errorText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case map[string]any:
		if m, ok := t["message"].(string); ok {
			return m
		}
	}
	return fmt.Sprint(v)
}
