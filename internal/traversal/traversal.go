// Package traversal decides which node of a board runs next.
//
// Step is a pure function of the board and the run state: it delivers the
// outputs of completed nodes along their edges, then walks the opportunity
// queue in order until it finds a node whose required inputs are all
// available. Nothing here iterates a map when choosing order, so identical
// boards and inputs always visit nodes in the same sequence.
package traversal

import (
	"fmt"
	"slices"

	"github.com/petrijr/boardflow/internal/runstate"
	"github.com/petrijr/boardflow/pkg/api"
)

// Kind is the outcome of a single Step.
type Kind string

const (
	NodeReady        Kind = "node-ready"
	WaitingForInput  Kind = "waiting-for-input"
	WaitingForRemote Kind = "waiting-for-remote"
	Done             Kind = "done"
)

// Skip describes an opportunity that was visited but not ready.
type Skip struct {
	Node          api.NodeDescriptor
	MissingInputs []string
}

// Result is returned by Step. Invocation is set unless Kind is Done.
type Result struct {
	Kind       Kind
	Invocation *api.NodeInvocation
	Skipped    []Skip
}

// Options tune a Step.
type Options struct {
	// Start, when set, replaces the entry nodes of the top-level graph.
	Start string

	// IsRemote reports node types whose handlers run across a remote
	// channel.
	IsRemote func(nodeType string) bool
}

// Step advances the top frame of m over graph g, which must be the graph of
// that frame.
//
// If the frame still holds a non-terminal invocation (for example after a
// restore), that invocation is returned again and nothing else changes.
func Step(g *api.GraphDescriptor, m *runstate.Manager, opts Options) (Result, error) {
	f := m.Top()
	if f == nil {
		return Result{}, runstate.ErrEmptyStack
	}

	if rec, ok := m.Pending(); ok {
		node, found := g.Node(rec.Node.ID)
		if !found {
			return Result{}, &api.GraphStructureError{Graph: f.Graph, Problems: []string{
				fmt.Sprintf("pending node %q is not part of the graph", rec.Node.ID),
			}}
		}
		return Result{Kind: classify(node, opts), Invocation: rec}, nil
	}

	Deliver(g, f)
	seed(g, f, opts, m.Depth() == 1)

	var skipped []Skip
	for len(f.Opportunities) > 0 {
		id := f.Opportunities[0]
		f.Opportunities = f.Opportunities[1:]

		node, ok := g.Node(id)
		if !ok {
			return Result{Kind: Done, Skipped: skipped}, &api.GraphStructureError{Graph: f.Graph, Problems: []string{
				fmt.Sprintf("opportunity for unknown node %q", id),
			}}
		}

		missing := MissingInputs(g, f, id)
		if len(missing) > 0 || (f.Visits[id] > 0 && !hasFresh(g, f, id)) {
			skipped = append(skipped, Skip{Node: node, MissingInputs: missing})
			continue
		}

		inv := api.NodeInvocation{
			Node:   node,
			Inputs: consume(g, f, node),
			State:  api.InvocationReady,
			Path:   m.NextPath(),
		}
		if err := m.Push(inv); err != nil {
			return Result{Kind: Done, Skipped: skipped}, err
		}
		f.Visits[id]++

		// More values may be queued than this invocation consumed.
		if len(MissingInputs(g, f, id)) == 0 && hasFresh(g, f, id) {
			enqueue(f, id)
		}

		rec, _ := m.Pending()
		return Result{Kind: classify(node, opts), Invocation: rec, Skipped: skipped}, nil
	}

	return Result{Kind: Done, Skipped: skipped}, nil
}

func classify(node api.NodeDescriptor, opts Options) Kind {
	switch {
	case node.Type == api.NodeTypeInput:
		return WaitingForInput
	case opts.IsRemote != nil && opts.IsRemote(node.Type):
		return WaitingForRemote
	default:
		return NodeReady
	}
}

func seed(g *api.GraphDescriptor, f *api.FrameState, opts Options, topLevel bool) {
	if f.Seeded {
		return
	}
	f.Seeded = true
	if topLevel && opts.Start != "" {
		f.Opportunities = append(f.Opportunities, opts.Start)
		return
	}
	for _, n := range g.Entries() {
		f.Opportunities = append(f.Opportunities, n.ID)
	}
}

// Deliver moves the undelivered completions of f onto the outgoing edges of
// their nodes and queues the targets as opportunities.
func Deliver(g *api.GraphDescriptor, f *api.FrameState) {
	for _, c := range f.Undelivered {
		if api.Truthy(c.Outputs[api.PortExit]) {
			continue
		}
		for _, e := range g.Outgoing(c.NodeID) {
			value, fired := edgeValue(e, c.Outputs)
			if !fired {
				continue
			}
			key := e.Key()
			if e.Constant {
				f.Constants[key] = value
				f.Fresh[key] = true
			} else {
				f.Queues[key] = append(f.Queues[key], value)
			}
			enqueue(f, e.To)
		}
	}
	f.Undelivered = nil
}

// enqueue adds id to the opportunity queue unless it is already waiting there.
func enqueue(f *api.FrameState, id string) {
	if !slices.Contains(f.Opportunities, id) {
		f.Opportunities = append(f.Opportunities, id)
	}
}

func edgeValue(e api.Edge, outputs api.OutputValues) (api.InputValues, bool) {
	switch e.Out {
	case "":
		return api.InputValues{}, true
	case api.WildcardPort:
		return api.MergeValues(outputs), true
	}
	v, ok := outputs[e.Out]
	if !ok {
		return nil, false
	}
	in := e.In
	if in == "" {
		in = e.Out
	}
	return api.InputValues{in: v}, true
}

// MissingInputs lists the required ports of node id that have no value. A
// port has a value when any edge feeding it has one queued or captured.
func MissingInputs(g *api.GraphDescriptor, f *api.FrameState, id string) []string {
	incoming := g.Incoming(id)
	var missing []string
	for _, port := range g.RequiredPorts(id) {
		fed := slices.ContainsFunc(incoming, func(e api.Edge) bool {
			return e.Port() == port && available(f, e)
		})
		if !fed {
			missing = append(missing, port)
		}
	}
	return missing
}

func available(f *api.FrameState, e api.Edge) bool {
	if e.Constant {
		_, ok := f.Constants[e.Key()]
		return ok
	}
	return len(f.Queues[e.Key()]) > 0
}

func hasFresh(g *api.GraphDescriptor, f *api.FrameState, id string) bool {
	for _, e := range g.Incoming(id) {
		if e.Constant {
			if f.Fresh[e.Key()] {
				return true
			}
			continue
		}
		if len(f.Queues[e.Key()]) > 0 {
			return true
		}
	}
	return false
}

func consume(g *api.GraphDescriptor, f *api.FrameState, node api.NodeDescriptor) api.InputValues {
	inputs := api.MergeValues(node.Configuration)
	for _, e := range g.Incoming(node.ID) {
		key := e.Key()
		if e.Constant {
			if v, ok := f.Constants[key]; ok {
				for k, val := range v {
					inputs[k] = val
				}
				delete(f.Fresh, key)
			}
			continue
		}
		q := f.Queues[key]
		if len(q) == 0 {
			continue
		}
		for k, val := range q[0] {
			inputs[k] = val
		}
		if len(q) == 1 {
			delete(f.Queues, key)
		} else {
			f.Queues[key] = q[1:]
		}
	}
	return inputs
}
