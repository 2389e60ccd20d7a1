package boardflow

import (
	"fmt"

	"github.com/petrijr/boardflow/pkg/api"
)

// BoardBuilder provides a fluent API for assembling boards:
//
//	board := boardflow.NewBoard("echo").
//	    Input("in").
//	    Node("upper", "uppercase").
//	    Output("out").
//	    Wire("in", "text", "upper", "text").
//	    Wire("upper", "text", "out", "text")
//
//	if err := board.Register(engine, "echo"); err != nil {
//	    log.Fatal(err)
//	}
type BoardBuilder struct {
	g api.GraphDescriptor
}

// NewBoard starts a board with the given title.
func NewBoard(title string) *BoardBuilder {
	return &BoardBuilder{g: api.GraphDescriptor{Title: title}}
}

// Node adds a node. config, if given, becomes its configuration.
func (b *BoardBuilder) Node(id, nodeType string, config ...api.InputValues) *BoardBuilder {
	if id == "" {
		panic("boardflow: node id must not be empty")
	}
	if nodeType == "" {
		panic(fmt.Sprintf("boardflow: node %q has no type", id))
	}
	n := api.NodeDescriptor{ID: id, Type: nodeType}
	if len(config) > 0 {
		n.Configuration = api.MergeValues(config...)
	}
	b.g.Nodes = append(b.g.Nodes, n)
	return b
}

// Input adds an input node.
func (b *BoardBuilder) Input(id string) *BoardBuilder {
	return b.Node(id, api.NodeTypeInput)
}

// Output adds an output node.
func (b *BoardBuilder) Output(id string) *BoardBuilder {
	return b.Node(id, api.NodeTypeOutput)
}

func (b *BoardBuilder) edge(e api.Edge) *BoardBuilder {
	b.g.Edges = append(b.g.Edges, e)
	return b
}

// Wire connects port out of from to port in of to.
func (b *BoardBuilder) Wire(from, out, to, in string) *BoardBuilder {
	return b.edge(api.Edge{From: from, Out: out, To: to, In: in})
}

// WireOptional is Wire for an edge that does not block readiness of to.
func (b *BoardBuilder) WireOptional(from, out, to, in string) *BoardBuilder {
	return b.edge(api.Edge{From: from, Out: out, To: to, In: in, Optional: true})
}

// WireConstant is Wire for an edge whose latest value stays available to
// every later invocation of to.
func (b *BoardBuilder) WireConstant(from, out, to, in string) *BoardBuilder {
	return b.edge(api.Edge{From: from, Out: out, To: to, In: in, Constant: true})
}

// WireAll forwards every output of from under its own name.
func (b *BoardBuilder) WireAll(from, to string) *BoardBuilder {
	return b.edge(api.Edge{From: from, Out: api.WildcardPort, To: to})
}

// Control adds a value-less edge: to waits for from.
func (b *BoardBuilder) Control(from, to string) *BoardBuilder {
	return b.edge(api.Edge{From: from, To: to})
}

// SubGraph embeds sub under id. Nodes of type "#id" invoke it.
func (b *BoardBuilder) SubGraph(id string, sub *BoardBuilder) *BoardBuilder {
	if b.g.Graphs == nil {
		b.g.Graphs = make(map[string]api.GraphDescriptor)
	}
	b.g.Graphs[id] = sub.g
	return b
}

// Module attaches the source of a sandboxed module.
func (b *BoardBuilder) Module(id, code string) *BoardBuilder {
	if b.g.Modules == nil {
		b.g.Modules = make(map[string]api.ModuleSpec)
	}
	b.g.Modules[id] = api.ModuleSpec{Code: code}
	return b
}

// Build validates the board and returns a copy of it.
func (b *BoardBuilder) Build() (*GraphDescriptor, error) {
	g := b.g
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// MustBuild is like Build but panics on error.
func (b *BoardBuilder) MustBuild() *GraphDescriptor {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}

// Register registers the board with eng under name.
func (b *BoardBuilder) Register(eng Engine, name string) error {
	return eng.RegisterBoard(name, b.g)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *BoardBuilder) MustRegister(eng Engine, name string) {
	if err := b.Register(eng, name); err != nil {
		panic(err)
	}
}
