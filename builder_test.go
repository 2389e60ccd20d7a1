package boardflow

import (
	"testing"

	"github.com/petrijr/boardflow/pkg/api"
)

func TestBoardBuilder_Build(t *testing.T) {
	sub := NewBoard("inner").Input("in").Output("out").WireAll("in", "out")
	g, err := NewBoard("outer").
		Input("in").
		Node("call", "#inner").
		Node("cfg", "passthrough", InputValues{"a": 1}, InputValues{"b": 2}).
		Output("out").
		Wire("in", "text", "call", "text").
		WireOptional("cfg", "a", "out", "a").
		WireConstant("in", "text", "cfg", "text").
		Control("in", "cfg").
		Wire("call", "text", "out", "text").
		SubGraph("inner", sub).
		Module("m", "export default () => ({})").
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(g.Nodes) != 4 || len(g.Edges) != 5 {
		t.Fatalf("unexpected shape: %d nodes, %d edges", len(g.Nodes), len(g.Edges))
	}
	cfg, _ := g.Node("cfg")
	if cfg.Configuration["a"] != 1 || cfg.Configuration["b"] != 2 {
		t.Fatalf("configuration not merged: %v", cfg.Configuration)
	}
	if !g.Edges[1].Optional || !g.Edges[2].Constant || g.Edges[3].Out != "" {
		t.Fatalf("edge flags lost: %+v", g.Edges)
	}
	if _, ok := g.SubGraph("#inner"); !ok {
		t.Fatalf("expected embedded graph inner")
	}
	if _, ok := g.Modules["m"]; !ok {
		t.Fatalf("expected module m")
	}
}

func TestBoardBuilder_BuildRejectsDanglingEdge(t *testing.T) {
	_, err := NewBoard("bad").Input("in").Wire("in", "x", "nowhere", "x").Build()
	if _, ok := api.IsGraphStructureError(err); !ok {
		t.Fatalf("expected GraphStructureError, got %v", err)
	}
}

func TestBoardBuilder_PanicsOnEmptyNode(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for an empty node id")
		}
	}()
	NewBoard("x").Node("", "passthrough")
}

func TestBoardBuilder_Register(t *testing.T) {
	eng := NewInMemoryEngine(NewRegistry(CoreKit()))
	b := NewBoard("echo").Input("in").Output("out").Wire("in", "text", "out", "text")
	b.MustRegister(eng, "echo")
	if err := b.Register(eng, "echo"); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
