package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Well-known node types the traversal engine treats specially.
const (
	NodeTypeInput  = "input"
	NodeTypeOutput = "output"
	NodeTypeInvoke = "invoke"
)

// WildcardPort on Edge.Out forwards every output under its own name.
const WildcardPort = "*"

// NodeMetadata is descriptive data carried with a node. It does not affect
// execution.
type NodeMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Visual      any    `json:"visual,omitempty"`
}

// NodeDescriptor is a single node of a board.
type NodeDescriptor struct {
	ID            string        `json:"id" validate:"required"`
	Type          string        `json:"type" validate:"required"`
	Configuration InputValues   `json:"configuration,omitempty"`
	Metadata      *NodeMetadata `json:"metadata,omitempty"`
}

// Edge wires an output port of one node to an input port of another.
//
// An empty Out is a control edge: it carries no value but still counts
// toward readiness of To.
type Edge struct {
	From     string `json:"from" validate:"required"`
	Out      string `json:"out,omitempty"`
	To       string `json:"to" validate:"required"`
	In       string `json:"in,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Constant bool   `json:"constant,omitempty"`
}

// Key identifies the edge inside its graph.
func (e Edge) Key() string {
	return e.From + ":" + e.Out + "->" + e.To + ":" + e.In
}

// Required reports whether the edge blocks readiness of its target.
func (e Edge) Required() bool {
	return !e.Optional
}

// Port names the input port of To that e feeds. Control edges share the
// port "" and wildcard edges share WildcardPort.
func (e Edge) Port() string {
	switch {
	case e.Out == "", e.Out == WildcardPort:
		return e.Out
	case e.In != "":
		return e.In
	default:
		return e.Out
	}
}

// ModuleSpec is the source of a sandboxed module referenced by runModule nodes.
type ModuleSpec struct {
	Code     string         `json:"code"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GraphDescriptor is the serializable description of a board.
type GraphDescriptor struct {
	Title       string                     `json:"title,omitempty"`
	Description string                     `json:"description,omitempty"`
	Version     string                     `json:"version,omitempty"`
	URL         string                     `json:"url,omitempty"`
	Nodes       []NodeDescriptor           `json:"nodes" validate:"dive"`
	Edges       []Edge                     `json:"edges" validate:"dive"`
	Graphs      map[string]GraphDescriptor `json:"graphs,omitempty"`
	Modules     map[string]ModuleSpec      `json:"modules,omitempty"`
	Metadata    map[string]any             `json:"metadata,omitempty"`
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ParseGraph decodes a board from its JSON form.
func ParseGraph(data []byte) (*GraphDescriptor, error) {
	var g GraphDescriptor
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse board: %w", err)
	}
	return &g, nil
}

// MarshalGraph encodes a board as indented JSON.
func MarshalGraph(g *GraphDescriptor) ([]byte, error) {
	return json.MarshalIndent(g, "", "  ")
}

// Node returns the node with the given id.
func (g *GraphDescriptor) Node(id string) (NodeDescriptor, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDescriptor{}, false
}

// Incoming returns the edges targeting id in declaration order.
func (g *GraphDescriptor) Incoming(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing returns the edges leaving id in declaration order.
func (g *GraphDescriptor) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns the nodes with no required port, in declaration order.
func (g *GraphDescriptor) Entries() []NodeDescriptor {
	var out []NodeDescriptor
	for _, n := range g.Nodes {
		if len(requiredPorts(n, g.Incoming(n.ID))) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// RequiredPorts lists the ports of node id that need a value before it can
// run, in the order of their first incoming edge. A port is required when a
// required edge feeds it and the node configuration does not set it. Any
// edge feeding the port satisfies it, whichever node it comes from.
func (g *GraphDescriptor) RequiredPorts(id string) []string {
	n, _ := g.Node(id)
	return requiredPorts(n, g.Incoming(id))
}

func requiredPorts(n NodeDescriptor, incoming []Edge) []string {
	var ports []string
	for _, e := range incoming {
		if !e.Required() {
			continue
		}
		p := e.Port()
		if slices.Contains(ports, p) {
			continue
		}
		if p != "" && p != WildcardPort {
			if _, ok := n.Configuration[p]; ok {
				continue
			}
		}
		ports = append(ports, p)
	}
	return ports
}

// SubGraph resolves a "#id" node type against the graphs embedded in g.
func (g *GraphDescriptor) SubGraph(nodeType string) (*GraphDescriptor, bool) {
	id, ok := SubGraphID(nodeType)
	if !ok {
		return nil, false
	}
	sub, ok := g.Graphs[id]
	if !ok {
		return nil, false
	}
	return &sub, true
}

// SubGraphID extracts the id from a "#id" reference.
func SubGraphID(ref string) (string, bool) {
	if len(ref) < 2 || ref[0] != '#' {
		return "", false
	}
	return ref[1:], true
}

// Validate checks the board and every embedded graph. Problems are collected
// into a single *GraphStructureError.
func (g *GraphDescriptor) Validate() error {
	return validateGraph("", g, g)
}

func validateGraph(name string, g, root *GraphDescriptor) error {
	var problems []string

	if err := structValidator.Struct(g); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s is %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			continue
		}
		if ids[n.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = true

		if ref, ok := SubGraphID(n.Type); ok {
			if _, found := g.Graphs[ref]; !found {
				if _, found := root.Graphs[ref]; !found {
					problems = append(problems, fmt.Sprintf("node %q references unknown graph %q", n.ID, n.Type))
				}
			}
		}
	}

	seen := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.From != "" && !ids[e.From] {
			problems = append(problems, fmt.Sprintf("edge %s starts at unknown node %q", e.Key(), e.From))
		}
		if e.To != "" && !ids[e.To] {
			problems = append(problems, fmt.Sprintf("edge %s ends at unknown node %q", e.Key(), e.To))
		}
		if seen[e.Key()] {
			problems = append(problems, fmt.Sprintf("duplicate edge %s", e.Key()))
		}
		seen[e.Key()] = true
	}

	if len(problems) == 0 {
		for _, id := range deadlocked(g) {
			problems = append(problems, fmt.Sprintf("node %q sits on a cycle of required edges and can never run", id))
		}
	}

	if len(problems) > 0 {
		return &GraphStructureError{Graph: name, Problems: problems}
	}

	subIDs := make([]string, 0, len(g.Graphs))
	for id := range g.Graphs {
		subIDs = append(subIDs, id)
	}
	slices.Sort(subIDs)
	for _, id := range subIDs {
		sub := g.Graphs[id]
		if err := validateGraph(strings.TrimPrefix(name+"#"+id, "#"), &sub, root); err != nil {
			return err
		}
	}
	return nil
}

// deadlocked returns the nodes that lie on a cycle and can never have all of
// their required ports fed.
func deadlocked(g *GraphDescriptor) []string {
	potential := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Entries() {
		potential[n.ID] = true
	}

	for changed := true; changed; {
		changed = false
		for _, n := range g.Nodes {
			if potential[n.ID] {
				continue
			}
			incoming := g.Incoming(n.ID)
			ok := true
			for _, p := range requiredPorts(n, incoming) {
				fed := slices.ContainsFunc(incoming, func(e Edge) bool {
					return e.Port() == p && potential[e.From]
				})
				if !fed {
					ok = false
					break
				}
			}
			if ok {
				potential[n.ID] = true
				changed = true
			}
		}
	}

	var out []string
	for _, n := range g.Nodes {
		if !potential[n.ID] && onCycle(g, n.ID) {
			out = append(out, n.ID)
		}
	}
	return out
}

func onCycle(g *GraphDescriptor, start string) bool {
	visited := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.Outgoing(id) {
			if e.To == start {
				return true
			}
			if !visited[e.To] {
				visited[e.To] = true
				stack = append(stack, e.To)
			}
		}
	}
	return false
}
