package api

import (
	"strconv"
	"strings"
)

// StateVersion is stamped on every snapshot. Restore refuses other versions.
const StateVersion = "1"

// InvocationState is the lifecycle of a single node invocation.
//
//	pending -> ready -> running -> completed | errored
type InvocationState string

const (
	InvocationPending   InvocationState = "pending"
	InvocationReady     InvocationState = "ready"
	InvocationRunning   InvocationState = "running"
	InvocationCompleted InvocationState = "completed"
	InvocationErrored   InvocationState = "errored"
)

// Terminal reports whether no further transition is possible.
func (s InvocationState) Terminal() bool {
	return s == InvocationCompleted || s == InvocationErrored
}

// NodeInvocation records one invocation of a node.
type NodeInvocation struct {
	Node    NodeDescriptor  `json:"node"`
	Inputs  InputValues     `json:"inputs,omitempty"`
	Outputs OutputValues    `json:"outputs,omitempty"`
	State   InvocationState `json:"state"`
	Path    []int           `json:"path"`
	Error   string          `json:"error,omitempty"`
}

// Completion is a completed invocation whose outputs have not yet been
// delivered along the outgoing edges.
type Completion struct {
	NodeID  string       `json:"node"`
	Outputs OutputValues `json:"outputs,omitempty"`
}

// FrameState is the serializable form of one graph invocation on the stack.
type FrameState struct {
	// Graph is the embedded graph id, empty for the top-level board.
	Graph string `json:"graph,omitempty"`
	// Invoker is the node in the parent frame that entered this graph.
	Invoker string `json:"invoker,omitempty"`
	// Path is the invocation path of Invoker.
	Path []int `json:"path,omitempty"`
	// Seed holds the values the invoker passed in.
	Seed InputValues `json:"seed,omitempty"`

	NextID        int                      `json:"nextId"`
	Seeded        bool                     `json:"seeded"`
	Records       []NodeInvocation         `json:"records,omitempty"`
	Queues        map[string][]InputValues `json:"queues,omitempty"`
	Constants     map[string]InputValues   `json:"constants,omitempty"`
	Fresh         map[string]bool          `json:"fresh,omitempty"`
	Opportunities []string                 `json:"opportunities,omitempty"`
	Visits        map[string]int           `json:"visits,omitempty"`
	Undelivered   []Completion             `json:"undelivered,omitempty"`
}

// InputRequest is issued when a run suspends for external input.
type InputRequest struct {
	Node   NodeDescriptor `json:"node"`
	Inputs InputValues    `json:"inputs,omitempty"`
	Schema *Schema        `json:"schema,omitempty"`
	Path   []int          `json:"path"`
}

// ReanimationState is a full snapshot of a run. It is plain JSON data.
type ReanimationState struct {
	Version string       `json:"version"`
	Stack   []FrameState `json:"stack"`
}

// PathKey renders an invocation path as "1.2.3".
func PathKey(path []int) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ".")
}
