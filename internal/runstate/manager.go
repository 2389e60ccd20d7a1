// Package runstate owns the stack of graph frames of a run: the invocation
// records, the values waiting on edges and everything needed to snapshot a
// run and bring it back later.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/petrijr/boardflow/pkg/api"
)

// ErrEmptyStack is returned when a frame operation finds no frame.
var ErrEmptyStack = errors.New("runstate: empty stack")

// Manager is the mutable run state. It is not safe for concurrent use; the
// harness owning a run is its only writer.
type Manager struct {
	frames []*api.FrameState
}

// New creates a manager holding a single top-level frame.
func New() *Manager {
	return &Manager{frames: []*api.FrameState{newFrame("", "", nil, nil)}}
}

// FromSnapshot creates a manager from a previously taken snapshot.
func FromSnapshot(s *api.ReanimationState) (*Manager, error) {
	m := &Manager{}
	if err := m.Restore(s); err != nil {
		return nil, err
	}
	return m, nil
}

func newFrame(graph, invoker string, path []int, seed api.InputValues) *api.FrameState {
	return &api.FrameState{
		Graph:     graph,
		Invoker:   invoker,
		Path:      slices.Clone(path),
		Seed:      seed,
		Queues:    make(map[string][]api.InputValues),
		Constants: make(map[string]api.InputValues),
		Fresh:     make(map[string]bool),
		Visits:    make(map[string]int),
	}
}

// Depth returns the number of frames on the stack.
func (m *Manager) Depth() int {
	return len(m.frames)
}

// Top returns the innermost frame.
func (m *Manager) Top() *api.FrameState {
	if len(m.frames) == 0 {
		return nil
	}
	return m.frames[len(m.frames)-1]
}

// Frames returns the stack from outermost to innermost.
func (m *Manager) Frames() []*api.FrameState {
	return m.frames
}

// PushFrame enters an embedded graph invoked by the node at path.
func (m *Manager) PushFrame(graph, invoker string, path []int, seed api.InputValues) *api.FrameState {
	f := newFrame(graph, invoker, path, seed)
	m.frames = append(m.frames, f)
	return f
}

// PopFrame leaves the innermost embedded graph. The top-level frame cannot
// be popped.
func (m *Manager) PopFrame() (*api.FrameState, error) {
	if len(m.frames) < 2 {
		return nil, &api.InvariantViolation{Message: "pop of the top-level frame"}
	}
	f := m.frames[len(m.frames)-1]
	m.frames = m.frames[:len(m.frames)-1]
	return f, nil
}

// NextPath allocates the invocation path for the next node in the top frame.
func (m *Manager) NextPath() []int {
	f := m.Top()
	f.NextID++
	return append(slices.Clone(f.Path), f.NextID)
}

// Push records a new invocation in the top frame. A node may hold at most one
// non-terminal record per frame.
func (m *Manager) Push(inv api.NodeInvocation) error {
	f := m.Top()
	if f == nil {
		return ErrEmptyStack
	}
	if idx := pendingIndex(f, inv.Node.ID); idx >= 0 {
		return &api.InvariantViolation{
			Message: fmt.Sprintf("node %q already has a %s invocation at %s",
				inv.Node.ID, f.Records[idx].State, api.PathKey(f.Records[idx].Path)),
		}
	}
	if inv.State == "" {
		inv.State = api.InvocationReady
	}
	f.Records = append(f.Records, inv)
	return nil
}

// Start moves the pending invocation of nodeID to running.
func (m *Manager) Start(nodeID string) error {
	rec, err := m.pending(nodeID)
	if err != nil {
		return err
	}
	rec.State = api.InvocationRunning
	return nil
}

// Complete records the outputs of nodeID and queues them for delivery along
// its outgoing edges. Outputs that cannot be captured in a snapshot are
// rejected with a *api.SerializationError and the record stays running.
func (m *Manager) Complete(nodeID string, outputs api.OutputValues) error {
	rec, err := m.pending(nodeID)
	if err != nil {
		return err
	}
	cp, err := api.CloneValues(outputs)
	if err != nil {
		var se *api.SerializationError
		if errors.As(err, &se) {
			se.NodeID = nodeID
		}
		return err
	}
	if cp == nil {
		cp = api.OutputValues{}
	}
	rec.State = api.InvocationCompleted
	rec.Outputs = cp

	f := m.Top()
	f.Undelivered = append(f.Undelivered, api.Completion{NodeID: nodeID, Outputs: cp})
	return nil
}

// Fail marks the pending invocation of nodeID as errored. Errored invocations
// are never retried.
func (m *Manager) Fail(nodeID string, cause error) error {
	rec, err := m.pending(nodeID)
	if err != nil {
		return err
	}
	rec.State = api.InvocationErrored
	if cause != nil {
		rec.Error = cause.Error()
	}
	return nil
}

// Pending returns the non-terminal record of the top frame, if any.
func (m *Manager) Pending() (*api.NodeInvocation, bool) {
	f := m.Top()
	if f == nil {
		return nil, false
	}
	for i := len(f.Records) - 1; i >= 0; i-- {
		if !f.Records[i].State.Terminal() {
			return &f.Records[i], true
		}
	}
	return nil, false
}

// Record returns the most recent record of nodeID in the top frame.
func (m *Manager) Record(nodeID string) (*api.NodeInvocation, bool) {
	f := m.Top()
	if f == nil {
		return nil, false
	}
	for i := len(f.Records) - 1; i >= 0; i-- {
		if f.Records[i].Node.ID == nodeID {
			return &f.Records[i], true
		}
	}
	return nil, false
}

func (m *Manager) pending(nodeID string) (*api.NodeInvocation, error) {
	f := m.Top()
	if f == nil {
		return nil, ErrEmptyStack
	}
	idx := pendingIndex(f, nodeID)
	if idx < 0 {
		return nil, &api.InvariantViolation{Message: fmt.Sprintf("node %q has no pending invocation", nodeID)}
	}
	return &f.Records[idx], nil
}

func pendingIndex(f *api.FrameState, nodeID string) int {
	for i := len(f.Records) - 1; i >= 0; i-- {
		if f.Records[i].Node.ID == nodeID && !f.Records[i].State.Terminal() {
			return i
		}
	}
	return -1
}

// Snapshot returns a deep copy of the run state that shares nothing with the
// manager.
func (m *Manager) Snapshot() (*api.ReanimationState, error) {
	stack := make([]api.FrameState, len(m.frames))
	for i, f := range m.frames {
		stack[i] = *f
	}
	data, err := json.Marshal(api.ReanimationState{Version: api.StateVersion, Stack: stack})
	if err != nil {
		return nil, &api.SerializationError{Err: err}
	}
	var out api.ReanimationState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &api.SerializationError{Err: err}
	}
	return &out, nil
}

// Restore replaces the manager state with a copy of s. Completed invocations
// are kept as records and are not executed again.
func (m *Manager) Restore(s *api.ReanimationState) error {
	if s == nil {
		return errors.New("runstate: nil snapshot")
	}
	if s.Version != api.StateVersion {
		return fmt.Errorf("runstate: unsupported snapshot version %q", s.Version)
	}
	if len(s.Stack) == 0 {
		return ErrEmptyStack
	}
	data, err := json.Marshal(s.Stack)
	if err != nil {
		return &api.SerializationError{Err: err}
	}
	var stack []api.FrameState
	if err := json.Unmarshal(data, &stack); err != nil {
		return &api.SerializationError{Err: err}
	}

	frames := make([]*api.FrameState, len(stack))
	for i := range stack {
		f := stack[i]
		if f.Queues == nil {
			f.Queues = make(map[string][]api.InputValues)
		}
		if f.Constants == nil {
			f.Constants = make(map[string]api.InputValues)
		}
		if f.Fresh == nil {
			f.Fresh = make(map[string]bool)
		}
		if f.Visits == nil {
			f.Visits = make(map[string]int)
		}
		frames[i] = &f
	}
	m.frames = frames
	return nil
}
