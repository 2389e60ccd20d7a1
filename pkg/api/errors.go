package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunComplete is returned by Run.Next once the terminal result has
	// been yielded.
	ErrRunComplete = errors.New("run complete")

	// ErrInputRequired is returned when a suspended run is advanced without
	// the requested input having been provided.
	ErrInputRequired = errors.New("input required")

	// ErrNoPendingInput is returned by Provide when the run is not waiting.
	ErrNoPendingInput = errors.New("no pending input request")

	// ErrRunStopped is returned after Stop discarded the run.
	ErrRunStopped = errors.New("run stopped")

	// ErrRunNotFound is returned when a durable run is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrBoardNotFound is returned when a board name is not registered.
	ErrBoardNotFound = errors.New("board not found")

	// ErrCapabilityNotProxied is returned when a capability is requested over
	// the proxy protocol but the host does not tunnel it.
	ErrCapabilityNotProxied = errors.New("capability not proxied")

	// ErrNotAllowed is returned when a proxy caller is not permitted to use
	// a capability.
	ErrNotAllowed = errors.New("proxy request is not allowed")
)

// GraphStructureError reports a malformed board. It is fatal and surfaced
// before any node runs.
type GraphStructureError struct {
	Graph    string
	Problems []string
}

func (e *GraphStructureError) Error() string {
	where := "board"
	if e.Graph != "" {
		where = fmt.Sprintf("graph %q", e.Graph)
	}
	return fmt.Sprintf("%s is malformed: %s", where, strings.Join(e.Problems, "; "))
}

// NodeInvocationError wraps a failure raised by a node handler.
type NodeInvocationError struct {
	NodeID string
	Type   string
	Path   []int
	Err    error
}

func (e *NodeInvocationError) Error() string {
	return fmt.Sprintf("node %q (%s) failed: %v", e.NodeID, e.Type, e.Err)
}

func (e *NodeInvocationError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed, unknown or unexpected envelope on a
// remote channel.
type ProtocolError struct {
	Kind    string
	ID      string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Kind == "" {
		return "protocol: " + e.Message
	}
	return fmt.Sprintf("protocol: %s (%s %s)", e.Message, e.Kind, e.ID)
}

// SerializationError reports a value that cannot be captured in a
// JSON snapshot.
type SerializationError struct {
	NodeID string
	Err    error
}

func (e *SerializationError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("value is not serializable: %v", e.Err)
	}
	return fmt.Sprintf("outputs of node %q are not serializable: %v", e.NodeID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// InvariantViolation reports an internal state-machine bug, such as a node
// pushed twice while still running.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Message
}

// IsGraphStructureError reports whether err is or wraps a GraphStructureError.
func IsGraphStructureError(err error) (*GraphStructureError, bool) {
	var gse *GraphStructureError
	if errors.As(err, &gse) {
		return gse, true
	}
	return nil, false
}

// IsNodeInvocationError reports whether err is or wraps a NodeInvocationError.
func IsNodeInvocationError(err error) (*NodeInvocationError, bool) {
	var nie *NodeInvocationError
	if errors.As(err, &nie) {
		return nie, true
	}
	return nil, false
}
