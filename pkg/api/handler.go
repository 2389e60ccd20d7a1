package api

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// NodeHandler implements a node type.
type NodeHandler interface {
	Invoke(ctx context.Context, inputs InputValues, nc *NodeContext) (OutputValues, error)
}

// Description describes the ports of a node type.
type Description struct {
	InputSchema  *Schema `json:"inputSchema,omitempty"`
	OutputSchema *Schema `json:"outputSchema,omitempty"`
}

// Describer is implemented by handlers that can report their ports.
type Describer interface {
	Describe(ctx context.Context, inputs InputValues) (Description, error)
}

// RemoteHandler is implemented by handlers whose invocation happens on the
// other side of a remote channel.
type RemoteHandler interface {
	NodeHandler
	Remote() bool
}

// HandlerFunc adapts a function to NodeHandler.
type HandlerFunc func(ctx context.Context, inputs InputValues, nc *NodeContext) (OutputValues, error)

func (f HandlerFunc) Invoke(ctx context.Context, inputs InputValues, nc *NodeContext) (OutputValues, error) {
	return f(ctx, inputs, nc)
}

// SimpleHandler adapts a function that needs neither context nor run state.
func SimpleHandler(fn func(InputValues) (OutputValues, error)) NodeHandler {
	return HandlerFunc(func(_ context.Context, inputs InputValues, _ *NodeContext) (OutputValues, error) {
		return fn(inputs)
	})
}

// NodeContext carries the run-scoped state a handler may use. It is built by
// the harness for every invocation.
type NodeContext struct {
	Descriptor NodeDescriptor
	Board      *GraphDescriptor
	Path       []int
	Memory     *RunMemory
	Files      FileSystem
	Logger     *slog.Logger
	Probe      Probe

	// Registry resolves the node types of the run.
	Registry *Registry

	// InvokeGraph runs graph to its first output and returns that output.
	InvokeGraph func(ctx context.Context, graph *GraphDescriptor, inputs InputValues) (OutputValues, error)
}

// Kit is a named set of node handlers.
type Kit struct {
	Name     string
	Handlers map[string]NodeHandler
}

// Registry resolves node types to handlers. Kits registered later override
// handlers of earlier kits with the same type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]NodeHandler
}

// NewRegistry creates a registry holding kits.
func NewRegistry(kits ...Kit) *Registry {
	r := &Registry{handlers: make(map[string]NodeHandler)}
	for _, k := range kits {
		r.Register(k)
	}
	return r
}

// Register adds every handler of k.
func (r *Registry) Register(k Kit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for t, h := range k.Handlers {
		if h == nil {
			panic(fmt.Sprintf("boardflow: kit %q has nil handler for %q", k.Name, t))
		}
		r.handlers[t] = h
	}
}

// Handle registers a single handler.
func (r *Registry) Handle(nodeType string, h NodeHandler) {
	r.Register(Kit{Handlers: map[string]NodeHandler{nodeType: h}})
}

// Handler returns the handler for nodeType.
func (r *Registry) Handler(nodeType string) (NodeHandler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Types lists the registered node types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

// IsRemote reports whether nodeType is served by a RemoteHandler.
func (r *Registry) IsRemote(nodeType string) bool {
	h, ok := r.Handler(nodeType)
	if !ok {
		return false
	}
	rh, ok := h.(RemoteHandler)
	return ok && rh.Remote()
}

// RunMemory is a key/value store scoped to a single run. Handlers receive it
// through NodeContext instead of sharing process-wide state.
type RunMemory struct {
	mu     sync.Mutex
	values map[string][]NodeValue
}

// NewRunMemory creates an empty store.
func NewRunMemory() *RunMemory {
	return &RunMemory{values: make(map[string][]NodeValue)}
}

// Append adds v under key.
func (m *RunMemory) Append(key string, v NodeValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append(m.values[key], v)
}

// Get returns a copy of the values under key.
func (m *RunMemory) Get(key string) []NodeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.values[key])
}

// Reset drops everything stored under key.
func (m *RunMemory) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

// FileSystem is the run-scoped storage exposed to sandboxed modules.
type FileSystem interface {
	Read(ctx context.Context, path string) (NodeValue, error)
	Write(ctx context.Context, path string, v NodeValue) error
	Query(ctx context.Context, prefix string) ([]string, error)
}
