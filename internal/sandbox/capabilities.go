// Package sandbox is the capability surface offered to sandboxed modules.
//
// A module never calls a node handler directly. Every privileged operation is
// a named capability invoked through Capabilities, which converts errors and
// panics into a failed api.Outcome and reports each call as a pair of
// nodestart/nodeend probe messages.
package sandbox

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/boardflow/pkg/api"
)

// Capability names understood by modules.
const (
	CapFetch    = "fetch"
	CapSecrets  = "secrets"
	CapInvoke   = "invoke"
	CapOutput   = "output"
	CapDescribe = "describe"
	CapRead     = "read"
	CapWrite    = "write"
	CapQuery    = "query"
)

// Capability performs one privileged operation. path is the invocation path
// assigned to this call.
type Capability func(ctx context.Context, args api.InputValues, path []int) (api.OutputValues, error)

// Capabilities is the set of operations a module may call, plus the
// telemetry hooks reporting them.
type Capabilities struct {
	caps  map[string]Capability
	probe api.Probe
	base  []int

	mu    sync.Mutex
	calls int
}

// NewCapabilities creates a surface whose calls are reported on probe under
// base, the path of the module invocation.
func NewCapabilities(probe api.Probe, base []int) *Capabilities {
	if probe == nil {
		probe = api.NoopProbe{}
	}
	return &Capabilities{
		caps:  make(map[string]Capability),
		probe: probe,
		base:  slices.Clone(base),
	}
}

// Add registers c under name, replacing any previous capability.
func (c *Capabilities) Add(name string, capability Capability) {
	c.caps[name] = capability
}

// Names lists the available capabilities.
func (c *Capabilities) Names() []string {
	return slices.Sorted(maps.Keys(c.caps))
}

// Invoke calls the named capability. It never panics: unknown names, handler
// errors, panics and "$error" outputs all produce a failed outcome.
func (c *Capabilities) Invoke(ctx context.Context, name string, args api.InputValues) (out api.Outcome[api.OutputValues]) {
	capability, ok := c.caps[name]
	if !ok {
		return api.Failure[api.OutputValues](fmt.Sprintf("capability %q is not available", name))
	}

	path := c.nextPath()
	node := api.NodeDescriptor{ID: name + "-called-from-module", Type: name}
	c.probe.Report(ctx, api.ProbeMessage{
		Type:      api.ProbeNodeStart,
		Path:      path,
		Node:      &node,
		Inputs:    maps.Clone(args),
		Timestamp: time.Now(),
	})

	defer func() {
		if p := recover(); p != nil {
			out = api.Failure[api.OutputValues](fmt.Sprintf("capability %q panicked: %v", name, p))
		}
		end := api.ProbeMessage{Type: api.ProbeNodeEnd, Path: path, Node: &node, Timestamp: time.Now()}
		if out.OK() {
			end.Outputs = maps.Clone(out.Value)
		} else {
			end.Error = out.Err
		}
		c.probe.Report(ctx, end)
	}()

	result, err := capability(ctx, args, path)
	if err != nil {
		return api.Failure[api.OutputValues](err.Error())
	}
	if msg, ok := result[api.PortError]; ok {
		return api.Failure[api.OutputValues](fmt.Sprint(msg))
	}
	if result == nil {
		result = api.OutputValues{}
	}
	return api.Success(result)
}

func (c *Capabilities) nextPath() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return append(slices.Clone(c.base), c.calls)
}

// HandlerCapability exposes a node handler as a capability.
func HandlerCapability(h api.NodeHandler, nc *api.NodeContext, nodeType string) Capability {
	return func(ctx context.Context, args api.InputValues, path []int) (api.OutputValues, error) {
		inner := *nc
		inner.Descriptor = api.NodeDescriptor{ID: nodeType + "-called-from-module", Type: nodeType}
		inner.Path = path
		return h.Invoke(ctx, args, &inner)
	}
}

// FileCapabilities adds read, write and query backed by fs.
func (c *Capabilities) FileCapabilities(fs api.FileSystem) {
	if fs == nil {
		return
	}
	c.Add(CapRead, func(ctx context.Context, args api.InputValues, _ []int) (api.OutputValues, error) {
		p, _ := args["path"].(string)
		v, err := fs.Read(ctx, p)
		if err != nil {
			return nil, err
		}
		return api.OutputValues{"data": v}, nil
	})
	c.Add(CapWrite, func(ctx context.Context, args api.InputValues, _ []int) (api.OutputValues, error) {
		p, _ := args["path"].(string)
		if err := fs.Write(ctx, p, args["data"]); err != nil {
			return nil, err
		}
		return api.OutputValues{}, nil
	})
	c.Add(CapQuery, func(ctx context.Context, args api.InputValues, _ []int) (api.OutputValues, error) {
		p, _ := args["path"].(string)
		entries, err := fs.Query(ctx, p)
		if err != nil {
			return nil, err
		}
		list := make([]any, len(entries))
		for i, e := range entries {
			list[i] = e
		}
		return api.OutputValues{"entries": list}, nil
	})
}
