// Package core provides the built-in node types every board can use.
package core

import (
	"context"
	"errors"
	"maps"

	"github.com/petrijr/boardflow/pkg/api"
)

// Node types provided by Kit.
const (
	TypePassthrough = "passthrough"
	TypeMemory      = "memory"
)

// Kit returns the core kit.
func Kit() api.Kit {
	return api.Kit{Name: "core", Handlers: map[string]api.NodeHandler{
		TypePassthrough: api.HandlerFunc(Passthrough),
		TypeMemory:      api.HandlerFunc(Memory),
	}}
}

// Passthrough outputs its inputs unchanged.
func Passthrough(_ context.Context, inputs api.InputValues, _ *api.NodeContext) (api.OutputValues, error) {
	out := maps.Clone(inputs)
	if out == nil {
		out = api.OutputValues{}
	}
	return out, nil
}

// Memory appends the value input to the run memory under key (default
// "memory") and outputs everything accumulated so far as values. A truthy
// reset input clears the key first.
func Memory(_ context.Context, inputs api.InputValues, nc *api.NodeContext) (api.OutputValues, error) {
	if nc == nil || nc.Memory == nil {
		return nil, errors.New("memory: run memory unavailable")
	}
	key, _ := inputs["key"].(string)
	if key == "" {
		key = "memory"
	}
	if reset, _ := inputs["reset"].(bool); reset {
		nc.Memory.Reset(key)
	}
	if v, ok := inputs["value"]; ok {
		nc.Memory.Append(key, v)
	}
	values := nc.Memory.Get(key)
	if values == nil {
		values = []api.NodeValue{}
	}
	return api.OutputValues{"values": values}, nil
}
