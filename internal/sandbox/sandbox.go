package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/petrijr/boardflow/pkg/api"
)

// Sandbox runs the module moduleID of a board. Implementations decide how the
// module code is isolated; they must report failures through the outcome
// rather than by panicking.
type Sandbox interface {
	Run(ctx context.Context, moduleID string, spec api.ModuleSpec, inputs api.InputValues, caps *Capabilities) api.Outcome[api.OutputValues]
}

// Module is a module implemented in Go.
type Module func(ctx context.Context, inputs api.InputValues, caps *Capabilities) (api.OutputValues, error)

// FuncSandbox maps module ids to Go functions. It provides no isolation and
// ignores the module code; it exists to run boards whose modules have native
// implementations.
type FuncSandbox struct {
	mu      sync.RWMutex
	modules map[string]Module
}

var _ Sandbox = (*FuncSandbox)(nil)

// NewFuncSandbox creates a sandbox holding modules.
func NewFuncSandbox(modules map[string]Module) *FuncSandbox {
	s := &FuncSandbox{modules: make(map[string]Module, len(modules))}
	for id, m := range modules {
		s.modules[id] = m
	}
	return s
}

// Register adds or replaces a module.
func (s *FuncSandbox) Register(id string, m Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[id] = m
}

func (s *FuncSandbox) Run(ctx context.Context, moduleID string, _ api.ModuleSpec, inputs api.InputValues, caps *Capabilities) (out api.Outcome[api.OutputValues]) {
	s.mu.RLock()
	m, ok := s.modules[moduleID]
	s.mu.RUnlock()
	if !ok {
		return api.Failure[api.OutputValues](fmt.Sprintf("module %q has no implementation", moduleID))
	}

	defer func() {
		if p := recover(); p != nil {
			out = api.Failure[api.OutputValues](fmt.Sprintf("module %q panicked: %v", moduleID, p))
		}
	}()
	result, err := m(ctx, inputs, caps)
	if err != nil {
		return api.Failure[api.OutputValues](err.Error())
	}
	if result == nil {
		result = api.OutputValues{}
	}
	return api.Success(result)
}
