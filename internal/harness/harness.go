// Package harness runs boards and exposes each run as a lazy, cancellable
// sequence of results.
//
// A run is advanced only when the caller asks for the next result. Between
// two results nothing executes, which makes runs single-threaded and
// cooperative: a caller that stops pulling suspends the run, and a caller
// that cancels the context passed to Next stops it.
package harness

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/petrijr/boardflow/internal/sandbox"
	"github.com/petrijr/boardflow/pkg/api"
)

// Diagnostics selects which probe messages are also yielded as results.
// Probe subscribers always receive every message.
type Diagnostics string

const (
	DiagnosticsNone Diagnostics = ""
	DiagnosticsAll  Diagnostics = "all"
	// DiagnosticsTop yields only messages of the top-level graph.
	DiagnosticsTop Diagnostics = "top"
)

// ParseDiagnostics maps the textual levels accepted on the command line.
func ParseDiagnostics(s string) (Diagnostics, error) {
	switch s {
	case "", "none", "false", "silent":
		return DiagnosticsNone, nil
	case "all", "true":
		return DiagnosticsAll, nil
	case "top":
		return DiagnosticsTop, nil
	}
	return DiagnosticsNone, fmt.Errorf("unknown diagnostics level %q", s)
}

// Allows reports whether msg is also yielded as a result.
func (d Diagnostics) Allows(msg api.ProbeMessage) bool {
	switch d {
	case DiagnosticsAll:
		return true
	case DiagnosticsTop:
		return len(msg.Path) <= 1
	default:
		return false
	}
}

// Run is a started board execution.
type Run interface {
	// Next advances the run until it has a result to yield. It returns
	// api.ErrRunComplete after the terminal result and api.ErrInputRequired
	// while an input request is unanswered.
	Next(ctx context.Context) (api.HarnessResult, error)

	// Provide answers the pending input request.
	Provide(inputs api.InputValues) error

	// Snapshot captures the run state. Remote runs cannot be captured.
	Snapshot() (*api.ReanimationState, error)

	// Stop discards the run. Subsequent calls to Next fail.
	Stop()
}

// RemoteStrategy starts runs whose board executes on a remote worker.
type RemoteStrategy interface {
	StartRemote(ctx context.Context, rc RunConfig) (Run, error)
}

// RunConfig describes a single run.
type RunConfig struct {
	Board *api.GraphDescriptor

	// Inputs answer input requests whose schema they satisfy, so the run
	// does not suspend for them.
	Inputs api.InputValues

	// Start replaces the entry nodes of the board.
	Start string

	// StopAfter ends the run once the named node completed.
	StopAfter string

	// State continues a previously snapshotted run.
	State *api.ReanimationState

	Diagnostics Diagnostics

	// Remote delegates the whole run to a worker.
	Remote RemoteStrategy

	// Checkpoint receives a fresh snapshot after every completed node.
	// An error fails the run.
	Checkpoint func(ctx context.Context, state *api.ReanimationState) error

	// Probe receives this run's messages in addition to the harness probe.
	Probe api.Probe
}

// Config holds the harness-wide dependencies.
type Config struct {
	Registry *api.Registry
	Probe    api.Probe
	Logger   *slog.Logger

	// Files creates the run-scoped file system. It defaults to an in-memory
	// one.
	Files func() api.FileSystem
}

// Harness starts runs.
type Harness struct {
	registry *api.Registry
	probe    api.Probe
	logger   *slog.Logger
	files    func() api.FileSystem
}

// New creates a Harness.
func New(cfg Config) *Harness {
	h := &Harness{
		registry: cfg.Registry,
		probe:    cfg.Probe,
		logger:   cfg.Logger,
		files:    cfg.Files,
	}
	if h.registry == nil {
		h.registry = api.NewRegistry()
	}
	if h.probe == nil {
		h.probe = api.NoopProbe{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.files == nil {
		h.files = func() api.FileSystem { return sandbox.NewMemoryFS() }
	}
	return h
}

// Registry returns the handler registry used by local runs.
func (h *Harness) Registry() *api.Registry {
	return h.registry
}

// Start validates the board and starts a run using the local strategy, or
// the remote one when rc.Remote is set.
func (h *Harness) Start(ctx context.Context, rc RunConfig) (Run, error) {
	if rc.Board == nil {
		return nil, errors.New("harness: run config has no board")
	}
	if err := rc.Board.Validate(); err != nil {
		return nil, err
	}
	if rc.Start != "" {
		if _, ok := rc.Board.Node(rc.Start); !ok {
			return nil, &api.GraphStructureError{Problems: []string{fmt.Sprintf("start node %q does not exist", rc.Start)}}
		}
	}
	if rc.Remote != nil {
		rc.Probe = api.NewCompositeProbe(h.probe, rc.Probe)
		return rc.Remote.StartRemote(ctx, rc)
	}
	r, err := h.startLocal(rc, h.probe)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Results adapts a run to a range-over-func sequence. Iteration ends after
// the terminal result or at the first error. Callers answer input results by
// calling Provide inside the loop body.
func Results(ctx context.Context, r Run) iter.Seq2[api.HarnessResult, error] {
	return func(yield func(api.HarnessResult, error) bool) {
		for {
			res, err := r.Next(ctx)
			if errors.Is(err, api.ErrRunComplete) {
				return
			}
			if !yield(res, err) || err != nil {
				return
			}
		}
	}
}

// Collect drains r, answering nothing. It returns every result up to and
// including the terminal one, or up to the first input request.
func Collect(ctx context.Context, r Run) ([]api.HarnessResult, error) {
	var out []api.HarnessResult
	for res, err := range Results(ctx, r) {
		if err != nil {
			return out, err
		}
		out = append(out, res)
		if res.Type == api.ResultInput {
			return out, nil
		}
	}
	return out, nil
}
