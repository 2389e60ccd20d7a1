package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/boardflow/internal/harness"
	"github.com/petrijr/boardflow/internal/protocol"
	"github.com/petrijr/boardflow/internal/proxy"
	"github.com/petrijr/boardflow/pkg/api"
)

// ErrNoSnapshot is returned by Snapshot of a remote run: its state lives on
// the worker.
var ErrNoSnapshot = errors.New("remote: run state lives on the worker")

// GraphLoader resolves board URLs for load requests.
type GraphLoader interface {
	Load(ctx context.Context, url string) (*api.GraphDescriptor, error)
}

// LoaderFunc adapts a function to GraphLoader.
type LoaderFunc func(ctx context.Context, url string) (*api.GraphDescriptor, error)

func (f LoaderFunc) Load(ctx context.Context, url string) (*api.GraphDescriptor, error) {
	return f(ctx, url)
}

// Strategy delegates runs to a worker reached through Dial.
type Strategy struct {
	Dial func(ctx context.Context) (protocol.Transport, error)

	// URL, when set, is sent instead of the board; the worker then asks for
	// it with a load request.
	URL string

	// Loader answers load requests. Without one, the board of the run is
	// served for any URL.
	Loader GraphLoader

	// Proxy answers proxy requests. Without one, every proxy request is
	// rejected.
	Proxy *proxy.Server

	Logger *slog.Logger
}

var _ harness.RemoteStrategy = (*Strategy)(nil)

type hostPhase int

const (
	hostRunning hostPhase = iota
	hostAwaitInput
	hostDone
	hostStopped
)

// hostRun mirrors a worker-side run as a harness.Run.
type hostRun struct {
	id     string
	board  *api.GraphDescriptor
	rc     harness.RunConfig
	s      *Strategy
	conn   *protocol.Conn
	probe  api.Probe
	logger *slog.Logger
	cancel context.CancelFunc

	events chan protocol.Envelope

	phase    hostPhase
	started  bool
	buf      []api.HarnessResult
	request  protocol.Envelope
	provided api.InputValues
}

// StartRemote dials the worker and starts rc.Board there.
func (s *Strategy) StartRemote(ctx context.Context, rc harness.RunConfig) (harness.Run, error) {
	if s.Dial == nil {
		return nil, errors.New("remote: strategy has no dialer")
	}
	t, err := s.Dial(ctx)
	if err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &hostRun{
		id:     protocol.NewID(),
		board:  rc.Board,
		rc:     rc,
		s:      s,
		probe:  api.NewCompositeProbe(rc.Probe),
		events: make(chan protocol.Envelope, 256),
	}
	r.logger = logger.With(slog.String("run", r.id))
	r.conn = protocol.NewConn(t, protocol.HandlerFunc(r.handle), r.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() {
		if err := r.conn.Run(runCtx); err != nil {
			r.logger.Warn("remote_connection_failed", slog.Any("error", err))
		}
	}()

	start := protocol.Envelope{Type: protocol.KindStart, ID: r.id, Inputs: rc.Inputs, State: rc.State}
	if s.URL != "" {
		start.URL = s.URL
	} else {
		start.Board = rc.Board
	}
	if err := r.conn.Notify(ctx, start); err != nil {
		r.Stop()
		return nil, fmt.Errorf("remote: send start: %w", err)
	}
	return r, nil
}

// handle runs on the connection's goroutines.
func (r *hostRun) handle(ctx context.Context, c *protocol.Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.KindLoadRequest:
		board, err := r.load(ctx, env.URL)
		if err != nil {
			_ = c.ReplyError(ctx, env, err)
			return
		}
		_ = c.Reply(ctx, env, protocol.Envelope{Board: board})
	case protocol.KindProxyRequest:
		if r.s.Proxy == nil {
			_ = c.ReplyError(ctx, env, fmt.Errorf("%w: %s", api.ErrCapabilityNotProxied, env.Capability))
			return
		}
		_ = c.Reply(ctx, env, r.s.Proxy.Handle(ctx, env))
	case protocol.KindInputRequest:
		r.push(ctx, env)
	case protocol.KindStart:
		_ = c.ReplyError(ctx, env, &api.ProtocolError{Kind: string(env.Type), ID: env.ID, Message: "host does not run boards"})
	default:
		if env.ID != r.id {
			r.logger.Debug("remote_foreign_message_dropped", slog.String("kind", string(env.Type)), slog.String("id", env.ID))
			return
		}
		r.push(ctx, env)
	}
}

func (r *hostRun) push(ctx context.Context, env protocol.Envelope) {
	select {
	case r.events <- env:
	case <-ctx.Done():
	}
}

func (r *hostRun) load(ctx context.Context, url string) (*api.GraphDescriptor, error) {
	if r.s.Loader == nil {
		return r.board, nil
	}
	return r.s.Loader.Load(ctx, url)
}

func (r *hostRun) Next(ctx context.Context) (api.HarnessResult, error) {
	for len(r.buf) == 0 {
		switch r.phase {
		case hostDone:
			return api.HarnessResult{}, api.ErrRunComplete
		case hostStopped:
			return api.HarnessResult{}, api.ErrRunStopped
		case hostAwaitInput:
			if r.provided == nil {
				return api.HarnessResult{}, api.ErrInputRequired
			}
			err := r.conn.Reply(ctx, r.request, protocol.Envelope{Inputs: r.provided})
			r.provided = nil
			if err != nil {
				r.fail(ctx, nil, fmt.Errorf("remote: answer input: %w", err))
				continue
			}
			r.phase = hostRunning
			continue
		}
		if !r.started {
			r.started = true
			r.emit(ctx, api.ProbeMessage{Type: api.ProbeGraphStart, Path: []int{}, Graph: r.board.Title})
			continue
		}

		select {
		case env := <-r.events:
			r.translate(ctx, env)
			continue
		default:
		}
		select {
		case env := <-r.events:
			r.translate(ctx, env)
		case <-r.conn.Done():
			// Pick up anything routed just before the channel ended.
			select {
			case env := <-r.events:
				r.translate(ctx, env)
			default:
				r.fail(ctx, nil, errors.New("remote: connection to worker closed"))
			}
		case <-ctx.Done():
			r.Stop()
			return api.HarnessResult{}, ctx.Err()
		}
	}
	res := r.buf[0]
	r.buf = r.buf[1:]
	return res, nil
}

func (r *hostRun) translate(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.KindNodeStart:
		r.emit(ctx, api.ProbeMessage{Type: api.ProbeNodeStart, Path: env.Path, Node: env.Node, Inputs: env.Inputs})
	case protocol.KindNodeEnd:
		r.emit(ctx, api.ProbeMessage{Type: api.ProbeNodeEnd, Path: env.Path, Node: env.Node, Outputs: env.Outputs})
	case protocol.KindInputRequest:
		req := &api.InputRequest{Inputs: env.Inputs, Schema: env.Schema, Path: env.Path}
		if env.Node != nil {
			req.Node = *env.Node
		}
		r.emit(ctx, api.ProbeMessage{Type: api.ProbeInput, Path: env.Path, Node: env.Node, Inputs: env.Inputs})
		r.request = env
		r.phase = hostAwaitInput
		r.buf = append(r.buf, api.HarnessResult{Type: api.ResultInput, Input: req, Node: &req.Node, Path: req.Path})
	case protocol.KindOutput:
		r.emit(ctx, api.ProbeMessage{Type: api.ProbeOutput, Path: env.Path, Node: env.Node, Outputs: env.Outputs})
		r.buf = append(r.buf, api.HarnessResult{Type: api.ResultOutput, Node: env.Node, Outputs: env.Outputs, Path: env.Path})
	case protocol.KindError:
		r.fail(ctx, env.Node, errors.New(env.Error))
		r.buf[len(r.buf)-1].Path = env.Path
	case protocol.KindEnd:
		r.emit(ctx, api.ProbeMessage{Type: api.ProbeGraphEnd, Path: []int{}, Graph: r.board.Title})
		r.buf = append(r.buf, api.HarnessResult{Type: api.ResultEnd})
		r.finish()
	}
}

func (r *hostRun) fail(ctx context.Context, node *api.NodeDescriptor, err error) {
	r.emit(ctx, api.ProbeMessage{Type: api.ProbeError, Path: []int{}, Node: node, Error: err.Error()})
	r.buf = append(r.buf, api.HarnessResult{Type: api.ResultError, Node: node, Error: err.Error(), Err: err})
	r.finish()
}

func (r *hostRun) finish() {
	r.phase = hostDone
	r.cancel()
	_ = r.conn.Close()
}

func (r *hostRun) emit(ctx context.Context, msg api.ProbeMessage) {
	msg.Timestamp = time.Now()
	r.probe.Report(ctx, msg)
	if r.rc.Diagnostics.Allows(msg) {
		r.buf = append(r.buf, api.HarnessResult{Type: api.ResultProbe, Probe: &msg})
	}
}

func (r *hostRun) Provide(inputs api.InputValues) error {
	if r.phase != hostAwaitInput {
		return api.ErrNoPendingInput
	}
	cp, err := api.CloneValues(inputs)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = api.InputValues{}
	}
	r.provided = cp
	return nil
}

func (r *hostRun) Snapshot() (*api.ReanimationState, error) {
	return nil, ErrNoSnapshot
}

// Stop abandons the run. The worker notices the closed channel; anything it
// still sends is dropped.
func (r *hostRun) Stop() {
	if r.phase == hostStopped {
		return
	}
	r.phase = hostStopped
	r.buf = nil
	r.cancel()
	_ = r.conn.Close()
}
