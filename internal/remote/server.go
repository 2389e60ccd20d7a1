// Package remote runs whole boards on a worker on behalf of a host.
//
// The host sends start with the board (or its URL) and inputs. The worker
// executes it with a local harness and streams node-start, node-end, output
// and finally end or error back, all carrying the id of the start message.
// Input, board loading and proxied capabilities are requests the worker
// sends to the host.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/boardflow/internal/harness"
	"github.com/petrijr/boardflow/internal/protocol"
	"github.com/petrijr/boardflow/internal/proxy"
	"github.com/petrijr/boardflow/pkg/api"
)

// Server executes boards for hosts connecting to it.
type Server struct {
	kits     []api.Kit
	proxy    *proxy.Config
	newProbe func() (api.Probe, error)
	logger   *slog.Logger
}

// ServerConfig configures a worker.
type ServerConfig struct {
	// Kits are the node types available on the worker.
	Kits []api.Kit

	// Proxy names the capabilities the worker forwards to the host.
	Proxy *proxy.Config

	// NewProbe, if set, creates a probe observing each run on the worker.
	NewProbe func() (api.Probe, error)

	Logger *slog.Logger
}

// NewServer creates a worker.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{kits: cfg.Kits, proxy: cfg.Proxy, newProbe: cfg.NewProbe, logger: logger}
}

// Serve handles one host connection until it ends.
func (s *Server) Serve(ctx context.Context, t protocol.Transport) error {
	conn := protocol.NewConn(t, protocol.HandlerFunc(func(ctx context.Context, c *protocol.Conn, env protocol.Envelope) {
		if env.Type != protocol.KindStart {
			if env.Type.IsRequest() {
				_ = c.ReplyError(ctx, env, &api.ProtocolError{Kind: string(env.Type), ID: env.ID, Message: "worker does not serve this request"})
			}
			return
		}
		s.run(ctx, c, env)
	}), s.logger)
	return conn.Run(ctx)
}

func (s *Server) registry(conn *protocol.Conn) *api.Registry {
	reg := api.NewRegistry(s.kits...)
	if s.proxy != nil {
		reg.Register(proxy.NewClient(conn, s.proxy).Kit())
	}
	return reg
}

// run executes the board of start and reports everything under its id.
func (s *Server) run(ctx context.Context, conn *protocol.Conn, start protocol.Envelope) {
	logger := s.logger.With(slog.String("run", start.ID))
	notify := func(env protocol.Envelope) error {
		env.ID = start.ID
		return conn.Notify(ctx, env)
	}
	fail := func(err error) {
		logger.Warn("remote_run_failed", slog.Any("error", err))
		if nerr := notify(protocol.ErrorEnvelope(start.ID, err)); nerr != nil {
			logger.Debug("remote_error_not_delivered", slog.Any("error", nerr))
		}
	}

	board := start.Board
	if board == nil {
		if start.URL == "" {
			fail(errors.New("start carries neither a board nor a url"))
			return
		}
		resp, err := conn.Call(ctx, protocol.Envelope{Type: protocol.KindLoadRequest, URL: start.URL})
		if err != nil {
			fail(fmt.Errorf("load %s: %w", start.URL, err))
			return
		}
		if resp.Board == nil {
			fail(fmt.Errorf("load %s: host sent no board", start.URL))
			return
		}
		board = resp.Board
	}

	var local api.Probe
	if s.newProbe != nil {
		p, err := s.newProbe()
		if err != nil {
			fail(err)
			return
		}
		local = p
	}
	h := harness.New(harness.Config{Registry: s.registry(conn), Probe: local, Logger: logger})
	run, err := h.Start(ctx, harness.RunConfig{
		Board:  board,
		Inputs: start.Inputs,
		State:  start.State,
		Probe: api.ProbeFunc(func(ctx context.Context, msg api.ProbeMessage) {
			kind, ok := probeKinds[msg.Type]
			if !ok {
				return
			}
			_ = notify(protocol.Envelope{Type: kind, Node: msg.Node, Path: msg.Path, Inputs: msg.Inputs, Outputs: msg.Outputs})
		}),
	})
	if err != nil {
		fail(err)
		return
	}
	defer run.Stop()
	logger.Info("remote_run_started", slog.String("board", board.Title))

	for {
		res, err := run.Next(ctx)
		if errors.Is(err, api.ErrRunComplete) {
			return
		}
		if err != nil {
			fail(err)
			return
		}
		switch res.Type {
		case api.ResultInput:
			req := res.Input
			resp, err := conn.Call(ctx, protocol.Envelope{
				Type:   protocol.KindInputRequest,
				Node:   &req.Node,
				Inputs: req.Inputs,
				Schema: req.Schema,
				Path:   req.Path,
			})
			if err != nil {
				fail(fmt.Errorf("input for %q: %w", req.Node.ID, err))
				return
			}
			inputs := resp.Inputs
			if inputs == nil {
				inputs = api.InputValues{}
			}
			if err := run.Provide(inputs); err != nil {
				fail(err)
				return
			}
		case api.ResultOutput:
			_ = notify(protocol.Envelope{Type: protocol.KindOutput, Node: res.Node, Outputs: res.Outputs, Path: res.Path})
		case api.ResultError:
			env := protocol.ErrorEnvelope(start.ID, errors.New(res.Error))
			env.Node = res.Node
			env.Path = res.Path
			_ = notify(env)
			return
		case api.ResultEnd:
			_ = notify(protocol.Envelope{Type: protocol.KindEnd})
			logger.Info("remote_run_finished")
			return
		}
	}
}

var probeKinds = map[api.ProbeType]protocol.Kind{
	api.ProbeNodeStart: protocol.KindNodeStart,
	api.ProbeNodeEnd:   protocol.KindNodeEnd,
}
