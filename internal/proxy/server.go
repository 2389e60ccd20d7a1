package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/boardflow/internal/ctxlog"
	"github.com/petrijr/boardflow/internal/protocol"
	"github.com/petrijr/boardflow/pkg/api"
)

// Server answers proxy requests on the host.
type Server struct {
	config   *Config
	registry *api.Registry
	logger   *slog.Logger
}

// NewServer serves the capabilities of cfg using the handlers in reg.
func NewServer(cfg *Config, reg *api.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{config: cfg, registry: reg, logger: logger}
}

// Handle answers a single proxy request. Failures are returned as error
// envelopes carrying the request id; nothing is dropped.
func (s *Server) Handle(ctx context.Context, req protocol.Envelope) protocol.Envelope {
	if req.Type != protocol.KindProxyRequest {
		return protocol.ErrorEnvelope(req.ID, &api.ProtocolError{Kind: string(req.Type), ID: req.ID, Message: "expected proxy request"})
	}
	name := req.Capability
	if name == "" && req.Node != nil {
		name = req.Node.Type
	}
	logger := s.logger.With(slog.String("capability", name), slog.String("caller", req.Caller), slog.String("id", req.ID))

	if err := s.config.Allow(name, req.Caller); err != nil {
		logger.Warn("proxy_request_rejected", slog.Any("error", err))
		return protocol.ErrorEnvelope(req.ID, err)
	}
	handler, ok := s.registry.Handler(name)
	if !ok {
		err := fmt.Errorf("%w: %s has no handler on the host", api.ErrCapabilityNotProxied, name)
		logger.Warn("proxy_request_rejected", slog.Any("error", err))
		return protocol.ErrorEnvelope(req.ID, err)
	}

	node := api.NodeDescriptor{ID: req.Caller, Type: name}
	if req.Node != nil {
		node = *req.Node
	}
	nc := &api.NodeContext{Descriptor: node, Path: req.Path, Logger: logger, Probe: api.NoopProbe{}}

	outputs, err := invoke(ctxlog.WithLogger(ctx, logger), handler, req.Inputs, nc)
	if err != nil {
		logger.Warn("proxy_request_failed", slog.Any("error", err))
		return protocol.ErrorEnvelope(req.ID, err)
	}
	if outputs == nil {
		return protocol.ErrorEnvelope(req.ID, errors.New("handler returned nothing"))
	}
	logger.Debug("proxy_request_served")
	return protocol.Envelope{Type: protocol.KindProxyResponse, ID: req.ID, Outputs: outputs}
}

func invoke(ctx context.Context, h api.NodeHandler, inputs api.InputValues, nc *api.NodeContext) (out api.OutputValues, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h.Invoke(ctx, inputs, nc)
}

// HandleEnvelope lets a Server own a dedicated proxy channel.
func (s *Server) HandleEnvelope(ctx context.Context, c *protocol.Conn, env protocol.Envelope) {
	if !env.Type.IsRequest() {
		return
	}
	resp := s.Handle(ctx, env)
	if err := c.Reply(ctx, env, resp); err != nil {
		s.logger.Warn("proxy_reply_failed", slog.String("id", env.ID), slog.Any("error", err))
	}
}
