package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/boardflow/pkg/api"
)

// Handler receives the envelopes that are not answers to a pending Call.
//
// Requests (see Kind.IsRequest) are handled on their own goroutine and may be
// answered later through Conn.Reply. Everything else is handled in arrival
// order on the reading goroutine, so handlers of those must not block for
// long.
type Handler interface {
	HandleEnvelope(ctx context.Context, c *Conn, env Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Conn, env Envelope)

func (f HandlerFunc) HandleEnvelope(ctx context.Context, c *Conn, env Envelope) { f(ctx, c, env) }

// CallState tracks an exchange from the caller's side.
type CallState string

const (
	StateIdle             CallState = "idle"
	StateRequestSent      CallState = "request-sent"
	StateResponseReceived CallState = "response-received"
	StateErrorReceived    CallState = "error-received"
)

type call struct {
	state CallState
	kind  Kind
	reply chan Envelope
}

// Conn multiplexes concurrent exchanges over one transport. Responses are
// routed to their caller by id; a response nobody waits for any more is
// dropped.
type Conn struct {
	t       Transport
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*call
	closed  bool
	done    chan struct{}
}

// NewConn wraps t. Run must be called to start reading.
func NewConn(t Transport, h Handler, logger *slog.Logger) *Conn {
	if h == nil {
		h = HandlerFunc(func(ctx context.Context, c *Conn, env Envelope) {
			if env.Type.IsRequest() {
				_ = c.Reply(ctx, env, ErrorEnvelope(env.ID, fmt.Errorf("no handler for %s", env.Type)))
			}
		})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		t:       t,
		handler: h,
		logger:  logger,
		pending: make(map[string]*call),
		done:    make(chan struct{}),
	}
}

// Run reads until the transport ends or ctx is cancelled. Handlers still
// running receive a cancelled context and are waited for. A clean end of the
// channel returns nil.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		defer c.shutdown()
		for {
			env, err := c.t.Receive(gctx)
			if err != nil {
				var pe *api.ProtocolError
				if errors.As(err, &pe) {
					c.logger.Warn("protocol_malformed_message", slog.Any("error", err))
					_ = c.send(gctx, ErrorEnvelope(pe.ID, err))
					continue
				}
				if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) || gctx.Err() != nil {
					return nil
				}
				return err
			}
			c.dispatch(gctx, g, env)
		}
	})
	go func() {
		select {
		case <-gctx.Done():
			_ = c.t.Close()
		case <-c.done:
		}
	}()
	return g.Wait()
}

func (c *Conn) dispatch(ctx context.Context, g *errgroup.Group, env Envelope) {
	if !env.Type.Known() {
		err := &api.ProtocolError{Kind: string(env.Type), ID: env.ID, Message: "unknown message kind"}
		c.logger.Warn("protocol_unknown_kind", slog.String("kind", string(env.Type)), slog.String("id", env.ID))
		_ = c.send(ctx, ErrorEnvelope(env.ID, err))
		return
	}

	if env.Type.IsResponse() && c.resolve(env) {
		return
	}

	switch {
	case env.Type.IsRequest():
		if env.ID == "" {
			_ = c.send(ctx, ErrorEnvelope("", &api.ProtocolError{Kind: string(env.Type), Message: "request without id"}))
			return
		}
		g.Go(func() error {
			c.handler.HandleEnvelope(ctx, c, env)
			return nil
		})
	case env.Type.IsResponse() && env.Type != KindError:
		c.logger.Debug("protocol_late_response_dropped", slog.String("kind", string(env.Type)), slog.String("id", env.ID))
	default:
		c.handler.HandleEnvelope(ctx, c, env)
	}
}

// resolve hands env to the caller waiting for its id.
func (c *Conn) resolve(env Envelope) bool {
	c.mu.Lock()
	pc, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
		if env.Type == KindError {
			pc.state = StateErrorReceived
		} else {
			pc.state = StateResponseReceived
		}
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pc.reply <- env
	return true
}

// Call sends a request and waits for its answer. An error envelope is
// returned as an error. A cancelled Call forgets its id so the late answer is
// dropped.
func (c *Conn) Call(ctx context.Context, req Envelope) (Envelope, error) {
	if !req.Type.IsRequest() {
		return Envelope{}, fmt.Errorf("protocol: %s is not a request kind", req.Type)
	}
	if req.ID == "" {
		req.ID = NewID()
	}
	pc := &call{state: StateIdle, kind: req.Type, reply: make(chan Envelope, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	if _, dup := c.pending[req.ID]; dup {
		c.mu.Unlock()
		return Envelope{}, fmt.Errorf("protocol: id %s already in flight", req.ID)
	}
	c.pending[req.ID] = pc
	c.mu.Unlock()

	if err := c.send(ctx, req); err != nil {
		c.forget(req.ID)
		return Envelope{}, err
	}
	c.mu.Lock()
	if pc.state == StateIdle {
		pc.state = StateRequestSent
	}
	c.mu.Unlock()

	select {
	case resp := <-pc.reply:
		if resp.Type == KindError {
			return resp, &api.ProtocolError{Kind: string(req.Type), ID: req.ID, Message: resp.Error}
		}
		if resp.Type != req.Type.Response() {
			return resp, &api.ProtocolError{Kind: string(resp.Type), ID: req.ID, Message: "unexpected response kind"}
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return Envelope{}, ctx.Err()
	case <-c.done:
		c.forget(req.ID)
		return Envelope{}, ErrClosed
	}
}

// State reports the state of the exchange id. Finished or unknown exchanges
// are idle.
func (c *Conn) State(id string) CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok := c.pending[id]; ok {
		return pc.state
	}
	return StateIdle
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify sends env without expecting an answer.
func (c *Conn) Notify(ctx context.Context, env Envelope) error {
	return c.send(ctx, env)
}

// Reply answers req. The id is copied from req and, unless resp is an error,
// the kind is set to the answer kind of req.
func (c *Conn) Reply(ctx context.Context, req Envelope, resp Envelope) error {
	resp.ID = req.ID
	if resp.Type != KindError {
		resp.Type = req.Type.Response()
	}
	return c.send(ctx, resp)
}

// ReplyError answers req with an error envelope.
func (c *Conn) ReplyError(ctx context.Context, req Envelope, err error) error {
	return c.send(ctx, ErrorEnvelope(req.ID, err))
}

func (c *Conn) send(ctx context.Context, env Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	return c.t.Send(ctx, env)
}

// Done is closed once the connection stopped reading.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the transport. Pending calls fail with ErrClosed.
func (c *Conn) Close() error {
	err := c.t.Close()
	c.shutdown()
	return err
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
