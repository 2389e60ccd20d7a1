package proxy

import (
	"context"
	"slices"

	"github.com/petrijr/boardflow/internal/protocol"
	"github.com/petrijr/boardflow/pkg/api"
)

// Caller sends requests to the host. *protocol.Conn implements it.
type Caller interface {
	Call(ctx context.Context, req protocol.Envelope) (protocol.Envelope, error)
}

// Client forwards the configured capabilities to the host.
type Client struct {
	conn   Caller
	config *Config
}

// NewClient creates a client sending over conn.
func NewClient(conn Caller, cfg *Config) *Client {
	return &Client{conn: conn, config: cfg}
}

// Kit returns one remote handler per configured capability. Registered
// after the local kits, it overrides local handlers of the same type.
func (c *Client) Kit() api.Kit {
	handlers := make(map[string]api.NodeHandler)
	for _, name := range c.config.Names() {
		handlers[name] = &tunnel{client: c, capability: name}
	}
	return api.Kit{Name: "proxy", Handlers: handlers}
}

// Invoke calls capability on the host on behalf of the node described by nc.
func (c *Client) Invoke(ctx context.Context, capability string, inputs api.InputValues, nc *api.NodeContext) (api.OutputValues, error) {
	req := protocol.Envelope{
		Type:       protocol.KindProxyRequest,
		ID:         protocol.NewID(),
		Capability: capability,
		Inputs:     inputs,
	}
	if nc != nil {
		node := nc.Descriptor
		req.Node = &node
		req.Caller = node.ID
		req.Path = slices.Clone(nc.Path)
	}
	resp, err := c.conn.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Outputs == nil {
		return api.OutputValues{}, nil
	}
	return resp.Outputs, nil
}

type tunnel struct {
	client     *Client
	capability string
}

var _ api.RemoteHandler = (*tunnel)(nil)

func (t *tunnel) Invoke(ctx context.Context, inputs api.InputValues, nc *api.NodeContext) (api.OutputValues, error) {
	return t.client.Invoke(ctx, t.capability, inputs, nc)
}

func (t *tunnel) Remote() bool { return true }
