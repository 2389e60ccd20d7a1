package protocol

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by transports after Close.
var ErrClosed = errors.New("protocol: transport closed")

// Transport moves envelopes over an ordered channel. Receive returns a
// *api.ProtocolError for a message it could not decode; the transport stays
// usable. Any other error ends the channel.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// PipePort is one end of an in-memory channel created by Pipe. Messages are
// JSON encoded on the way through, so both ends see the same shapes a
// network transport would produce.
type PipePort struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	peer *PipePort
	once sync.Once
}

var _ Transport = (*PipePort)(nil)

// Pipe returns the two connected ends of an in-memory channel.
func Pipe() (*PipePort, *PipePort) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &PipePort{in: ba, out: ab, done: make(chan struct{})}
	b := &PipePort{in: ab, out: ba, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipePort) Send(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	return p.SendRaw(ctx, data)
}

// SendRaw delivers data as-is to the other end.
func (p *PipePort) SendRaw(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipePort) Receive(ctx context.Context) (Envelope, error) {
	select {
	case data := <-p.in:
		return Decode(data)
	case <-p.done:
		return Envelope{}, ErrClosed
	case <-p.peer.done:
		// Drain what the peer sent before closing.
		select {
		case data := <-p.in:
			return Decode(data)
		default:
			return Envelope{}, io.EOF
		}
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (p *PipePort) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
