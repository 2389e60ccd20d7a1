package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport carries envelopes as text frames.
type WebSocketTransport struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport wraps an established connection.
func NewWebSocketTransport(ws *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{ws: ws}
}

// DialWebSocket connects to a worker listening at url.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketTransport, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketTransport(ws), nil
}

func (t *WebSocketTransport) Send(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.ws.SetWriteDeadline(deadline)
		defer t.ws.SetWriteDeadline(time.Time{})
	}
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks until a frame arrives. The context is only checked before
// reading; closing the transport unblocks a pending read.
func (t *WebSocketTransport) Receive(ctx context.Context) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	_, data, err := t.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Envelope{}, io.EOF
		}
		return Envelope{}, err
	}
	return Decode(data)
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.writeMu.Lock()
		_ = t.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.ws.Close()
	})
	return err
}

// WebSocketHandler upgrades requests and passes each connection to serve.
// The transport is closed when serve returns.
func WebSocketHandler(logger *slog.Logger, serve func(ctx context.Context, t Transport) error) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket_upgrade_failed", slog.Any("error", err))
			return
		}
		t := NewWebSocketTransport(ws)
		defer t.Close()

		logger.Info("websocket_connected", slog.String("remote", r.RemoteAddr))
		if err := serve(r.Context(), t); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			logger.Warn("websocket_session_ended", slog.Any("error", err))
		}
	})
}
