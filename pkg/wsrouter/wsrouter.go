// Package wsrouter dispatches JSON websocket messages of the shape
// {"type": ..., "payload": ...} to per-type handlers.
package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/gorilla/websocket"
)

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type HandlerFunc func(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error

type WSRouter struct {
	routes map[string]HandlerFunc
	logger *slog.Logger
}

func New(logger *slog.Logger) *WSRouter {
	if logger == nil {
		logger = slog.Default()
	}

	return &WSRouter{routes: make(map[string]HandlerFunc), logger: logger}
}

func (r *WSRouter) Handle(messageType string, handler HandlerFunc) {
	r.routes[messageType] = handler
}

// ServeConn reads messages until the connection errors. Unknown message
// types, garbled frames and handler errors are logged and dropped; a
// stray message must never take the connection down.
func (r *WSRouter) ServeConn(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			if isDecodeError(err) {
				r.logger.Debug("wsrouter: dropped garbled frame", "err", err)
				continue
			}
			return err
		}

		handler, ok := r.routes[msg.Type]
		if !ok {
			r.logger.Debug("wsrouter: dropped unknown message type", "type", msg.Type)
			continue
		}

		if err := handler(ctx, conn, msg.Payload); err != nil {
			r.logger.Debug("wsrouter: handler failed", "type", msg.Type, "err", err)
		}
	}
}

// isDecodeError reports whether err came from decoding a fully read
// frame rather than from the transport. gorilla wraps mid-frame
// connection loss in a *websocket.CloseError, so a bare json error or
// io.ErrUnexpectedEOF means the frame itself was garbage.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}
