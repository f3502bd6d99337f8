package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/pkg/ctxlogger"
	"github.com/couchsync/server/pkg/wsrouter"
)

func (c *controller) handleWS(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		room = defaultRoom
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Info("failed to upgrade connection", "err", err)
		return
	}

	wc := newWSConn(conn)
	go wc.writeLoop()

	peerID := c.hub.Join(room, wc)
	defer c.hub.Leave(peerID)

	ctx := ctxlogger.AppendCtx(r.Context(),
		slog.String("peerId", peerID),
		slog.String("room", room),
	)

	if err := c.getWSRouter(peerID).ServeConn(ctx, conn); err != nil {
		c.logger.DebugContext(ctx, "connection closed", "err", err)
	}
}

// getWSRouter wires every relayed message type to a verbatim forward. The
// relay has no semantic understanding of any of them; reply-state routing
// happens inside the hub.
func (c *controller) getWSRouter(peerID string) *wsrouter.WSRouter {
	mux := wsrouter.New(c.logger)

	forward := func(msgType string) wsrouter.HandlerFunc {
		return func(_ context.Context, _ *websocket.Conn, payload json.RawMessage) error {
			c.hub.Forward(peerID, domain.Envelope{Type: msgType, Payload: payload})
			return nil
		}
	}

	mux.Handle(domain.MsgState, forward(domain.MsgState))
	mux.Handle(domain.MsgRequestState, forward(domain.MsgRequestState))
	mux.Handle(domain.MsgReplyState, forward(domain.MsgReplyState))
	mux.Handle(domain.MsgChat, forward(domain.MsgChat))

	// Call signaling is relayed as opaque payloads.
	mux.Handle(domain.MsgCallOffer, forward(domain.MsgCallOffer))
	mux.Handle(domain.MsgCallAnswer, forward(domain.MsgCallAnswer))
	mux.Handle(domain.MsgCallICE, forward(domain.MsgCallICE))
	mux.Handle(domain.MsgCallEnd, forward(domain.MsgCallEnd))

	return mux
}
