// Package client is a peer's side of the relay: a websocket connection
// with typed send helpers and a read loop that dispatches inbound
// messages to the synchronization engine, the reload watcher and the
// chat/call surfaces.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/couchsync/server/internal/domain"
	"github.com/couchsync/server/pkg/validator"
)

type iEngine interface {
	Connected(peerID string)
	HandleState(domain.PlaybackState)
	HandleReplyState(domain.PlaybackState)
	HandleRequestState(requester string)
}

type iReload interface {
	Observe(version string)
}

type Client struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	validate *validator.Validator
	logger   *slog.Logger

	mu     sync.Mutex
	peerID string

	// Optional surfaces; nil callbacks drop the corresponding messages.
	OnChat     func(domain.ChatPayload)
	OnRoomInfo func(count int)
	OnSignal   func(msgType string, payload json.RawMessage)
}

// Dial connects to the relay's /ws endpoint. serverURL is the http(s)
// base address of the relay.
func Dial(ctx context.Context, serverURL, room string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	if room != "" {
		u.RawQuery = url.Values{"room": {room}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	return &Client{
		conn:     conn,
		validate: validator.New(),
		logger:   logger,
	}, nil
}

// PeerID returns the relay-assigned identity, or "" before the welcome
// message has arrived.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peerID
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Run reads messages until the connection closes or ctx is done.
// Malformed payloads are dropped with a debug log and never crash the
// peer.
func (c *Client) Run(ctx context.Context, eng iEngine, rel iReload) error {
	stop := context.AfterFunc(ctx, func() {
		c.conn.Close()
	})
	defer stop()

	for {
		var env domain.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if isDecodeError(err) {
				c.logger.Debug("client: dropped garbled frame", "err", err)
				continue
			}
			return err
		}

		c.dispatch(env, eng, rel)
	}
}

// isDecodeError reports whether err came from decoding a fully read
// frame rather than from the transport; one garbled frame must not take
// the connection down.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (c *Client) dispatch(env domain.Envelope, eng iEngine, rel iReload) {
	switch env.Type {
	case domain.MsgWelcome:
		var p domain.WelcomePayload
		if !c.decode(env, &p) || p.ID == "" {
			return
		}
		c.mu.Lock()
		c.peerID = p.ID
		c.mu.Unlock()
		eng.Connected(p.ID)

	case domain.MsgServerVersion:
		var p domain.ServerVersionPayload
		if !c.decode(env, &p) {
			return
		}
		rel.Observe(p.Version)

	case domain.MsgState:
		var p domain.StatePayload
		if !c.decode(env, &p) || !c.valid(env.Type, p.State) {
			return
		}
		eng.HandleState(p.State)

	case domain.MsgReplyState:
		var p domain.ReplyStatePayload
		if !c.decode(env, &p) || !c.valid(env.Type, p.State) {
			return
		}
		eng.HandleReplyState(p.State)

	case domain.MsgRequestState:
		var p domain.RequestStatePayload
		if !c.decode(env, &p) || !c.valid(env.Type, p) {
			return
		}
		eng.HandleRequestState(p.Requester)

	case domain.MsgChat:
		var p domain.ChatPayload
		if !c.decode(env, &p) {
			return
		}
		if c.OnChat != nil {
			c.OnChat(p)
		}

	case domain.MsgRoomInfo:
		var p domain.RoomInfoPayload
		if !c.decode(env, &p) {
			return
		}
		if c.OnRoomInfo != nil {
			c.OnRoomInfo(p.Count)
		}

	case domain.MsgCallOffer, domain.MsgCallAnswer, domain.MsgCallICE, domain.MsgCallEnd:
		if c.OnSignal != nil {
			c.OnSignal(env.Type, env.Payload)
		}

	default:
		c.logger.Debug("client: dropped unknown message type", "type", env.Type)
	}
}

func (c *Client) decode(env domain.Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		c.logger.Debug("client: dropped malformed payload", "type", env.Type, "err", err)
		return false
	}
	return true
}

func (c *Client) valid(msgType string, v any) bool {
	if errs, ok := c.validate.Validate(v); !ok {
		c.logger.Debug("client: dropped invalid payload", "type", msgType, "violations", errs)
		return false
	}
	return true
}

// BroadcastState implements the engine's transport port.
func (c *Client) BroadcastState(st domain.PlaybackState) error {
	return c.write(domain.MsgState, domain.StatePayload{State: st})
}

// RequestState implements the engine's transport port.
func (c *Client) RequestState(requester string) error {
	return c.write(domain.MsgRequestState, domain.RequestStatePayload{Requester: requester})
}

// ReplyState implements the engine's transport port.
func (c *Client) ReplyState(to string, st domain.PlaybackState) error {
	return c.write(domain.MsgReplyState, domain.ReplyStatePayload{To: to, State: st})
}

func (c *Client) SendChat(p domain.ChatPayload) error {
	return c.write(domain.MsgChat, p)
}

// SendSignal relays an opaque call-signaling payload.
func (c *Client) SendSignal(msgType string, payload json.RawMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteJSON(domain.Envelope{Type: msgType, Payload: payload})
}

func (c *Client) write(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteJSON(domain.Envelope{Type: msgType, Payload: data}); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}
	return nil
}
