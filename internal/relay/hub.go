// Package relay implements the transport hub. It forwards opaque
// state/chat/signaling envelopes between connected peers and tracks peer
// counts; it has no understanding of playback and holds no playback
// state.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/couchsync/server/internal/domain"
)

var ErrPeerNotFound = errors.New("peer not found")

// Conn is one peer's outbound half. Implementations must preserve the
// order of writes and must not block the hub: slow consumers get
// disconnected, not waited on.
type Conn interface {
	WriteEnvelope(domain.Envelope) error
	Close() error
}

type iBridge interface {
	Publish(room string, env domain.Envelope)
}

type peer struct {
	id   string
	room string
	conn Conn
}

type Hub struct {
	mu    sync.RWMutex
	peers map[string]*peer
	rooms map[string]map[string]*peer

	version string
	logger  *slog.Logger
	bridge  iBridge
}

func NewHub(version string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		peers:   make(map[string]*peer),
		rooms:   make(map[string]map[string]*peer),
		version: version,
		logger:  logger,
	}
}

// SetBridge attaches a cross-instance forwarder. Must be called before
// the hub starts accepting peers.
func (h *Hub) SetBridge(b iBridge) {
	h.bridge = b
}

// Join registers a connection, assigns it an opaque peer id, greets it
// with welcome and server-version, and announces the new peer count to
// the room.
func (h *Hub) Join(room string, conn Conn) string {
	id := uuid.NewString()

	h.mu.Lock()
	p := &peer{id: id, room: room, conn: conn}
	h.peers[id] = p
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*peer)
	}
	h.rooms[room][id] = p
	count := len(h.rooms[room])
	h.mu.Unlock()

	h.send(p, domain.MsgWelcome, domain.WelcomePayload{ID: id})
	h.send(p, domain.MsgServerVersion, domain.ServerVersionPayload{Version: h.version})
	h.broadcastRoomInfo(room, count)

	h.logger.Debug("relay.Join", "peerId", id, "room", room, "count", count)
	return id
}

// Leave removes a peer and announces the updated count to its room.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	p, ok := h.peers[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, id)
	delete(h.rooms[p.room], id)
	count := len(h.rooms[p.room])
	if count == 0 {
		delete(h.rooms, p.room)
	}
	h.mu.Unlock()

	p.conn.Close()
	if count > 0 {
		h.broadcastRoomInfo(p.room, count)
	}

	h.logger.Debug("relay.Leave", "peerId", id, "room", p.room, "count", count)
}

// Count reports the number of peers currently in a room.
func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms[room])
}

// PeerIDs returns the ids of a room's peers in stable order.
func (h *Hub) PeerIDs(room string) []string {
	h.mu.RLock()
	ids := maps.Keys(h.rooms[room])
	h.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Forward routes an envelope from a connected peer. reply-state is
// delivered only to the peer it names; everything else goes verbatim to
// every other peer in the sender's room. Malformed envelopes are dropped
// silently: the relay must survive any garbage.
func (h *Hub) Forward(senderID string, env domain.Envelope) {
	h.mu.RLock()
	sender, ok := h.peers[senderID]
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("relay.Forward: unknown sender", "peerId", senderID)
		return
	}

	h.deliver(sender.room, senderID, env)

	if h.bridge != nil {
		h.bridge.Publish(sender.room, env)
	}
}

// ForwardRemote routes an envelope received from another relay instance
// through the bridge. Local delivery only; it is never re-published.
func (h *Hub) ForwardRemote(room string, env domain.Envelope) {
	h.deliver(room, "", env)
}

func (h *Hub) deliver(room, senderID string, env domain.Envelope) {
	if env.Type == domain.MsgReplyState {
		var target struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal(env.Payload, &target); err != nil || target.To == "" {
			h.logger.Debug("relay: dropped reply-state without target")
			return
		}

		h.mu.RLock()
		p, ok := h.peers[target.To]
		h.mu.RUnlock()
		if !ok || p.room != room {
			// Requester gone (or on another instance); nothing to do.
			return
		}
		h.writeEnvelope(p, env)
		return
	}

	h.mu.RLock()
	recipients := make([]*peer, 0, len(h.rooms[room]))
	for id, p := range h.rooms[room] {
		if id == senderID {
			continue
		}
		recipients = append(recipients, p)
	}
	h.mu.RUnlock()

	for _, p := range recipients {
		h.writeEnvelope(p, env)
	}
}

func (h *Hub) broadcastRoomInfo(room string, count int) {
	h.mu.RLock()
	recipients := make([]*peer, 0, len(h.rooms[room]))
	for _, p := range h.rooms[room] {
		recipients = append(recipients, p)
	}
	h.mu.RUnlock()

	for _, p := range recipients {
		h.send(p, domain.MsgRoomInfo, domain.RoomInfoPayload{Count: count})
	}
}

func (h *Hub) send(p *peer, msgType string, payload any) {
	env, err := envelope(msgType, payload)
	if err != nil {
		h.logger.Debug("relay: failed to build envelope", "type", msgType, "err", err)
		return
	}
	h.writeEnvelope(p, env)
}

func (h *Hub) writeEnvelope(p *peer, env domain.Envelope) {
	if err := p.conn.WriteEnvelope(env); err != nil {
		h.logger.Info("relay: write failed, closing peer", "peerId", p.id, "err", err)
		p.conn.Close()
	}
}

func envelope(msgType string, payload any) (domain.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}

	return domain.Envelope{Type: msgType, Payload: data}, nil
}
