package domain

import "encoding/json"

// Message types carried over the relay. The relay forwards everything
// verbatim; only reply-state is decoded (far enough to read the target).
const (
	MsgState         = "state"
	MsgRequestState  = "request-state"
	MsgReplyState    = "reply-state"
	MsgChat          = "chat"
	MsgCallOffer     = "call-offer"
	MsgCallAnswer    = "call-answer"
	MsgCallICE       = "call-ice"
	MsgCallEnd       = "call-end"
	MsgRoomInfo      = "room-info"
	MsgServerVersion = "server-version"
	MsgWelcome       = "welcome"
)

// Envelope is the wire frame for every relayed message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type StatePayload struct {
	State PlaybackState `json:"state"`
}

type RequestStatePayload struct {
	Requester string `json:"requester" validate:"required"`
}

type ReplyStatePayload struct {
	To    string        `json:"to"`
	State PlaybackState `json:"state"`
}

type ChatPayload struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
	At     int64  `json:"at"`
}

type RoomInfoPayload struct {
	Count int `json:"count"`
}

type ServerVersionPayload struct {
	Version string `json:"version"`
}

type WelcomePayload struct {
	ID string `json:"id"`
}
