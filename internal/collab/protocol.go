package collab

import (
	"encoding/json"

	"collabtext/syncd/internal/room"
)

// Inbound event names.
const (
	EventJoinDoc       = "join-doc"
	EventSendDelta     = "send-delta"
	EventCursorUpdate  = "cursor-update"
	EventDisconnecting = "disconnecting"
	EventDisconnect    = "disconnect"
)

// Outbound event names. cursor-update is used in both directions.
const (
	EventDocLoad        = "doc-load"
	EventReceiveDelta   = "receive-delta"
	EventPresenceUpdate = "presence-update"
	EventPresenceLeave  = "presence-leave"
	EventError          = "error"
)

// Message is one named frame on the wire, in either direction.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound event before encoding.
type Event struct {
	Name    string
	Payload any
}

// Encode renders the event as a wire Message.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: e.Name, Data: data})
}

type JoinDoc struct {
	DocID string          `json:"docId"`
	User  json.RawMessage `json:"user,omitempty"`
}

type SendDelta struct {
	DocID string          `json:"docId"`
	Delta json.RawMessage `json:"delta"`
}

type CursorUpdate struct {
	DocID  string          `json:"docId"`
	Cursor json.RawMessage `json:"cursor"`
}

type DocLoad struct {
	Ops []json.RawMessage `json:"ops"`
}

type ReceiveDelta struct {
	Delta json.RawMessage `json:"delta"`
	User  json.RawMessage `json:"user"`
}

type CursorMoved struct {
	ID     string          `json:"id"`
	User   json.RawMessage `json:"user"`
	Cursor json.RawMessage `json:"cursor"`
}

type PresenceUpdate []room.Presence

type PresenceLeave struct {
	ID   string          `json:"id"`
	User json.RawMessage `json:"user"`
}

// ErrorReport tells a connection that one of its messages failed.
type ErrorReport struct {
	Event   string `json:"event"`
	DocID   string `json:"docId,omitempty"`
	Message string `json:"message"`
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
