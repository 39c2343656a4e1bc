package collab

import (
	"encoding/json"

	"github.com/golang/glog"
)

// Envelope carries a relayed event between server nodes that share rooms.
type Envelope struct {
	Node    string          `json:"node"`
	Room    string          `json:"room"`
	Exclude string          `json:"exclude,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Mirror copies relayed events to other nodes. Publish must not block the
// caller, which holds a room lock.
//
// Only delta events are mirrored (receive-delta, cursor-update,
// presence-leave). Presence snapshots stay node local.
type Mirror interface {
	Publish(env Envelope)
}

// Deliver hands an event published by another node to the local members of
// its room. Envelopes from this node are dropped.
//
// Deliver does not take the room lock: a local store call in one room must
// not hold up mirrored events for the others. Per-room order comes from the
// mirror, which delivers each room's events in publish order.
func (e *Engine) Deliver(env Envelope) {
	if env.Node == e.settings.NodeID {
		return
	}
	e.broadcast(env.Room, env.Exclude, Event{Name: env.Event, Payload: env.Data})
	glog.V(2).Infof("[engine]mirrored %s %s<-%s\n", env.Event, env.Room, env.Node)
}
