// Package collab is the synchronization engine. It owns the join, op relay,
// cursor relay and disconnect protocol, mediating between live connections,
// the room registry and the document store.
//
// Every action addressed to a room runs under that room's lock, store calls
// included, so each room observes its actions totally ordered by arrival.
// Ops are relayed to peers before they are persisted; a persistence failure
// is reported but never retracts the relay.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"collabtext/syncd/internal/document"
	"collabtext/syncd/internal/room"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrStoreUnavailable = errors.New("document store unavailable")
	ErrUnknownEvent     = errors.New("unknown event")
)

// Conn is one live transport endpoint. Send must not block; transports queue
// or drop.
type Conn interface {
	ID() string
	Send(ev Event) error
}

type Settings struct {
	// NodeID tags events published to the mirror.
	NodeID       string
	StoreTimeout time.Duration
	// Mirror is optional.
	Mirror Mirror
}

func DefaultSettings() Settings {
	return Settings{
		StoreTimeout: 5 * time.Second,
	}
}

type Stats struct {
	Connections     int    `json:"connections"`
	Rooms           int    `json:"rooms"`
	Joins           uint64 `json:"joins"`
	JoinFailures    uint64 `json:"joinFailures"`
	OpsRelayed      uint64 `json:"opsRelayed"`
	OpsPersisted    uint64 `json:"opsPersisted"`
	PersistFailures uint64 `json:"persistFailures"`
}

type Engine struct {
	store    document.Store
	registry *room.Registry
	locks    *roomLocks
	settings Settings

	mu    sync.RWMutex // protects conns
	conns map[string]Conn

	joins           atomic.Uint64
	joinFailures    atomic.Uint64
	opsRelayed      atomic.Uint64
	opsPersisted    atomic.Uint64
	persistFailures atomic.Uint64
}

func NewEngine(store document.Store, registry *room.Registry, settings Settings) *Engine {
	if settings.StoreTimeout <= 0 {
		settings.StoreTimeout = DefaultSettings().StoreTimeout
	}
	return &Engine{
		store:    store,
		registry: registry,
		locks:    newRoomLocks(),
		settings: settings,
		conns:    make(map[string]Conn),
	}
}

// Connect registers a live connection. It must be called before the
// connection's first message is dispatched.
func (e *Engine) Connect(conn Conn) {
	e.mu.Lock()
	e.conns[conn.ID()] = conn
	e.mu.Unlock()
	e.registry.Attach(conn.ID())
	glog.V(1).Infof("[engine]connect %s\n", conn.ID())
}

// Dispatch decodes one inbound message and runs the matching action.
// Malformed and unknown messages are reported back to conn.
func (e *Engine) Dispatch(ctx context.Context, conn Conn, msg Message) error {
	switch msg.Event {
	case EventJoinDoc:
		var req JoinDoc
		if err := decode(msg.Data, &req); err != nil {
			return e.reject(conn, msg.Event, "", err)
		}
		return e.JoinDocument(ctx, conn, req)
	case EventSendDelta:
		var req SendDelta
		if err := decode(msg.Data, &req); err != nil {
			return e.reject(conn, msg.Event, "", err)
		}
		return e.SubmitOperation(ctx, conn, req)
	case EventCursorUpdate:
		var req CursorUpdate
		if err := decode(msg.Data, &req); err != nil {
			return e.reject(conn, msg.Event, "", err)
		}
		return e.UpdateCursor(ctx, conn, req)
	case EventDisconnecting, EventDisconnect:
		e.Disconnect(conn.ID())
		return nil
	default:
		return e.reject(conn, msg.Event, "", fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event))
	}
}

// JoinDocument adds conn to the document's room, loads the document
// (creating it when absent), sends the op log to conn and pushes a presence
// snapshot to the whole room.
func (e *Engine) JoinDocument(ctx context.Context, conn Conn, req JoinDoc) error {
	if req.DocID == "" {
		return e.reject(conn, EventJoinDoc, "", fmt.Errorf("%w: missing docId", ErrMalformedPayload))
	}
	unlock := e.locks.Lock(req.DocID)
	defer unlock()

	prev, rejoin := e.registry.Member(req.DocID, conn.ID())
	if err := e.registry.Join(req.DocID, conn.ID(), req.User); err != nil {
		glog.V(1).Infof("[engine]join %s by %s dropped = %s\n", req.DocID, conn.ID(), err)
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.settings.StoreTimeout)
	doc, created, err := e.store.CreateIfAbsent(storeCtx, req.DocID, document.DefaultTitle)
	cancel()
	if err != nil {
		if rejoin {
			// keep the descriptor peers last saw
			e.registry.Join(req.DocID, conn.ID(), prev.User)
		} else {
			e.registry.Leave(req.DocID, conn.ID())
		}
		e.joinFailures.Add(1)
		glog.Errorf("[engine]join %s by %s failed = %s\n", req.DocID, conn.ID(), err)
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		e.report(conn, EventJoinDoc, req.DocID, err)
		return err
	}
	if created {
		glog.Infof("[engine]created document %s\n", req.DocID)
	}

	// a disconnect that raced the store call wins
	if _, ok := e.registry.Member(req.DocID, conn.ID()); !ok {
		glog.V(1).Infof("[engine]join %s by %s lost to disconnect\n", req.DocID, conn.ID())
		return room.ErrDetached
	}

	ops := doc.Ops
	if ops == nil {
		ops = []json.RawMessage{}
	}
	e.send(conn, Event{Name: EventDocLoad, Payload: DocLoad{Ops: ops}})
	e.joins.Add(1)
	glog.Infof("[engine]%s joined %s (%d ops)\n", conn.ID(), req.DocID, len(ops))

	presence := e.registry.Members(req.DocID)
	e.broadcast(req.DocID, "", Event{Name: EventPresenceUpdate, Payload: PresenceUpdate(presence)})
	return nil
}

// SubmitOperation relays an op to the other members of the room and then
// appends it to the document. Ops from non-members are ignored.
func (e *Engine) SubmitOperation(ctx context.Context, conn Conn, req SendDelta) error {
	if req.DocID == "" {
		return e.reject(conn, EventSendDelta, "", fmt.Errorf("%w: missing docId", ErrMalformedPayload))
	}
	if isNull(req.Delta) {
		return e.reject(conn, EventSendDelta, req.DocID, fmt.Errorf("%w: missing delta", ErrMalformedPayload))
	}
	unlock := e.locks.Lock(req.DocID)
	defer unlock()

	member, ok := e.registry.Member(req.DocID, conn.ID())
	if !ok {
		glog.V(1).Infof("[engine]ignore delta for %s from non-member %s\n", req.DocID, conn.ID())
		return room.ErrNotMember
	}

	e.relay(req.DocID, conn.ID(), Event{
		Name:    EventReceiveDelta,
		Payload: ReceiveDelta{Delta: req.Delta, User: member.User},
	})
	e.opsRelayed.Add(1)

	storeCtx, cancel := context.WithTimeout(ctx, e.settings.StoreTimeout)
	err := e.store.AppendOp(storeCtx, req.DocID, req.Delta)
	cancel()
	if err != nil {
		e.persistFailures.Add(1)
		glog.Warningf("[engine]failed to persist delta for %s from %s = %s\n", req.DocID, conn.ID(), err)
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		e.report(conn, EventSendDelta, req.DocID, err)
		return err
	}
	e.opsPersisted.Add(1)
	glog.V(2).Infof("[engine]delta %s<-%s\n", req.DocID, conn.ID())
	return nil
}

// UpdateCursor relays a cursor to the other members of the room. Nothing is
// persisted and the document need not exist.
func (e *Engine) UpdateCursor(ctx context.Context, conn Conn, req CursorUpdate) error {
	if req.DocID == "" {
		return e.reject(conn, EventCursorUpdate, "", fmt.Errorf("%w: missing docId", ErrMalformedPayload))
	}
	unlock := e.locks.Lock(req.DocID)
	defer unlock()

	if err := e.registry.SetCursor(req.DocID, conn.ID(), req.Cursor); err != nil {
		glog.V(1).Infof("[engine]ignore cursor for %s from %s = %s\n", req.DocID, conn.ID(), err)
		return err
	}
	member, ok := e.registry.Member(req.DocID, conn.ID())
	if !ok {
		return room.ErrNotMember
	}
	cursor := req.Cursor
	if len(cursor) == 0 {
		cursor = json.RawMessage("null")
	}
	e.relay(req.DocID, conn.ID(), Event{
		Name:    EventCursorUpdate,
		Payload: CursorMoved{ID: conn.ID(), User: member.User, Cursor: cursor},
	})
	glog.V(2).Infof("[engine]cursor %s<-%s\n", req.DocID, conn.ID())
	return nil
}

// Disconnect tears down every membership of connID and tells the remaining
// members of each room. Only the departure is sent, not a new snapshot.
// Calling it again for the same id is a no-op.
//
// Membership starts before a join's store call, so a disconnect that lands
// during that call still sends presence-leave for a connection peers never
// saw in a presence-update.
func (e *Engine) Disconnect(connID string) {
	e.mu.Lock()
	delete(e.conns, connID)
	e.mu.Unlock()

	departures := e.registry.LeaveAll(connID)
	for _, d := range departures {
		unlock := e.locks.Lock(d.RoomID)
		e.relay(d.RoomID, connID, Event{
			Name:    EventPresenceLeave,
			Payload: PresenceLeave{ID: connID, User: d.User},
		})
		unlock()
	}
	glog.V(1).Infof("[engine]disconnect %s (%d rooms)\n", connID, len(departures))
}

func (e *Engine) Stats() Stats {
	conns, rooms := e.registry.Counts()
	return Stats{
		Connections:     conns,
		Rooms:           rooms,
		Joins:           e.joins.Load(),
		JoinFailures:    e.joinFailures.Load(),
		OpsRelayed:      e.opsRelayed.Load(),
		OpsPersisted:    e.opsPersisted.Load(),
		PersistFailures: e.persistFailures.Load(),
	}
}

func (e *Engine) conn(connID string) (Conn, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conn, ok := e.conns[connID]
	return conn, ok
}

// broadcast delivers ev to the local members of roomID, skipping except.
func (e *Engine) broadcast(roomID, except string, ev Event) {
	for _, p := range e.registry.Members(roomID) {
		if p.ID == except {
			continue
		}
		if conn, ok := e.conn(p.ID); ok {
			e.send(conn, ev)
		}
	}
}

// relay is broadcast plus publication to the mirror, if any.
func (e *Engine) relay(roomID, except string, ev Event) {
	e.broadcast(roomID, except, ev)
	if e.settings.Mirror == nil {
		return
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		glog.Warningf("[engine]failed to encode %s for mirror = %s\n", ev.Name, err)
		return
	}
	e.settings.Mirror.Publish(Envelope{
		Node:    e.settings.NodeID,
		Room:    roomID,
		Exclude: except,
		Event:   ev.Name,
		Data:    data,
	})
}

func (e *Engine) send(conn Conn, ev Event) {
	if err := conn.Send(ev); err != nil {
		glog.V(1).Infof("[engine]send %s->%s failed = %s\n", ev.Name, conn.ID(), err)
	}
}

func (e *Engine) report(conn Conn, event, docID string, err error) {
	e.send(conn, Event{
		Name:    EventError,
		Payload: ErrorReport{Event: event, DocID: docID, Message: err.Error()},
	})
}

func (e *Engine) reject(conn Conn, event, docID string, err error) error {
	glog.V(1).Infof("[engine]reject %s from %s = %s\n", event, conn.ID(), err)
	e.report(conn, event, docID, err)
	return err
}

func decode(data json.RawMessage, v any) error {
	if isNull(data) {
		return fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return nil
}
