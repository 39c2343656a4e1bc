package collab

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collabtext/syncd/internal/document"
	"collabtext/syncd/internal/room"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

type testConn struct {
	id     string
	mu     sync.Mutex
	events []Event
}

func newTestConn(id string) *testConn {
	return &testConn{id: id}
}

func (c *testConn) ID() string {
	return c.id
}

func (c *testConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *testConn) named(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *testConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *testConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// faultStore wraps the memory store with switchable failures and an optional
// gate that holds CreateIfAbsent until released.
type faultStore struct {
	*document.Memory
	mu           sync.Mutex
	failCreate   error
	failAppend   error
	createEnter  chan struct{}
	createResume chan struct{}
}

func newFaultStore() *faultStore {
	return &faultStore{Memory: document.NewMemory()}
}

func (s *faultStore) CreateIfAbsent(ctx context.Context, id, title string) (*document.Document, bool, error) {
	s.mu.Lock()
	failCreate, enter, resume := s.failCreate, s.createEnter, s.createResume
	s.mu.Unlock()
	if enter != nil {
		close(enter)
		<-resume
	}
	if failCreate != nil {
		return nil, false, failCreate
	}
	return s.Memory.CreateIfAbsent(ctx, id, title)
}

func (s *faultStore) AppendOp(ctx context.Context, id string, op json.RawMessage) error {
	s.mu.Lock()
	failAppend := s.failAppend
	s.mu.Unlock()
	if failAppend != nil {
		return failAppend
	}
	return s.Memory.AppendOp(ctx, id, op)
}

type testMirror struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (m *testMirror) Publish(env Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes = append(m.envelopes, env)
}

func newTestEngine(store document.Store) *Engine {
	settings := DefaultSettings()
	settings.NodeID = "node-a"
	settings.StoreTimeout = time.Second
	return NewEngine(store, room.NewRegistry(), settings)
}

func connectJoin(t *testing.T, e *Engine, id, docID string) *testConn {
	c := newTestConn(id)
	e.Connect(c)
	user := json.RawMessage(fmt.Sprintf(`{"id":%q,"name":%q}`, id, "user-"+id))
	err := e.JoinDocument(context.Background(), c, JoinDoc{DocID: docID, User: user})
	assert.Equal(t, err, nil)
	return c
}

func TestJoinCreatesMissingDocument(t *testing.T) {
	ctx := context.Background()
	store := document.NewMemory()
	e := newTestEngine(store)

	c1 := connectJoin(t, e, "c1", "doc1")

	loads := c1.named(EventDocLoad)
	assert.Equal(t, len(loads), 1)
	load := loads[0].Payload.(DocLoad)
	assert.NotEqual(t, load.Ops, nil)
	assert.Equal(t, len(load.Ops), 0)

	doc, err := store.Get(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Title, document.DefaultTitle)
	assert.Equal(t, len(doc.Ops), 0)

	presence := c1.named(EventPresenceUpdate)
	assert.Equal(t, len(presence), 1)
	assert.Equal(t, len(presence[0].Payload.(PresenceUpdate)), 1)
}

func TestJoinDefaultUser(t *testing.T) {
	e := newTestEngine(document.NewMemory())
	c := newTestConn("c1")
	e.Connect(c)
	assert.Equal(t, e.JoinDocument(context.Background(), c, JoinDoc{DocID: "doc1"}), nil)

	presence := c.named(EventPresenceUpdate)[0].Payload.(PresenceUpdate)
	assert.Equal(t, presence[0].ID, "c1")
	assert.Equal(t, string(presence[0].User), `{"id":"c1","name":"Anonymous"}`)
}

func TestSubmitRelaysToOthersAndPersists(t *testing.T) {
	ctx := context.Background()
	store := document.NewMemory()
	e := newTestEngine(store)

	c1 := connectJoin(t, e, "c1", "doc1")
	c2 := connectJoin(t, e, "c2", "doc1")
	c1.reset()
	c2.reset()

	delta := json.RawMessage(`{"ops":[{"insert":"hi"}]}`)
	assert.Equal(t, e.SubmitOperation(ctx, c1, SendDelta{DocID: "doc1", Delta: delta}), nil)

	assert.Equal(t, c1.count(), 0)
	received := c2.named(EventReceiveDelta)
	assert.Equal(t, len(received), 1)
	rd := received[0].Payload.(ReceiveDelta)
	assert.Equal(t, string(rd.Delta), string(delta))
	assert.Equal(t, string(rd.User), `{"id":"c1","name":"user-c1"}`)

	doc, err := store.Get(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(doc.Ops), 1)
	assert.Equal(t, string(doc.Ops[0]), string(delta))

	stats := e.Stats()
	assert.Equal(t, stats.OpsRelayed, uint64(1))
	assert.Equal(t, stats.OpsPersisted, uint64(1))
}

func TestLateJoinerLoadsOpsAndSeesFullPresence(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(document.NewMemory())

	c1 := connectJoin(t, e, "c1", "doc1")
	c2 := connectJoin(t, e, "c2", "doc1")
	assert.Equal(t, e.SubmitOperation(ctx, c1, SendDelta{DocID: "doc1", Delta: json.RawMessage(`"D1"`)}), nil)
	c1.reset()
	c2.reset()

	c3 := connectJoin(t, e, "c3", "doc1")
	load := c3.named(EventDocLoad)[0].Payload.(DocLoad)
	assert.Equal(t, len(load.Ops), 1)
	assert.Equal(t, string(load.Ops[0]), `"D1"`)

	for _, c := range []*testConn{c1, c2, c3} {
		updates := c.named(EventPresenceUpdate)
		assert.Equal(t, len(updates), 1)
		presence := updates[0].Payload.(PresenceUpdate)
		assert.Equal(t, len(presence), 3)
		assert.Equal(t, presence[0].ID, "c1")
		assert.Equal(t, presence[2].ID, "c3")
	}
}

func TestPresenceCompleteness(t *testing.T) {
	e := newTestEngine(document.NewMemory())
	const n = 8
	conns := make([]*testConn, n)
	for i := range conns {
		conns[i] = connectJoin(t, e, fmt.Sprintf("c%d", i), "doc1")
	}
	updates := conns[0].named(EventPresenceUpdate)
	last := updates[len(updates)-1].Payload.(PresenceUpdate)
	assert.Equal(t, len(last), n)
	ids := map[string]bool{}
	for _, p := range last {
		ids[p.ID] = true
	}
	assert.Equal(t, len(ids), n)
}

func TestDisconnectSendsOnlyDeparture(t *testing.T) {
	e := newTestEngine(document.NewMemory())

	c1 := connectJoin(t, e, "c1", "doc1")
	c2 := connectJoin(t, e, "c2", "doc1")
	c2.reset()

	e.Disconnect("c1")

	assert.Equal(t, c2.count(), 1)
	leaves := c2.named(EventPresenceLeave)
	assert.Equal(t, len(leaves), 1)
	leave := leaves[0].Payload.(PresenceLeave)
	assert.Equal(t, leave.ID, "c1")
	assert.Equal(t, string(leave.User), `{"id":"c1","name":"user-c1"}`)

	// idempotent
	e.Disconnect("c1")
	assert.Equal(t, c2.count(), 1)

	// a late message from the gone connection is not relayed
	err := e.SubmitOperation(context.Background(), c1, SendDelta{DocID: "doc1", Delta: json.RawMessage(`1`)})
	assert.Equal(t, errors.Is(err, room.ErrNotMember), true)
	assert.Equal(t, c2.count(), 1)
}

func TestDisconnectLeavesEveryRoom(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(document.NewMemory())

	c1 := connectJoin(t, e, "c1", "a")
	assert.Equal(t, e.JoinDocument(ctx, c1, JoinDoc{DocID: "b"}), nil)
	ca := connectJoin(t, e, "ca", "a")
	cb := connectJoin(t, e, "cb", "b")
	ca.reset()
	cb.reset()

	e.Disconnect("c1")
	assert.Equal(t, len(ca.named(EventPresenceLeave)), 1)
	assert.Equal(t, len(cb.named(EventPresenceLeave)), 1)

	stats := e.Stats()
	assert.Equal(t, stats.Connections, 2)
	assert.Equal(t, stats.Rooms, 2)
}

func TestRejoinKeepsDocument(t *testing.T) {
	ctx := context.Background()
	store := document.NewMemory()
	_, err := store.Create(ctx, "doc1", "Plan")
	assert.Equal(t, err, nil)
	assert.Equal(t, store.AppendOp(ctx, "doc1", json.RawMessage(`"a"`)), nil)

	e := newTestEngine(store)
	c1 := connectJoin(t, e, "c1", "doc1")
	assert.Equal(t, e.JoinDocument(ctx, c1, JoinDoc{DocID: "doc1", User: json.RawMessage(`{"name":"renamed"}`)}), nil)

	doc, err := store.Get(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Title, "Plan")
	assert.Equal(t, len(doc.Ops), 1)

	presence := c1.named(EventPresenceUpdate)
	last := presence[len(presence)-1].Payload.(PresenceUpdate)
	assert.Equal(t, len(last), 1)
	assert.Equal(t, string(last[0].User), `{"name":"renamed"}`)
}

func TestRoomIsolation(t *testing.T) {
	ctx := context.Background()
	store := document.NewMemory()
	e := newTestEngine(store)

	a1 := connectJoin(t, e, "a1", "A")
	a2 := connectJoin(t, e, "a2", "A")
	b1 := connectJoin(t, e, "b1", "B")
	a2.reset()
	b1.reset()

	assert.Equal(t, e.SubmitOperation(ctx, a1, SendDelta{DocID: "A", Delta: json.RawMessage(`"x"`)}), nil)
	assert.Equal(t, e.UpdateCursor(ctx, a1, CursorUpdate{DocID: "A", Cursor: json.RawMessage(`{"index":1}`)}), nil)

	assert.Equal(t, a2.count(), 2)
	assert.Equal(t, b1.count(), 0)

	docB, err := store.Get(ctx, "B")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(docB.Ops), 0)
}

func TestCursorRelay(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(document.NewMemory())

	c1 := connectJoin(t, e, "c1", "doc1")
	c2 := connectJoin(t, e, "c2", "doc1")
	c1.reset()
	c2.reset()

	cursor := json.RawMessage(`{"index":3,"length":0}`)
	assert.Equal(t, e.UpdateCursor(ctx, c1, CursorUpdate{DocID: "doc1", Cursor: cursor}), nil)
	assert.Equal(t, c1.count(), 0)
	moved := c2.named(EventCursorUpdate)
	assert.Equal(t, len(moved), 1)
	cm := moved[0].Payload.(CursorMoved)
	assert.Equal(t, cm.ID, "c1")
	assert.Equal(t, string(cm.Cursor), string(cursor))
	assert.Equal(t, string(cm.User), `{"id":"c1","name":"user-c1"}`)
}

func TestNonMemberActionsIgnored(t *testing.T) {
	ctx := context.Background()
	store := document.NewMemory()
	e := newTestEngine(store)

	c1 := connectJoin(t, e, "c1", "doc1")
	c1.reset()
	outsider := newTestConn("x")
	e.Connect(outsider)

	err := e.UpdateCursor(ctx, outsider, CursorUpdate{DocID: "doc1", Cursor: json.RawMessage(`{}`)})
	assert.Equal(t, errors.Is(err, room.ErrNotMember), true)
	err = e.SubmitOperation(ctx, outsider, SendDelta{DocID: "doc1", Delta: json.RawMessage(`"y"`)})
	assert.Equal(t, errors.Is(err, room.ErrNotMember), true)

	assert.Equal(t, c1.count(), 0)
	assert.Equal(t, outsider.count(), 0)
	doc, _ := store.Get(ctx, "doc1")
	assert.Equal(t, len(doc.Ops), 0)
}

func TestPersistFailureStillRelays(t *testing.T) {
	ctx := context.Background()
	store := newFaultStore()
	e := newTestEngine(store)

	c1 := connectJoin(t, e, "c1", "doc1")
	c2 := connectJoin(t, e, "c2", "doc1")
	c1.reset()
	c2.reset()

	store.mu.Lock()
	store.failAppend = errors.New("connection reset")
	store.mu.Unlock()

	err := e.SubmitOperation(ctx, c1, SendDelta{DocID: "doc1", Delta: json.RawMessage(`"D1"`)})
	assert.Equal(t, errors.Is(err, ErrStoreUnavailable), true)

	assert.Equal(t, len(c2.named(EventReceiveDelta)), 1)
	reports := c1.named(EventError)
	assert.Equal(t, len(reports), 1)
	assert.Equal(t, reports[0].Payload.(ErrorReport).Event, EventSendDelta)

	doc, err := store.Get(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(doc.Ops), 0)
	assert.Equal(t, e.Stats().PersistFailures, uint64(1))
}

func TestJoinFailsWhenStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newFaultStore()
	store.failCreate = errors.New("timeout")
	e := newTestEngine(store)

	c1 := newTestConn("c1")
	e.Connect(c1)
	err := e.JoinDocument(ctx, c1, JoinDoc{DocID: "doc1"})
	assert.Equal(t, errors.Is(err, ErrStoreUnavailable), true)

	assert.Equal(t, len(c1.named(EventDocLoad)), 0)
	assert.Equal(t, len(c1.named(EventPresenceUpdate)), 0)
	assert.Equal(t, len(c1.named(EventError)), 1)
	_, rooms := e.registry.Counts()
	assert.Equal(t, rooms, 0)
	assert.Equal(t, e.Stats().JoinFailures, uint64(1))
}

// holdCreates makes every following CreateIfAbsent wait for release.
func (s *faultStore) holdCreates() (entered <-chan struct{}, release func()) {
	enter := make(chan struct{})
	resume := make(chan struct{})
	s.mu.Lock()
	s.createEnter, s.createResume = enter, resume
	s.mu.Unlock()
	return enter, func() { close(resume) }
}

func TestDisconnectWinsOverSlowJoin(t *testing.T) {
	ctx := context.Background()
	store := newFaultStore()
	e := newTestEngine(store)
	peer := connectJoin(t, e, "peer", "doc1")
	peer.reset()

	entered, release := store.holdCreates()
	c1 := newTestConn("c1")
	e.Connect(c1)

	done := make(chan error, 1)
	go func() {
		done <- e.JoinDocument(ctx, c1, JoinDoc{DocID: "doc1"})
	}()

	<-entered
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		e.Disconnect("c1")
	}()
	// the membership is torn down before the join finishes its store call
	deadline := time.Now().Add(5 * time.Second)
	for len(e.registry.Members("doc1")) != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, len(e.registry.Members("doc1")), 1)
	release()

	err := <-done
	<-disconnected
	assert.Equal(t, errors.Is(err, room.ErrDetached), true)
	assert.Equal(t, len(c1.named(EventDocLoad)), 0)
	assert.Equal(t, len(c1.named(EventPresenceUpdate)), 0)
	members := e.registry.Members("doc1")
	assert.Equal(t, len(members), 1)
	assert.Equal(t, members[0].ID, "peer")

	// the peer is told about the departure without ever seeing c1 arrive
	assert.Equal(t, len(peer.named(EventPresenceUpdate)), 0)
	leaves := peer.named(EventPresenceLeave)
	assert.Equal(t, len(leaves), 1)
	assert.Equal(t, leaves[0].Payload.(PresenceLeave).ID, "c1")

	// the connection stays detached
	err = e.JoinDocument(ctx, c1, JoinDoc{DocID: "doc1"})
	assert.Equal(t, errors.Is(err, room.ErrDetached), true)
}

func TestFailedRejoinKeepsDescriptor(t *testing.T) {
	ctx := context.Background()
	store := newFaultStore()
	e := newTestEngine(store)
	c1 := connectJoin(t, e, "c1", "doc1")
	c2 := connectJoin(t, e, "c2", "doc1")
	c2.reset()

	store.mu.Lock()
	store.failCreate = errors.New("timeout")
	store.mu.Unlock()
	err := e.JoinDocument(ctx, c1, JoinDoc{DocID: "doc1", User: json.RawMessage(`{"name":"renamed"}`)})
	assert.Equal(t, errors.Is(err, ErrStoreUnavailable), true)

	member, ok := e.registry.Member("doc1", "c1")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(member.User), `{"id":"c1","name":"user-c1"}`)
	assert.Equal(t, c2.count(), 0)

	assert.Equal(t, e.SubmitOperation(ctx, c1, SendDelta{DocID: "doc1", Delta: json.RawMessage(`"d"`)}), nil)
	received := c2.named(EventReceiveDelta)
	assert.Equal(t, len(received), 1)
	assert.Equal(t, string(received[0].Payload.(ReceiveDelta).User), `{"id":"c1","name":"user-c1"}`)
}

func TestConcurrentSubmitsPersistInRelayOrder(t *testing.T) {
	ctx := context.Background()
	store := document.NewMemory()
	e := newTestEngine(store)

	observer := connectJoin(t, e, "observer", "doc1")
	const senders, perSender = 8, 50
	conns := make([]*testConn, senders)
	for i := range conns {
		conns[i] = connectJoin(t, e, fmt.Sprintf("s%d", i), "doc1")
	}
	observer.reset()

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				delta := json.RawMessage(fmt.Sprintf(`"%d-%d"`, i, j))
				e.SubmitOperation(ctx, c, SendDelta{DocID: "doc1", Delta: delta})
			}
		}()
	}
	wg.Wait()

	received := observer.named(EventReceiveDelta)
	assert.Equal(t, len(received), senders*perSender)
	doc, err := store.Get(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(doc.Ops), senders*perSender)
	for i, ev := range received {
		assert.Equal(t, string(doc.Ops[i]), string(ev.Payload.(ReceiveDelta).Delta))
	}
}

func TestDispatchRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	store := document.NewMemory()
	e := newTestEngine(store)
	c1 := connectJoin(t, e, "c1", "doc1")
	c2 := connectJoin(t, e, "c2", "doc1")
	c1.reset()
	c2.reset()

	cases := []Message{
		{Event: EventJoinDoc, Data: json.RawMessage(`{}`)},
		{Event: EventSendDelta, Data: json.RawMessage(`{"docId":"doc1"}`)},
		{Event: EventSendDelta, Data: json.RawMessage(`{"delta":"x"}`)},
		{Event: EventSendDelta, Data: json.RawMessage(`{"docId":"doc1","delta":null}`)},
		{Event: EventCursorUpdate, Data: json.RawMessage(`[1,2]`)},
		{Event: EventCursorUpdate},
	}
	for _, msg := range cases {
		err := e.Dispatch(ctx, c1, msg)
		assert.Equal(t, errors.Is(err, ErrMalformedPayload), true)
	}
	assert.Equal(t, len(c1.named(EventError)), len(cases))
	assert.Equal(t, c2.count(), 0)

	err := e.Dispatch(ctx, c1, Message{Event: "explode"})
	assert.Equal(t, errors.Is(err, ErrUnknownEvent), true)

	doc, _ := store.Get(ctx, "doc1")
	assert.Equal(t, len(doc.Ops), 0)
}

func TestDispatchRoutes(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(document.NewMemory())
	c1 := newTestConn("c1")
	c2 := newTestConn("c2")
	e.Connect(c1)
	e.Connect(c2)

	assert.Equal(t, e.Dispatch(ctx, c1, Message{Event: EventJoinDoc, Data: json.RawMessage(`{"docId":"doc1"}`)}), nil)
	assert.Equal(t, e.Dispatch(ctx, c2, Message{Event: EventJoinDoc, Data: json.RawMessage(`{"docId":"doc1","user":{"name":"bo"}}`)}), nil)
	assert.Equal(t, e.Dispatch(ctx, c2, Message{Event: EventSendDelta, Data: json.RawMessage(`{"docId":"doc1","delta":{"ops":[]}}`)}), nil)
	assert.Equal(t, len(c1.named(EventReceiveDelta)), 1)

	assert.Equal(t, e.Dispatch(ctx, c2, Message{Event: EventDisconnecting}), nil)
	assert.Equal(t, len(c1.named(EventPresenceLeave)), 1)
}

func TestMirror(t *testing.T) {
	ctx := context.Background()
	mirror := &testMirror{}
	settings := DefaultSettings()
	settings.NodeID = "node-a"
	settings.Mirror = mirror
	e := NewEngine(document.NewMemory(), room.NewRegistry(), settings)

	c1 := connectJoin(t, e, "c1", "doc1")
	c2 := connectJoin(t, e, "c2", "doc1")
	c1.reset()
	c2.reset()

	assert.Equal(t, e.SubmitOperation(ctx, c1, SendDelta{DocID: "doc1", Delta: json.RawMessage(`"d"`)}), nil)
	assert.Equal(t, len(mirror.envelopes), 1)
	env := mirror.envelopes[0]
	assert.Equal(t, env.Node, "node-a")
	assert.Equal(t, env.Room, "doc1")
	assert.Equal(t, env.Exclude, "c1")
	assert.Equal(t, env.Event, EventReceiveDelta)

	// own envelopes are ignored
	e.Deliver(env)
	assert.Equal(t, len(c2.named(EventReceiveDelta)), 1)

	remote := Envelope{
		Node:    "node-b",
		Room:    "doc1",
		Exclude: "c1",
		Event:   EventCursorUpdate,
		Data:    json.RawMessage(`{"id":"r1","user":{},"cursor":null}`),
	}
	e.Deliver(remote)
	assert.Equal(t, len(c1.named(EventCursorUpdate)), 0)
	assert.Equal(t, len(c2.named(EventCursorUpdate)), 1)
}

func TestDeliverIgnoresBusyRoom(t *testing.T) {
	ctx := context.Background()
	store := newFaultStore()
	settings := DefaultSettings()
	settings.NodeID = "node-a"
	settings.StoreTimeout = 10 * time.Second
	e := NewEngine(store, room.NewRegistry(), settings)
	b1 := connectJoin(t, e, "b1", "B")
	b1.reset()

	entered, release := store.holdCreates()
	defer release()
	a1 := newTestConn("a1")
	e.Connect(a1)
	go e.JoinDocument(ctx, a1, JoinDoc{DocID: "A"})
	<-entered

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		data := json.RawMessage(`{"delta":"x","user":{}}`)
		e.Deliver(Envelope{Node: "node-b", Room: "A", Event: EventReceiveDelta, Data: data})
		e.Deliver(Envelope{Node: "node-b", Room: "B", Event: EventReceiveDelta, Data: data})
	}()
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("mirrored events held up by a pending join in another room")
	}
	assert.Equal(t, len(b1.named(EventReceiveDelta)), 1)
	assert.Equal(t, len(a1.named(EventReceiveDelta)), 1)
}

func TestRoomLocksReleased(t *testing.T) {
	e := newTestEngine(document.NewMemory())
	c1 := connectJoin(t, e, "c1", "doc1")
	e.SubmitOperation(context.Background(), c1, SendDelta{DocID: "doc1", Delta: json.RawMessage(`1`)})
	e.Disconnect("c1")
	assert.Equal(t, e.locks.len(), 0)
}
