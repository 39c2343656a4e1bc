// Package room tracks which live connections collaborate on which documents.
// The registry is the only presence source; memberships carry the user
// descriptor and the last cursor and are never persisted.
package room

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotMember = errors.New("connection is not a member of the room")
	// ErrDetached is returned for connections that were never attached or
	// have already disconnected.
	ErrDetached = errors.New("connection is not attached")
)

// DefaultUser is the descriptor used when a joiner does not supply one.
func DefaultUser(connID string) json.RawMessage {
	buf, _ := json.Marshal(struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{connID, "Anonymous"})
	return buf
}

// Presence is one entry of a room's presence snapshot.
type Presence struct {
	ID   string          `json:"id"`
	User json.RawMessage `json:"user"`
}

// Member is a copy of a membership record.
type Member struct {
	ConnID string
	User   json.RawMessage
	Cursor json.RawMessage
}

// Departure names a room a connection was removed from along with the
// descriptor it held there.
type Departure struct {
	RoomID string
	User   json.RawMessage
}

type membership struct {
	user   json.RawMessage
	cursor json.RawMessage
	seq    uint64 // join order within the registry
}

type session struct {
	rooms map[string]struct{}
}

type Registry struct {
	mu       sync.RWMutex // protects the fields below
	rooms    map[string]map[string]*membership
	sessions map[string]*session
	nextSeq  uint64
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]*membership),
		sessions: make(map[string]*session),
	}
}

// Attach makes connID eligible to join rooms. Attaching twice is a no-op.
func (r *Registry) Attach(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[connID]; !ok {
		r.sessions[connID] = &session{rooms: make(map[string]struct{})}
	}
}

// Join adds connID to roomID, or replaces its descriptor if it is already a
// member. A nil user is replaced with DefaultUser.
func (r *Registry) Join(roomID, connID string, user json.RawMessage) error {
	if len(user) == 0 || string(user) == "null" {
		user = DefaultUser(connID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return ErrDetached
	}
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*membership)
		r.rooms[roomID] = members
	}
	if m, ok := members[connID]; ok {
		m.user = user
		return nil
	}
	members[connID] = &membership{user: user, seq: r.nextSeq}
	r.nextSeq++
	s.rooms[roomID] = struct{}{}
	return nil
}

// Leave removes connID from roomID and reports whether it was a member.
func (r *Registry) Leave(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.remove(roomID, connID)
	return ok
}

// LeaveAll removes connID from every room and detaches it, so a join racing
// with the disconnect fails with ErrDetached. The returned departures are
// sorted by room id.
func (r *Registry) LeaveAll(connID string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	delete(r.sessions, connID)

	departures := make([]Departure, 0, len(s.rooms))
	for roomID := range s.rooms {
		if m, ok := r.remove(roomID, connID); ok {
			departures = append(departures, Departure{RoomID: roomID, User: m.user})
		}
	}
	sort.Slice(departures, func(i, j int) bool {
		return departures[i].RoomID < departures[j].RoomID
	})
	return departures
}

// Members returns the presence snapshot of roomID in join order. An unknown
// room has no members.
func (r *Registry) Members(roomID string) []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	type entry struct {
		Presence
		seq uint64
	}
	entries := make([]entry, 0, len(members))
	for connID, m := range members {
		entries = append(entries, entry{Presence{ID: connID, User: m.user}, m.seq})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	presence := make([]Presence, len(entries))
	for i, e := range entries {
		presence[i] = e.Presence
	}
	return presence
}

// Member looks up a single membership.
func (r *Registry) Member(roomID, connID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rooms[roomID][connID]
	if !ok {
		return Member{}, false
	}
	return Member{ConnID: connID, User: m.user, Cursor: m.cursor}, true
}

// SetCursor records the ephemeral cursor of a member.
func (r *Registry) SetCursor(roomID, connID string, cursor json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rooms[roomID][connID]
	if !ok {
		return ErrNotMember
	}
	m.cursor = cursor
	return nil
}

// Rooms lists the rooms connID belongs to, sorted.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Counts reports the number of attached connections and non-empty rooms.
func (r *Registry) Counts() (conns int, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.rooms)
}

func (r *Registry) remove(roomID, connID string) (*membership, bool) {
	members, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	m, ok := members[connID]
	if !ok {
		return nil, false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	if s, ok := r.sessions[connID]; ok {
		delete(s.rooms, roomID)
	}
	return m, true
}
