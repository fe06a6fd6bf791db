package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry-level errors surfaced to the gatekeeper as connection rejections
var (
	ErrRoomFull         = errors.New("room has reached its session limit")
	ErrDuplicateSession = errors.New("a session with this user id is already connected")
)

// sessionColors is the palette display colors are drawn from. The choice is
// a stable hash of the user id so a user keeps their color across reconnects.
var sessionColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#800000", "#aaffc3",
}

// ColorFor derives the deterministic display color for a user id
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return sessionColors[h.Sum32()%uint32(len(sessionColors))]
}

// Session is one connected participant's server-side state within a room.
// It is owned by the room and all mutable fields are guarded by the room
// mutex.
type Session struct {
	// ID is the caller-supplied user id, unique within the room
	ID         string
	Name       string
	Color      string
	Avatar     string
	RoomID     string
	Origin     string
	RemoteAddr string
	Token      string

	JoinedAt     time.Time
	LastActivity time.Time

	// Per-session message rate window
	msgCount       int
	msgWindowStart time.Time

	client *Client
	closed bool
}

// NewSession creates a session record for an admitted connection
func NewSession(roomID, userID, origin, remoteAddr, token string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           userID,
		Name:         userID,
		Color:        ColorFor(userID),
		RoomID:       roomID,
		Origin:       origin,
		RemoteAddr:   remoteAddr,
		Token:        token,
		JoinedAt:     now,
		LastActivity: now,
	}
}

// allowMessageLocked applies the per-session rate window. Caller holds the
// room mutex. A rejected message counts toward the window but mutates no
// other state; activity stamps are refreshed only for accepted messages.
func (s *Session) allowMessageLocked(limit int, window time.Duration, now time.Time) bool {
	if now.Sub(s.msgWindowStart) >= window {
		s.msgWindowStart = now
		s.msgCount = 0
	}
	s.msgCount++
	return s.msgCount <= limit
}

// FieldValue is the last-known value record for one element
type FieldValue struct {
	Value        json.RawMessage `json:"value"`
	ElementType  string          `json:"elementType"`
	Version      int64           `json:"version"`
	LastEditorID string          `json:"lastEditorId"`
	LastEditedAt time.Time       `json:"lastEditedAt"`
}

// Collaborator is the public view of a session included in sync snapshots
// and presence events
type Collaborator struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Avatar string `json:"avatar,omitempty"`
}

// SyncSnapshot is the full-state payload sent to a session on join and on
// explicit sync requests
type SyncSnapshot struct {
	Collaborators []Collaborator        `json:"collaborators"`
	Locks         map[string]string     `json:"locks"`
	Version       int64                 `json:"version"`
	Fields        map[string]FieldValue `json:"fields"`
}

// Room is an isolated collaboration scope. The mutex has room-level
// granularity: it guards the session set, the lock table, the field values
// and the version counter, so concurrent edits to one room serialize while
// unrelated rooms proceed in parallel.
type Room struct {
	ID         string
	InstanceID string
	CreatedAt  time.Time

	mu           sync.Mutex
	lastActivity time.Time
	version      int64
	sessions     map[string]*Session
	locks        map[string]string     // element id -> holder session id
	fields       map[string]FieldValue // element id -> last-known value
}

func newRoom(id string) *Room {
	now := time.Now().UTC()
	return &Room{
		ID:           id,
		InstanceID:   uuid.New().String(),
		CreatedAt:    now,
		lastActivity: now,
		sessions:     make(map[string]*Session),
		locks:        make(map[string]string),
		fields:       make(map[string]FieldValue),
	}
}

// Version returns the room's current version counter
func (r *Room) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// SessionCount returns the number of live sessions in the room
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the full-state view used for initial sync
func (r *Room) Snapshot() *SyncSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() *SyncSnapshot {
	snap := &SyncSnapshot{
		Collaborators: make([]Collaborator, 0, len(r.sessions)),
		Locks:         make(map[string]string, len(r.locks)),
		Version:       r.version,
		Fields:        make(map[string]FieldValue, len(r.fields)),
	}
	for _, s := range r.sessions {
		snap.Collaborators = append(snap.Collaborators, Collaborator{
			ID: s.ID, Name: s.Name, Color: s.Color, Avatar: s.Avatar,
		})
	}
	for el, holder := range r.locks {
		snap.Locks[el] = holder
	}
	for el, fv := range r.fields {
		snap.Fields[el] = fv
	}
	return snap
}

// applyEditLocked applies an accepted edit and returns the authoritative
// version. Caller holds the room mutex and has already checked the lock
// table.
func (r *Room) applyEditLocked(sessionID string, payload *EditPayload, now time.Time) int64 {
	r.version++
	r.fields[payload.Sight] = FieldValue{
		Value:        payload.Value,
		ElementType:  payload.Type,
		Version:      r.version,
		LastEditorID: sessionID,
		LastEditedAt: now,
	}
	r.lastActivity = now
	return r.version
}

// touchLocked refreshes the room activity stamp
func (r *Room) touchLocked(now time.Time) {
	r.lastActivity = now
}

// LastActivity returns the room's last activity stamp
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Registry owns the set of live rooms. It is constructed explicitly at
// server start and passed to the hub; there is no ambient global room map.
type Registry struct {
	mu                 sync.RWMutex
	rooms              map[string]*Room
	maxSessionsPerRoom int
}

// NewRegistry creates an empty room registry
func NewRegistry(maxSessionsPerRoom int) *Registry {
	return &Registry{
		rooms:              make(map[string]*Room),
		maxSessionsPerRoom: maxSessionsPerRoom,
	}
}

// Room returns the live room with the given id, if any
func (reg *Registry) Room(id string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[id]
	return room, ok
}

// Rooms returns a snapshot of the live room set, used by the reaper
func (reg *Registry) Rooms() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		out = append(out, room)
	}
	return out
}

// Len returns the number of live rooms
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Join inserts the session into its room, creating the room on demand, and
// returns the snapshot for initial sync plus whether the room was created.
// When a session with the same user id is already present, the existing
// session is returned with ErrDuplicateSession; the caller decides whether
// the old channel is dead and retries after evicting it.
func (reg *Registry) Join(roomID string, s *Session) (*SyncSnapshot, bool, *Session, error) {
	reg.mu.Lock()
	room, exists := reg.rooms[roomID]
	created := false
	if !exists {
		room = newRoom(roomID)
		reg.rooms[roomID] = room
		created = true
	}
	reg.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()

	if old, ok := room.sessions[s.ID]; ok {
		return nil, created, old, fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
	}
	if len(room.sessions) >= reg.maxSessionsPerRoom {
		return nil, created, nil, fmt.Errorf("%w: %s", ErrRoomFull, roomID)
	}

	room.sessions[s.ID] = s
	room.lastActivity = time.Now().UTC()
	return room.snapshotLocked(), created, nil, nil
}

// Leave removes the session from its room, releasing every lock it held,
// and reports the released elements, whether the room became empty and was
// removed, and whether this call was the one that acted. Safe to call more
// than once and safe to race with in-flight messages; only the first call
// acts.
func (reg *Registry) Leave(s *Session) (released []string, roomRemoved bool, acted bool) {
	room, ok := reg.Room(s.RoomID)
	if !ok {
		return nil, false, false
	}

	room.mu.Lock()
	if s.closed {
		room.mu.Unlock()
		return nil, false, false
	}
	s.closed = true
	delete(room.sessions, s.ID)
	released = room.releaseAllLocked(s.ID)
	empty := len(room.sessions) == 0
	room.lastActivity = time.Now().UTC()
	room.mu.Unlock()

	if empty {
		roomRemoved = reg.removeIfEmpty(room)
	}
	return released, roomRemoved, true
}

// removeIfEmpty drops the room from the registry if it still has no
// sessions. The recheck guards against a join racing the last leave.
func (reg *Registry) removeIfEmpty(room *Room) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	current, ok := reg.rooms[room.ID]
	if !ok || current != room {
		return false
	}
	room.mu.Lock()
	empty := len(room.sessions) == 0
	room.mu.Unlock()
	if !empty {
		return false
	}
	delete(reg.rooms, room.ID)
	return true
}

// remove drops a room unconditionally, used by the reaper after force-closing
// its members
func (reg *Registry) remove(room *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if current, ok := reg.rooms[room.ID]; ok && current == room {
		delete(reg.rooms, room.ID)
	}
}
