package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, mutate func(*Settings)) *Hub {
	t.Helper()
	settings := DefaultSettings()
	settings.MessageRateLimit = 1000
	settings.MessageRateWindow = time.Minute
	if mutate != nil {
		mutate(&settings)
	}
	return NewHub(settings, nil, prometheus.NewRegistry(), nil)
}

// joinTestSession attaches a session with a buffered client channel but no
// real socket, so dispatch output can be read synchronously.
func joinTestSession(t *testing.T, h *Hub, roomID, userID string) *Session {
	t.Helper()
	sess := NewSession(roomID, userID, "http://localhost", "127.0.0.1", "")
	sess.client = newClient(h, nil, sess)
	_, _, _, err := h.registry.Join(roomID, sess)
	require.NoError(t, err)
	return sess
}

func frame(t *testing.T, kind MessageKind, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	msg, err := json.Marshal(Envelope{Type: kind, Data: raw})
	require.NoError(t, err)
	return msg
}

// recv pops one queued outbound envelope, failing if none is waiting.
// Dispatch is synchronous so anything broadcast is already queued.
func recv(t *testing.T, sess *Session) *Envelope {
	t.Helper()
	select {
	case data := <-sess.client.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return &env
	default:
		t.Fatalf("no message queued for session %s", sess.ID)
		return nil
	}
}

func recvAll(t *testing.T, sess *Session) []*Envelope {
	t.Helper()
	var out []*Envelope
	for {
		select {
		case data := <-sess.client.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, &env)
		default:
			return out
		}
	}
}

func drain(sess *Session) {
	for {
		select {
		case <-sess.client.send:
		default:
			return
		}
	}
}

func TestLockDeniedGoesOnlyToRequester(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinTestSession(t, h, "doc1", "A")
	b := joinTestSession(t, h, "doc1", "B")

	h.handleFrame(a.client, frame(t, MessageKindLock, LockPayload{Element: "title"}))

	// The grant broadcasts to the whole room, requester included.
	for _, sess := range []*Session{a, b} {
		env := recv(t, sess)
		assert.Equal(t, MessageKindLock, env.Type)
		assert.Equal(t, "A", env.UserID)
	}

	h.handleFrame(b.client, frame(t, MessageKindLock, LockPayload{Element: "title"}))

	env := recv(t, b)
	require.Equal(t, MessageKindLockDenied, env.Type)
	var denied LockDeniedPayload
	require.NoError(t, json.Unmarshal(env.Data, &denied))
	assert.Equal(t, "title", denied.Element)
	assert.Equal(t, "A", denied.Owner)

	// No lock broadcast for the failed attempt.
	assert.Empty(t, recvAll(t, a))
}

func TestEditBroadcastCarriesAuthoritativeVersion(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinTestSession(t, h, "doc1", "A")
	b := joinTestSession(t, h, "doc1", "B")

	h.handleFrame(a.client, frame(t, MessageKindEdit, EditPayload{
		Sight: "title", Type: "text", Value: json.RawMessage(`"Hello"`),
	}))

	// The originator receives the broadcast too.
	for _, sess := range []*Session{a, b} {
		env := recv(t, sess)
		require.Equal(t, MessageKindEdit, env.Type)
		assert.Equal(t, "A", env.UserID)
		var payload EditPayload
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		assert.Equal(t, int64(1), payload.Version)
		assert.Equal(t, json.RawMessage(`"Hello"`), payload.Value)
	}

	h.handleFrame(b.client, frame(t, MessageKindEdit, EditPayload{
		Sight: "subtitle", Type: "text", Value: json.RawMessage(`"World"`),
	}))

	for _, sess := range []*Session{a, b} {
		env := recv(t, sess)
		var payload EditPayload
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		assert.Equal(t, int64(2), payload.Version)
	}
}

func TestDisconnectReleasesLocksWithOneBroadcastEach(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinTestSession(t, h, "doc1", "A")
	b := joinTestSession(t, h, "doc1", "B")

	h.handleFrame(a.client, frame(t, MessageKindLock, LockPayload{Element: "title"}))
	h.handleFrame(a.client, frame(t, MessageKindLock, LockPayload{Element: "subtitle"}))
	drain(a)
	drain(b)

	h.disconnect(a.client, websocket.CloseNormalClosure, "test disconnect")

	got := recvAll(t, b)
	var unlocked []string
	presenceLeaves := 0
	for _, env := range got {
		switch env.Type {
		case MessageKindUnlock:
			var payload LockPayload
			require.NoError(t, json.Unmarshal(env.Data, &payload))
			unlocked = append(unlocked, payload.Element)
			assert.Equal(t, "A", env.UserID)
		case MessageKindPresence:
			var payload PresencePayload
			require.NoError(t, json.Unmarshal(env.Data, &payload))
			assert.Equal(t, "leave", payload.Action)
			presenceLeaves++
		default:
			t.Fatalf("unexpected broadcast %s", env.Type)
		}
	}
	assert.ElementsMatch(t, []string{"title", "subtitle"}, unlocked)
	assert.Equal(t, 1, presenceLeaves)

	// Disconnecting again must not replay anything.
	h.disconnect(a.client, websocket.CloseNormalClosure, "again")
	assert.Empty(t, recvAll(t, b))
}

func TestEditAgainstForeignLockIsSilentlyRefused(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinTestSession(t, h, "doc1", "A")
	b := joinTestSession(t, h, "doc1", "B")

	h.handleFrame(a.client, frame(t, MessageKindLock, LockPayload{Element: "title"}))
	drain(a)
	drain(b)

	h.handleFrame(b.client, frame(t, MessageKindEdit, EditPayload{
		Sight: "title", Type: "text", Value: json.RawMessage(`"stomp"`),
	}))

	// No broadcast, no version bump, no error frame to the sender.
	assert.Empty(t, recvAll(t, a))
	assert.Empty(t, recvAll(t, b))
	room, _ := h.registry.Room("doc1")
	assert.Equal(t, int64(0), room.Version())

	// The holder can still edit.
	h.handleFrame(a.client, frame(t, MessageKindEdit, EditPayload{
		Sight: "title", Type: "text", Value: json.RawMessage(`"fine"`),
	}))
	assert.Equal(t, int64(1), room.Version())
}

func TestOversizedFrameMutatesNothing(t *testing.T) {
	h := newTestHub(t, func(s *Settings) {
		s.MaxMessageBytes = 256
	})
	a := joinTestSession(t, h, "doc1", "A")
	b := joinTestSession(t, h, "doc1", "B")

	big := strings.Repeat("x", 1024)
	h.handleFrame(a.client, frame(t, MessageKindEdit, EditPayload{
		Sight: "title", Type: "text", Value: json.RawMessage(fmt.Sprintf("%q", big)),
	}))

	assert.Empty(t, recvAll(t, b))
	room, _ := h.registry.Room("doc1")
	assert.Equal(t, int64(0), room.Version())
	snap := room.Snapshot()
	assert.Empty(t, snap.Fields)
}

func TestRateLimitedSessionStaysConnected(t *testing.T) {
	h := newTestHub(t, func(s *Settings) {
		s.MessageRateLimit = 2
		s.MessageRateWindow = time.Hour
	})
	a := joinTestSession(t, h, "doc1", "A")

	for i := 0; i < 5; i++ {
		h.handleFrame(a.client, frame(t, MessageKindPing, nil))
	}

	pongs := 0
	for _, env := range recvAll(t, a) {
		if env.Type == MessageKindPong {
			pongs++
		}
	}
	assert.Equal(t, 2, pongs)

	// The connection itself stays open and the session stays in the room.
	room, ok := h.registry.Room("doc1")
	require.True(t, ok)
	assert.Equal(t, 1, room.SessionCount())
	assert.False(t, a.client.isDead())
}

func TestPingPongAndSyncRequest(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinTestSession(t, h, "doc1", "A")
	b := joinTestSession(t, h, "doc1", "B")

	h.handleFrame(a.client, frame(t, MessageKindPing, nil))
	env := recv(t, a)
	assert.Equal(t, MessageKindPong, env.Type)
	assert.Empty(t, recvAll(t, b))

	h.handleFrame(a.client, frame(t, MessageKindEdit, EditPayload{
		Sight: "title", Type: "text", Value: json.RawMessage(`"Hello"`),
	}))
	drain(a)
	drain(b)

	h.handleFrame(b.client, frame(t, MessageKindSync, nil))
	env = recv(t, b)
	require.Equal(t, MessageKindSync, env.Type)
	var snap SyncSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, int64(1), snap.Version)
	assert.Len(t, snap.Collaborators, 2)
	assert.Equal(t, "A", snap.Fields["title"].LastEditorID)
	assert.Empty(t, recvAll(t, a))
}

func TestCursorAndSelectionExcludeOriginator(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinTestSession(t, h, "doc1", "A")
	b := joinTestSession(t, h, "doc1", "B")

	h.handleFrame(a.client, frame(t, MessageKindCursor, map[string]int{"x": 10, "y": 20}))

	env := recv(t, b)
	assert.Equal(t, MessageKindCursor, env.Type)
	assert.Equal(t, "A", env.UserID)
	assert.NotZero(t, env.Timestamp)
	assert.Empty(t, recvAll(t, a))
}

func TestPresenceUpdateRebroadcastsCanonicalRecord(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinTestSession(t, h, "doc1", "A")
	b := joinTestSession(t, h, "doc1", "B")

	h.handleFrame(a.client, frame(t, MessageKindPresence, PresencePayload{Name: "Alice", Avatar: "cat.png"}))

	env := recv(t, b)
	require.Equal(t, MessageKindPresence, env.Type)
	var payload PresencePayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "update", payload.Action)
	assert.Equal(t, "Alice", payload.Name)
	assert.Equal(t, "cat.png", payload.Avatar)
	assert.Equal(t, ColorFor("A"), payload.Color)

	assert.Equal(t, "Alice", a.Name)
}

func TestLifecycleEventsReachSink(t *testing.T) {
	var events []Event
	settings := DefaultSettings()
	h := NewHub(settings, nil, prometheus.NewRegistry(), func(ev Event) {
		events = append(events, ev)
	})

	a := joinTestSession(t, h, "doc1", "A")
	h.disconnect(a.client, websocket.CloseNormalClosure, "test")

	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, EventSessionLeft)
	assert.Contains(t, kinds, EventRoomClosed)
}

func TestFrameAfterDisconnectMutatesNothing(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinTestSession(t, h, "doc1", "A")
	b := joinTestSession(t, h, "doc1", "B")

	h.disconnect(a.client, websocket.CloseNormalClosure, "connection closed")
	drain(b)

	// Frames still in flight on A's connection arrive after the leave
	// sequence already ran.
	h.handleFrame(a.client, frame(t, MessageKindLock, LockPayload{Element: "title"}))
	h.handleFrame(a.client, frame(t, MessageKindEdit, EditPayload{
		Sight: "title", Type: "text", Value: json.RawMessage(`"ghost"`),
	}))

	room, ok := h.registry.Room("doc1")
	require.True(t, ok)
	_, locked := room.LockHolder("title")
	assert.False(t, locked)
	assert.Equal(t, int64(0), room.Version())
	assert.Empty(t, room.Snapshot().Fields)
	assert.Empty(t, recvAll(t, b))

	// After the same user reconnects, frames from the old connection still
	// count for nothing.
	a2 := joinTestSession(t, h, "doc1", "A")
	drain(b)
	h.handleFrame(a.client, frame(t, MessageKindLock, LockPayload{Element: "title"}))
	_, locked = room.LockHolder("title")
	assert.False(t, locked)
	assert.Empty(t, recvAll(t, a2))
}

func TestSlowConsumerIsDisconnectedWithoutBlockingOthers(t *testing.T) {
	h := newTestHub(t, nil)
	a := joinTestSession(t, h, "doc1", "A")
	b := joinTestSession(t, h, "doc1", "B")
	c := joinTestSession(t, h, "doc1", "C")

	// Fill B's buffer so the next enqueue fails.
	for i := 0; i < cap(b.client.send); i++ {
		b.client.send <- []byte("{}")
	}

	h.handleFrame(a.client, frame(t, MessageKindEdit, EditPayload{
		Sight: "title", Type: "text", Value: json.RawMessage(`"Hello"`),
	}))

	// A and C still got the edit; B was treated as disconnected.
	found := false
	for _, env := range recvAll(t, c) {
		if env.Type == MessageKindEdit {
			found = true
		}
	}
	assert.True(t, found)
	assert.True(t, b.client.isDead())

	room, _ := h.registry.Room("doc1")
	assert.Equal(t, 2, room.SessionCount())
}
