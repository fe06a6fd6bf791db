package api

import "time"

// EventKind identifies an internal lifecycle event
type EventKind string

const (
	// EventSessionJoined fires after a session completes its initial sync
	EventSessionJoined EventKind = "session_joined"
	// EventSessionLeft fires after a session's leave sequence finishes
	EventSessionLeft EventKind = "session_left"
	// EventRoomOpened fires when a join creates a room
	EventRoomOpened EventKind = "room_opened"
	// EventRoomClosed fires when the last session leaves or the reaper
	// removes the room
	EventRoomClosed EventKind = "room_closed"
	// EventMessageDropped fires when a frame is rejected by the validator
	// or rate limiter
	EventMessageDropped EventKind = "message_dropped"
)

// Event is a lifecycle notification handed to the owning process
type Event struct {
	Kind      EventKind
	RoomID    string
	SessionID string
	Detail    string
	Timestamp time.Time
}

// EventSink receives lifecycle events. The sink is called synchronously from
// connection-handling paths and must not block; sinks that need to do real
// work should hand events off to their own queue.
type EventSink func(Event)

// emit delivers a lifecycle event to the configured sink, if any
func (h *Hub) emit(kind EventKind, roomID, sessionID, detail string) {
	if h.sink == nil {
		return
	}
	h.sink(Event{
		Kind:      kind,
		RoomID:    roomID,
		SessionID: sessionID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}
