package api

import (
	"encoding/json"

	"github.com/sightedit/collabserver/internal/slogging"
)

// broadcastLocked serializes the envelope once and fans it out to every
// session in the room except excludeID (pass "" to include everyone, as edits
// do so the originator sees the authoritative version). Delivery is
// best-effort per recipient: a failed enqueue marks only that recipient dead
// and it is returned for disconnect handling after the room mutex is
// released. Caller holds the room mutex.
func (h *Hub) broadcastLocked(room *Room, excludeID string, env *Envelope) []*Session {
	data, err := json.Marshal(env)
	if err != nil {
		slogging.Get().Error("failed to marshal %s broadcast for room %s: %v", env.Type, room.ID, err)
		return nil
	}

	var dead []*Session
	for id, s := range room.sessions {
		if id == excludeID || s.client == nil {
			continue
		}
		if !s.client.trySend(data) {
			dead = append(dead, s)
		}
	}
	h.metrics.BroadcastsSent.Inc()
	return dead
}

// sendLocked delivers one envelope to a single session (pong replies, sync
// snapshots, lockDenied). Caller holds the room mutex; a failed enqueue is
// reported the same way as a failed broadcast recipient.
func (h *Hub) sendLocked(room *Room, sess *Session, env *Envelope) []*Session {
	data, err := json.Marshal(env)
	if err != nil {
		slogging.Get().Error("failed to marshal %s reply for session %s: %v", env.Type, sess.ID, err)
		return nil
	}
	if sess.client != nil && !sess.client.trySend(data) {
		return []*Session{sess}
	}
	return nil
}
