package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sightedit/collabserver/internal/slogging"
)

// Settings holds the collaboration subsystem tunables
type Settings struct {
	AllowedOrigins       []string
	RequireAuth          bool
	JWTSecret            []byte
	MaxMessageBytes      int64
	MessageRateLimit     int
	MessageRateWindow    time.Duration
	ConnectionRateLimit  int
	ConnectionRateWindow time.Duration
	MaxSessionsPerRoom   int
	SessionIdleTimeout   time.Duration
	RoomIdleTimeout      time.Duration
	RoomMaxAge           time.Duration
	SweepInterval        time.Duration
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
}

// DefaultSettings returns production defaults; tests shrink the windows
func DefaultSettings() Settings {
	return Settings{
		AllowedOrigins:       []string{"*"},
		MaxMessageBytes:      64 * 1024,
		MessageRateLimit:     120,
		MessageRateWindow:    10 * time.Second,
		ConnectionRateLimit:  20,
		ConnectionRateWindow: time.Minute,
		MaxSessionsPerRoom:   32,
		SessionIdleTimeout:   5 * time.Minute,
		RoomIdleTimeout:      30 * time.Minute,
		RoomMaxAge:           12 * time.Hour,
		SweepInterval:        30 * time.Second,
		PingInterval:         30 * time.Second,
		PongWait:             60 * time.Second,
		WriteWait:            10 * time.Second,
	}
}

// Hub wires the gatekeeper, registry, validator, limiter and broadcast paths
// into one collaboration endpoint. It is constructed explicitly at server
// start; nothing in this package keeps global room state.
type Hub struct {
	settings   Settings
	registry   *Registry
	validator  *Validator
	gatekeeper *Gatekeeper
	limiter    *ConnectionLimiter
	metrics    *Metrics
	sink       EventSink
	upgrader   websocket.Upgrader
}

// NewHub creates the collaboration hub. redisClient may be nil (the
// connection limiter then keeps in-memory windows) and sink may be nil.
func NewHub(settings Settings, redisClient *redis.Client, reg prometheus.Registerer, sink EventSink) *Hub {
	metrics := NewMetrics(reg)
	limiter := NewConnectionLimiter(redisClient, settings.ConnectionRateLimit, settings.ConnectionRateWindow)
	h := &Hub{
		settings:   settings,
		registry:   NewRegistry(settings.MaxSessionsPerRoom),
		validator:  NewValidator(settings.MaxMessageBytes),
		gatekeeper: NewGatekeeper(settings, limiter, metrics),
		limiter:    limiter,
		metrics:    metrics,
		sink:       sink,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Origin is checked again by the gatekeeper so rejections carry a
		// close code instead of a bare 403.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return h
}

// Registry exposes the room registry, mainly for tests and diagnostics
func (h *Hub) Registry() *Registry {
	return h.registry
}

// HandleWS is the gin handler for the collaboration endpoint. The socket is
// upgraded first so every rejection can carry an application-level close
// code, then the gatekeeper and join-time checks run before any session
// state is created.
func (h *Hub) HandleWS(c *gin.Context) {
	logger := slogging.Get()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade connection from %s: %v", c.Request.RemoteAddr, err)
		return
	}

	adm, rej := h.gatekeeper.Screen(c)
	if rej != nil {
		closeConn(conn, websocket.ClosePolicyViolation, rej.CloseText)
		return
	}

	sess := NewSession(adm.RoomID, adm.UserID, adm.Origin, adm.RemoteAddr, adm.Token)
	client := newClient(h, conn, sess)
	sess.client = client

	snap, created, old, err := h.registry.Join(adm.RoomID, sess)
	if errors.Is(err, ErrDuplicateSession) && old != nil && old.client != nil && old.client.isDead() {
		// The previous channel is already dead; evict the stale session and
		// let the reconnect through.
		h.disconnect(old.client, CloseCodeIdleTimeout, "stale session evicted")
		snap, created, _, err = h.registry.Join(adm.RoomID, sess)
	}
	if err != nil {
		reason := RejectReasonDuplicate
		text := "user already connected to this room"
		if errors.Is(err, ErrRoomFull) {
			reason = RejectReasonRoomFull
			text = "room is full"
		}
		h.metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		logger.Warn("rejected join for user %s in room %s: %v", adm.UserID, adm.RoomID, err)
		closeConn(conn, websocket.ClosePolicyViolation, text)
		return
	}

	h.metrics.ConnectionsAccepted.Inc()
	h.metrics.SessionsActive.Inc()
	if created {
		h.metrics.RoomsActive.Inc()
		h.emit(EventRoomOpened, adm.RoomID, "", "")
	}

	// Initial sync to the joiner, presence join to everyone else.
	if env, err := newEnvelope(MessageKindSync, sess.ID, snap); err == nil {
		data, _ := json.Marshal(env)
		client.trySend(data)
	}
	if room, ok := h.registry.Room(sess.RoomID); ok {
		joinEnv, err := newEnvelope(MessageKindPresence, sess.ID, PresencePayload{
			Action: "join", Name: sess.Name, Avatar: sess.Avatar, Color: sess.Color,
		})
		if err == nil {
			room.mu.Lock()
			dead := h.broadcastLocked(room, sess.ID, joinEnv)
			room.mu.Unlock()
			h.disconnectAll(dead, "write failed")
		}
	}
	h.emit(EventSessionJoined, sess.RoomID, sess.ID, "")
	logger.Info("session %s joined room %s from %s", sess.ID, sess.RoomID, sess.RemoteAddr)

	go client.writePump()
	go client.readPump()
}

// handleFrame processes one inbound frame for a connected client, in the
// validation order size, rate window, structure, edit payload. Rejected
// frames mutate no room state and produce no broadcast.
func (h *Hub) handleFrame(c *Client, frame []byte) {
	sess := c.session
	room, ok := h.registry.Room(sess.RoomID)
	if !ok {
		// Room was reaped while the frame was in flight.
		return
	}

	if int64(len(frame)) > h.settings.MaxMessageBytes {
		h.drop(sess, DropReasonOversized, ErrFrameTooLarge)
		return
	}

	now := time.Now().UTC()
	room.mu.Lock()
	if sess.closed || room.sessions[sess.ID] != sess {
		// Disconnect won the race against this frame; the leave sequence
		// already ran, so the frame must not touch room state.
		room.mu.Unlock()
		return
	}
	allowed := sess.allowMessageLocked(h.settings.MessageRateLimit, h.settings.MessageRateWindow, now)
	room.mu.Unlock()
	if !allowed {
		h.drop(sess, DropReasonRate, ErrRateLimited)
		return
	}

	env, err := h.validator.Decode(frame)
	if err != nil {
		reason := DropReasonMalformed
		switch {
		case errors.Is(err, ErrUnknownKind):
			reason = DropReasonKind
		case errors.Is(err, ErrInvalidEdit):
			reason = DropReasonEdit
		case errors.Is(err, ErrFrameTooLarge):
			reason = DropReasonOversized
		}
		h.drop(sess, reason, err)
		return
	}

	h.dispatch(c, room, env, now)
}

// drop records a silently rejected frame for diagnostics
func (h *Hub) drop(sess *Session, reason string, err error) {
	h.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	h.emit(EventMessageDropped, sess.RoomID, sess.ID, reason)
	slogging.Get().Debug("dropped frame from %s in room %s: %v", sess.ID, sess.RoomID, err)
}

// dispatch applies an accepted envelope to room state and routes the
// resulting broadcasts. All mutation happens under the room mutex so
// concurrent edits serialize per room.
func (h *Hub) dispatch(c *Client, room *Room, env *Envelope, now time.Time) {
	sess := c.session
	var dead []*Session

	room.mu.Lock()
	if sess.closed || room.sessions[sess.ID] != sess {
		// A disconnect slipped in between validation and dispatch. Locks and
		// edits from a removed session would never be released or attributed.
		room.mu.Unlock()
		return
	}
	sess.LastActivity = now
	room.touchLocked(now)

	switch env.Type {
	case MessageKindPing:
		if out, err := newEnvelope(MessageKindPong, sess.ID, nil); err == nil {
			dead = h.sendLocked(room, sess, out)
		}

	case MessageKindCursor, MessageKindSelection:
		out := &Envelope{Type: env.Type, UserID: sess.ID, Data: env.Data, Timestamp: now.UnixMilli()}
		dead = h.broadcastLocked(room, sess.ID, out)

	case MessageKindPresence:
		dead = h.handlePresenceLocked(room, sess, env)

	case MessageKindSync:
		if out, err := newEnvelope(MessageKindSync, sess.ID, room.snapshotLocked()); err == nil {
			dead = h.sendLocked(room, sess, out)
		}

	case MessageKindLock:
		dead = h.handleLockLocked(room, sess, env)

	case MessageKindUnlock:
		dead = h.handleUnlockLocked(room, sess, env)

	case MessageKindEdit:
		dead = h.handleEditLocked(room, sess, env, now)
	}
	room.mu.Unlock()

	h.disconnectAll(dead, "write failed")
}

// handlePresenceLocked applies a profile update and rebroadcasts the
// canonical record. Caller holds the room mutex.
func (h *Hub) handlePresenceLocked(room *Room, sess *Session, env *Envelope) []*Session {
	var payload PresencePayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.metrics.MessagesDropped.WithLabelValues(DropReasonMalformed).Inc()
			return nil
		}
	}
	if payload.Name != "" {
		sess.Name = payload.Name
	}
	if payload.Avatar != "" {
		sess.Avatar = payload.Avatar
	}
	action := payload.Action
	if action == "" {
		action = "update"
	}
	out, err := newEnvelope(MessageKindPresence, sess.ID, PresencePayload{
		Action: action, Name: sess.Name, Avatar: sess.Avatar, Color: sess.Color,
	})
	if err != nil {
		return nil
	}
	return h.broadcastLocked(room, sess.ID, out)
}

// handleLockLocked grants or denies an element lock. Grants broadcast to the
// whole room; denials go only to the requester with the holder's identity.
func (h *Hub) handleLockLocked(room *Room, sess *Session, env *Envelope) []*Session {
	var payload LockPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || !ValidElementID(payload.Element) {
		h.metrics.MessagesDropped.WithLabelValues(DropReasonMalformed).Inc()
		return nil
	}

	granted, owner := room.tryLockLocked(payload.Element, sess.ID)
	if !granted {
		h.metrics.PolicyRefusals.WithLabelValues(RefusalLockDenied).Inc()
		out, err := newEnvelope(MessageKindLockDenied, sess.ID, LockDeniedPayload{
			Element: payload.Element, Owner: owner,
		})
		if err != nil {
			return nil
		}
		return h.sendLocked(room, sess, out)
	}

	out, err := newEnvelope(MessageKindLock, sess.ID, LockPayload{Element: payload.Element})
	if err != nil {
		return nil
	}
	return h.broadcastLocked(room, "", out)
}

// handleUnlockLocked releases a held lock. A non-holder release is a no-op,
// not an error.
func (h *Hub) handleUnlockLocked(room *Room, sess *Session, env *Envelope) []*Session {
	var payload LockPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || !ValidElementID(payload.Element) {
		h.metrics.MessagesDropped.WithLabelValues(DropReasonMalformed).Inc()
		return nil
	}

	if !room.unlockLocked(payload.Element, sess.ID) {
		h.metrics.PolicyRefusals.WithLabelValues(RefusalNonHolderUnlock).Inc()
		slogging.Get().Debug("session %s released nothing for element %s in room %s",
			sess.ID, payload.Element, room.ID)
		return nil
	}

	out, err := newEnvelope(MessageKindUnlock, sess.ID, LockPayload{Element: payload.Element})
	if err != nil {
		return nil
	}
	return h.broadcastLocked(room, "", out)
}

// handleEditLocked applies an edit and broadcasts the authoritative version
// to the whole room, originator included. An edit against another session's
// lock is an expected race and is refused silently.
func (h *Hub) handleEditLocked(room *Room, sess *Session, env *Envelope, now time.Time) []*Session {
	var payload EditPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.metrics.MessagesDropped.WithLabelValues(DropReasonEdit).Inc()
		return nil
	}

	if !room.canEditLocked(payload.Sight, sess.ID) {
		h.metrics.PolicyRefusals.WithLabelValues(RefusalLockedEdit).Inc()
		holder := room.locks[payload.Sight]
		slogging.Get().Debug("refused edit of locked element %s by %s in room %s (holder %s)",
			payload.Sight, sess.ID, room.ID, holder)
		return nil
	}

	payload.Version = room.applyEditLocked(sess.ID, &payload, now)
	out, err := newEnvelope(MessageKindEdit, sess.ID, payload)
	if err != nil {
		return nil
	}
	return h.broadcastLocked(room, "", out)
}

// disconnect runs the full leave sequence for a client: the session leaves
// its room, every held lock is released with one unlock broadcast each, a
// presence leave is broadcast, and the socket is closed with the given code.
// Safe to call multiple times and safe to race with in-flight messages for
// the same connection.
func (h *Hub) disconnect(c *Client, closeCode int, reason string) {
	c.markDead()
	sess := c.session
	released, roomRemoved, acted := h.registry.Leave(sess)

	if acted {
		h.metrics.SessionsActive.Dec()

		if room, ok := h.registry.Room(sess.RoomID); ok {
			var dead []*Session
			room.mu.Lock()
			for _, element := range released {
				if out, err := newEnvelope(MessageKindUnlock, sess.ID, LockPayload{Element: element}); err == nil {
					dead = append(dead, h.broadcastLocked(room, "", out)...)
				}
			}
			if out, err := newEnvelope(MessageKindPresence, sess.ID, PresencePayload{
				Action: "leave", Name: sess.Name, Color: sess.Color,
			}); err == nil {
				dead = append(dead, h.broadcastLocked(room, "", out)...)
			}
			room.mu.Unlock()
			h.disconnectAll(dead, "write failed")
		}

		if roomRemoved {
			h.metrics.RoomsActive.Dec()
			h.emit(EventRoomClosed, sess.RoomID, "", "")
		}
		h.emit(EventSessionLeft, sess.RoomID, sess.ID, reason)
		slogging.Get().Info("session %s left room %s (%s)", sess.ID, sess.RoomID, reason)
	}

	c.close(closeCode, reason)
}

// disconnectAll converts failed recipients into normal disconnects. A write
// failure on one channel never propagates beyond that session.
func (h *Hub) disconnectAll(dead []*Session, reason string) {
	for _, s := range dead {
		if s.client != nil {
			h.disconnect(s.client, websocket.CloseNormalClosure, reason)
		}
	}
}

// Shutdown closes every room and session with a normal close code. The hub
// must not be reused afterwards.
func (h *Hub) Shutdown(ctx context.Context) {
	for _, room := range h.registry.Rooms() {
		room.mu.Lock()
		sessions := make([]*Session, 0, len(room.sessions))
		for _, s := range room.sessions {
			sessions = append(sessions, s)
		}
		room.mu.Unlock()

		for _, s := range sessions {
			if s.client != nil {
				h.disconnect(s.client, websocket.CloseNormalClosure, "server shutting down")
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
