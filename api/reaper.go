package api

import (
	"context"
	"time"

	"github.com/sightedit/collabserver/internal/slogging"
)

// Reaper periodically evicts idle sessions, expired rooms and stale rate
// limiter entries. It shares the room mutex discipline with ordinary message
// handling; it is not a privileged fast path.
type Reaper struct {
	hub      *Hub
	interval time.Duration
}

// NewReaper creates a reaper for the hub
func NewReaper(hub *Hub) *Reaper {
	return &Reaper{hub: hub, interval: hub.settings.SweepInterval}
}

// Run sweeps on a fixed interval until the context is cancelled. It is
// started as a background goroutine coordinated with server shutdown.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.hub.sweep(time.Now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

// sweep runs one reaper pass. A failure to close one session never halts
// the sweep for the others.
func (h *Hub) sweep(now time.Time) {
	logger := slogging.Get()

	for _, room := range h.registry.Rooms() {
		expired := now.Sub(room.CreatedAt) > h.settings.RoomMaxAge ||
			now.Sub(room.LastActivity()) > h.settings.RoomIdleTimeout

		room.mu.Lock()
		var evict []*Session
		for _, s := range room.sessions {
			if expired || now.Sub(s.LastActivity) > h.settings.SessionIdleTimeout {
				evict = append(evict, s)
			}
		}
		empty := len(room.sessions) == 0
		room.mu.Unlock()

		for _, s := range evict {
			if s.client == nil {
				continue
			}
			reason := "idle timeout"
			if expired {
				reason = "room expired"
			}
			logger.Info("reaping session %s in room %s (%s)", s.ID, room.ID, reason)
			h.disconnect(s.client, CloseCodeIdleTimeout, reason)
		}

		if expired || empty {
			h.dropRoom(room)
		}
	}

	if removed := h.limiter.Sweep(now); removed > 0 {
		logger.Debug("reaper dropped %d stale rate limit entries", removed)
	}

	// Keepalive probes for sessions that survived the sweep are handled by
	// each write pump's ping ticker.
}

// dropRoom removes a room from the registry if it is still present, keeping
// the gauge and lifecycle events consistent with the leave path
func (h *Hub) dropRoom(room *Room) {
	if _, ok := h.registry.Room(room.ID); !ok {
		// Already removed when its last member left.
		return
	}
	if h.registry.removeIfEmpty(room) {
		h.metrics.RoomsActive.Dec()
		h.emit(EventRoomClosed, room.ID, "", "")
		return
	}
	// Expired but not empty: a join raced the sweep after members were
	// force-closed; leave the room for the next pass.
}
