package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carevue/sessionhub/pkg/session"
	"github.com/carevue/sessionhub/pkg/state"
)

// Hub owns the live session cache and fans events out to room subscribers.
// The cache is applied under its lock before any fan-out write, so a client
// that queries the cache right after receiving an event sees the state that
// event produced. Fan-out itself is best-effort per connection.
type Hub struct {
	state state.Manager

	mu        sync.RWMutex
	cache     map[string]*session.Session // live (non-terminal) sessions by id
	countRevs map[string]uint64           // highest membership revision applied per session

	logger *slog.Logger
}

func New(stateManager state.Manager, logger *slog.Logger) *Hub {
	return &Hub{
		state:     stateManager,
		cache:     make(map[string]*session.Session),
		countRevs: make(map[string]uint64),
		logger:    logger.With(slog.String("component", "hub")),
	}
}

// Prime rebuilds the live cache from the system of record. Called once at
// startup; the cache is derived state, never the sole copy.
func (h *Hub) Prime(sessions []session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range sessions {
		if sessions[i].Status.IsTerminal() {
			continue
		}
		sess := sessions[i]
		h.cache[sess.ID] = &sess
	}
	h.logger.Info("live session cache primed", slog.Int("sessions", len(h.cache)))
}

// LiveSessions returns a point-in-time copy of the cache, ordered by
// scheduled time.
func (h *Hub) LiveSessions() []session.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessions := make([]session.Session, 0, len(h.cache))
	for _, s := range h.cache {
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ScheduledAt.Equal(sessions[j].ScheduledAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].ScheduledAt.Before(sessions[j].ScheduledAt)
	})
	return sessions
}

// GetLive returns the cached projection of one session.
func (h *Hub) GetLive(sessionID string) (session.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.cache[sessionID]
	if !ok {
		return session.Session{}, false
	}
	return *s, true
}

// PublishSessionEvent applies snapshot to the cache and then delivers ev to
// the session's room and the tracking topic. A nil snapshot (milestones)
// leaves the cache untouched. The cache mutation completes before the first
// fan-out write starts.
func (h *Hub) PublishSessionEvent(ev session.Event, snapshot *session.Session) error {
	if snapshot != nil {
		h.apply(snapshot)
	}

	frame, err := session.Encode(session.EventSession, ev)
	if err != nil {
		return fmt.Errorf("failed to encode session event: %w", err)
	}

	targets := h.collectTargets(session.SessionRoom(ev.SessionID), uuid.Nil)
	h.deliver(targets, frame)
	return nil
}

// apply inserts or updates a non-terminal snapshot and evicts a terminal
// one. The participant count is owned by room membership, so an existing
// entry's count survives a status update.
func (h *Hub) apply(snapshot *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if snapshot.Status.IsTerminal() {
		delete(h.cache, snapshot.ID)
		delete(h.countRevs, snapshot.ID)
		return
	}
	entry := *snapshot
	if existing, ok := h.cache[snapshot.ID]; ok {
		entry.ParticipantCount = existing.ParticipantCount
	}
	h.cache[snapshot.ID] = &entry
}

// PublishRoster pushes the full roster to every connected client. Presence
// is global; everyone sees everyone.
func (h *Hub) PublishRoster() {
	roster := h.state.Snapshot()
	frame, err := session.Encode(session.EventRosterChanged, session.RosterPayload{Roster: roster})
	if err != nil {
		h.logger.Error("failed to encode roster", slog.Any("error", err))
		return
	}
	h.deliver(h.state.AllConnections(), frame)
}

// ParticipantJoined records a viewer joining a session room and notifies
// the room's other members. The joiner is excluded: it receives current
// state via its join snapshot instead. The membership carries the size and
// revision computed atomically with the join, so two deliveries racing each
// other cannot leave an older count in the cache.
func (h *Hub) ParticipantJoined(sessionID string, who session.Identity, joiner uuid.UUID, membership state.Membership) {
	h.setParticipantCount(sessionID, membership)
	h.publishParticipant(session.EventParticipantJoined, sessionID, who, membership.Size, joiner)
}

// ParticipantLeft is the counterpart for unsubscribe and disconnect.
func (h *Hub) ParticipantLeft(sessionID string, who session.Identity, leaver uuid.UUID, membership state.Membership) {
	h.setParticipantCount(sessionID, membership)
	h.publishParticipant(session.EventParticipantLeft, sessionID, who, membership.Size, leaver)
}

func (h *Hub) setParticipantCount(sessionID string, membership state.Membership) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if membership.Rev <= h.countRevs[sessionID] {
		// A newer membership change already landed; keep its count.
		return
	}
	h.countRevs[sessionID] = membership.Rev
	if entry, ok := h.cache[sessionID]; ok {
		entry.ParticipantCount = membership.Size
	}
}

func (h *Hub) publishParticipant(evType session.EventType, sessionID string, who session.Identity, count int, exclude uuid.UUID) {
	payload, err := json.Marshal(session.ParticipantPayload{Identity: who, Count: count})
	if err != nil {
		h.logger.Error("failed to encode participant payload", slog.Any("error", err))
		return
	}
	ev := session.Event{
		SessionID:       sessionID,
		Type:            evType,
		Payload:         payload,
		ServerTimestamp: time.Now(),
	}
	frame, err := session.Encode(session.EventSession, ev)
	if err != nil {
		h.logger.Error("failed to encode participant event", slog.Any("error", err))
		return
	}
	h.deliver(h.collectTargets(session.SessionRoom(sessionID), exclude), frame)
}

// collectTargets merges the session room's members with the tracking
// topic's, deduplicating connections subscribed to both.
func (h *Hub) collectTargets(roomID string, exclude uuid.UUID) []*state.Connection {
	seen := make(map[uuid.UUID]*state.Connection)
	for _, c := range h.state.RoomMembers(roomID) {
		seen[c.ID] = c
	}
	for _, c := range h.state.RoomMembers(session.RoomTracking) {
		seen[c.ID] = c
	}
	delete(seen, exclude)

	targets := make([]*state.Connection, 0, len(seen))
	for _, c := range seen {
		targets = append(targets, c)
	}
	return targets
}

// deliver writes frame to each target. A connection that cannot keep up is
// logged and closed; its failure never aborts delivery to the rest.
func (h *Hub) deliver(targets []*state.Connection, frame []byte) {
	for _, conn := range targets {
		if err := conn.Transport.Send(frame); err != nil {
			h.logger.Warn("dropping undeliverable connection",
				slog.String("connID", conn.ID.String()),
				slog.Any("error", err),
			)
			go conn.Transport.Close(err)
		}
	}
}
