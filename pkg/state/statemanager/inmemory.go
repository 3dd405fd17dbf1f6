package statemanager

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carevue/sessionhub/pkg/session"
	"github.com/carevue/sessionhub/pkg/state"
)

// InMemoryManager holds the presence table and room membership behind two
// mutexes. Lock hold time is bounded to map mutation and copying; no lock
// is ever held across network I/O.
type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	rooms map[string]*state.Room
	// rev counts membership mutations across all rooms. Guarded by roomMu;
	// stamped onto every Membership so consumers can order counts.
	rev uint64

	connMu sync.RWMutex
	roomMu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		rooms:  make(map[string]*state.Room),
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) RegisterConnection(conn state.Transport, identity session.Identity) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	now := time.Now()
	newConn := &state.Connection{
		ID:          connID,
		Identity:    identity,
		Transport:   conn,
		ConnectedAt: now,
		LastSeen:    now,
		Rooms:       make(map[string]struct{}),
	}
	m.conns[connID] = newConn
	m.logger.Debug("connection registered",
		slog.String("connID", connID.String()),
		slog.String("userID", identity.ID),
	)
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) ([]state.Membership, error) {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		// already deregistered
		m.connMu.Unlock()
		return nil, nil
	}
	delete(m.conns, connID)
	roomIDs := make([]string, 0, len(conn.Rooms))
	for roomID := range conn.Rooms {
		roomIDs = append(roomIDs, roomID)
	}
	conn.Rooms = make(map[string]struct{})
	m.connMu.Unlock()

	sort.Strings(roomIDs)

	m.roomMu.Lock()
	departed := make([]state.Membership, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		room, ok := m.rooms[roomID]
		if !ok {
			continue
		}
		delete(room.Members, connID)
		m.rev++
		departed = append(departed, state.Membership{
			RoomID:  roomID,
			Changed: true,
			Size:    len(room.Members),
			Rev:     m.rev,
		})
		if len(room.Members) == 0 {
			delete(m.rooms, roomID)
		}
	}
	m.roomMu.Unlock()

	m.logger.Debug("connection deregistered", slog.String("connID", connID.String()))
	return departed, nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) Touch(connID uuid.UUID, activity string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return errors.New("cannot touch unknown connection")
	}
	conn.LastSeen = time.Now()
	if activity != "" {
		conn.Activity = activity
	}
	return nil
}

func (m *InMemoryManager) CountUserConnections(userID string) int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	count := 0
	for _, conn := range m.conns {
		if conn.Identity.ID == userID {
			count++
		}
	}
	return count
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	var oldest *state.Connection
	for _, conn := range m.conns {
		if conn.Identity.ID != userID {
			continue
		}
		if oldest == nil || conn.ConnectedAt.Before(oldest.ConnectedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemoryManager) StaleConnections(olderThan time.Duration) []*state.Connection {
	cutoff := time.Now().Add(-olderThan)

	m.connMu.RLock()
	defer m.connMu.RUnlock()

	var stale []*state.Connection
	for _, c := range m.conns {
		if c.LastSeen.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	return stale
}

// Snapshot copies the roster under the lock so readers never observe a
// half-written entry.
func (m *InMemoryManager) Snapshot() []session.PresenceEntry {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	entries := make([]session.PresenceEntry, 0, len(m.conns))
	for _, c := range m.conns {
		entries = append(entries, session.PresenceEntry{
			Identity:    c.Identity,
			ConnectedAt: c.ConnectedAt,
			Activity:    c.Activity,
			LastSeen:    c.LastSeen,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ConnectedAt.Before(entries[j].ConnectedAt)
	})
	return entries
}

// --- Room Membership ---

func (m *InMemoryManager) Join(roomID string, connID uuid.UUID) (state.Membership, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.Membership{RoomID: roomID}, errors.New("cannot join room: connection not registered")
	}

	// Idempotent: joining a room twice is a no-op and does not bump the
	// revision.
	if _, joined := conn.Rooms[roomID]; joined {
		return state.Membership{
			RoomID: roomID,
			Size:   len(m.rooms[roomID].Members),
			Rev:    m.rev,
		}, nil
	}

	room, exists := m.rooms[roomID]
	if !exists {
		room = &state.Room{
			ID:      roomID,
			Members: make(map[uuid.UUID]*state.Connection),
		}
		m.rooms[roomID] = room
	}

	conn.Rooms[roomID] = struct{}{}
	room.Members[connID] = conn
	m.rev++

	m.logger.Debug("connection joined room", "connID", connID.String(), "roomID", roomID)
	return state.Membership{
		RoomID:  roomID,
		Changed: true,
		Size:    len(room.Members),
		Rev:     m.rev,
	}, nil
}

func (m *InMemoryManager) Leave(roomID string, connID uuid.UUID) (state.Membership, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	wasMember := false
	conn, ok := m.conns[connID]
	if ok {
		_, wasMember = conn.Rooms[roomID]
		delete(conn.Rooms, roomID)
	}

	room, ok := m.rooms[roomID]
	if !ok {
		// Leaving a room that doesn't exist is not an error.
		return state.Membership{RoomID: roomID, Rev: m.rev}, nil
	}
	delete(room.Members, connID)
	size := len(room.Members)
	if wasMember {
		m.rev++
	}

	// For memory hygiene, remove the room if it's now empty.
	if size == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("removed empty room", "roomID", roomID)
	}
	return state.Membership{
		RoomID:  roomID,
		Changed: wasMember,
		Size:    size,
		Rev:     m.rev,
	}, nil
}

func (m *InMemoryManager) RoomMembers(roomID string) []*state.Connection {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]*state.Connection, 0, len(room.Members))
	for _, c := range room.Members {
		members = append(members, c)
	}
	return members
}

func (m *InMemoryManager) RoomSize(roomID string) int {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return 0
	}
	return len(room.Members)
}
