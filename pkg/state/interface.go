package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/carevue/sessionhub/pkg/session"
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn Transport, identity session.Identity) (*Connection, error)
	// DeregisterConnection removes the connection from every room and the
	// presence table. Idempotent: deregistering twice is not an error.
	// Returns one Membership per room the connection was still joined to.
	DeregisterConnection(connID uuid.UUID) ([]Membership, error)
	GetConnection(connID uuid.UUID) (*Connection, bool)
	Touch(connID uuid.UUID, activity string) error
	CountUserConnections(userID string) int
	FindOldestUserConnection(userID string) (*Connection, bool)
	AllConnections() []*Connection
	StaleConnections(olderThan time.Duration) []*Connection

	// --- Presence ---
	// Snapshot is a point-in-time, internally consistent copy of the roster.
	Snapshot() []session.PresenceEntry

	// --- Room Membership ---
	// Join is idempotent; Membership.Changed is false when the connection
	// was already a member. Leave mirrors it for non-members. The returned
	// size and revision are computed atomically with the membership change.
	Join(roomID string, connID uuid.UUID) (Membership, error)
	Leave(roomID string, connID uuid.UUID) (Membership, error)
	// RoomMembers returns the current membership; an unknown room yields an
	// empty slice, never an error.
	RoomMembers(roomID string) []*Connection
	RoomSize(roomID string) int
}
