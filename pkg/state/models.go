package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/carevue/sessionhub/pkg/session"
)

// Transport is the slice of the underlying connection the state layer and
// its consumers need: identity, frame delivery, teardown.
// pkg/transport.Connection is the production implementation.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte) error
	Close(err error)
}

// Connection is the canonical record of a registered transport connection.
// Identity is immutable after registration; Activity and LastSeen are
// mutated only through the manager.
type Connection struct {
	ID          uuid.UUID
	Identity    session.Identity
	Transport   Transport // the actual connection for sending messages
	ConnectedAt time.Time
	LastSeen    time.Time
	Activity    string
	Rooms       map[string]struct{} // room ids this connection is joined to
}

// Room is a named broadcast group. It exists only while it has members.
type Room struct {
	ID      string
	Members map[uuid.UUID]*Connection
}

// Membership is the post-change view of one room: whether the call changed
// anything, the resulting size, and a revision stamped under the room lock.
// Revisions are monotonic across the whole manager, so a consumer can keep
// the highest revision it has applied per room and discard older counts
// that arrive late.
type Membership struct {
	RoomID  string
	Changed bool
	Size    int
	Rev     uint64
}
