package statemanager_test

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/carevue/sessionhub/pkg/session"
	"github.com/carevue/sessionhub/pkg/state/statemanager"
	"github.com/carevue/sessionhub/pkg/transport"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestManager() *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(newTestLogger())
}

func newTransportConn() *transport.Connection {
	// We never run the pumps in these tests, so the underlying websocket
	// conn can be nil.
	var wg sync.WaitGroup
	return transport.NewConnection(context.Background(), &wg, nil, transport.ConnectionConfig{}, newTestLogger())
}

func providerIdentity(id string) session.Identity {
	return session.Identity{ID: id, Name: "Dr. " + id, Role: session.RoleProvider}
}

// --- Connection Lifecycle Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()

	stateConn, err := m.RegisterConnection(conn, providerIdentity("user-1"))
	if err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if stateConn.ID != conn.ID() {
		t.Errorf("Registered connection ID mismatch")
	}
	if stateConn.Identity.ID != "user-1" {
		t.Errorf("Expected identity user-1, got %s", stateConn.Identity.ID)
	}

	retrieved, found := m.GetConnection(conn.ID())
	if !found {
		t.Fatal("GetConnection failed to find registered connection")
	}
	if retrieved.ID != conn.ID() {
		t.Errorf("Retrieved connection ID mismatch")
	}

	if _, err := m.DeregisterConnection(conn.ID()); err != nil {
		t.Fatalf("DeregisterConnection failed: %v", err)
	}
	if _, found = m.GetConnection(conn.ID()); found {
		t.Error("Found connection after it should have been deregistered")
	}
}

func TestDeregisterIsIdempotent(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()
	m.RegisterConnection(conn, providerIdentity("user-1"))

	if _, err := m.DeregisterConnection(conn.ID()); err != nil {
		t.Fatalf("first DeregisterConnection failed: %v", err)
	}
	if _, err := m.DeregisterConnection(conn.ID()); err != nil {
		t.Fatalf("second DeregisterConnection should be a no-op, got: %v", err)
	}
}

func TestUserConnectionCount(t *testing.T) {
	m := newTestManager()
	conn1 := newTransportConn()
	conn2 := newTransportConn()

	m.RegisterConnection(conn1, providerIdentity("user-1"))
	if count := m.CountUserConnections("user-1"); count != 1 {
		t.Errorf("Expected connection count 1, got %d", count)
	}

	m.RegisterConnection(conn2, providerIdentity("user-1"))
	if count := m.CountUserConnections("user-1"); count != 2 {
		t.Errorf("Expected connection count 2, got %d", count)
	}

	m.DeregisterConnection(conn1.ID())
	if count := m.CountUserConnections("user-1"); count != 1 {
		t.Errorf("Expected connection count 1 after deregister, got %d", count)
	}
}

func TestFindOldestUserConnection(t *testing.T) {
	m := newTestManager()
	conn1 := newTransportConn()
	m.RegisterConnection(conn1, providerIdentity("user-cycle"))
	time.Sleep(5 * time.Millisecond) // Ensure timestamps are different
	conn2 := newTransportConn()
	m.RegisterConnection(conn2, providerIdentity("user-cycle"))

	oldest, found := m.FindOldestUserConnection("user-cycle")
	if !found {
		t.Fatal("FindOldestUserConnection found nothing")
	}
	if oldest.ID != conn1.ID() {
		t.Errorf("Expected oldest connection %s, got %s", conn1.ID(), oldest.ID)
	}

	if _, found := m.FindOldestUserConnection("no-such-user"); found {
		t.Error("Found a connection for an unknown user")
	}
}

// --- Room Membership Tests ---

func TestJoinLeaveMembership(t *testing.T) {
	m := newTestManager()
	conn1 := newTransportConn()
	conn2 := newTransportConn()
	m.RegisterConnection(conn1, providerIdentity("user-1"))
	m.RegisterConnection(conn2, providerIdentity("user-2"))

	room := session.SessionRoom("S1")
	ms, err := m.Join(room, conn1.ID())
	if err != nil || !ms.Changed {
		t.Fatalf("Join failed: changed=%v err=%v", ms.Changed, err)
	}
	if ms.Size != 1 {
		t.Errorf("Expected post-join size 1, got %d", ms.Size)
	}
	if ms, err = m.Join(room, conn2.ID()); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if ms.Size != 2 {
		t.Errorf("Expected post-join size 2, got %d", ms.Size)
	}
	// Idempotent join.
	ms, err = m.Join(room, conn1.ID())
	if err != nil {
		t.Fatalf("repeat Join should be a no-op, got: %v", err)
	}
	if ms.Changed {
		t.Error("repeat Join reported a membership change")
	}
	if ms.Size != 2 {
		t.Errorf("no-op Join should still report size 2, got %d", ms.Size)
	}

	if size := m.RoomSize(room); size != 2 {
		t.Errorf("Expected room size 2, got %d", size)
	}

	ms, err = m.Leave(room, conn1.ID())
	if err != nil || !ms.Changed {
		t.Fatalf("Leave failed: changed=%v err=%v", ms.Changed, err)
	}
	if ms.Size != 1 {
		t.Errorf("Expected post-leave size 1, got %d", ms.Size)
	}
	members := m.RoomMembers(room)
	if len(members) != 1 || members[0].ID != conn2.ID() {
		t.Errorf("Expected only conn2 in room, got %d members", len(members))
	}

	// Leaving a room you're not in, or a room that doesn't exist, is benign.
	ms, err = m.Leave(room, conn1.ID())
	if err != nil {
		t.Errorf("Leave of non-member should be a no-op, got: %v", err)
	}
	if ms.Changed {
		t.Error("Leave of non-member reported a membership change")
	}
	if _, err := m.Leave("no-such-room", conn1.ID()); err != nil {
		t.Errorf("Leave of unknown room should be a no-op, got: %v", err)
	}
}

func TestMembershipRevisionsAreMonotonic(t *testing.T) {
	m := newTestManager()
	conn1 := newTransportConn()
	conn2 := newTransportConn()
	m.RegisterConnection(conn1, providerIdentity("user-1"))
	m.RegisterConnection(conn2, providerIdentity("user-2"))

	room := session.SessionRoom("S1")
	first, _ := m.Join(room, conn1.ID())
	second, _ := m.Join(room, conn2.ID())
	if second.Rev <= first.Rev {
		t.Errorf("Expected revision to advance: %d then %d", first.Rev, second.Rev)
	}

	// A no-op does not advance the revision.
	repeat, _ := m.Join(room, conn1.ID())
	if repeat.Rev != second.Rev {
		t.Errorf("No-op join changed the revision: %d vs %d", repeat.Rev, second.Rev)
	}

	third, _ := m.Leave(room, conn1.ID())
	if third.Rev <= second.Rev {
		t.Errorf("Expected leave to advance the revision: %d then %d", second.Rev, third.Rev)
	}
	if third.Size != 1 {
		t.Errorf("Expected post-leave size 1, got %d", third.Size)
	}
}

func TestEmptyRoomIsRemoved(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()
	m.RegisterConnection(conn, providerIdentity("user-1"))

	m.Join("tracking", conn.ID())
	m.Leave("tracking", conn.ID())

	if members := m.RoomMembers("tracking"); len(members) != 0 {
		t.Errorf("Expected empty membership for removed room, got %d", len(members))
	}
}

func TestDeregisterLeavesAllRooms(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()
	other := newTransportConn()
	m.RegisterConnection(conn, providerIdentity("user-1"))
	m.RegisterConnection(other, providerIdentity("user-2"))

	m.Join("tracking", conn.ID())
	m.Join(session.SessionRoom("S1"), conn.ID())
	m.Join(session.SessionRoom("S1"), other.ID())

	departed, err := m.DeregisterConnection(conn.ID())
	if err != nil {
		t.Fatalf("DeregisterConnection failed: %v", err)
	}
	if len(departed) != 2 {
		t.Fatalf("Expected 2 rooms departed, got %v", departed)
	}
	for _, ms := range departed {
		if !ms.Changed {
			t.Errorf("Departure from %s should report a change", ms.RoomID)
		}
		if ms.RoomID == session.SessionRoom("S1") && ms.Size != 1 {
			t.Errorf("Expected 1 remaining member in session room, got %d", ms.Size)
		}
	}

	members := m.RoomMembers(session.SessionRoom("S1"))
	if len(members) != 1 || members[0].ID != other.ID() {
		t.Errorf("Expected only other connection to remain in session room")
	}
	if size := m.RoomSize("tracking"); size != 0 {
		t.Errorf("Expected tracking room to be empty, got %d", size)
	}
}

// --- Presence Tests ---

func TestSnapshotIsConsistentCopy(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()
	m.RegisterConnection(conn, providerIdentity("user-1"))

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Expected 1 presence entry, got %d", len(snap))
	}
	if snap[0].Identity.ID != "user-1" {
		t.Errorf("Unexpected identity in snapshot: %s", snap[0].Identity.ID)
	}

	// Mutating state after the snapshot must not alter the copy.
	m.Touch(conn.ID(), "reviewing vitals")
	if snap[0].Activity != "" {
		t.Error("Snapshot was mutated after the fact")
	}

	snap2 := m.Snapshot()
	if snap2[0].Activity != "reviewing vitals" {
		t.Errorf("Expected updated activity, got %q", snap2[0].Activity)
	}
}

func TestTouchAndStaleConnections(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()
	m.RegisterConnection(conn, providerIdentity("user-1"))

	if stale := m.StaleConnections(time.Minute); len(stale) != 0 {
		t.Errorf("Fresh connection reported stale")
	}
	if stale := m.StaleConnections(-time.Second); len(stale) != 1 {
		t.Errorf("Expected connection to be stale with negative cutoff")
	}

	if err := m.Touch(conn.ID(), ""); err != nil {
		t.Errorf("Touch failed: %v", err)
	}
	c, _ := m.GetConnection(conn.ID())
	if c.Activity != "" {
		t.Errorf("Empty activity should not overwrite, got %q", c.Activity)
	}
}

// --- Concurrency smoke test ---

func TestConcurrentJoinLeave(t *testing.T) {
	m := newTestManager()
	const workers = 16

	var wg sync.WaitGroup
	conns := make([]*transport.Connection, workers)
	for i := range conns {
		conns[i] = newTransportConn()
		m.RegisterConnection(conns[i], providerIdentity("user-"+strconv.Itoa(i)))
	}

	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Join("tracking", conns[i].ID())
				m.Snapshot()
				m.Leave("tracking", conns[i].ID())
			}
		}(i)
	}
	wg.Wait()

	if size := m.RoomSize("tracking"); size != 0 {
		t.Errorf("Expected empty tracking room after churn, got %d", size)
	}
}
