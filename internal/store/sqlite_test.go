package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevue/sessionhub/pkg/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, id, providerID string, at time.Time, minutes int, status session.Status) *session.Session {
	t.Helper()
	sess := &session.Session{
		ID:              id,
		ProviderID:      providerID,
		PatientID:       "patient-1",
		ScheduledAt:     at,
		DurationMinutes: minutes,
		Status:          status,
		LastUpdate:      time.Now(),
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	mustCreate(t, s, "S1", "P1", at, 60, session.StatusScheduled)

	got, err := s.GetSession(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, "P1", got.ProviderID)
	assert.Equal(t, session.StatusScheduled, got.Status)
	assert.True(t, got.ScheduledAt.Equal(at))

	_, err = s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestUpdateStatusIsCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "S1", "P1", time.Now(), 60, session.StatusScheduled)

	updated, err := s.UpdateStatus(ctx, "S1", session.StatusScheduled, session.StatusInProgress, "dr-a", "session started")
	require.NoError(t, err)
	assert.Equal(t, session.StatusInProgress, updated.Status)

	// A second writer that still believes the session is scheduled loses.
	_, err = s.UpdateStatus(ctx, "S1", session.StatusScheduled, session.StatusCancelled, "dr-b", "")
	assert.ErrorIs(t, err, session.ErrIllegalTransition)

	_, err = s.UpdateStatus(ctx, "missing", session.StatusScheduled, session.StatusInProgress, "dr-a", "")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestStatusHistoryAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "S1", "P1", time.Now(), 60, session.StatusScheduled)

	_, err := s.UpdateStatus(ctx, "S1", session.StatusScheduled, session.StatusInProgress, "dr-a", "started")
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "S1", session.StatusInProgress, session.StatusCompleted, "dr-a", "done")
	require.NoError(t, err)

	history, err := s.StatusHistory(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, session.StatusInProgress, history[0].Status)
	assert.Equal(t, session.StatusScheduled, history[0].PreviousStatus)
	assert.Equal(t, session.StatusCompleted, history[1].Status)
	assert.Equal(t, "dr-a", history[1].Actor)
}

func TestFindOverlappingWithBuffer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	buffer := 30 * time.Minute

	// Confirmed session at 10:00 for 60 minutes: buffered window [09:30, 11:30).
	at := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	mustCreate(t, s, "S1", "P1", at, 60, session.StatusConfirmed)

	// Candidate at 10:45 for 30 minutes: buffered window [10:15, 11:45) overlaps.
	candStart := time.Date(2026, 3, 10, 10, 45, 0, 0, time.UTC)
	overlapping, err := s.FindOverlapping(ctx, "P1",
		candStart.Add(-buffer), candStart.Add(30*time.Minute).Add(buffer), buffer)
	require.NoError(t, err)
	assert.Len(t, overlapping, 1)

	// Candidate at 12:00: buffered window [11:30, 13:00) does not overlap.
	candStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	overlapping, err = s.FindOverlapping(ctx, "P1",
		candStart.Add(-buffer), candStart.Add(30*time.Minute).Add(buffer), buffer)
	require.NoError(t, err)
	assert.Empty(t, overlapping)

	// Another provider is never a conflict.
	candStart = time.Date(2026, 3, 10, 10, 45, 0, 0, time.UTC)
	overlapping, err = s.FindOverlapping(ctx, "P2",
		candStart.Add(-buffer), candStart.Add(30*time.Minute).Add(buffer), buffer)
	require.NoError(t, err)
	assert.Empty(t, overlapping)
}

func TestFindOverlappingIgnoresTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	buffer := 30 * time.Minute

	at := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	mustCreate(t, s, "S1", "P1", at, 60, session.StatusCancelled)
	mustCreate(t, s, "S2", "P1", at, 60, session.StatusCompleted)

	overlapping, err := s.FindOverlapping(ctx, "P1",
		at.Add(-buffer), at.Add(60*time.Minute).Add(buffer), buffer)
	require.NoError(t, err)
	assert.Empty(t, overlapping)
}

func TestLiveSessionsExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	mustCreate(t, s, "S1", "P1", now, 60, session.StatusScheduled)
	mustCreate(t, s, "S2", "P1", now.Add(2*time.Hour), 60, session.StatusInProgress)
	mustCreate(t, s, "S3", "P2", now.Add(4*time.Hour), 60, session.StatusNoShow)

	live, err := s.LiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "S1", live[0].ID)
	assert.Equal(t, "S2", live[1].ID)
}
