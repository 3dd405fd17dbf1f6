package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/carevue/sessionhub/pkg/session"
)

// BookingStore is the system-of-record collaborator. internal/store
// implements it over sqlite; tests may substitute their own.
type BookingStore interface {
	CreateSession(ctx context.Context, sess *session.Session) error
	GetSession(ctx context.Context, id string) (*session.Session, error)
	UpdateStatus(ctx context.Context, id string, prev, next session.Status, actor, reason string) (*session.Session, error)
	FindOverlapping(ctx context.Context, providerID string, windowStart, windowEnd time.Time, buffer time.Duration) ([]session.Session, error)
	LiveSessions(ctx context.Context) ([]session.Session, error)
}

// Broadcaster receives the snapshot produced by a successful transition.
// It must apply the snapshot to the live cache before fanning out.
type Broadcaster interface {
	PublishSessionEvent(ev session.Event, snapshot *session.Session) error
}

// Hook is a post-transition collaborator (notification dispatch and the
// like). Hooks run asynchronously; a hook failure is logged and never rolls
// back or blocks the transition.
type Hook func(ctx context.Context, ev session.Event, snapshot session.Session) error

// BookingRequest is a candidate session from the booking flow.
type BookingRequest struct {
	SessionID       string
	ProviderID      string
	PatientID       string
	ScheduledAt     time.Time
	DurationMinutes int
	Actor           string
}

// Machine enforces legal status transitions and scheduling-conflict
// validation. Transitions are serialized per session id, bookings per
// provider id; work on different ids proceeds in parallel.
type Machine struct {
	store       BookingStore
	broadcaster Broadcaster
	buffer      time.Duration

	sessionLocks  *keyedMutex
	providerLocks *keyedMutex

	hooks  []Hook
	logger *slog.Logger
}

func NewMachine(store BookingStore, broadcaster Broadcaster, buffer time.Duration, logger *slog.Logger) *Machine {
	return &Machine{
		store:         store,
		broadcaster:   broadcaster,
		buffer:        buffer,
		sessionLocks:  newKeyedMutex(),
		providerLocks: newKeyedMutex(),
		logger:        logger.With(slog.String("component", "lifecycle")),
	}
}

// RegisterHook adds a post-transition hook. Not safe to call once the
// machine is serving requests; wire hooks during startup.
func (m *Machine) RegisterHook(h Hook) {
	m.hooks = append(m.hooks, h)
}

// CheckAvailable reports whether the provider is free for the candidate
// slot. The candidate window is buffered symmetrically before comparison
// against the provider's existing non-terminal sessions.
func (m *Machine) CheckAvailable(ctx context.Context, providerID string, start time.Time, durationMinutes int) error {
	windowStart := start.Add(-m.buffer)
	windowEnd := start.Add(time.Duration(durationMinutes) * time.Minute).Add(m.buffer)

	overlapping, err := m.store.FindOverlapping(ctx, providerID, windowStart, windowEnd, m.buffer)
	if err != nil {
		return fmt.Errorf("overlap query failed: %w", err)
	}
	if len(overlapping) > 0 {
		return fmt.Errorf("%w: provider %s already booked at %s",
			session.ErrSlotConflict, providerID, overlapping[0].ScheduledAt.Format(time.RFC3339))
	}
	return nil
}

// Book validates the candidate slot and creates the session. The check and
// the create run under the provider's lock, so two concurrent bookings for
// overlapping windows on the same provider cannot both pass.
func (m *Machine) Book(ctx context.Context, req BookingRequest) (*session.Session, error) {
	if req.DurationMinutes <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d", req.DurationMinutes)
	}

	unlock := m.providerLocks.Lock(req.ProviderID)
	defer unlock()

	if err := m.CheckAvailable(ctx, req.ProviderID, req.ScheduledAt, req.DurationMinutes); err != nil {
		return nil, err
	}

	sess := &session.Session{
		ID:              req.SessionID,
		ProviderID:      req.ProviderID,
		PatientID:       req.PatientID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		Status:          session.StatusScheduled,
		LastUpdate:      time.Now(),
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}

	// A caller-supplied id is addressable by Transition the moment the row
	// commits. Hold the session lock across create and broadcast so a racing
	// transition cannot slot its newer status in between and then be
	// overwritten by the booking's scheduled snapshot.
	sessUnlock := m.sessionLocks.Lock(sess.ID)
	defer sessUnlock()

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.logger.Info("session booked",
		slog.String("sessionID", sess.ID),
		slog.String("providerID", sess.ProviderID),
		slog.Time("scheduledAt", sess.ScheduledAt),
	)

	ev, err := statusEvent(sess, "", session.StatusScheduled, req.Actor, "session booked")
	if err != nil {
		return nil, err
	}
	if err := m.broadcaster.PublishSessionEvent(ev, sess); err != nil {
		m.logger.Error("failed to broadcast booking", slog.Any("error", err))
	}
	m.runHooks(ev, *sess)

	return sess, nil
}

// Transition moves the session to next. The store write happens-before the
// cache update and fan-out, and concurrent transitions on the same id are
// serialized: a request racing against a status that already moved on fails
// with ErrIllegalTransition instead of overwriting.
func (m *Machine) Transition(ctx context.Context, sessionID string, next session.Status, actor, reason string) (*session.Session, error) {
	if !next.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", session.ErrIllegalTransition, next)
	}

	unlock := m.sessionLocks.Lock(sessionID)
	defer unlock()

	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s → %s", session.ErrIllegalTransition, current.Status, next)
	}

	updated, err := m.store.UpdateStatus(ctx, sessionID, current.Status, next, actor, reason)
	if err != nil {
		return nil, err
	}

	m.logger.Info("session status changed",
		slog.String("sessionID", sessionID),
		slog.String("from", string(current.Status)),
		slog.String("to", string(next)),
		slog.String("actor", actor),
	)

	ev, err := statusEvent(updated, current.Status, next, actor, reason)
	if err != nil {
		return nil, err
	}
	if err := m.broadcaster.PublishSessionEvent(ev, updated); err != nil {
		m.logger.Error("failed to broadcast transition", slog.Any("error", err))
	}
	m.runHooks(ev, *updated)

	return updated, nil
}

// Milestone broadcasts progress telemetry for an active session without a
// status change. The session must still be live.
func (m *Machine) Milestone(ctx context.Context, sessionID string, payload session.MilestonePayload) error {
	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: session %s is %s", session.ErrIllegalTransition, sessionID, current.Status)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := session.Event{
		SessionID:       sessionID,
		Type:            session.EventMilestone,
		Payload:         raw,
		ServerTimestamp: time.Now(),
	}
	return m.broadcaster.PublishSessionEvent(ev, nil)
}

func statusEvent(sess *session.Session, prev, next session.Status, actor, reason string) (session.Event, error) {
	payload, err := json.Marshal(session.StatusPayload{
		Status:         next,
		PreviousStatus: prev,
		Actor:          actor,
		Reason:         reason,
	})
	if err != nil {
		return session.Event{}, err
	}
	return session.Event{
		SessionID:       sess.ID,
		Type:            session.EventForTransition(prev, next),
		Payload:         payload,
		ServerTimestamp: sess.LastUpdate,
	}, nil
}

// runHooks fires post-transition hooks asynchronously. Each hook gets its
// own bounded context; failures are logged, never propagated.
func (m *Machine) runHooks(ev session.Event, snapshot session.Session) {
	for _, hook := range m.hooks {
		go func(h Hook) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h(ctx, ev, snapshot); err != nil {
				m.logger.Warn("post-transition hook failed",
					slog.String("sessionID", ev.SessionID),
					slog.String("type", string(ev.Type)),
					slog.Any("error", err),
				)
			}
		}(hook)
	}
}
