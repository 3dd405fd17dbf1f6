package session

import "time"

// Status is the lifecycle state of a tracked session.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// validTransitions maps each status to the set of statuses reachable from it.
// Terminal statuses have no entries; cancelled and no_show are additionally
// reachable from every non-terminal status (see CanTransitionTo).
var validTransitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusInProgress},
	StatusConfirmed:  {StatusInProgress},
	StatusInProgress: {StatusPaused, StatusCompleted},
	StatusPaused:     {StatusInProgress},
}

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress, StatusPaused,
		StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	if next == StatusCancelled || next == StatusNoShow {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Role of an authenticated identity.
type Role string

const (
	RoleProvider    Role = "provider"
	RoleCoordinator Role = "coordinator"
	RoleObserver    Role = "observer"
	RoleAdmin       Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleProvider, RoleCoordinator, RoleObserver, RoleAdmin:
		return Role(s), true
	}
	return "", false
}

// Identity is the authenticated caller of a connection, resolved once at
// handshake time and immutable for the connection's lifetime.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Session is the tracked projection of a booked consultation. The booking
// store is the system of record; this struct is what the live cache and the
// wire events carry.
type Session struct {
	ID               string    `json:"id"`
	ProviderID       string    `json:"providerId"`
	PatientID        string    `json:"patientId"`
	ScheduledAt      time.Time `json:"scheduledAt"`
	DurationMinutes  int       `json:"estimatedDurationMinutes"`
	Status           Status    `json:"status"`
	ParticipantCount int       `json:"participantCount"`
	LastUpdate       time.Time `json:"lastUpdateTimestamp"`
}

// Window returns the unbuffered occupancy window of the session.
func (s *Session) Window() (start, end time.Time) {
	return s.ScheduledAt, s.ScheduledAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}
