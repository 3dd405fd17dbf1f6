package session

import (
	"encoding/json"
	"strings"
	"time"
)

// RoomTracking is the global topic every dashboard joins to receive all
// lifecycle events and roster updates.
const RoomTracking = "tracking"

const sessionRoomPrefix = "session:"

// SessionRoom returns the room key for a session-scoped room.
func SessionRoom(sessionID string) string {
	return sessionRoomPrefix + sessionID
}

// SessionIDFromRoom extracts the session id from a session room key.
// ok is false for the tracking topic or any other room shape.
func SessionIDFromRoom(roomID string) (string, bool) {
	id, found := strings.CutPrefix(roomID, sessionRoomPrefix)
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// Envelope is the wire framing shared by both directions: a closed event
// name plus a typed payload. Unknown event names are rejected at the
// boundary, never forwarded.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server → client event names.
const (
	EventConnected     = "connected"
	EventRosterChanged = "roster_changed"
	EventSession       = "session_event"
	EventError         = "error"
)

// Client → server command names.
const (
	CmdSubscribe      = "subscribe"
	CmdUnsubscribe    = "unsubscribe"
	CmdHeartbeat      = "heartbeat"
	CmdUpdateActivity = "update_activity"
)

// EventType discriminates session_event payloads.
type EventType string

const (
	EventStarted           EventType = "started"
	EventStatusChanged     EventType = "status_changed"
	EventPaused            EventType = "paused"
	EventResumed           EventType = "resumed"
	EventCompleted         EventType = "completed"
	EventCancelled         EventType = "cancelled"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventMilestone         EventType = "milestone"
)

// EventForTransition maps a status transition to the event type broadcast
// for it. The previous status disambiguates started vs resumed.
func EventForTransition(prev, next Status) EventType {
	switch next {
	case StatusInProgress:
		if prev == StatusPaused {
			return EventResumed
		}
		return EventStarted
	case StatusPaused:
		return EventPaused
	case StatusCompleted:
		return EventCompleted
	case StatusCancelled:
		return EventCancelled
	default:
		return EventStatusChanged
	}
}

// Event is one session_event as broadcast to subscribers. Payload carries
// the variant-specific shape below.
type Event struct {
	SessionID       string          `json:"sessionId"`
	Type            EventType       `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
}

// StatusPayload is the payload for lifecycle event types (started,
// status_changed, paused, resumed, completed, cancelled).
type StatusPayload struct {
	Status         Status `json:"status"`
	PreviousStatus Status `json:"previousStatus"`
	Actor          string `json:"actor,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ParticipantPayload is the payload for participant_joined/participant_left.
type ParticipantPayload struct {
	Identity Identity `json:"identity"`
	Count    int      `json:"participantCount"`
}

// MilestonePayload is the payload for milestone events: progress telemetry
// reported mid-session without a status change.
type MilestonePayload struct {
	Stage      string `json:"stage"`
	Percent    int    `json:"percent"`
	Notes      string `json:"notes,omitempty"`
	ReportedBy string `json:"reportedBy,omitempty"`
}

// ConnectedPayload is the mandatory snapshot pushed to a client right after
// registration: the full roster and every live session.
type ConnectedPayload struct {
	Roster       []PresenceEntry `json:"roster"`
	LiveSessions []Session       `json:"liveSessions"`
}

// RosterPayload is the payload for roster_changed.
type RosterPayload struct {
	Roster []PresenceEntry `json:"roster"`
}

// ErrorPayload reports a rejected command back to its origin.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresenceEntry is one row of the live roster.
type PresenceEntry struct {
	Identity    Identity  `json:"identity"`
	ConnectedAt time.Time `json:"connectedAt"`
	Activity    string    `json:"currentActivity,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Encode marshals a typed payload into an Envelope frame. Marshalling our
// own closed types cannot fail in practice; a failure here is a programming
// error and surfaces as an error return rather than a panic.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
