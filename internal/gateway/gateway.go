package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/carevue/sessionhub/internal/hub"
	"github.com/carevue/sessionhub/pkg/session"
	"github.com/carevue/sessionhub/pkg/state"
)

// Gateway wires per-connection command handling: it pushes the initial
// snapshot on connect, routes client commands to the state manager and hub,
// and tears state down on disconnect.
type Gateway struct {
	state  state.Manager
	hub    *hub.Hub
	logger *slog.Logger
}

func New(stateManager state.Manager, h *hub.Hub, logger *slog.Logger) *Gateway {
	return &Gateway{
		state:  stateManager,
		hub:    h,
		logger: logger.With(slog.String("component", "gateway")),
	}
}

// HandleConnect pushes the mandatory initial snapshot — full roster plus
// every live session — then announces the new roster. A client joining
// after N events sees exactly the state those events produced; it never
// depends on replay.
func (g *Gateway) HandleConnect(conn *state.Connection) error {
	payload := session.ConnectedPayload{
		Roster:       g.state.Snapshot(),
		LiveSessions: g.hub.LiveSessions(),
	}
	frame, err := session.Encode(session.EventConnected, payload)
	if err != nil {
		return err
	}
	if err := conn.Transport.Send(frame); err != nil {
		return err
	}

	g.hub.PublishRoster()
	return nil
}

// HandleMessage routes one inbound command. Commands from connections that
// already disconnected are dropped silently.
func (g *Gateway) HandleMessage(_ context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := g.state.GetConnection(connID)
	if !ok {
		return
	}

	var env session.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		g.logger.Warn("failed to unmarshal client message",
			slog.String("connID", connID.String()), slog.Any("error", err))
		g.sendError(conn, "bad_message", "message is not valid JSON")
		return
	}

	switch env.Event {
	case session.CmdSubscribe:
		g.handleSubscribe(conn, env.Payload)
	case session.CmdUnsubscribe:
		g.handleUnsubscribe(conn, env.Payload)
	case session.CmdHeartbeat:
		g.state.Touch(connID, "")
	case session.CmdUpdateActivity:
		g.handleUpdateActivity(conn, env.Payload)
	default:
		// Closed command set: unknown events are rejected at the boundary,
		// never forwarded.
		g.logger.Warn("received unknown event",
			slog.String("event", env.Event), slog.String("connID", connID.String()))
		g.sendError(conn, "unknown_event", "unknown event: "+env.Event)
	}
}

// HandleDisconnect removes the connection from every room and the roster.
// Idempotent: a connection may be told to disconnect twice under error
// conditions, and the second call finds nothing to do.
func (g *Gateway) HandleDisconnect(connID uuid.UUID, reason error) {
	conn, ok := g.state.GetConnection(connID)
	if !ok {
		return
	}

	departed, err := g.state.DeregisterConnection(connID)
	if err != nil {
		g.logger.Error("failed to deregister connection",
			slog.String("connID", connID.String()), slog.Any("error", err))
		return
	}

	for _, membership := range departed {
		if sessionID, ok := session.SessionIDFromRoom(membership.RoomID); ok {
			g.hub.ParticipantLeft(sessionID, conn.Identity, connID, membership)
		}
	}

	g.logger.Info("connection disconnected",
		slog.String("connID", connID.String()),
		slog.String("userID", conn.Identity.ID),
		slog.Any("reason", reason),
	)
	g.hub.PublishRoster()
}

func (g *Gateway) handleSubscribe(conn *state.Connection, payload json.RawMessage) {
	roomID, ok := roomFromPayload(payload)
	if !ok {
		g.sendError(conn, "bad_room", "subscribe requires a room or sessionId")
		return
	}

	membership, err := g.state.Join(roomID, conn.ID)
	if err != nil {
		g.sendError(conn, "join_failed", err.Error())
		return
	}
	if !membership.Changed {
		// Idempotent join; nothing to announce.
		return
	}
	if sessionID, ok := session.SessionIDFromRoom(roomID); ok {
		g.hub.ParticipantJoined(sessionID, conn.Identity, conn.ID, membership)
	}
}

func (g *Gateway) handleUnsubscribe(conn *state.Connection, payload json.RawMessage) {
	roomID, ok := roomFromPayload(payload)
	if !ok {
		g.sendError(conn, "bad_room", "unsubscribe requires a room or sessionId")
		return
	}

	membership, err := g.state.Leave(roomID, conn.ID)
	if err != nil || !membership.Changed {
		// Leaving a room you're not in is benign.
		return
	}
	if sessionID, ok := session.SessionIDFromRoom(roomID); ok {
		g.hub.ParticipantLeft(sessionID, conn.Identity, conn.ID, membership)
	}
}

func (g *Gateway) handleUpdateActivity(conn *state.Connection, payload json.RawMessage) {
	activity := gjson.GetBytes(payload, "activity").String()
	if err := g.state.Touch(conn.ID, activity); err != nil {
		return
	}
	// Best-effort telemetry: the roster refresh is how everyone else sees
	// the new activity.
	g.hub.PublishRoster()
}

// roomFromPayload accepts either an explicit room key or a bare sessionId.
func roomFromPayload(payload json.RawMessage) (string, bool) {
	if room := gjson.GetBytes(payload, "room").String(); room != "" {
		if room == session.RoomTracking {
			return room, true
		}
		if _, ok := session.SessionIDFromRoom(room); ok {
			return room, true
		}
		return "", false
	}
	if sessionID := gjson.GetBytes(payload, "sessionId").String(); sessionID != "" {
		return session.SessionRoom(sessionID), true
	}
	return "", false
}

func (g *Gateway) sendError(conn *state.Connection, code, message string) {
	frame, err := session.Encode(session.EventError, session.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := conn.Transport.Send(frame); err != nil {
		g.logger.Warn("failed to deliver error to client",
			slog.String("connID", conn.ID.String()), slog.Any("error", err))
	}
}
