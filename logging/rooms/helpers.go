package rooms

import (
	"context"

	"arena/server/logging"
)

const (
	// EventJoined is emitted when a connection joins a room.
	EventJoined logging.EventType = "rooms.joined"
	// EventLeft is emitted when a connection leaves a room.
	EventLeft logging.EventType = "rooms.left"
	// EventClosed is emitted when the last member leaves and the room is released.
	EventClosed logging.EventType = "rooms.closed"
)

// MembershipPayload captures the room population after a membership change.
type MembershipPayload struct {
	UserID      string `json:"userId"`
	PlayerCount int    `json:"playerCount"`
}

// Joined publishes a room join.
func Joined(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, room string, payload MembershipPayload) {
	publish(ctx, pub, EventJoined, logging.SeverityInfo, actor, room, payload)
}

// Left publishes a room leave.
func Left(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, room string, payload MembershipPayload) {
	publish(ctx, pub, EventLeft, logging.SeverityInfo, actor, room, payload)
}

// Closed publishes the removal of an empty room.
func Closed(ctx context.Context, pub logging.Publisher, room string) {
	publish(ctx, pub, EventClosed, logging.SeverityDebug, logging.RoomRef(room), "", nil)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, actor logging.EntityRef, room string, payload any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     eventType,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryRooms,
		Payload:  payload,
	}
	if room != "" {
		event.Targets = []logging.EntityRef{logging.RoomRef(room)}
	}
	pub.Publish(ctx, event)
}
