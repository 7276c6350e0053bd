package lifecycle

import (
	"context"

	"arena/server/logging"
)

const (
	// EventConnectionEstablished is emitted when a connection becomes active.
	EventConnectionEstablished logging.EventType = "lifecycle.connection_established"
	// EventConnectionClosed is emitted when a connection is torn down.
	EventConnectionClosed logging.EventType = "lifecycle.connection_closed"
	// EventUserOffline is emitted when the last connection of a user closes.
	EventUserOffline logging.EventType = "lifecycle.user_offline"
)

// ConnectionPayload captures the identity behind a connection.
type ConnectionPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// ConnectionClosedPayload captures why a connection left.
type ConnectionClosedPayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

// ConnectionEstablished publishes a connection activation event.
func ConnectionEstablished(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionEstablished,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// ConnectionClosed publishes a disconnect event.
func ConnectionClosed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ConnectionClosedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionClosed,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// UserOffline publishes the event emitted once per user when its state is released.
func UserOffline(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventUserOffline,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryLifecycle,
		Extra:    extra,
	})
}
