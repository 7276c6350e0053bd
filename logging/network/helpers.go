package network

import (
	"context"

	"arena/server/logging"
)

const (
	// EventInboundStale is emitted when a reliable message arrives behind the expected sequence.
	EventInboundStale logging.EventType = "network.inbound_stale"
	// EventUnknownType is emitted when an accepted reliable message has no handler.
	EventUnknownType logging.EventType = "network.unknown_type"
	// EventRetransmit is emitted for every retransmission of an unacknowledged message.
	EventRetransmit logging.EventType = "network.retransmit"
	// EventDeliveryExhausted is emitted when a message is dropped after its final retry.
	EventDeliveryExhausted logging.EventType = "network.delivery_exhausted"
	// EventMalformedFrame is emitted when a transport frame cannot be decoded.
	EventMalformedFrame logging.EventType = "network.malformed_frame"
)

// SequencePayload captures the sequence numbers involved in an ordering decision.
type SequencePayload struct {
	Sequence     uint64 `json:"sequence"`
	NextExpected uint64 `json:"nextExpected"`
	Type         string `json:"type,omitempty"`
}

// DeliveryPayload captures the retry bookkeeping of an outbound message.
type DeliveryPayload struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
	Retries  int    `json:"retries"`
}

// InboundStale publishes a debug event for a rejected duplicate or stale message.
func InboundStale(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, messageID string, payload SequencePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventInboundStale,
		Actor:     actor,
		Severity:  logging.SeverityDebug,
		Category:  logging.CategoryNetwork,
		Payload:   payload,
		Extra:     extra,
		MessageID: messageID,
	})
}

// UnknownType publishes a warning for an accepted message with no registered handler.
func UnknownType(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, messageID string, payload SequencePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventUnknownType,
		Actor:     actor,
		Severity:  logging.SeverityWarn,
		Category:  logging.CategoryNetwork,
		Payload:   payload,
		Extra:     extra,
		MessageID: messageID,
	})
}

// Retransmit publishes a debug event for a retry attempt.
func Retransmit(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, messageID string, payload DeliveryPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventRetransmit,
		Actor:     actor,
		Severity:  logging.SeverityDebug,
		Category:  logging.CategoryNetwork,
		Payload:   payload,
		Extra:     extra,
		MessageID: messageID,
	})
}

// DeliveryExhausted publishes a warning when retries run out.
func DeliveryExhausted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, messageID string, payload DeliveryPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventDeliveryExhausted,
		Actor:     actor,
		Severity:  logging.SeverityWarn,
		Category:  logging.CategoryNetwork,
		Payload:   payload,
		Extra:     extra,
		MessageID: messageID,
	})
}

// MalformedFrame publishes a warning for an undecodable transport frame.
func MalformedFrame(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, reason string, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventMalformedFrame,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  map[string]string{"reason": reason},
		Extra:    extra,
	})
}
