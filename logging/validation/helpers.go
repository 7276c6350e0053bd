package validation

import (
	"context"

	"arena/server/logging"
)

// EventRejected is emitted when a validator refuses a client action.
const EventRejected logging.EventType = "validation.rejected"

// RejectedPayload names the failed check and the validator's reason.
type RejectedPayload struct {
	Check           string `json:"check"`
	Reason          string `json:"reason"`
	CompensatedTime int64  `json:"compensatedTime,omitempty"`
}

// Rejected publishes a validation failure.
func Rejected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload RejectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRejected,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryValidation,
		Payload:  payload,
		Extra:    extra,
	})
}
