package coordinator

import (
	"context"
	"time"

	"arena/server/internal/history"
	"arena/server/internal/net/proto"
	"arena/server/internal/reliable"
	"arena/server/internal/session"
	"arena/server/internal/validation"
	"arena/server/logging"
	loggingnetwork "arena/server/logging/network"
	loggingvalidation "arena/server/logging/validation"
)

func (c *Coordinator) handleFrame(ctx context.Context, connectionID string, frame proto.Frame) {
	conn, ok := c.registry.Get(connectionID)
	if !ok {
		return
	}
	now := c.clock.Now()
	c.registry.Touch(connectionID, now)
	c.metrics.Add("frames_received", 1)

	switch frame.Event {
	case proto.EventPing:
		var clientTime int64
		if !c.decode(ctx, conn, frame, &clientTime) {
			return
		}
		c.handlePing(conn, clientTime, now)
	case proto.EventRoomJoin:
		var req proto.RoomJoin
		if !c.decode(ctx, conn, frame, &req) {
			return
		}
		c.joinRoom(ctx, conn, req)
	case proto.EventRoomLeave:
		c.leaveRoom(ctx, conn)
	case proto.EventMessageReliable:
		var envelope proto.ReliableEnvelope
		if !c.decode(ctx, conn, frame, &envelope) {
			return
		}
		c.messenger.AcceptInbound(ctx, conn.ID, reliable.Inbound{
			MessageID: envelope.MessageID,
			Type:      envelope.Type,
			Payload:   envelope.Payload,
			Sequence:  envelope.SequenceNumber,
			Timestamp: envelope.Timestamp,
		})
	case proto.EventMessageAck:
		id, err := proto.DecodeAck(frame.Payload)
		if err != nil {
			loggingnetwork.MalformedFrame(ctx, c.eventsFor(conn), logging.ConnectionRef(conn.ID), err.Error(), map[string]any{"event": frame.Event})
			return
		}
		c.messenger.OnAck(id)
	case proto.EventStateUpdate:
		var update proto.StateUpdate
		if !c.decode(ctx, conn, frame, &update) {
			return
		}
		c.applyStateUpdate(ctx, conn, update)
	case proto.EventInput:
		var input proto.Input
		if !c.decode(ctx, conn, frame, &input) {
			return
		}
		if input.Input.Type == proto.InputWeaponFire {
			c.fireWeapon(ctx, conn, input.Input, input.Timestamp)
		}
	case proto.EventChatMessage:
		var msg proto.ChatMessage
		if !c.decode(ctx, conn, frame, &msg) {
			return
		}
		c.chat(ctx, conn, msg, now)
	default:
		c.metrics.Add("frames_unknown", 1)
		c.logger.Printf("unknown event %q from %s", frame.Event, conn.ID)
	}
}

func (c *Coordinator) decode(ctx context.Context, conn *session.Connection, frame proto.Frame, out any) bool {
	if err := proto.DecodePayload(frame.Payload, out); err != nil {
		c.metrics.Add("frames_malformed", 1)
		loggingnetwork.MalformedFrame(ctx, c.eventsFor(conn), logging.ConnectionRef(conn.ID), err.Error(), map[string]any{"event": frame.Event})
		return false
	}
	return true
}

// handlePing stores the one-way latency estimate and echoes the client time.
func (c *Coordinator) handlePing(conn *session.Connection, clientTime int64, now time.Time) {
	latency := time.Duration(now.UnixMilli()-clientTime) * time.Millisecond
	c.registry.SetLatency(conn.ID, latency)
	c.send(conn, proto.EventPong, proto.Pong{Timestamp: clientTime, ServerTime: now.UnixMilli()})
}

func (c *Coordinator) handleReliableMovement(ctx context.Context, conn *session.Connection, msg reliable.Inbound) {
	var update proto.StateUpdate
	if err := proto.DecodePayload(msg.Payload, &update); err != nil {
		loggingnetwork.MalformedFrame(ctx, c.eventsFor(conn), logging.ConnectionRef(conn.ID), err.Error(), map[string]any{"type": msg.Type})
		return
	}
	if update.Timestamp == 0 {
		update.Timestamp = msg.Timestamp
	}
	c.applyStateUpdate(ctx, conn, update)
}

func (c *Coordinator) handleReliableAction(_ context.Context, conn *session.Connection, msg reliable.Inbound) {
	if !conn.InRoom() {
		return
	}
	c.broadcast(conn.RoomID, conn.ID, proto.EventPlayerAction, proto.PlayerAction{
		PlayerID:  conn.UserID,
		Action:    msg.Payload,
		Timestamp: c.clock.Now().UnixMilli(),
	})
}

func (c *Coordinator) handleReliableWeaponFire(ctx context.Context, conn *session.Connection, msg reliable.Inbound) {
	var input proto.Input
	if err := proto.DecodePayload(msg.Payload, &input); err != nil {
		loggingnetwork.MalformedFrame(ctx, c.eventsFor(conn), logging.ConnectionRef(conn.ID), err.Error(), map[string]any{"type": msg.Type})
		return
	}
	timestamp := input.Timestamp
	if timestamp == 0 {
		timestamp = msg.Timestamp
	}
	c.fireWeapon(ctx, conn, input.Input, timestamp)
}

// applyStateUpdate validates a client state report, records it for lag
// compensation and relays it to the rest of the room.
func (c *Coordinator) applyStateUpdate(ctx context.Context, conn *session.Connection, update proto.StateUpdate) {
	historical := c.historical(conn, update.Timestamp)
	verdict := c.validator.ValidateMovement(validation.MovementCheck{
		UserID:     conn.UserID,
		Position:   update.Position,
		Velocity:   update.Velocity,
		Timestamp:  update.Timestamp,
		Historical: historical,
	})
	if !verdict.Valid {
		c.reject(ctx, conn, validation.CheckMovement, verdict.Reason, update.Timestamp-conn.Latency.Milliseconds())
		return
	}
	verdict = c.validator.ValidateAim(validation.AimCheck{
		UserID:     conn.UserID,
		ViewAngle:  update.ViewAngle,
		Timestamp:  update.Timestamp,
		Historical: historical,
	})
	if !verdict.Valid {
		c.reject(ctx, conn, validation.CheckAim, verdict.Reason, update.Timestamp-conn.Latency.Milliseconds())
		return
	}

	c.tracker.Record(conn.UserID, update.Sample(conn.Latency.Milliseconds()))
	c.metrics.Add("state_updates", 1)
	if !conn.InRoom() {
		return
	}
	c.broadcast(conn.RoomID, conn.ID, proto.EventPlayerUpdate, proto.PlayerUpdate{
		PlayerID:  conn.UserID,
		Position:  update.Position,
		Velocity:  update.Velocity,
		ViewAngle: update.ViewAngle,
		Timestamp: c.clock.Now().UnixMilli(),
	})
}

// fireWeapon evaluates a shot at the client's compensated time and relays
// accepted shots to the whole room.
func (c *Coordinator) fireWeapon(ctx context.Context, conn *session.Connection, input proto.InputAction, timestamp int64) {
	compensated := timestamp - conn.Latency.Milliseconds()
	historical := c.historical(conn, timestamp)
	verdict := c.validator.ValidateShot(validation.ShotCheck{
		UserID:     conn.UserID,
		Weapon:     input.Weapon,
		Target:     input.Target,
		Hit:        input.Hit,
		Headshot:   input.Headshot,
		Damage:     input.Damage,
		Timestamp:  compensated,
		Historical: historical,
	})
	if !verdict.Valid {
		c.reject(ctx, conn, validation.CheckShot, verdict.Reason, compensated)
		return
	}
	c.metrics.Add("shots_accepted", 1)
	if !conn.InRoom() {
		return
	}
	c.broadcast(conn.RoomID, "", proto.EventWeaponFire, proto.WeaponFire{
		PlayerID:        conn.UserID,
		Weapon:          input.Weapon,
		Target:          input.Target,
		Hit:             input.Hit,
		Headshot:        input.Headshot,
		Damage:          input.Damage,
		CompensatedTime: compensated,
		Historical:      historical,
	})
}

// historical returns the tracked state at the compensated instant for a
// client event time, nil when the user has no history.
func (c *Coordinator) historical(conn *session.Connection, eventTime int64) *history.Sample {
	sample, ok := c.tracker.Compensate(conn.UserID, eventTime, conn.Latency)
	if !ok {
		return nil
	}
	return &sample
}

func (c *Coordinator) reject(ctx context.Context, conn *session.Connection, check, reason string, compensated int64) {
	c.metrics.Add("validation_rejections", 1)
	loggingvalidation.Rejected(ctx, c.eventsFor(conn), logging.UserRef(conn.UserID), loggingvalidation.RejectedPayload{
		Check:           check,
		Reason:          reason,
		CompensatedTime: compensated,
	}, nil)
	c.send(conn, proto.EventValidationFailed, proto.ValidationFailed{Type: check, Reason: reason})
}
