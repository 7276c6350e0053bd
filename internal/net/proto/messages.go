// Package proto defines the websocket wire protocol: a JSON frame carrying an
// event name and a payload, plus the payload shapes of every event the
// session core reads or writes.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"arena/server/internal/history"
)

// Version tracks the wire-protocol revision expected by clients.
const Version = 1

// Client → server events.
const (
	EventPing            = "ping"
	EventMessageReliable = "message:reliable"
	EventMessageAck      = "message:ack"
	EventStateUpdate     = "game:state_update"
	EventInput           = "game:input"
	EventRoomJoin        = "room:join"
	EventRoomLeave       = "room:leave"
	EventChatMessage     = "chat:message"
)

// Server → client events.
const (
	EventConnectionEstablished = "connection:established"
	EventPong                  = "pong"
	EventRoomJoined            = "room:joined"
	EventRoomPlayerJoined      = "room:player_joined"
	EventRoomPlayerLeft        = "room:player_left"
	EventPlayerUpdate          = "game:player_update"
	EventPlayerAction          = "game:player_action"
	EventWeaponFire            = "game:weapon_fire"
	EventValidationFailed      = "game:validation_failed"
	EventChatRateLimited       = "chat:rate_limited"
	EventChatInvalid           = "chat:invalid_message"
	EventServerMetrics         = "server:metrics"
)

// Reliable message types carried inside message:reliable envelopes.
const (
	TypeMovement   = "game:movement"
	TypeAction     = "game:action"
	TypeWeaponFire = "game:weapon_fire"
)

// ErrEmptyEvent is returned when a frame has no event name.
var ErrEmptyEvent = errors.New("proto: frame without event")

// Frame is the envelope of every websocket text message.
type Frame struct {
	Event   string          `json:"event" jsonschema:"required,description=Event name such as room:join or message:reliable"`
	Payload json.RawMessage `json:"payload,omitempty" jsonschema:"description=Event specific payload"`
}

// DecodeFrame parses a raw websocket message.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Event == "" {
		return Frame{}, ErrEmptyEvent
	}
	return frame, nil
}

// EncodeFrame renders an outbound event.
func EncodeFrame(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	out := struct {
		Event   string `json:"event"`
		Payload any    `json:"payload,omitempty"`
	}{Event: event, Payload: payload}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return data, nil
}

// DecodePayload unmarshals a frame payload into out. An empty payload leaves
// out untouched.
func DecodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Features advertises the capabilities of the session core.
type Features struct {
	LagCompensation   bool `json:"lagCompensation"`
	ReliableMessaging bool `json:"reliableMessaging"`
	AntiCheat         bool `json:"antiCheat"`
}

// ConnectionEstablished is sent once a connection becomes active.
type ConnectionEstablished struct {
	ServerID     string   `json:"serverId"`
	ServerTime   int64    `json:"serverTime"`
	TickRate     int      `json:"tickRate"`
	ConnectionID string   `json:"connectionId"`
	Features     Features `json:"features"`
}

// Pong answers a ping with the client's timestamp echoed back.
type Pong struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"serverTime"`
}

// ReliableEnvelope is the payload of message:reliable in both directions.
type ReliableEnvelope struct {
	MessageID      string          `json:"messageId" jsonschema:"required"`
	Type           string          `json:"type" jsonschema:"required"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	Timestamp      int64           `json:"timestamp,omitempty"`
}

// Ack is the payload of message:ack.
type Ack struct {
	MessageID string `json:"messageId"`
	Processed bool   `json:"processed,omitempty"`
}

// DecodeAck accepts either a bare message id string or an Ack object.
func DecodeAck(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("proto: empty ack")
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return "", fmt.Errorf("decode ack: %w", err)
	}
	return ack.MessageID, nil
}

// StateUpdate is a client state report.
type StateUpdate struct {
	ClientTick uint64       `json:"clientTick"`
	Position   history.Vec2 `json:"position"`
	Velocity   history.Vec2 `json:"velocity"`
	ViewAngle  float64      `json:"viewAngle"`
	Timestamp  int64        `json:"timestamp"`
}

// Sample converts the report into a history sample.
func (u StateUpdate) Sample(latencyMillis int64) history.Sample {
	return history.Sample{
		Tick:      u.ClientTick,
		Timestamp: u.Timestamp,
		Position:  u.Position,
		Velocity:  u.Velocity,
		ViewAngle: u.ViewAngle,
		Latency:   latencyMillis,
	}
}

// InputAction describes a discrete client action.
type InputAction struct {
	Type     string        `json:"type"`
	Weapon   string        `json:"weapon,omitempty"`
	Target   *history.Vec2 `json:"target,omitempty"`
	Hit      bool          `json:"hit,omitempty"`
	Headshot bool          `json:"headshot,omitempty"`
	Damage   float64       `json:"damage,omitempty"`
}

// Input is the payload of game:input.
type Input struct {
	Input      InputAction `json:"input"`
	Timestamp  int64       `json:"timestamp"`
	ClientTick uint64      `json:"clientTick"`
}

// InputWeaponFire names the input action routed through shot validation.
const InputWeaponFire = "weapon_fire"

// PlayerUpdate relays a validated state update to the rest of a room.
type PlayerUpdate struct {
	PlayerID  string       `json:"playerId"`
	Position  history.Vec2 `json:"position"`
	Velocity  history.Vec2 `json:"velocity"`
	ViewAngle float64      `json:"viewAngle"`
	Timestamp int64        `json:"timestamp"`
}

// PlayerAction relays a reliable game:action payload to a room.
type PlayerAction struct {
	PlayerID  string          `json:"playerId"`
	Action    json.RawMessage `json:"action,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WeaponFire relays an accepted shot evaluated at the compensated time.
type WeaponFire struct {
	PlayerID        string          `json:"playerId"`
	Weapon          string          `json:"weapon,omitempty"`
	Target          *history.Vec2   `json:"target,omitempty"`
	Hit             bool            `json:"hit"`
	Headshot        bool            `json:"headshot,omitempty"`
	Damage          float64         `json:"damage,omitempty"`
	CompensatedTime int64           `json:"compensatedTime"`
	Historical      *history.Sample `json:"historicalState,omitempty"`
}

// ValidationFailed names the failed check and reason.
type ValidationFailed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RoomJoin is the payload of room:join.
type RoomJoin struct {
	RoomID   string `json:"roomId" jsonschema:"required"`
	RoomType string `json:"roomType,omitempty"`
}

// RoomMember is the minimal member descriptor sent to clients.
type RoomMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// RoomJoined is the snapshot sent to a joining connection.
type RoomJoined struct {
	RoomID      string       `json:"roomId"`
	PlayerCount int          `json:"playerCount"`
	Players     []RoomMember `json:"players"`
}

// RoomMembership is broadcast to the rest of a room on join and leave.
type RoomMembership struct {
	PlayerID    string `json:"playerId"`
	Username    string `json:"username"`
	PlayerCount int    `json:"playerCount"`
}

// ChatMessage is both the client request and the relayed message.
type ChatMessage struct {
	PlayerID  string `json:"playerId,omitempty"`
	Username  string `json:"username,omitempty"`
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ServerMetrics is the periodic informational broadcast.
type ServerMetrics struct {
	ActiveConnections int     `json:"activeConnections"`
	UniqueUsers       int     `json:"uniqueUsers"`
	ActiveRooms       int     `json:"activeRooms"`
	AverageLatency    float64 `json:"averageLatency"`
	PendingReliable   int     `json:"pendingReliable"`
}
