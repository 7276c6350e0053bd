package proto

// Direction marks which side of the socket emits an event.
type Direction string

const (
	ClientToServer Direction = "client"
	ServerToClient Direction = "server"
)

// CatalogEntry pairs an event name with a zero value of its payload. A nil
// Payload means the event carries none.
type CatalogEntry struct {
	Event     string
	Direction Direction
	Payload   any
}

// Catalog lists every event of the wire protocol.
func Catalog() []CatalogEntry {
	return []CatalogEntry{
		{EventPing, ClientToServer, new(int64)},
		{EventMessageReliable, ClientToServer, &ReliableEnvelope{}},
		{EventMessageAck, ClientToServer, &Ack{}},
		{EventStateUpdate, ClientToServer, &StateUpdate{}},
		{EventInput, ClientToServer, &Input{}},
		{EventRoomJoin, ClientToServer, &RoomJoin{}},
		{EventRoomLeave, ClientToServer, nil},
		{EventChatMessage, ClientToServer, &ChatMessage{}},

		{EventConnectionEstablished, ServerToClient, &ConnectionEstablished{}},
		{EventPong, ServerToClient, &Pong{}},
		{EventRoomJoined, ServerToClient, &RoomJoined{}},
		{EventRoomPlayerJoined, ServerToClient, &RoomMembership{}},
		{EventRoomPlayerLeft, ServerToClient, &RoomMembership{}},
		{EventPlayerUpdate, ServerToClient, &PlayerUpdate{}},
		{EventPlayerAction, ServerToClient, &PlayerAction{}},
		{EventWeaponFire, ServerToClient, &WeaponFire{}},
		{EventValidationFailed, ServerToClient, &ValidationFailed{}},
		{EventChatRateLimited, ServerToClient, nil},
		{EventChatInvalid, ServerToClient, nil},
		{EventServerMetrics, ServerToClient, &ServerMetrics{}},
	}
}
