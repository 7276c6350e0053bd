// Package session tracks live connections and the users behind them.
//
// The registry is owned by the coordinator's event loop and performs no
// locking of its own.
package session

import (
	"errors"
	"sort"
	"time"
)

// State is the lifecycle stage of a connection.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var (
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("session: connection already registered")
	// ErrInvalidIdentity is returned when a connection or user id is empty.
	ErrInvalidIdentity = errors.New("session: connection and user ids are required")
)

// Conn is the transport handle used to reach a connection.
type Conn interface {
	Send(event string, payload any) error
	Close() error
}

// Connection is the record kept for one physical socket.
type Connection struct {
	ID           string
	UserID       string
	DisplayName  string
	State        State
	ConnectedAt  time.Time
	LastActivity time.Time
	Latency      time.Duration
	RoomID       string
	LastChatAt   time.Time
	Conn         Conn
}

// InRoom reports whether the connection currently belongs to a room.
func (c *Connection) InRoom() bool {
	return c != nil && c.RoomID != ""
}

// Registry indexes connections by id and by owning user.
type Registry struct {
	connections map[string]*Connection
	users       map[string]map[string]struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		users:       make(map[string]map[string]struct{}),
	}
}

// Register records a new connection in the connecting state.
func (r *Registry) Register(connectionID, userID, displayName string, conn Conn, now time.Time) (*Connection, error) {
	if connectionID == "" || userID == "" {
		return nil, ErrInvalidIdentity
	}
	if _, exists := r.connections[connectionID]; exists {
		return nil, ErrDuplicateConnection
	}
	record := &Connection{
		ID:           connectionID,
		UserID:       userID,
		DisplayName:  displayName,
		State:        StateConnecting,
		ConnectedAt:  now,
		LastActivity: now,
		Conn:         conn,
	}
	r.connections[connectionID] = record

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connectionID] = struct{}{}
	return record, nil
}

// Activate moves a registered connection to the active state.
func (r *Registry) Activate(connectionID string) bool {
	record, ok := r.connections[connectionID]
	if !ok || record.State != StateConnecting {
		return false
	}
	record.State = StateActive
	return true
}

// Unregister removes a connection. lastForUser reports whether the owning
// user has no remaining connections.
func (r *Registry) Unregister(connectionID string) (userID string, lastForUser bool, ok bool) {
	record, exists := r.connections[connectionID]
	if !exists {
		return "", false, false
	}
	record.State = StateDisconnected
	delete(r.connections, connectionID)

	userID = record.UserID
	if set, found := r.users[userID]; found {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.users, userID)
			lastForUser = true
		}
	} else {
		lastForUser = true
	}
	return userID, lastForUser, true
}

// Get returns the connection record for id.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	record, ok := r.connections[connectionID]
	return record, ok
}

// ConnectionsFor lists the connection ids owned by a user in stable order.
func (r *Registry) ConnectionsFor(userID string) []string {
	set, ok := r.users[userID]
	if !ok || len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UserOnline reports whether the user holds at least one connection.
func (r *Registry) UserOnline(userID string) bool {
	return len(r.users[userID]) > 0
}

// SetRoom updates the current room of a connection. An empty roomID clears it.
func (r *Registry) SetRoom(connectionID, roomID string) bool {
	record, ok := r.connections[connectionID]
	if !ok {
		return false
	}
	record.RoomID = roomID
	return true
}

// Touch refreshes the last-activity time of a connection.
func (r *Registry) Touch(connectionID string, now time.Time) {
	if record, ok := r.connections[connectionID]; ok {
		record.LastActivity = now
	}
}

// SetLatency stores the most recent latency measurement.
func (r *Registry) SetLatency(connectionID string, latency time.Duration) bool {
	record, ok := r.connections[connectionID]
	if !ok {
		return false
	}
	if latency < 0 {
		latency = 0
	}
	record.Latency = latency
	return true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.connections)
}

// Users returns the number of distinct users online.
func (r *Registry) Users() int {
	return len(r.users)
}

// Each visits every connection in id order.
func (r *Registry) Each(fn func(*Connection)) {
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fn(r.connections[id])
	}
}

// AverageLatency returns the mean latency across registered connections.
func (r *Registry) AverageLatency() time.Duration {
	if len(r.connections) == 0 {
		return 0
	}
	var total time.Duration
	for _, record := range r.connections {
		total += record.Latency
	}
	return total / time.Duration(len(r.connections))
}
