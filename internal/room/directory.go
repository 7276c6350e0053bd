// Package room tracks named groups of connections. Rooms are created on first
// join and deleted when their last connection leaves.
package room

import (
	"errors"
	"sort"
	"time"
)

// DefaultType is assigned when a join does not name a room type.
const DefaultType = "game"

var (
	ErrEmptyRoomID = errors.New("room: empty room id")
	ErrNotMember   = errors.New("room: connection is not a member")
)

// Member describes a user present in a room.
type Member struct {
	UserID       string
	DisplayName  string
	ConnectionID string
	JoinedAt     time.Time
}

// Room is a broadcast scope.
type Room struct {
	ID        string
	Type      string
	CreatedAt time.Time

	members     map[string]Member
	connections map[string]string
}

// PlayerCount reports the number of distinct users in the room.
func (r *Room) PlayerCount() int {
	if r == nil {
		return 0
	}
	return len(r.members)
}

// Members returns the room's members ordered by join time then user id.
func (r *Room) Members() []Member {
	if r == nil {
		return nil
	}
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Connections returns the ids of every connection in the room, sorted.
func (r *Room) Connections() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.connections))
	for id := range r.connections {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HasConnection reports whether connectionID is in the room.
func (r *Room) HasConnection(connectionID string) bool {
	if r == nil {
		return false
	}
	_, ok := r.connections[connectionID]
	return ok
}

// JoinResult summarises a join.
type JoinResult struct {
	Room    *Room
	Created bool
}

// LeaveResult summarises a leave.
type LeaveResult struct {
	RoomID string
	UserID string
	// UserLeft is true when the user has no other connection in the room.
	UserLeft bool
	// Closed is true when the room became empty and was deleted.
	Closed bool
	// Remaining is the player count after the leave.
	Remaining int
}

// Directory owns every room. It is not safe for concurrent use.
type Directory struct {
	rooms map[string]*Room
}

// NewDirectory constructs an empty directory.
func NewDirectory() *Directory {
	return &Directory{rooms: make(map[string]*Room)}
}

// Join adds the connection to roomID, creating the room if needed. Callers
// remove the connection from any prior room first.
func (d *Directory) Join(roomID, roomType string, member Member) (JoinResult, error) {
	if roomID == "" {
		return JoinResult{}, ErrEmptyRoomID
	}
	r, ok := d.rooms[roomID]
	created := false
	if !ok {
		if roomType == "" {
			roomType = DefaultType
		}
		r = &Room{
			ID:          roomID,
			Type:        roomType,
			CreatedAt:   member.JoinedAt,
			members:     make(map[string]Member),
			connections: make(map[string]string),
		}
		d.rooms[roomID] = r
		created = true
	}
	if existing, ok := r.members[member.UserID]; ok {
		member.JoinedAt = existing.JoinedAt
	}
	r.members[member.UserID] = member
	r.connections[member.ConnectionID] = member.UserID
	return JoinResult{Room: r, Created: created}, nil
}

// Leave removes connectionID from roomID. The member entry is removed only
// when none of the user's connections remain, and an empty room is deleted.
func (d *Directory) Leave(roomID, connectionID string) (LeaveResult, error) {
	r, ok := d.rooms[roomID]
	if !ok {
		return LeaveResult{}, ErrNotMember
	}
	userID, ok := r.connections[connectionID]
	if !ok {
		return LeaveResult{}, ErrNotMember
	}
	delete(r.connections, connectionID)

	result := LeaveResult{RoomID: roomID, UserID: userID}
	stillPresent := ""
	for id, uid := range r.connections {
		if uid == userID {
			stillPresent = id
			break
		}
	}
	if stillPresent == "" {
		delete(r.members, userID)
		result.UserLeft = true
	} else if m := r.members[userID]; m.ConnectionID == connectionID {
		m.ConnectionID = stillPresent
		r.members[userID] = m
	}
	result.Remaining = len(r.members)
	if len(r.connections) == 0 {
		delete(d.rooms, roomID)
		result.Closed = true
	}
	return result, nil
}

// Get returns the room with id.
func (d *Directory) Get(roomID string) (*Room, bool) {
	r, ok := d.rooms[roomID]
	return r, ok
}

// Len reports the number of live rooms.
func (d *Directory) Len() int {
	return len(d.rooms)
}

// IDs returns the live room ids, sorted.
func (d *Directory) IDs() []string {
	out := make([]string, 0, len(d.rooms))
	for id := range d.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
