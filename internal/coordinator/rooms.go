package coordinator

import (
	"context"
	"time"
	"unicode/utf8"

	"arena/server/internal/net/proto"
	"arena/server/internal/room"
	"arena/server/internal/session"
	"arena/server/logging"
	loggingnetwork "arena/server/logging/network"
	loggingrooms "arena/server/logging/rooms"
)

const defaultChatType = "all"

// joinRoom moves conn into the requested room, leaving any prior room first.
func (c *Coordinator) joinRoom(ctx context.Context, conn *session.Connection, req proto.RoomJoin) {
	if req.RoomID == "" {
		loggingnetwork.MalformedFrame(ctx, c.eventsFor(conn), logging.ConnectionRef(conn.ID), room.ErrEmptyRoomID.Error(), map[string]any{"event": proto.EventRoomJoin})
		return
	}
	c.leaveRoom(ctx, conn)

	res, err := c.rooms.Join(req.RoomID, req.RoomType, room.Member{
		UserID:       conn.UserID,
		DisplayName:  conn.DisplayName,
		ConnectionID: conn.ID,
		JoinedAt:     c.clock.Now(),
	})
	if err != nil {
		c.logger.Printf("join %s for %s failed: %v", req.RoomID, conn.ID, err)
		return
	}
	c.registry.SetRoom(conn.ID, req.RoomID)
	count := res.Room.PlayerCount()

	c.broadcast(req.RoomID, conn.ID, proto.EventRoomPlayerJoined, proto.RoomMembership{
		PlayerID:    conn.UserID,
		Username:    conn.DisplayName,
		PlayerCount: count,
	})
	c.send(conn, proto.EventRoomJoined, proto.RoomJoined{
		RoomID:      req.RoomID,
		PlayerCount: count,
		Players:     roomMembers(res.Room),
	})
	loggingrooms.Joined(ctx, c.eventsFor(conn), logging.UserRef(conn.UserID), req.RoomID, loggingrooms.MembershipPayload{
		UserID:      conn.UserID,
		PlayerCount: count,
	})
}

// leaveRoom removes conn from its current room. Empty rooms are deleted.
func (c *Coordinator) leaveRoom(ctx context.Context, conn *session.Connection) {
	if !conn.InRoom() {
		return
	}
	roomID := conn.RoomID
	c.registry.SetRoom(conn.ID, "")
	res, err := c.rooms.Leave(roomID, conn.ID)
	if err != nil {
		c.logger.Printf("leave %s for %s failed: %v", roomID, conn.ID, err)
		return
	}
	if !res.Closed {
		c.broadcast(roomID, conn.ID, proto.EventRoomPlayerLeft, proto.RoomMembership{
			PlayerID:    conn.UserID,
			Username:    conn.DisplayName,
			PlayerCount: res.Remaining,
		})
	}
	loggingrooms.Left(ctx, c.eventsFor(conn), logging.UserRef(conn.UserID), roomID, loggingrooms.MembershipPayload{
		UserID:      conn.UserID,
		PlayerCount: res.Remaining,
	})
	if res.Closed {
		loggingrooms.Closed(ctx, c.publisher, roomID)
	}
}

// chat relays a room chat line to every connection in the room, the sender
// included. The cooldown is charged before the length check.
func (c *Coordinator) chat(_ context.Context, conn *session.Connection, msg proto.ChatMessage, now time.Time) {
	if !conn.InRoom() {
		return
	}
	if !conn.LastChatAt.IsZero() && now.Sub(conn.LastChatAt) < c.cfg.ChatCooldown {
		c.send(conn, proto.EventChatRateLimited, nil)
		return
	}
	conn.LastChatAt = now

	if msg.Message == "" || utf8.RuneCountInString(msg.Message) > c.cfg.ChatMaxLength {
		c.send(conn, proto.EventChatInvalid, nil)
		return
	}
	chatType := msg.Type
	if chatType == "" {
		chatType = defaultChatType
	}
	c.metrics.Add("chat_messages", 1)
	c.broadcast(conn.RoomID, "", proto.EventChatMessage, proto.ChatMessage{
		PlayerID:  conn.UserID,
		Username:  conn.DisplayName,
		Message:   msg.Message,
		Type:      chatType,
		Timestamp: now.UnixMilli(),
	})
}

func roomMembers(r *room.Room) []proto.RoomMember {
	members := r.Members()
	out := make([]proto.RoomMember, 0, len(members))
	for _, m := range members {
		out = append(out, proto.RoomMember{UserID: m.UserID, Username: m.DisplayName})
	}
	return out
}
