package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"arena/server/internal/coordinator"
	"arena/server/internal/history"
	"arena/server/internal/net/proto"
	"arena/server/internal/telemetry"
)

func startServer(t *testing.T) (*coordinator.Coordinator, *httptest.Server) {
	t.Helper()
	cfg := coordinator.DefaultConfig()
	cfg.MetricsInterval = time.Hour
	coord := coordinator.New(cfg, coordinator.Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()

	handler := NewHandler(coord, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return coord, srv
}

func websocketURL(t *testing.T, baseURL, user string) string {
	t.Helper()

	parsed, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("failed to parse test server url: %v", err)
	}
	parsed.Scheme = "ws"
	query := parsed.Query()
	query.Set("user", user)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(websocketURL(t, srv.URL, user), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := proto.EncodeFrame(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// readUntil returns the first frame carrying event, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, event string) proto.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		frame, err := proto.DecodeFrame(data)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Event == event {
			return frame
		}
	}
}

func TestHandleRejectsMissingIdentity(t *testing.T) {
	_, srv := startServer(t)
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandleGreetsAndAnswersPing(t *testing.T) {
	_, srv := startServer(t)
	conn := dial(t, srv, "alice")

	greeting := readUntil(t, conn, proto.EventConnectionEstablished)
	var established proto.ConnectionEstablished
	if err := json.Unmarshal(greeting.Payload, &established); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if established.TickRate != coordinator.DefaultTickRate || established.ConnectionID == "" {
		t.Fatalf("unexpected greeting %+v", established)
	}

	// Malformed frames are skipped without closing the socket.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	clientTime := time.Now().UnixMilli()
	send(t, conn, proto.EventPing, clientTime)
	pongFrame := readUntil(t, conn, proto.EventPong)
	var pong proto.Pong
	if err := json.Unmarshal(pongFrame.Payload, &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.Timestamp != clientTime || pong.ServerTime < clientTime {
		t.Fatalf("unexpected pong %+v", pong)
	}
}

func TestHandleRelaysStateWithinRoom(t *testing.T) {
	_, srv := startServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	readUntil(t, alice, proto.EventConnectionEstablished)
	readUntil(t, bob, proto.EventConnectionEstablished)

	send(t, alice, proto.EventRoomJoin, proto.RoomJoin{RoomID: "lobby"})
	readUntil(t, alice, proto.EventRoomJoined)
	send(t, bob, proto.EventRoomJoin, proto.RoomJoin{RoomID: "lobby"})
	readUntil(t, bob, proto.EventRoomJoined)
	readUntil(t, alice, proto.EventRoomPlayerJoined)

	send(t, alice, proto.EventStateUpdate, proto.StateUpdate{
		ClientTick: 1,
		Position:   history.Vec2{X: 3, Y: 4},
		Timestamp:  time.Now().UnixMilli(),
	})
	frame := readUntil(t, bob, proto.EventPlayerUpdate)
	var update proto.PlayerUpdate
	if err := json.Unmarshal(frame.Payload, &update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if update.PlayerID != "alice" || update.Position.X != 3 || update.Position.Y != 4 {
		t.Fatalf("unexpected update %+v", update)
	}
}

func TestHandleDisconnectUnregisters(t *testing.T) {
	coord, srv := startServer(t)
	conn := dial(t, srv, "alice")
	readUntil(t, conn, proto.EventConnectionEstablished)

	stats, err := coord.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalConnections != 1 {
		t.Fatalf("expected one connection, got %+v", stats)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := coord.Stats(context.Background())
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.TotalConnections == 0 && stats.UniqueUsers == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection was not unregistered: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectionSendErrors(t *testing.T) {
	c := &connection{
		outbox:  make(chan []byte, 1),
		done:    make(chan struct{}),
		metrics: telemetry.NopMetrics(),
	}
	if err := c.Send(proto.EventPong, proto.Pong{}); err != nil {
		t.Fatalf("first send should queue: %v", err)
	}
	if err := c.Send(proto.EventPong, proto.Pong{}); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("expected ErrOutboxFull, got %v", err)
	}
	close(c.done)
	if err := c.Send(proto.EventPong, proto.Pong{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Send("", nil); !errors.Is(err, proto.ErrEmptyEvent) {
		t.Fatalf("expected ErrEmptyEvent, got %v", err)
	}
}

func TestQueryAuthenticator(t *testing.T) {
	auth := QueryAuthenticator()
	req := httptest.NewRequest(http.MethodGet, "/ws?user=u1", nil)
	identity, err := auth.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.UserID != "u1" || identity.DisplayName != "u1" {
		t.Fatalf("expected name to default to user id, got %+v", identity)
	}
	req = httptest.NewRequest(http.MethodGet, "/ws?user=u1&name=Ada", nil)
	if identity, _ := auth.Authenticate(req); identity.DisplayName != "Ada" {
		t.Fatalf("expected display name Ada, got %+v", identity)
	}
	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := auth.Authenticate(req); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
}
