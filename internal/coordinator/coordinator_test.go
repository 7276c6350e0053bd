package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"arena/server/internal/history"
	"arena/server/internal/net/proto"
	"arena/server/internal/reliable"
	"arena/server/internal/session"
	"arena/server/internal/validation"
	"arena/server/logging"
	loggingrooms "arena/server/logging/rooms"
	loggingvalidation "arena/server/logging/validation"
)

type frame struct {
	event   string
	payload any
}

type fakeConn struct {
	mu     sync.Mutex
	frames []frame
	closed bool
	fail   bool
}

func (c *fakeConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	c.frames = append(c.frames, frame{event: event, payload: payload})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) of(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, f := range c.frames {
		if f.event == event {
			out = append(out, f.payload)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type observation struct {
	active  int
	latency float64
	pending int
}

type harness struct {
	t           *testing.T
	coord       *Coordinator
	clock       *testClock
	ctx         context.Context
	mu          sync.Mutex
	events      []logging.Event
	observed    []observation
	conns       map[string]*fakeConn
	shotChecks  []validation.ShotCheck
	rejectMoves string
}

func (h *harness) ObserveSessions(active int, latency float64, pending int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observed = append(h.observed, observation{active: active, latency: latency, pending: pending})
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: &testClock{now: time.UnixMilli(10_000)},
		conns: make(map[string]*fakeConn),
	}
	cfg := DefaultConfig()
	cfg.ServerID = "test-server"
	cfg.SweepInterval = time.Hour
	cfg.MetricsInterval = time.Hour
	ids := 0
	validator := validation.Funcs{
		Movement: func(validation.MovementCheck) validation.Verdict {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.rejectMoves != "" {
				return validation.Reject(h.rejectMoves)
			}
			return validation.Accept()
		},
		Shot: func(check validation.ShotCheck) validation.Verdict {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.shotChecks = append(h.shotChecks, check)
			if check.Weapon == "railgun" {
				return validation.Reject("impossible_shot_distance")
			}
			return validation.Accept()
		},
	}
	h.coord = New(cfg, Deps{
		Publisher: logging.PublisherFunc(func(_ context.Context, event logging.Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, event)
		}),
		Observer:  h,
		Validator: validator,
		Clock:     h.clock,
		NewMessageID: func() string {
			ids++
			return fmt.Sprintf("srv-%d", ids)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) connect(connID, userID string) *fakeConn {
	h.t.Helper()
	conn := &fakeConn{}
	if err := h.coord.Connect(h.ctx, ConnectRequest{ConnectionID: connID, UserID: userID, DisplayName: "name-" + userID, Conn: conn}); err != nil {
		h.t.Fatalf("connect %s: %v", connID, err)
	}
	h.conns[connID] = conn
	return conn
}

func (h *harness) deliver(connID, event string, payload any) {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("marshal payload: %v", err)
	}
	if err := h.coord.Deliver(h.ctx, connID, proto.Frame{Event: event, Payload: raw}); err != nil {
		h.t.Fatalf("deliver %s: %v", event, err)
	}
}

func (h *harness) disconnect(connID string) {
	h.t.Helper()
	if err := h.coord.Disconnect(h.ctx, connID, "test"); err != nil {
		h.t.Fatalf("disconnect %s: %v", connID, err)
	}
}

func (h *harness) join(connID, roomID string) {
	h.t.Helper()
	h.deliver(connID, proto.EventRoomJoin, proto.RoomJoin{RoomID: roomID})
}

func (h *harness) eventCount(eventType logging.EventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (h *harness) lastShot() validation.ShotCheck {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.shotChecks) == 0 {
		h.t.Fatalf("expected a shot check")
	}
	return h.shotChecks[len(h.shotChecks)-1]
}

func stateUpdate(ts int64, x float64) proto.StateUpdate {
	return proto.StateUpdate{
		ClientTick: uint64(ts),
		Position:   history.Vec2{X: x},
		Velocity:   history.Vec2{X: 1},
		ViewAngle:  45,
		Timestamp:  ts,
	}
}

func reliableFrame(id string, seq uint64, msgType string, payload any) proto.ReliableEnvelope {
	raw, _ := json.Marshal(payload)
	return proto.ReliableEnvelope{MessageID: id, Type: msgType, Payload: raw, SequenceNumber: seq}
}

func TestConnectSendsEstablished(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("c1", "alice")

	greetings := conn.of(proto.EventConnectionEstablished)
	if len(greetings) != 1 {
		t.Fatalf("expected one greeting, got %d", len(greetings))
	}
	greeting := greetings[0].(proto.ConnectionEstablished)
	if greeting.ServerID != "test-server" || greeting.TickRate != DefaultTickRate || greeting.ServerTime != 10_000 {
		t.Fatalf("unexpected greeting %+v", greeting)
	}
	if !greeting.Features.ReliableMessaging || !greeting.Features.LagCompensation {
		t.Fatalf("expected features advertised, got %+v", greeting.Features)
	}

	err := h.coord.Connect(h.ctx, ConnectRequest{ConnectionID: "c1", UserID: "alice", Conn: &fakeConn{}})
	if !errors.Is(err, session.ErrDuplicateConnection) {
		t.Fatalf("expected duplicate connection error, got %v", err)
	}
}

func TestPingStoresLatency(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("c1", "alice")
	h.deliver("c1", proto.EventPing, int64(9_950))

	pongs := conn.of(proto.EventPong)
	if len(pongs) != 1 {
		t.Fatalf("expected one pong, got %d", len(pongs))
	}
	if pong := pongs[0].(proto.Pong); pong.Timestamp != 9_950 || pong.ServerTime != 10_000 {
		t.Fatalf("unexpected pong %+v", pong)
	}
	infos, err := h.coord.Connections(h.ctx)
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if len(infos) != 1 || infos[0].LatencyMs != 50 {
		t.Fatalf("expected 50ms latency, got %+v", infos)
	}
}

func TestRoomJoinAnnouncesMembership(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "alice")
	bob := h.connect("c2", "bob")
	h.join("c1", "arena-1")
	h.join("c2", "arena-1")

	joined := bob.of(proto.EventRoomJoined)
	if len(joined) != 1 {
		t.Fatalf("expected room:joined for bob, got %d", len(joined))
	}
	snapshot := joined[0].(proto.RoomJoined)
	if snapshot.RoomID != "arena-1" || snapshot.PlayerCount != 2 || len(snapshot.Players) != 2 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if snapshot.Players[0].UserID != "alice" || snapshot.Players[0].Username != "name-alice" {
		t.Fatalf("expected alice first, got %+v", snapshot.Players)
	}

	announced := alice.of(proto.EventRoomPlayerJoined)
	if len(announced) != 1 {
		t.Fatalf("expected alice to see bob join, got %d", len(announced))
	}
	if got := announced[0].(proto.RoomMembership); got.PlayerID != "bob" || got.PlayerCount != 2 {
		t.Fatalf("unexpected membership %+v", got)
	}
	if len(bob.of(proto.EventRoomPlayerJoined)) != 0 {
		t.Fatalf("joiner should not receive its own join broadcast")
	}

	info, ok, err := h.coord.RoomInfo(h.ctx, "arena-1")
	if err != nil || !ok {
		t.Fatalf("expected room info, ok=%v err=%v", ok, err)
	}
	if info.Type != "game" || info.PlayerCount != 2 {
		t.Fatalf("unexpected room info %+v", info)
	}
	if h.eventCount(loggingrooms.EventJoined) != 2 {
		t.Fatalf("expected two join events")
	}
}

func TestJoinLeavesPriorRoom(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "alice")
	bob := h.connect("c2", "bob")
	h.join("c1", "a")
	h.join("c2", "a")
	h.join("c1", "b")

	left := bob.of(proto.EventRoomPlayerLeft)
	if len(left) != 1 {
		t.Fatalf("expected bob to see alice leave, got %d", len(left))
	}
	if got := left[0].(proto.RoomMembership); got.PlayerID != "alice" || got.PlayerCount != 1 {
		t.Fatalf("unexpected leave payload %+v", got)
	}

	h.deliver("c2", proto.EventRoomLeave, nil)
	if _, ok, _ := h.coord.RoomInfo(h.ctx, "a"); ok {
		t.Fatalf("empty room should be deleted")
	}
	stats, err := h.coord.Stats(h.ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveRooms != 1 || stats.TotalConnections != 2 || stats.UniqueUsers != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if h.eventCount(loggingrooms.EventClosed) != 1 {
		t.Fatalf("expected one room closed event")
	}
}

func TestStateUpdatesAreRoomScoped(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "alice")
	bob := h.connect("c2", "bob")
	carol := h.connect("c3", "carol")
	dave := h.connect("c4", "dave")
	h.join("c1", "a")
	h.join("c2", "a")
	h.join("c3", "b")

	h.deliver("c1", proto.EventStateUpdate, stateUpdate(1000, 5))

	updates := bob.of(proto.EventPlayerUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected bob to receive one update, got %d", len(updates))
	}
	update := updates[0].(proto.PlayerUpdate)
	if update.PlayerID != "alice" || update.Position.X != 5 || update.Timestamp != 10_000 {
		t.Fatalf("unexpected update %+v", update)
	}
	if len(alice.of(proto.EventPlayerUpdate)) != 0 {
		t.Fatalf("sender should not receive its own update")
	}
	if len(carol.of(proto.EventPlayerUpdate)) != 0 || len(dave.of(proto.EventPlayerUpdate)) != 0 {
		t.Fatalf("connections outside the room should not receive updates")
	}
}

func TestMovedConnectionLeavesOldRoomTraffic(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "alice")
	h.connect("c2", "bob")
	carol := h.connect("c3", "carol")
	h.join("c1", "a")
	h.join("c2", "a")
	h.join("c3", "b")
	h.join("c1", "b")

	h.deliver("c2", proto.EventStateUpdate, stateUpdate(1000, 1))
	if err := h.coord.BroadcastToRoom(h.ctx, "a", "custom:event", nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got := len(alice.of(proto.EventPlayerUpdate)); got != 0 {
		t.Fatalf("connection that moved to b must not receive a's updates, got %d", got)
	}
	if got := len(alice.of("custom:event")); got != 0 {
		t.Fatalf("connection that moved to b must not receive a's broadcasts, got %d", got)
	}

	h.deliver("c3", proto.EventStateUpdate, stateUpdate(1000, 2))
	if got := len(alice.of(proto.EventPlayerUpdate)); got != 1 {
		t.Fatalf("expected alice to receive b's update, got %d", got)
	}
	if got := len(carol.of(proto.EventPlayerUpdate)); got != 0 {
		t.Fatalf("carol should not see a's update, got %d", got)
	}
}

func TestValidationFailureStopsRelay(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "alice")
	bob := h.connect("c2", "bob")
	h.join("c1", "a")
	h.join("c2", "a")

	h.mu.Lock()
	h.rejectMoves = "teleportation"
	h.mu.Unlock()
	h.deliver("c1", proto.EventStateUpdate, stateUpdate(1000, 500))

	failures := alice.of(proto.EventValidationFailed)
	if len(failures) != 1 {
		t.Fatalf("expected validation failure, got %d", len(failures))
	}
	if got := failures[0].(proto.ValidationFailed); got.Type != validation.CheckMovement || got.Reason != "teleportation" {
		t.Fatalf("unexpected failure %+v", got)
	}
	if len(bob.of(proto.EventPlayerUpdate)) != 0 {
		t.Fatalf("rejected update must not be relayed")
	}
	if h.eventCount(loggingvalidation.EventRejected) != 1 {
		t.Fatalf("expected a rejection event")
	}

	// Rejected updates are not recorded for lag compensation.
	h.deliver("c1", proto.EventInput, proto.Input{Input: proto.InputAction{Type: proto.InputWeaponFire, Weapon: "ak47"}, Timestamp: 1000})
	if shot := h.lastShot(); shot.Historical != nil {
		t.Fatalf("expected no history, got %+v", shot.Historical)
	}
}

func TestWeaponFireUsesCompensatedHistory(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "alice")
	bob := h.connect("c2", "bob")
	h.join("c1", "a")
	h.join("c2", "a")
	h.deliver("c1", proto.EventPing, int64(9_950))
	h.deliver("c1", proto.EventStateUpdate, stateUpdate(1000, 0))
	h.deliver("c1", proto.EventStateUpdate, stateUpdate(1100, 10))

	target := history.Vec2{X: 30, Y: 4}
	h.deliver("c1", proto.EventInput, proto.Input{
		Input:     proto.InputAction{Type: proto.InputWeaponFire, Weapon: "ak47", Target: &target, Hit: true},
		Timestamp: 1100,
	})

	shot := h.lastShot()
	if shot.Timestamp != 1050 {
		t.Fatalf("expected compensated time 1050, got %d", shot.Timestamp)
	}
	if shot.Historical == nil || shot.Historical.Position.X != 5 || shot.Historical.Position.Y != 0 {
		t.Fatalf("expected interpolated position (5,0), got %+v", shot.Historical)
	}
	for name, conn := range map[string]*fakeConn{"alice": alice, "bob": bob} {
		fires := conn.of(proto.EventWeaponFire)
		if len(fires) != 1 {
			t.Fatalf("expected %s to receive weapon fire, got %d", name, len(fires))
		}
		if got := fires[0].(proto.WeaponFire); got.CompensatedTime != 1050 || got.PlayerID != "alice" {
			t.Fatalf("unexpected weapon fire %+v", got)
		}
	}

	h.deliver("c1", proto.EventInput, proto.Input{Input: proto.InputAction{Type: proto.InputWeaponFire, Weapon: "railgun"}, Timestamp: 1100})
	failures := alice.of(proto.EventValidationFailed)
	if len(failures) != 1 || failures[0].(proto.ValidationFailed).Type != validation.CheckShot {
		t.Fatalf("expected shot validation failure, got %+v", failures)
	}
	if len(bob.of(proto.EventWeaponFire)) != 1 {
		t.Fatalf("rejected shot must not be relayed")
	}
}

func TestReliableInboundDispatchAndAck(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "alice")
	bob := h.connect("c2", "bob")
	h.join("c1", "a")
	h.join("c2", "a")

	h.deliver("c1", proto.EventMessageReliable, reliableFrame("m0", 0, proto.TypeMovement, stateUpdate(1000, 1)))
	h.deliver("c1", proto.EventMessageReliable, reliableFrame("m0", 0, proto.TypeMovement, stateUpdate(1000, 1)))
	h.deliver("c1", proto.EventMessageReliable, reliableFrame("m1", 1, proto.TypeAction, map[string]string{"kind": "reload"}))

	acks := alice.of(proto.EventMessageAck)
	if len(acks) != 2 {
		t.Fatalf("expected two acks, got %d", len(acks))
	}
	if ack := acks[0].(proto.Ack); ack.MessageID != "m0" || !ack.Processed {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if got := len(bob.of(proto.EventPlayerUpdate)); got != 1 {
		t.Fatalf("duplicate must not be processed twice, got %d updates", got)
	}
	actions := bob.of(proto.EventPlayerAction)
	if len(actions) != 1 {
		t.Fatalf("expected relayed action, got %d", len(actions))
	}
	if got := actions[0].(proto.PlayerAction); string(got.Action) != `{"kind":"reload"}` {
		t.Fatalf("unexpected action payload %s", got.Action)
	}
}

func TestSendReliableRetriesUntilAck(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "alice")

	results := make(chan reliable.Result, 1)
	id, err := h.coord.SendReliable(h.ctx, "c1", "game:round_start", map[string]int{"round": 2}, reliable.WithCompletion(func(r reliable.Result) {
		results <- r
	}))
	if err != nil {
		t.Fatalf("send reliable: %v", err)
	}
	if id != "srv-1" {
		t.Fatalf("unexpected id %q", id)
	}

	h.clock.Advance(time.Second)
	if err := h.coord.Sweep(h.ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	sent := alice.of(proto.EventMessageReliable)
	if len(sent) != 2 {
		t.Fatalf("expected original plus one retransmit, got %d", len(sent))
	}
	first, second := sent[0].(proto.ReliableEnvelope), sent[1].(proto.ReliableEnvelope)
	if first.MessageID != second.MessageID || first.SequenceNumber != second.SequenceNumber {
		t.Fatalf("retransmit must be identical: %+v vs %+v", first, second)
	}

	h.deliver("c1", proto.EventMessageAck, proto.Ack{MessageID: id})
	select {
	case r := <-results:
		if r.Outcome != reliable.OutcomeAcked || r.Retries != 1 {
			t.Fatalf("unexpected result %+v", r)
		}
	default:
		t.Fatalf("expected completion after ack")
	}

	h.clock.Advance(10 * time.Second)
	if err := h.coord.Sweep(h.ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := len(alice.of(proto.EventMessageReliable)); got != 2 {
		t.Fatalf("acked message must not be retransmitted, got %d sends", got)
	}

	if _, err := h.coord.SendReliable(h.ctx, "ghost", "x", nil); !errors.Is(err, reliable.ErrUnknownConnection) {
		t.Fatalf("expected unknown connection error, got %v", err)
	}
}

func TestDisconnectCleanup(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "alice")
	bob := h.connect("c2", "bob")
	h.join("c1", "a")
	h.join("c2", "a")
	h.deliver("c1", proto.EventStateUpdate, stateUpdate(1000, 1))
	h.deliver("c1", proto.EventMessageReliable, reliableFrame("m5", 5, "noop", nil))

	h.disconnect("c1")
	left := bob.of(proto.EventRoomPlayerLeft)
	if len(left) != 1 || left[0].(proto.RoomMembership).PlayerCount != 1 {
		t.Fatalf("expected bob to see alice leave, got %+v", left)
	}

	again := h.connect("c1b", "alice")
	h.deliver("c1b", proto.EventMessageReliable, reliableFrame("m0", 0, "noop", nil))
	if got := len(again.of(proto.EventMessageAck)); got != 1 {
		t.Fatalf("sequence should restart after the user went offline, got %d acks", got)
	}
	h.deliver("c1b", proto.EventInput, proto.Input{Input: proto.InputAction{Type: proto.InputWeaponFire}, Timestamp: 1000})
	if shot := h.lastShot(); shot.Historical != nil {
		t.Fatalf("history should be cleared, got %+v", shot.Historical)
	}

	// Unknown connections are ignored.
	h.disconnect("c1")
}

func TestSecondConnectionKeepsUserState(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "alice")
	h.connect("c2", "alice")
	h.deliver("c1", proto.EventStateUpdate, stateUpdate(1000, 7))
	h.deliver("c1", proto.EventMessageReliable, reliableFrame("m3", 3, "noop", nil))

	h.disconnect("c1")
	h.deliver("c2", proto.EventInput, proto.Input{Input: proto.InputAction{Type: proto.InputWeaponFire}, Timestamp: 1000})
	if shot := h.lastShot(); shot.Historical == nil || shot.Historical.Position.X != 7 {
		t.Fatalf("history should survive while another connection is live, got %+v", shot.Historical)
	}

	c2 := h.conns["c2"]
	h.deliver("c2", proto.EventMessageReliable, reliableFrame("m-old", 2, "noop", nil))
	if got := len(c2.of(proto.EventMessageAck)); got != 0 {
		t.Fatalf("sequence state should persist across connection churn, got %d acks", got)
	}
}

func TestChatRelay(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "alice")
	bob := h.connect("c2", "bob")

	h.deliver("c1", proto.EventChatMessage, proto.ChatMessage{Message: "nobody hears this"})
	if len(alice.of(proto.EventChatMessage)) != 0 {
		t.Fatalf("chat outside a room should be ignored")
	}

	h.join("c1", "a")
	h.join("c2", "a")
	h.deliver("c1", proto.EventChatMessage, proto.ChatMessage{Message: "gg"})
	for name, conn := range map[string]*fakeConn{"alice": alice, "bob": bob} {
		msgs := conn.of(proto.EventChatMessage)
		if len(msgs) != 1 {
			t.Fatalf("expected %s to receive chat, got %d", name, len(msgs))
		}
		if got := msgs[0].(proto.ChatMessage); got.PlayerID != "alice" || got.Type != "all" || got.Message != "gg" {
			t.Fatalf("unexpected chat %+v", got)
		}
	}

	h.deliver("c1", proto.EventChatMessage, proto.ChatMessage{Message: "too fast"})
	if len(alice.of(proto.EventChatRateLimited)) != 1 {
		t.Fatalf("expected rate limit")
	}

	h.clock.Advance(time.Second)
	long := make([]byte, DefaultChatMaxLength+1)
	for i := range long {
		long[i] = 'a'
	}
	h.deliver("c1", proto.EventChatMessage, proto.ChatMessage{Message: string(long)})
	if len(alice.of(proto.EventChatInvalid)) != 1 {
		t.Fatalf("expected invalid message for oversize chat")
	}
	if len(bob.of(proto.EventChatMessage)) != 1 {
		t.Fatalf("invalid chat must not be relayed")
	}
}

func TestMetricsBroadcast(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("c1", "alice")
	bob := h.connect("c2", "bob")
	h.deliver("c1", proto.EventPing, int64(9_900))

	if err := h.coord.PublishMetrics(h.ctx); err != nil {
		t.Fatalf("publish metrics: %v", err)
	}
	for name, conn := range map[string]*fakeConn{"alice": alice, "bob": bob} {
		metrics := conn.of(proto.EventServerMetrics)
		if len(metrics) != 1 {
			t.Fatalf("expected %s to receive metrics, got %d", name, len(metrics))
		}
		if got := metrics[0].(proto.ServerMetrics); got.ActiveConnections != 2 || got.AverageLatency != 50 {
			t.Fatalf("unexpected metrics %+v", got)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.observed) != 1 || h.observed[0].active != 2 {
		t.Fatalf("unexpected observations %+v", h.observed)
	}
}

func TestFailedWriteClosesConnection(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "alice")
	bad := h.connect("c2", "bob")
	bad.mu.Lock()
	bad.fail = true
	bad.mu.Unlock()

	if err := h.coord.BroadcastToRoom(h.ctx, "none", proto.EventChatMessage, nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	sent, err := h.coord.SendToUser(h.ctx, "bob", "custom:event", nil)
	if err != nil || sent != 1 {
		t.Fatalf("expected one addressed connection, got %d err=%v", sent, err)
	}
	if !bad.isClosed() {
		t.Fatalf("failed write should close the connection")
	}
	if h.conns["c1"].isClosed() {
		t.Fatalf("other connections must stay open")
	}
}

func TestZeroConfigUsesDefaults(t *testing.T) {
	cfg := New(Config{}, Deps{}).Config()
	def := DefaultConfig()
	if cfg.SweepInterval != def.SweepInterval || cfg.MetricsInterval != def.MetricsInterval || cfg.ChatMaxLength != def.ChatMaxLength {
		t.Fatalf("expected loop defaults, got %+v", cfg)
	}
	if cfg.Reliable.AckTimeout != time.Second || cfg.Reliable.MaxRetries != 3 {
		t.Fatalf("expected 1s ack timeout with 3 retries, got %+v", cfg.Reliable)
	}

	partial := New(Config{Reliable: reliable.Config{AckTimeout: 2 * time.Second}}, Deps{}).Config()
	if partial.Reliable.AckTimeout != 2*time.Second || partial.Reliable.MaxRetries != 3 {
		t.Fatalf("expected explicit timeout kept and retries defaulted, got %+v", partial.Reliable)
	}
}

func TestFailedAckWriteClosesConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("c1", "alice")
	conn.mu.Lock()
	conn.fail = true
	conn.mu.Unlock()

	h.deliver("c1", proto.EventMessageReliable, reliableFrame("m0", 0, proto.TypeAction, map[string]string{"kind": "reload"}))
	if !conn.isClosed() {
		t.Fatalf("failed ack write should close the connection")
	}
}

func TestEventsCarryConnectionIdentity(t *testing.T) {
	h := newHarness(t)
	h.connect("c1", "alice")
	h.mu.Lock()
	h.rejectMoves = "speed_hack"
	h.mu.Unlock()
	h.deliver("c1", proto.EventStateUpdate, stateUpdate(10_000, 1))

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e.Type != loggingvalidation.EventRejected {
			continue
		}
		if e.Extra["connectionId"] != "c1" || e.Extra["userId"] != "alice" {
			t.Fatalf("expected identity fields on rejection, got %v", e.Extra)
		}
		return
	}
	t.Fatalf("expected a rejection event")
}

func TestStoppedCoordinatorRejectsWork(t *testing.T) {
	c := New(DefaultConfig(), Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	conn := &fakeConn{}
	if err := c.Connect(context.Background(), ConnectRequest{ConnectionID: "c1", UserID: "u", Conn: conn}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cancel()
	<-done

	if !conn.isClosed() {
		t.Fatalf("shutdown should close live connections")
	}
	if _, err := c.Stats(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
