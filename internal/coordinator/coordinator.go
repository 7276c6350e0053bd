// Package coordinator owns the session core. A single loop goroutine applies
// every connection event, reliable sweep and metrics tick, so the registry,
// history tracker, messenger and room directory are never shared between
// goroutines.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arena/server/internal/history"
	"arena/server/internal/net/proto"
	"arena/server/internal/reliable"
	"arena/server/internal/room"
	"arena/server/internal/session"
	"arena/server/internal/telemetry"
	"arena/server/internal/validation"
	"arena/server/logging"
	logginglifecycle "arena/server/logging/lifecycle"
)

const (
	DefaultTickRate        = 64
	DefaultSweepInterval   = 250 * time.Millisecond
	DefaultMetricsInterval = 5 * time.Second
	DefaultJobBuffer       = 1024
	DefaultChatCooldown    = time.Second
	DefaultChatMaxLength   = 200
)

// ErrStopped is returned once the loop has exited.
var ErrStopped = errors.New("coordinator: stopped")

// Config tunes the coordinator loop.
type Config struct {
	ServerID         string
	TickRate         int
	SweepInterval    time.Duration
	MetricsInterval  time.Duration
	JobBuffer        int
	ChatCooldown     time.Duration
	ChatMaxLength    int
	HistoryRetention time.Duration
	Reliable         reliable.Config
}

// DefaultConfig returns the standard loop settings.
func DefaultConfig() Config {
	return Config{
		ServerID:         "arena",
		TickRate:         DefaultTickRate,
		SweepInterval:    DefaultSweepInterval,
		MetricsInterval:  DefaultMetricsInterval,
		JobBuffer:        DefaultJobBuffer,
		ChatCooldown:     DefaultChatCooldown,
		ChatMaxLength:    DefaultChatMaxLength,
		HistoryRetention: history.DefaultRetention,
		Reliable:         reliable.DefaultConfig(),
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.ServerID == "" {
		c.ServerID = def.ServerID
	}
	if c.TickRate <= 0 {
		c.TickRate = def.TickRate
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = def.MetricsInterval
	}
	if c.JobBuffer <= 0 {
		c.JobBuffer = def.JobBuffer
	}
	if c.ChatCooldown < 0 {
		c.ChatCooldown = 0
	}
	if c.ChatMaxLength <= 0 {
		c.ChatMaxLength = def.ChatMaxLength
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = def.HistoryRetention
	}
	if c.Reliable.AckTimeout <= 0 {
		c.Reliable.AckTimeout = def.Reliable.AckTimeout
	}
	if c.Reliable.MaxRetries == 0 {
		c.Reliable.MaxRetries = def.Reliable.MaxRetries
	}
	return c
}

// SessionObserver receives the periodic session gauges.
type SessionObserver interface {
	ObserveSessions(active int, averageLatencyMillis float64, pending int)
}

// Deps carries the collaborators injected into the coordinator. Nil fields
// fall back to no-op implementations.
type Deps struct {
	Publisher logging.Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Observer  SessionObserver
	Validator validation.Validator
	Clock     logging.Clock
	// NewMessageID overrides the reliable message id source.
	NewMessageID func() string
}

// Coordinator routes connection events to the session components.
type Coordinator struct {
	cfg       Config
	publisher logging.Publisher
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	observer  SessionObserver
	validator validation.Validator
	clock     logging.Clock

	registry  *session.Registry
	tracker   *history.Tracker
	messenger *reliable.Messenger
	rooms     *room.Directory

	jobs    chan job
	stopped chan struct{}
}

type job struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// New wires the session components together.
func New(cfg Config, deps Deps) *Coordinator {
	cfg = cfg.normalized()
	c := &Coordinator{
		cfg:       cfg,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		observer:  deps.Observer,
		validator: deps.Validator,
		clock:     deps.Clock,
		registry:  session.NewRegistry(),
		tracker:   history.NewTracker(cfg.HistoryRetention),
		rooms:     room.NewDirectory(),
		jobs:      make(chan job, cfg.JobBuffer),
		stopped:   make(chan struct{}),
	}
	if c.publisher == nil {
		c.publisher = logging.NopPublisher()
	}
	if c.logger == nil {
		c.logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if c.metrics == nil {
		c.metrics = telemetry.NopMetrics()
	}
	if c.validator == nil {
		c.validator = validation.AllowAll()
	}
	if c.clock == nil {
		c.clock = logging.SystemClock{}
	}

	opts := []reliable.Option{
		reliable.WithClock(c.clock),
		reliable.WithPublisher(c.publisher),
		reliable.WithMetrics(c.metrics),
		reliable.WithSender(c.send),
	}
	if deps.NewMessageID != nil {
		opts = append(opts, reliable.WithIDGenerator(deps.NewMessageID))
	}
	c.messenger = reliable.NewMessenger(c.registry, cfg.Reliable, opts...)
	c.messenger.Handle(proto.TypeMovement, c.handleReliableMovement)
	c.messenger.Handle(proto.TypeAction, c.handleReliableAction)
	c.messenger.Handle(proto.TypeWeaponFire, c.handleReliableWeaponFire)
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Run processes submitted work until ctx is cancelled. Live connections are
// closed on the way out.
func (c *Coordinator) Run(ctx context.Context) error {
	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()
	metrics := time.NewTicker(c.cfg.MetricsInterval)
	defer metrics.Stop()
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case j := <-c.jobs:
			j.fn(ctx)
			close(j.done)
		case <-sweep.C:
			c.messenger.Sweep(ctx, c.clock.Now())
		case <-metrics.C:
			c.broadcastMetrics(ctx)
		}
	}
}

func (c *Coordinator) shutdown() {
	c.registry.Each(func(conn *session.Connection) {
		if conn.Conn != nil {
			_ = conn.Conn.Close()
		}
	})
}

// do runs fn on the loop goroutine and waits for it to finish.
func (c *Coordinator) do(ctx context.Context, fn func(ctx context.Context)) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case c.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// ConnectRequest describes an authenticated socket.
type ConnectRequest struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	Conn         session.Conn
}

// Connect registers and activates a connection, then greets it with
// connection:established.
func (c *Coordinator) Connect(ctx context.Context, req ConnectRequest) error {
	var err error
	doErr := c.do(ctx, func(ctx context.Context) {
		err = c.connect(ctx, req)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (c *Coordinator) connect(ctx context.Context, req ConnectRequest) error {
	now := c.clock.Now()
	conn, err := c.registry.Register(req.ConnectionID, req.UserID, req.DisplayName, req.Conn, now)
	if err != nil {
		return fmt.Errorf("register %s: %w", req.ConnectionID, err)
	}
	c.registry.Activate(conn.ID)
	c.metrics.Add("connections_opened", 1)
	logginglifecycle.ConnectionEstablished(ctx, c.eventsFor(conn), logging.ConnectionRef(conn.ID), logginglifecycle.ConnectionPayload{
		UserID:      conn.UserID,
		DisplayName: conn.DisplayName,
	}, nil)
	c.send(conn, proto.EventConnectionEstablished, proto.ConnectionEstablished{
		ServerID:     c.cfg.ServerID,
		ServerTime:   now.UnixMilli(),
		TickRate:     c.cfg.TickRate,
		ConnectionID: conn.ID,
		Features: proto.Features{
			LagCompensation:   true,
			ReliableMessaging: true,
			AntiCheat:         true,
		},
	})
	return nil
}

// Deliver applies one decoded client frame.
func (c *Coordinator) Deliver(ctx context.Context, connectionID string, frame proto.Frame) error {
	return c.do(ctx, func(ctx context.Context) {
		c.handleFrame(ctx, connectionID, frame)
	})
}

// Disconnect tears a connection down. Unknown ids are ignored.
func (c *Coordinator) Disconnect(ctx context.Context, connectionID, reason string) error {
	return c.do(ctx, func(ctx context.Context) {
		c.disconnect(ctx, connectionID, reason)
	})
}

func (c *Coordinator) disconnect(ctx context.Context, connectionID, reason string) {
	conn, ok := c.registry.Get(connectionID)
	if !ok {
		return
	}
	events := c.eventsFor(conn)
	c.leaveRoom(ctx, conn)
	userID, last, _ := c.registry.Unregister(connectionID)
	c.metrics.Add("connections_closed", 1)
	logginglifecycle.ConnectionClosed(ctx, events, logging.ConnectionRef(connectionID), logginglifecycle.ConnectionClosedPayload{
		UserID: userID,
		Reason: reason,
	}, nil)
	if !last {
		return
	}
	c.messenger.Forget(userID)
	c.tracker.Clear(userID)
	c.validator.Forget(userID)
	logginglifecycle.UserOffline(ctx, events, logging.UserRef(userID), nil)
}

// SendReliable queues a reliable message for connectionID.
func (c *Coordinator) SendReliable(ctx context.Context, connectionID, msgType string, payload any, opts ...reliable.SendOption) (string, error) {
	var (
		id  string
		err error
	)
	doErr := c.do(ctx, func(ctx context.Context) {
		id, err = c.messenger.SendReliable(ctx, connectionID, msgType, payload, opts...)
	})
	if doErr != nil {
		return "", doErr
	}
	return id, err
}

// SendToUser emits event on every connection of userID and reports how many
// connections were addressed.
func (c *Coordinator) SendToUser(ctx context.Context, userID, event string, payload any) (int, error) {
	sent := 0
	err := c.do(ctx, func(context.Context) {
		for _, id := range c.registry.ConnectionsFor(userID) {
			if conn, ok := c.registry.Get(id); ok {
				c.send(conn, event, payload)
				sent++
			}
		}
	})
	return sent, err
}

// BroadcastToRoom emits event to every connection in roomID.
func (c *Coordinator) BroadcastToRoom(ctx context.Context, roomID, event string, payload any) error {
	return c.do(ctx, func(context.Context) {
		c.broadcast(roomID, "", event, payload)
	})
}

// RoomInfo is a snapshot of one room.
type RoomInfo struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	PlayerCount int                `json:"playerCount"`
	Players     []proto.RoomMember `json:"players"`
	CreatedAt   int64              `json:"createdAt"`
}

// RoomInfo returns the snapshot of roomID, false when it does not exist.
func (c *Coordinator) RoomInfo(ctx context.Context, roomID string) (RoomInfo, bool, error) {
	var (
		info  RoomInfo
		found bool
	)
	err := c.do(ctx, func(context.Context) {
		r, ok := c.rooms.Get(roomID)
		if !ok {
			return
		}
		found = true
		info = RoomInfo{
			ID:          r.ID,
			Type:        r.Type,
			PlayerCount: r.PlayerCount(),
			Players:     roomMembers(r),
			CreatedAt:   r.CreatedAt.UnixMilli(),
		}
	})
	return info, found, err
}

// Stats summarises the live session state.
type Stats struct {
	TotalConnections int     `json:"totalConnections"`
	UniqueUsers      int     `json:"uniqueUsers"`
	ActiveRooms      int     `json:"activeRooms"`
	AverageLatency   float64 `json:"averageLatency"`
	PendingReliable  int     `json:"pendingReliable"`
}

// Stats returns the current connection statistics.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := c.do(ctx, func(context.Context) {
		stats = c.stats()
	})
	return stats, err
}

func (c *Coordinator) stats() Stats {
	return Stats{
		TotalConnections: c.registry.Len(),
		UniqueUsers:      c.registry.Users(),
		ActiveRooms:      c.rooms.Len(),
		AverageLatency:   float64(c.registry.AverageLatency()) / float64(time.Millisecond),
		PendingReliable:  c.messenger.PendingCount(),
	}
}

// ConnectionInfo describes one live connection for diagnostics.
type ConnectionInfo struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	State        string `json:"state"`
	RoomID       string `json:"roomId,omitempty"`
	LatencyMs    int64  `json:"latencyMs"`
	LastActivity int64  `json:"lastActivity"`
}

// Connections lists live connections ordered by id.
func (c *Coordinator) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	var out []ConnectionInfo
	err := c.do(ctx, func(context.Context) {
		out = make([]ConnectionInfo, 0, c.registry.Len())
		c.registry.Each(func(conn *session.Connection) {
			out = append(out, ConnectionInfo{
				ID:           conn.ID,
				UserID:       conn.UserID,
				State:        conn.State.String(),
				RoomID:       conn.RoomID,
				LatencyMs:    conn.Latency.Milliseconds(),
				LastActivity: conn.LastActivity.UnixMilli(),
			})
		})
	})
	return out, err
}

// Sweep runs the reliable retry sweep immediately.
func (c *Coordinator) Sweep(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) {
		c.messenger.Sweep(ctx, c.clock.Now())
	})
}

// PublishMetrics runs the metrics broadcast immediately.
func (c *Coordinator) PublishMetrics(ctx context.Context) error {
	return c.do(ctx, c.broadcastMetrics)
}

func (c *Coordinator) broadcastMetrics(ctx context.Context) {
	stats := c.stats()
	if c.observer != nil {
		c.observer.ObserveSessions(stats.TotalConnections, stats.AverageLatency, stats.PendingReliable)
	}
	payload := proto.ServerMetrics{
		ActiveConnections: stats.TotalConnections,
		UniqueUsers:       stats.UniqueUsers,
		ActiveRooms:       stats.ActiveRooms,
		AverageLatency:    stats.AverageLatency,
		PendingReliable:   stats.PendingReliable,
	}
	c.registry.Each(func(conn *session.Connection) {
		c.send(conn, proto.EventServerMetrics, payload)
	})
}

// eventsFor stamps the connection and user ids on every event published
// through it.
func (c *Coordinator) eventsFor(conn *session.Connection) logging.Publisher {
	return logging.WithFields(c.publisher, map[string]any{
		"connectionId": conn.ID,
		"userId":       conn.UserID,
	})
}

// send writes one event. A failed write closes only that connection; the
// transport reports the disconnect back through Disconnect.
func (c *Coordinator) send(conn *session.Connection, event string, payload any) {
	if conn == nil || conn.Conn == nil {
		return
	}
	if err := conn.Conn.Send(event, payload); err != nil {
		c.metrics.Add("send_failures", 1)
		c.logger.Printf("send %s to %s failed: %v", event, conn.ID, err)
		_ = conn.Conn.Close()
	}
}

// broadcast emits event to every connection in roomID except exclude.
func (c *Coordinator) broadcast(roomID, exclude, event string, payload any) int {
	r, ok := c.rooms.Get(roomID)
	if !ok {
		return 0
	}
	sent := 0
	for _, id := range r.Connections() {
		if id == exclude {
			continue
		}
		if conn, ok := c.registry.Get(id); ok {
			c.send(conn, event, payload)
			sent++
		}
	}
	return sent
}
