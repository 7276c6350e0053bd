// Package ws is the gorilla/websocket transport for the session coordinator.
package ws

import (
	"context"
	"errors"
	nethttp "net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"arena/server/internal/coordinator"
	"arena/server/internal/net/proto"
	"arena/server/internal/telemetry"
	"arena/server/logging"
	loggingnetwork "arena/server/logging/network"
)

const (
	DefaultOutboxSize   = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 64 << 10
)

// ErrMissingIdentity is returned by the query authenticator when no user id
// was supplied.
var ErrMissingIdentity = errors.New("ws: missing user identity")

// Identity is the authenticated owner of a socket.
type Identity struct {
	UserID      string
	DisplayName string
}

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(r *nethttp.Request) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *nethttp.Request) (Identity, error)

func (f AuthenticatorFunc) Authenticate(r *nethttp.Request) (Identity, error) {
	return f(r)
}

// QueryAuthenticator trusts the user and name query parameters. Identity
// issuance happens upstream; this is the development default.
func QueryAuthenticator() Authenticator {
	return AuthenticatorFunc(func(r *nethttp.Request) (Identity, error) {
		query := r.URL.Query()
		user := query.Get("user")
		if user == "" {
			return Identity{}, ErrMissingIdentity
		}
		name := query.Get("name")
		if name == "" {
			name = user
		}
		return Identity{UserID: user, DisplayName: name}, nil
	})
}

// Sessions is the subset of the coordinator the transport drives.
type Sessions interface {
	Connect(ctx context.Context, req coordinator.ConnectRequest) error
	Deliver(ctx context.Context, connectionID string, frame proto.Frame) error
	Disconnect(ctx context.Context, connectionID, reason string) error
}

type HandlerConfig struct {
	Logger        telemetry.Logger
	Publisher     logging.Publisher
	Metrics       telemetry.Metrics
	Authenticator Authenticator
	OutboxSize    int
	WriteTimeout  time.Duration
	ReadLimit     int64
	// NewConnectionID overrides the uuid connection id source.
	NewConnectionID func() string
}

// Handler upgrades HTTP requests and pumps frames between the socket and the
// coordinator.
type Handler struct {
	sessions Sessions
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

func NewHandler(sessions Sessions, cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = QueryAuthenticator()
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.NewConnectionID == nil {
		cfg.NewConnectionID = uuid.NewString
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		sessions: sessions,
		cfg:      cfg,
		upgrader: upgrader,
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	identity, err := h.cfg.Authenticator.Authenticate(r)
	if err != nil {
		nethttp.Error(w, err.Error(), nethttp.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Printf("upgrade failed for %s: %v", identity.UserID, err)
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	id := h.cfg.NewConnectionID()
	conn := newConnection(id, ws, h.cfg.OutboxSize, h.cfg.WriteTimeout, h.cfg.Logger, h.cfg.Metrics)
	go conn.writeLoop()

	ctx := r.Context()
	if err := h.sessions.Connect(ctx, coordinator.ConnectRequest{
		ConnectionID: id,
		UserID:       identity.UserID,
		DisplayName:  identity.DisplayName,
		Conn:         conn,
	}); err != nil {
		h.cfg.Logger.Printf("connect %s for %s rejected: %v", id, identity.UserID, err)
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session rejected")
		ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(h.cfg.WriteTimeout))
		conn.Close()
		return
	}

	reason := h.readLoop(ctx, id, ws)
	if err := h.sessions.Disconnect(context.Background(), id, reason); err != nil && !errors.Is(err, coordinator.ErrStopped) {
		h.cfg.Logger.Printf("disconnect %s failed: %v", id, err)
	}
	conn.Close()
}

// readLoop forwards frames until the socket fails. It returns the close
// reason reported to the coordinator.
func (h *Handler) readLoop(ctx context.Context, id string, ws *websocket.Conn) string {
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "client closed"
			}
			return err.Error()
		}
		h.cfg.Metrics.Add("ws_frames_received", 1)

		frame, err := proto.DecodeFrame(payload)
		if err != nil {
			h.cfg.Metrics.Add("ws_frames_malformed", 1)
			loggingnetwork.MalformedFrame(ctx, h.cfg.Publisher, logging.ConnectionRef(id), err.Error(), nil)
			continue
		}
		if err := h.sessions.Deliver(ctx, id, frame); err != nil {
			return err.Error()
		}
	}
}
