package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arena/server/internal/net/proto"
	"arena/server/internal/telemetry"
)

var (
	// ErrClosed is returned by Send once the connection is closed.
	ErrClosed = errors.New("ws: connection closed")
	// ErrOutboxFull is returned when the client is not draining its socket.
	ErrOutboxFull = errors.New("ws: outbox full")
)

// connection adapts a websocket to session.Conn. Sends are queued on a
// buffered outbox drained by a single writer goroutine, so callers never block
// on the socket.
type connection struct {
	id           string
	ws           *websocket.Conn
	outbox       chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       telemetry.Logger
	metrics      telemetry.Metrics
}

func newConnection(id string, ws *websocket.Conn, outboxSize int, writeTimeout time.Duration, logger telemetry.Logger, metrics telemetry.Metrics) *connection {
	return &connection{
		id:           id,
		ws:           ws,
		outbox:       make(chan []byte, outboxSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// Send encodes and queues one event.
func (c *connection) Send(event string, payload any) error {
	data, err := proto.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.metrics.Add("ws_outbox_full", 1)
		return ErrOutboxFull
	}
}

// Close sends a close frame and tears the socket down. It is safe to call
// more than once and from any goroutine.
func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbox:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Printf("write to %s failed: %v", c.id, err)
				c.Close()
				return
			}
			c.metrics.Add("ws_frames_sent", 1)
			c.metrics.Add("ws_bytes_sent", uint64(len(data)))
		}
	}
}
