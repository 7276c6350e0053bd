// Package reliable layers ordered, acknowledged delivery over the
// connections tracked by the session registry.
//
// Inbound reliable messages are accepted when their sequence number is at
// least the next expected one for the user; acceptance moves the expectation
// past it. Outbound messages stay
// pending until the client acknowledges them or the retry budget runs out.
// Retries are driven by Sweep, which the owner calls periodically.
//
// The inbound and outbound directions share one counter per user: outbound
// sends advance the counter that inbound messages are compared against.
package reliable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"arena/server/internal/net/proto"
	"arena/server/internal/session"
	"arena/server/internal/telemetry"
	"arena/server/logging"
	loggingnetwork "arena/server/logging/network"
)

const (
	// DefaultAckTimeout is the delay before the first retransmission.
	DefaultAckTimeout = time.Second
	// DefaultMaxRetries bounds retransmissions per message.
	DefaultMaxRetries = 3
)

// ErrUnknownConnection is returned when a send targets a connection the
// registry does not know.
var ErrUnknownConnection = errors.New("reliable: unknown connection")

// Config tunes retry behaviour. A zero MaxRetries selects the default; use
// NoRetries to turn retransmission off.
type Config struct {
	AckTimeout time.Duration
	MaxRetries int
}

// DefaultConfig returns the standard one second timeout with three retries.
func DefaultConfig() Config {
	return Config{AckTimeout: DefaultAckTimeout, MaxRetries: DefaultMaxRetries}
}

// NoRetries disables retransmission: an unacknowledged message is dropped at
// its first deadline.
const NoRetries = -1

func (c Config) normalized() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = NoRetries
	}
	return c
}

func (c Config) retryBudget() int {
	if c.MaxRetries < 0 {
		return 0
	}
	return c.MaxRetries
}

// Inbound is a reliable message received from a client.
type Inbound struct {
	MessageID string
	Type      string
	Payload   json.RawMessage
	Sequence  uint64
	Timestamp int64
}

// Handler processes an accepted inbound message of one type.
type Handler func(ctx context.Context, conn *session.Connection, msg Inbound)

// Outcome describes how a pending message left the table.
type Outcome int

const (
	OutcomeAcked Outcome = iota
	OutcomeExhausted
	OutcomeConnectionGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeConnectionGone:
		return "connection_gone"
	default:
		return "unknown"
	}
}

// Result is delivered to the completion callback of a send.
type Result struct {
	MessageID    string
	ConnectionID string
	Type         string
	Outcome      Outcome
	Retries      int
}

// Pending is an outbound message awaiting acknowledgement.
type Pending struct {
	MessageID     string
	ConnectionID  string
	UserID        string
	Type          string
	Sequence      uint64
	Envelope      proto.ReliableEnvelope
	CreatedAt     time.Time
	Retries       int
	NextAttemptAt time.Time

	onComplete func(Result)
}

// SendOption customises a single send.
type SendOption func(*Pending)

// WithCompletion registers a callback invoked once when the message is
// acknowledged, exhausted or dropped because its connection vanished.
func WithCompletion(fn func(Result)) SendOption {
	return func(p *Pending) {
		p.onComplete = fn
	}
}

// Messenger tracks per-user sequencing and the pending outbound table. It is
// not safe for concurrent use; the coordinator loop owns it.
type Messenger struct {
	registry  *session.Registry
	cfg       Config
	clock     logging.Clock
	publisher logging.Publisher
	metrics   telemetry.Metrics
	newID     func() string
	send      Sender

	nextExpected map[string]uint64
	pending      map[string]*Pending
	handlers     map[string]Handler
}

// Option configures a Messenger.
type Option func(*Messenger)

// Sender writes one event to a connection. A failed write is expected to
// close that connection.
type Sender func(conn *session.Connection, event string, payload any)

// WithSender replaces the built-in writer, which counts failures and closes
// the connection.
func WithSender(fn Sender) Option {
	return func(m *Messenger) {
		if fn != nil {
			m.send = fn
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock logging.Clock) Option {
	return func(m *Messenger) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithPublisher routes delivery events to pub.
func WithPublisher(pub logging.Publisher) Option {
	return func(m *Messenger) {
		if pub != nil {
			m.publisher = pub
		}
	}
}

// WithMetrics records delivery counters on metrics.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(m *Messenger) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithIDGenerator replaces the uuid based message id source.
func WithIDGenerator(fn func() string) Option {
	return func(m *Messenger) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewMessenger constructs a messenger bound to registry.
func NewMessenger(registry *session.Registry, cfg Config, opts ...Option) *Messenger {
	m := &Messenger{
		registry:     registry,
		cfg:          cfg.normalized(),
		clock:        logging.SystemClock{},
		publisher:    logging.NopPublisher(),
		metrics:      telemetry.NopMetrics(),
		newID:        uuid.NewString,
		nextExpected: make(map[string]uint64),
		pending:      make(map[string]*Pending),
		handlers:     make(map[string]Handler),
	}
	m.send = m.sendDirect
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Config returns the effective retry configuration.
func (m *Messenger) Config() Config {
	return m.cfg
}

// Handle registers the handler for an inbound message type, replacing any
// previous registration.
func (m *Messenger) Handle(msgType string, h Handler) {
	if h == nil {
		delete(m.handlers, msgType)
		return
	}
	m.handlers[msgType] = h
}

// NextExpected returns the lowest inbound sequence number still accepted
// for userID.
func (m *Messenger) NextExpected(userID string) uint64 {
	return m.nextExpected[userID]
}

// AcceptInbound applies the ordering rule to msg and, when it is fresh,
// dispatches it to the registered handler and acknowledges it. It reports
// whether the message was accepted.
func (m *Messenger) AcceptInbound(ctx context.Context, connectionID string, msg Inbound) bool {
	conn, ok := m.registry.Get(connectionID)
	if !ok {
		return false
	}
	actor := logging.UserRef(conn.UserID)
	events := m.eventsFor(connectionID)
	expected := m.nextExpected[conn.UserID]
	if msg.Sequence < expected {
		m.metrics.Add("reliable_inbound_stale", 1)
		loggingnetwork.InboundStale(ctx, events, actor, msg.MessageID, loggingnetwork.SequencePayload{
			Sequence:     msg.Sequence,
			NextExpected: expected,
			Type:         msg.Type,
		}, nil)
		return false
	}
	m.nextExpected[conn.UserID] = msg.Sequence + 1
	m.metrics.Add("reliable_inbound_accepted", 1)

	if handler, ok := m.handlers[msg.Type]; ok {
		handler(ctx, conn, msg)
	} else {
		loggingnetwork.UnknownType(ctx, events, actor, msg.MessageID, loggingnetwork.SequencePayload{
			Sequence:     msg.Sequence,
			NextExpected: msg.Sequence + 1,
			Type:         msg.Type,
		}, nil)
	}

	// The handler may have torn the connection down.
	if current, ok := m.registry.Get(connectionID); ok {
		m.send(current, proto.EventMessageAck, proto.Ack{MessageID: msg.MessageID, Processed: true})
	}
	return true
}

// SendReliable assigns the next sequence number for the destination user,
// records a pending entry and transmits the envelope. It returns the
// generated message id. Transmission failures are left to the retry sweep.
func (m *Messenger) SendReliable(ctx context.Context, connectionID, msgType string, payload any, opts ...SendOption) (string, error) {
	conn, ok := m.registry.Get(connectionID)
	if !ok {
		return "", ErrUnknownConnection
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", msgType, err)
	}

	now := m.clock.Now()
	seq := m.nextExpected[conn.UserID] + 1
	m.nextExpected[conn.UserID] = seq

	id := m.newID()
	entry := &Pending{
		MessageID:    id,
		ConnectionID: connectionID,
		UserID:       conn.UserID,
		Type:         msgType,
		Sequence:     seq,
		Envelope: proto.ReliableEnvelope{
			MessageID:      id,
			Type:           msgType,
			Payload:        raw,
			SequenceNumber: seq,
			Timestamp:      now.UnixMilli(),
		},
		CreatedAt:     now,
		NextAttemptAt: now.Add(m.cfg.AckTimeout),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(entry)
		}
	}
	m.pending[id] = entry
	m.metrics.Add("reliable_sent", 1)
	m.transmit(conn, entry)
	return id, nil
}

// OnAck removes the pending entry for messageID. Unknown ids are ignored.
func (m *Messenger) OnAck(messageID string) bool {
	entry, ok := m.pending[messageID]
	if !ok {
		return false
	}
	delete(m.pending, messageID)
	m.metrics.Add("reliable_acked", 1)
	m.complete(entry, OutcomeAcked)
	return true
}

// Sweep processes every pending entry whose retry deadline has passed.
// Entries whose connection vanished are dropped without consuming a retry,
// entries that used their retry budget are dropped with a warning, and the
// rest are retransmitted with a backoff of AckTimeout times the retry count.
func (m *Messenger) Sweep(ctx context.Context, now time.Time) {
	due := make([]*Pending, 0)
	for _, entry := range m.pending {
		if !now.Before(entry.NextAttemptAt) {
			due = append(due, entry)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].Sequence < due[j].Sequence
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})

	for _, entry := range due {
		conn, ok := m.registry.Get(entry.ConnectionID)
		if !ok {
			delete(m.pending, entry.MessageID)
			m.complete(entry, OutcomeConnectionGone)
			continue
		}
		if entry.Retries >= m.cfg.retryBudget() {
			delete(m.pending, entry.MessageID)
			m.metrics.Add("reliable_exhausted", 1)
			loggingnetwork.DeliveryExhausted(ctx, m.eventsFor(entry.ConnectionID), logging.UserRef(entry.UserID), entry.MessageID, loggingnetwork.DeliveryPayload{
				Type:     entry.Type,
				Sequence: entry.Sequence,
				Retries:  entry.Retries,
			}, nil)
			m.complete(entry, OutcomeExhausted)
			continue
		}
		entry.Retries++
		entry.NextAttemptAt = now.Add(m.cfg.AckTimeout * time.Duration(entry.Retries))
		m.metrics.Add("reliable_retransmit", 1)
		loggingnetwork.Retransmit(ctx, m.eventsFor(entry.ConnectionID), logging.UserRef(entry.UserID), entry.MessageID, loggingnetwork.DeliveryPayload{
			Type:     entry.Type,
			Sequence: entry.Sequence,
			Retries:  entry.Retries,
		}, nil)
		m.transmit(conn, entry)
	}
}

// Forget clears the sequence state of a user that went fully offline.
func (m *Messenger) Forget(userID string) {
	delete(m.nextExpected, userID)
}

// Pending returns a copy of the pending entry for messageID.
func (m *Messenger) Pending(messageID string) (Pending, bool) {
	entry, ok := m.pending[messageID]
	if !ok {
		return Pending{}, false
	}
	out := *entry
	out.onComplete = nil
	return out, true
}

// PendingCount reports the number of unacknowledged outbound messages.
func (m *Messenger) PendingCount() int {
	return len(m.pending)
}

func (m *Messenger) transmit(conn *session.Connection, entry *Pending) {
	m.send(conn, proto.EventMessageReliable, entry.Envelope)
}

func (m *Messenger) sendDirect(conn *session.Connection, event string, payload any) {
	if conn == nil || conn.Conn == nil {
		return
	}
	if err := conn.Conn.Send(event, payload); err != nil {
		m.metrics.Add("reliable_send_failures", 1)
		_ = conn.Conn.Close()
	}
}

func (m *Messenger) eventsFor(connectionID string) logging.Publisher {
	return logging.WithFields(m.publisher, map[string]any{"connectionId": connectionID})
}

func (m *Messenger) complete(entry *Pending, outcome Outcome) {
	if entry.onComplete == nil {
		return
	}
	entry.onComplete(Result{
		MessageID:    entry.MessageID,
		ConnectionID: entry.ConnectionID,
		Type:         entry.Type,
		Outcome:      outcome,
		Retries:      entry.Retries,
	})
}
