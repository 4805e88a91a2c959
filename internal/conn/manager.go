// Package conn owns the persistent channel to the device-control backend.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/metrics"
	"github.com/opsbridge/opsbridge/internal/protocol"
)

// ErrNotConnected is returned by Send when no channel is open.
var ErrNotConnected = errors.New("channel not connected")

// State is the transport state of the channel.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the state's wire name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

// EventKind discriminates channel events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventError
	EventReconnectExhausted
)

// Event is delivered to registered listeners.
type Event struct {
	Kind    EventKind
	Message *protocol.Message // set for EventMessage
	Err     error             // set for EventError
	Attempt int               // reconnect attempt, set for EventReconnectExhausted
}

// Listener receives channel events. Listeners run on the dispatch
// goroutine; a panicking listener is isolated and logged.
type Listener func(Event)

// Transport timing constants.
const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
)

// Options configures a Manager.
type Options struct {
	URL         string
	Header      http.Header   // optional handshake headers (session identity)
	BaseDelay   time.Duration // linear backoff base
	MaxAttempts int           // consecutive failures before giving up
}

// Manager maintains at most one open channel and reconnects with linear
// backoff after unexpected closures. Each physical attempt dials a fresh
// connection object; the previous one is never reused.
type Manager struct {
	opts Options
	log  zerolog.Logger
	mx   *metrics.Collector

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	attempts int
	closing  bool // caller asked for the channel to stay down
	retry    *time.Timer
	ctx      context.Context

	lmu       sync.RWMutex
	listeners []Listener
}

// New creates a Manager. The metrics collector may be nil.
func New(opts Options, log zerolog.Logger, mx *metrics.Collector) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Manager{
		opts: opts,
		log:  log.With().Str("component", "conn").Logger(),
		mx:   mx,
	}
}

// Subscribe registers a listener for channel events.
func (m *Manager) Subscribe(l Listener) {
	m.lmu.Lock()
	m.listeners = append(m.listeners, l)
	m.lmu.Unlock()
}

// State returns the current transport state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a channel is open.
func (m *Manager) IsConnected() bool {
	return m.State() == StateOpen
}

// Connect opens the channel. It resolves once the transport reports
// open, or fails with a connection error. The given context bounds the
// channel's lifetime: cancelling it suppresses future reconnects.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.closing = false
	m.state = StateConnecting
	m.ctx = ctx
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		return fmt.Errorf("connect %s: %w", m.opts.URL, err)
	}
	return nil
}

// dial performs one physical connection attempt.
func (m *Manager) dial(ctx context.Context) error {
	m.log.Debug().Str("url", m.opts.URL).Msg("dialing")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			m.log.Error().Msg("channel handshake rejected: 401")
		}
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	m.mu.Lock()
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0 // successful open resets the counter
	m.mu.Unlock()

	go m.readLoop(conn)
	go m.pingLoop(conn)

	m.dispatch(Event{Kind: EventConnected})
	return nil
}

// Send transmits a structured message over the open channel.
func (m *Manager) Send(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen || m.conn == nil {
		return ErrNotConnected
	}
	m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the channel deterministically and suppresses any
// pending auto-reconnect. It is safe to call repeatedly.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.closing = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	conn := m.conn
	if conn == nil {
		m.state = StateClosed
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosing
	m.mu.Unlock()

	deadline := time.Now().Add(closeGracePeriod)
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown"),
		deadline,
	)
	if err != nil {
		conn.Close()
		return err
	}
	return conn.Close()
}

// readLoop reads messages until the connection drops.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(conn, err)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}

		m.log.Debug().Str("type", msg.Type).Msg("received message")
		if m.mx != nil {
			m.mx.RecordPushMessage(msg.Type)
		}
		m.dispatch(Event{Kind: EventMessage, Message: &msg})
	}
}

// pingLoop sends periodic transport pings while this connection lives.
func (m *Manager) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		current := m.conn == conn && m.state == StateOpen
		m.mu.Unlock()
		if !current {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			m.log.Debug().Err(err).Msg("ping failed")
			return
		}
	}
}

// handleClosed runs when a live connection drops, expectedly or not.
func (m *Manager) handleClosed(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	deliberate := m.closing
	m.state = StateClosed
	m.mu.Unlock()

	conn.Close()

	if !deliberate && websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		m.log.Warn().Err(cause).Msg("channel closed unexpectedly")
		m.dispatch(Event{Kind: EventError, Err: cause})
	}

	m.dispatch(Event{Kind: EventDisconnected})

	if !deliberate {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the next attempt with linear backoff
// (base × attempt number), giving up after MaxAttempts.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closing || (m.ctx != nil && m.ctx.Err() != nil) {
		m.mu.Unlock()
		return
	}
	m.attempts++
	attempt := m.attempts
	if attempt > m.opts.MaxAttempts {
		m.mu.Unlock()
		m.log.Error().Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
		if m.mx != nil {
			m.mx.RecordReconnectExhausted()
		}
		m.dispatch(Event{Kind: EventReconnectExhausted, Attempt: attempt - 1})
		return
	}

	delay := m.opts.BaseDelay * time.Duration(attempt)
	m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
	if m.mx != nil {
		m.mx.RecordReconnectAttempt()
	}
	m.retry = time.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()
}

// reconnect performs one scheduled attempt on a fresh connection.
func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.closing || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.state = StateConnecting
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.dial(ctx); err != nil {
		m.log.Error().Err(err).Msg("reconnect attempt failed")
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		m.scheduleReconnect()
	}
}

// dispatch delivers one event to every listener, isolating panics so a
// broken listener cannot take down the dispatch loop.
func (m *Manager) dispatch(ev Event) {
	m.lmu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.lmu.RUnlock()

	for i, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Int("listener", i).Interface("panic", r).Msg("listener panicked")
				}
			}()
			l(ev)
		}()
	}
}
