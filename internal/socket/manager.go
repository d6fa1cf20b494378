// Package socket implements the connection manager: it owns the single
// realtime connection of a session and hides connect/reconnect churn from
// its callers.
package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/matheus3301/amora/internal/lifecycle"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/status"
	"github.com/matheus3301/amora/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrNoCredentials = errors.New("no credentials; call Init first")
	ErrClosed        = errors.New("connection manager closed")
)

// Handler receives dispatched events. Handlers run on the dispatcher
// goroutine one at a time and must not block for long.
type Handler func(protocol.Event)

// HandlerID identifies a registration for Off.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// Manager maintains exactly one live transport connection per session.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	source  lifecycle.Source
	machine *status.Machine
	logger  *zap.Logger
	disp    *dispatcher

	mu            sync.Mutex
	creds         transport.Credentials
	hasCreds      bool
	conn          transport.Conn
	gen           uint64
	attempts      int
	backoff       *backoff.ExponentialBackOff
	everConnected bool
	authFailed    bool
	exhausted     bool
	offline       bool
	closed        bool
	lastPong      time.Time
	stopBeat      chan struct{}
	refreshTimer  *time.Timer
	retryTimer    *time.Timer
	dialCancel    context.CancelFunc
	pending       []protocol.Frame
	unregister    func()

	hmu      sync.RWMutex
	handlers map[protocol.Kind][]handlerEntry
	nextID   HandlerID
}

// New creates a manager. source and machine may be nil.
func New(cfg Config, dialer transport.Dialer, source lifecycle.Source, machine *status.Machine, logger *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	if source == nil {
		source = lifecycle.Nop{}
	}
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectDelay
	b.MaxInterval = cfg.ReconnectDelayMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.5

	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		source:   source,
		machine:  machine,
		logger:   logger,
		backoff:  b,
		handlers: make(map[protocol.Kind][]handlerEntry),
	}
	m.disp = newDispatcher(m.deliver)
	return m
}

// Init opens the connection for the given credentials. It is a no-op while
// an attempt is in flight or when already connected with the same
// credentials.
func (m *Manager) Init(userID protocol.UserID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	creds := transport.Credentials{UserID: userID, Token: token}
	switch m.machine.Current() {
	case status.Connecting:
		m.logger.Debug("connection attempt already in flight")
		return nil
	case status.Connected:
		if m.creds == creds {
			return nil
		}
		m.teardownLocked()
	}

	m.creds = creds
	m.hasCreds = true
	m.authFailed = false
	m.resetCountersLocked()
	if m.unregister == nil {
		m.unregister = m.source.Register(m.handleSignal)
	}
	m.logger.Info("connecting", zap.String("user_id", string(userID)))
	m.connectLocked()
	return nil
}

// On registers h for events of the given kind.
func (m *Manager) On(kind protocol.Kind, h Handler) HandlerID {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.nextID++
	id := m.nextID
	m.handlers[kind] = append(m.handlers[kind], handlerEntry{id: id, fn: h})
	return id
}

// Off removes a registration. It reports whether anything was removed.
func (m *Manager) Off(kind protocol.Kind, id HandlerID) bool {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	entries := m.handlers[kind]
	for i, e := range entries {
		if e.id == id {
			m.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
			if len(m.handlers[kind]) == 0 {
				delete(m.handlers, kind)
			}
			return true
		}
	}
	return false
}

// RemoveAllHandlers drops every registration.
func (m *Manager) RemoveAllHandlers() {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.handlers = make(map[protocol.Kind][]handlerEntry)
}

// HandlerCount returns the number of live registrations.
func (m *Manager) HandlerCount() int {
	m.hmu.RLock()
	defer m.hmu.RUnlock()
	n := 0
	for _, entries := range m.handlers {
		n += len(entries)
	}
	return n
}

// Emit sends the event now if connected and otherwise keeps it in a bounded
// best-effort queue flushed on the next connect. A nil error means the
// event was accepted, not that it was delivered.
func (m *Manager) Emit(kind protocol.Kind, payload any) error {
	f, err := protocol.NewFrame(kind, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.liveConnLocked()
	if conn == nil {
		m.enqueueLocked(f)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := conn.WriteFrame(f); err != nil {
		m.logger.Debug("emit failed, queued", zap.String("event", string(kind)), zap.Error(err))
		m.mu.Lock()
		m.enqueueLocked(f)
		m.mu.Unlock()
	}
	return nil
}

// Send writes the event only if the connection is up.
func (m *Manager) Send(kind protocol.Kind, payload any) error {
	f, err := protocol.NewFrame(kind, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.liveConnLocked()
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteFrame(f); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Reconnect tears down the current connection and dials again after a short
// delay. It is ignored while a connection attempt is in flight.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrClosed
	case !m.hasCreds:
		return ErrNoCredentials
	case m.authFailed:
		return ErrAuthFailed
	}
	m.forceReconnectLocked("manual reconnect", true)
	return nil
}

// Disconnect fully tears the connection down: timers are cancelled, the
// transport is closed, lifecycle hooks unregistered and counters reset.
// Event handlers stay registered; use Close to drop them as well.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

// Close disconnects, removes every handler and stops the dispatcher.
func (m *Manager) Close() {
	m.mu.Lock()
	m.disconnectLocked()
	m.closed = true
	m.mu.Unlock()
	m.RemoveAllHandlers()
	m.disp.stop()
}

// Connected reports whether the transport is up.
func (m *Manager) Connected() bool {
	return m.machine.Is(status.Connected)
}

// State returns the transport state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Snapshot describes the manager for status reporting.
type Snapshot struct {
	State         status.State
	UserID        protocol.UserID
	Attempts      int
	LastPong      time.Time
	Exhausted     bool
	AuthFailed    bool
	Offline       bool
	QueuedEmits   int
	EverConnected bool
}

// Snapshot returns the current counters.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:         m.machine.Current(),
		UserID:        m.creds.UserID,
		Attempts:      m.attempts,
		LastPong:      m.lastPong,
		Exhausted:     m.exhausted,
		AuthFailed:    m.authFailed,
		Offline:       m.offline,
		QueuedEmits:   len(m.pending),
		EverConnected: m.everConnected,
	}
}

// Exhausted reports whether automatic reconnection gave up.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

func (m *Manager) liveConnLocked() transport.Conn {
	if m.conn == nil || !m.machine.Is(status.Connected) {
		return nil
	}
	return m.conn
}

func (m *Manager) enqueueLocked(f protocol.Frame) {
	if len(m.pending) >= m.cfg.EmitQueueSize {
		m.logger.Warn("emit queue full, dropping oldest", zap.String("event", string(m.pending[0].Event)))
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, f)
}

func (m *Manager) resetCountersLocked() {
	m.attempts = 0
	m.exhausted = false
	m.backoff.Reset()
}

func (m *Manager) transitionLocked(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Warn("unexpected state transition", zap.Error(err))
	}
}

func (m *Manager) dispatch(evt protocol.Event) {
	m.disp.push(evt)
}

func (m *Manager) deliver(evt protocol.Event) {
	m.hmu.RLock()
	entries := append([]handlerEntry(nil), m.handlers[evt.Kind()]...)
	m.hmu.RUnlock()
	for _, e := range entries {
		m.call(evt, e.fn)
	}
}

func (m *Manager) call(evt protocol.Event, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", zap.String("event", string(evt.Kind())), zap.Any("panic", r))
		}
	}()
	fn(evt)
}

func (m *Manager) connectLocked() {
	m.gen++
	gen := m.gen
	m.transitionLocked(status.Connecting)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.dialCancel = cancel
	go m.dial(ctx, gen, m.creds)
}

func (m *Manager) dial(ctx context.Context, gen uint64, creds transport.Credentials) {
	conn, err := m.dialer.Dial(ctx, creds)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if err != nil {
		m.handleDialErrorLocked(err, timedOut)
		m.mu.Unlock()
		return
	}

	reconnect := m.everConnected
	attempts := m.attempts
	m.conn = conn
	m.everConnected = true
	m.resetCountersLocked()
	m.lastPong = time.Now()
	m.transitionLocked(status.Connected)
	m.startHeartbeatLocked(gen)
	m.startRefreshLocked(gen)
	m.logger.Info("connected", zap.Bool("reconnect", reconnect))
	m.dispatch(protocol.Connected{Reconnect: reconnect})
	if reconnect {
		m.dispatch(protocol.Reconnected{Attempts: attempts})
	}
	pending := m.pending
	m.pending = nil
	go m.readLoop(gen, conn)
	m.mu.Unlock()

	m.flush(gen, conn, pending)
}

func (m *Manager) flush(gen uint64, conn transport.Conn, frames []protocol.Frame) {
	for i, f := range frames {
		if err := conn.WriteFrame(f); err != nil {
			m.mu.Lock()
			if gen == m.gen && !m.closed {
				m.pending = append(append([]protocol.Frame(nil), frames[i:]...), m.pending...)
			}
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) handleDialErrorLocked(err error, timedOut bool) {
	if errors.Is(err, transport.ErrUnauthorized) {
		m.failAuthLocked(err.Error())
		return
	}
	if timedOut {
		m.logger.Warn("connection timed out", zap.Duration("after", m.cfg.ConnectTimeout))
		m.dispatch(protocol.ConnectTimeout{After: m.cfg.ConnectTimeout})
	}
	m.attempts++
	m.logger.Warn("connection attempt failed", zap.Int("attempt", m.attempts), zap.Error(err))
	if m.everConnected {
		m.dispatch(protocol.ReconnectError{Attempt: m.attempts, Err: err})
	} else {
		m.dispatch(protocol.ConnectError{Attempt: m.attempts, Err: err})
	}
	m.scheduleRetryLocked()
}

// scheduleRetryLocked arms the next automatic attempt, or gives up once the
// attempt budget is spent. The state stays Connecting while a retry is armed.
func (m *Manager) scheduleRetryLocked() {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.exhausted = true
		m.transitionLocked(status.Disconnected)
		m.logger.Error("giving up reconnecting", zap.Int("attempts", m.attempts))
		m.dispatch(protocol.ReconnectFailed{Attempts: m.attempts})
		return
	}
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop || delay <= 0 {
		delay = m.cfg.ReconnectDelayMax
	}
	m.transitionLocked(status.Connecting)
	m.dispatch(protocol.ReconnectAttempt{Attempt: m.attempts + 1, Delay: delay})
	m.armRetryLocked(delay)
}

func (m *Manager) armRetryLocked(delay time.Duration) {
	gen := m.gen
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.closed {
			return
		}
		m.retryTimer = nil
		m.connectLocked()
	})
}

func (m *Manager) readLoop(gen uint64, conn transport.Conn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, transport.ErrMalformedFrame) {
				m.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			m.handleDrop(gen, err)
			return
		}
		evt, err := protocol.Decode(f)
		if err != nil {
			m.logger.Debug("ignoring frame", zap.String("event", string(f.Event)), zap.Error(err))
			continue
		}
		switch e := evt.(type) {
		case protocol.Pong:
			m.recordPong(gen)
		case protocol.AuthError:
			m.mu.Lock()
			if gen == m.gen {
				m.failAuthLocked(e.Message)
			}
			m.mu.Unlock()
			return
		}
		m.dispatch(evt)
	}
}

func (m *Manager) recordPong(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen {
		m.lastPong = time.Now()
	}
}

func (m *Manager) handleDrop(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed {
		return
	}
	m.logger.Warn("connection lost", zap.Error(err))
	m.teardownLocked()
	m.transitionLocked(status.Disconnected)
	m.dispatch(protocol.Disconnected{Reason: err.Error()})
	m.resetCountersLocked()
	m.scheduleRetryLocked()
}

func (m *Manager) failAuthLocked(msg string) {
	m.logger.Error("authentication rejected", zap.String("reason", msg))
	m.teardownLocked()
	m.authFailed = true
	m.transitionLocked(status.Disconnected)
	m.dispatch(protocol.AuthError{Message: msg})
}

// forceReconnectLocked replaces the connection. It does nothing while an
// attempt is already in flight, so concurrent triggers collapse into one.
func (m *Manager) forceReconnectLocked(reason string, intentional bool) {
	if m.machine.Is(status.Connecting) {
		m.logger.Debug("reconnect ignored, already connecting", zap.String("reason", reason))
		return
	}
	wasConnected := m.machine.Is(status.Connected)
	m.logger.Info("reconnecting", zap.String("reason", reason))
	m.teardownLocked()
	m.resetCountersLocked()
	m.transitionLocked(status.Connecting)
	if wasConnected {
		m.dispatch(protocol.Disconnected{Reason: reason, Intentional: intentional})
	}
	m.armRetryLocked(m.cfg.ManualReconnectDelay)
}

// teardownLocked stops everything tied to the current connection and bumps
// the generation so stale goroutines and timers become no-ops.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) disconnectLocked() {
	wasConnected := m.machine.Is(status.Connected)
	m.teardownLocked()
	if m.unregister != nil {
		m.unregister()
		m.unregister = nil
	}
	m.resetCountersLocked()
	m.everConnected = false
	m.authFailed = false
	m.offline = false
	m.hasCreds = false
	m.creds = transport.Credentials{}
	m.pending = nil
	m.lastPong = time.Time{}
	m.transitionLocked(status.Disconnected)
	if wasConnected {
		m.logger.Info("disconnected")
		m.dispatch(protocol.Disconnected{Reason: "client disconnect", Intentional: true})
	}
}
