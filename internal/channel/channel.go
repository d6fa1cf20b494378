// Package channel turns fire-and-forget realtime events into awaitable
// request/response operations matched by correlation id.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/amora/internal/delivery"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/socket"
	"go.uber.org/zap"
)

var (
	ErrInvalidRecipient = errors.New("invalid recipient id")
	ErrInvalidType      = errors.New("unsupported message type")
	ErrEmptyContent     = errors.New("message content is empty")
	ErrTimeout          = errors.New("timed out waiting for acknowledgment")
	ErrNotConnected     = socket.ErrNotConnected
	ErrRetriesExhausted = errors.New("delivery retries exhausted")
)

// ServerError is a business error reported by the server for one request.
// It is never retried.
type ServerError struct {
	Op      string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s rejected by server: %s", e.Op, e.Message)
}

// Socket is the part of the connection manager the channel needs.
type Socket interface {
	Send(kind protocol.Kind, payload any) error
	Emit(kind protocol.Kind, payload any) error
	Connected() bool
	On(kind protocol.Kind, h socket.Handler) socket.HandlerID
	Off(kind protocol.Kind, id socket.HandlerID) bool
}

// Config holds the channel timeouts.
type Config struct {
	SendTimeout time.Duration
	CallTimeout time.Duration
	// RetryDelay is how long after an ack timeout on a live connection the
	// queue is replayed.
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		SendTimeout: 10 * time.Second,
		CallTimeout: 15 * time.Second,
		RetryDelay:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// ack is whatever resolved a waiter.
type ack struct {
	sent      *protocol.MessageSent
	initiated *protocol.CallInitiated
	answered  *protocol.CallAnswered
	err       error
}

type subscription struct {
	kind protocol.Kind
	id   socket.HandlerID
}

// Channel layers correlated operations over a Socket.
type Channel struct {
	sock   Socket
	queue  *delivery.Queue
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	waiters  map[protocol.CorrelationID]chan ack
	subs     []subscription
	observe  func(Settlement)
	ctx      context.Context
	cancel   context.CancelFunc
	retry    *time.Timer
	replayMu sync.Mutex
}

// New creates a channel. Call Start to begin matching acknowledgments.
func New(sock Socket, queue *delivery.Queue, cfg Config, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queue == nil {
		queue = delivery.New(0, nil, logger)
	}
	return &Channel{
		sock:    sock,
		queue:   queue,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		waiters: make(map[protocol.CorrelationID]chan ack),
	}
}

// Queue returns the delivery queue backing the channel.
func (c *Channel) Queue() *delivery.Queue {
	return c.queue
}

// Start subscribes to acknowledgment events and replays the delivery queue
// on every connect. observe receives the outcome of each replayed envelope
// and may be nil.
func (c *Channel) Start(observe func(Settlement)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.observe = observe

	c.subscribeLocked(protocol.KindMessageSent, func(e protocol.Event) {
		evt := e.(protocol.MessageSent)
		c.resolve(evt.TempMessageID, ack{sent: &evt})
	})
	c.subscribeLocked(protocol.KindMessageError, func(e protocol.Event) {
		evt := e.(protocol.MessageError)
		c.resolve(evt.TempMessageID, ack{err: &ServerError{Op: string(protocol.KindSendMessage), Message: evt.Message}})
	})
	c.subscribeLocked(protocol.KindCallInitiated, func(e protocol.Event) {
		evt := e.(protocol.CallInitiated)
		c.resolve(evt.RequestID, ack{initiated: &evt})
	})
	c.subscribeLocked(protocol.KindCallAnswered, func(e protocol.Event) {
		evt := e.(protocol.CallAnswered)
		if evt.RequestID != "" {
			c.resolve(evt.RequestID, ack{answered: &evt})
		}
	})
	c.subscribeLocked(protocol.KindCallError, func(e protocol.Event) {
		evt := e.(protocol.CallError)
		if evt.RequestID != "" {
			c.resolve(evt.RequestID, ack{err: &ServerError{Op: "call", Message: evt.Message}})
		}
	})
	c.subscribeLocked(protocol.KindConnect, func(protocol.Event) {
		c.triggerReplay()
	})
}

// Stop unsubscribes from the socket and abandons every pending wait.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		c.sock.Off(s.kind, s.id)
	}
	c.subs = nil
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	for id := range c.waiters {
		delete(c.waiters, id)
	}
}

// Pending returns the number of correlation ids awaiting an ack.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Channel) subscribeLocked(kind protocol.Kind, h socket.Handler) {
	id := c.sock.On(kind, h)
	c.subs = append(c.subs, subscription{kind: kind, id: id})
}

func (c *Channel) register(id protocol.CorrelationID) chan ack {
	w := make(chan ack, 1)
	c.mu.Lock()
	c.waiters[id] = w
	c.mu.Unlock()
	return w
}

// forget removes the waiter for id. Acks arriving afterwards are ignored.
func (c *Channel) forget(id protocol.CorrelationID) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// resolve hands a to the waiter for id. Each waiter is resolved at most
// once; unknown ids are dropped.
func (c *Channel) resolve(id protocol.CorrelationID, a ack) bool {
	c.mu.Lock()
	w, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ignoring ack for unknown correlation id", zap.String("id", string(id)))
		return false
	}
	w <- a
	return true
}

// await blocks until w resolves, the timeout expires or ctx is done. On
// expiry the waiter is forgotten; an ack that raced the expiry still wins.
func (c *Channel) await(ctx context.Context, id protocol.CorrelationID, w chan ack, timeout time.Duration) (ack, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case a := <-w:
		return a, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	c.forget(id)
	select {
	case a := <-w:
		return a, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return ack{}, err
	}
	return ack{}, ErrTimeout
}
