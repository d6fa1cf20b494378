// Package chat holds the conversation, message and call state of a session
// and mediates between the realtime channel and front ends.
package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/amora/internal/bus"
	"github.com/matheus3301/amora/internal/channel"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/rest"
	"github.com/matheus3301/amora/internal/socket"
	"go.uber.org/zap"
)

var (
	ErrCallActive      = errors.New("another call is active")
	ErrNoCall          = errors.New("no matching call")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotFailed       = errors.New("message has not failed")
)

// Channel is the request/response layer the container sends through.
type Channel interface {
	Start(observe func(channel.Settlement))
	Stop()
	SendMessage(ctx context.Context, req channel.SendRequest) (channel.SendResult, error)
	SendTyping(recipient protocol.UserID) error
	SendReadReceipt(reader, sender protocol.UserID, ids []protocol.MessageID) error
	InitiateVideoCall(ctx context.Context, recipient protocol.UserID, localPeerID string) (protocol.CallInitiated, error)
	AnswerVideoCall(ctx context.Context, caller protocol.UserID, accept bool, localPeerID string) (protocol.CallAnswered, error)
	EndCall(callID string, peer protocol.UserID) error
	Decline(caller protocol.UserID) error
}

// Events is the subscription side of the connection manager.
type Events interface {
	On(kind protocol.Kind, h socket.Handler) socket.HandlerID
	Off(kind protocol.Kind, id socket.HandlerID) bool
	Exhausted() bool
}

// API is the REST collaborator.
type API interface {
	Profile(ctx context.Context, id protocol.UserID) (rest.Profile, error)
	History(ctx context.Context, counterpart protocol.UserID) ([]protocol.MessagePayload, error)
	Conversations(ctx context.Context) ([]rest.ConversationSummary, error)
	PostMessage(ctx context.Context, msg protocol.SendMessagePayload) (protocol.MessagePayload, error)
	MarkRead(ctx context.Context, ids []protocol.MessageID) error
	UploadAttachment(ctx context.Context, recipient protocol.UserID, name string, r io.Reader, progress rest.Progress) (rest.Attachment, error)
}

// Config tunes the container.
type Config struct {
	UserID       protocol.UserID
	TypingWindow time.Duration
	RingTimeout  time.Duration
	APITimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.TypingWindow <= 0 {
		c.TypingWindow = 3 * time.Second
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 45 * time.Second
	}
	if c.APITimeout <= 0 {
		c.APITimeout = 15 * time.Second
	}
	return c
}

type subscription struct {
	kind protocol.Kind
	id   socket.HandlerID
}

// Container is the single owner of chat state. All mutation goes through
// its methods, including mutation triggered by inbound events.
type Container struct {
	cfg    Config
	ch     Channel
	events Events
	api    API
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	history  map[protocol.UserID][]Message
	locals   map[protocol.CorrelationID]protocol.UserID
	convs    map[protocol.UserID]*conversation
	order    []protocol.UserID
	fetching map[protocol.UserID]bool
	unread   map[protocol.UserID]int
	typing   map[protocol.UserID]time.Time
	online   map[protocol.UserID]bool
	call     *CallSession
	ring     *time.Timer
	subs     []subscription
	started  bool
	wg       sync.WaitGroup

	loggedOut atomic.Bool
}

// New creates a container for cfg.UserID.
func New(cfg Config, ch Channel, events Events, api API, b *bus.Bus, logger *zap.Logger) *Container {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Container{
		cfg:      cfg.withDefaults(),
		ch:       ch,
		events:   events,
		api:      api,
		bus:      b,
		logger:   logger,
		history:  make(map[protocol.UserID][]Message),
		locals:   make(map[protocol.CorrelationID]protocol.UserID),
		convs:    make(map[protocol.UserID]*conversation),
		fetching: make(map[protocol.UserID]bool),
		unread:   make(map[protocol.UserID]int),
		typing:   make(map[protocol.UserID]time.Time),
		online:   make(map[protocol.UserID]bool),
	}
}

// UserID returns the session's own user id.
func (c *Container) UserID() protocol.UserID {
	return c.cfg.UserID
}

// Start subscribes to realtime events.
func (c *Container) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.ch.Start(c.onSettlement)

	c.subscribeLocked(protocol.KindNewMessage, func(e protocol.Event) { c.onNewMessage(e.(protocol.NewMessage)) })
	c.subscribeLocked(protocol.KindUserTyping, func(e protocol.Event) { c.onTyping(e.(protocol.UserTyping)) })
	c.subscribeLocked(protocol.KindUserOnline, func(e protocol.Event) { c.setOnline(e.(protocol.UserOnline).UserID, true) })
	c.subscribeLocked(protocol.KindUserOffline, func(e protocol.Event) { c.setOnline(e.(protocol.UserOffline).UserID, false) })
	c.subscribeLocked(protocol.KindMessagesRead, func(e protocol.Event) { c.onMessagesRead(e.(protocol.MessagesRead)) })
	c.subscribeLocked(protocol.KindIncomingCall, func(e protocol.Event) { c.onIncomingCall(e.(protocol.IncomingCall)) })
	c.subscribeLocked(protocol.KindCallAnswered, func(e protocol.Event) { c.onCallAnswered(e.(protocol.CallAnswered)) })
	c.subscribeLocked(protocol.KindCallRejected, func(e protocol.Event) { c.onCallRejected(e.(protocol.CallRejected)) })
	c.subscribeLocked(protocol.KindCallEnded, func(e protocol.Event) { c.onCallEnded(e.(protocol.CallEnded)) })
	c.subscribeNoticesLocked()
}

// Stop unsubscribes from realtime events and waits for background work.
func (c *Container) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	for _, s := range c.subs {
		c.events.Off(s.kind, s.id)
	}
	c.subs = nil
	c.stopRingLocked()
	c.mu.Unlock()

	c.ch.Stop()
	c.wg.Wait()
}

func (c *Container) subscribeLocked(kind protocol.Kind, h socket.Handler) {
	id := c.events.On(kind, h)
	c.subs = append(c.subs, subscription{kind: kind, id: id})
}

// counterpart returns the other side of a message from this session's
// point of view.
func (c *Container) counterpart(sender, recipient protocol.UserID) protocol.UserID {
	if sender == c.cfg.UserID {
		return recipient
	}
	return sender
}

func (c *Container) apiContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.APITimeout)
}

func (c *Container) onTyping(e protocol.UserTyping) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	c.mu.Lock()
	c.typing[e.UserID] = ts
	c.mu.Unlock()
	c.bus.Emit(bus.TypingChanged, PresenceEvent{UserID: e.UserID, Active: true})
}

// IsTyping reports whether user sent a typing signal within the window.
func (c *Container) IsTyping(user protocol.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.typing[user]
	if !ok {
		return false
	}
	if time.Since(ts) > c.cfg.TypingWindow {
		delete(c.typing, user)
		return false
	}
	return true
}

// SendTyping tells recipient this session is typing.
func (c *Container) SendTyping(recipient protocol.UserID) error {
	return c.ch.SendTyping(recipient)
}

func (c *Container) setOnline(user protocol.UserID, online bool) {
	c.mu.Lock()
	if online {
		c.online[user] = true
	} else {
		delete(c.online, user)
	}
	c.mu.Unlock()
	c.bus.Emit(bus.PresenceChanged, PresenceEvent{UserID: user, Active: online})
}

// Online reports the last known presence of user.
func (c *Container) Online(user protocol.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[user]
}
