package chat

import (
	"time"

	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/rest"
)

// Message is a chat message as the container tracks it. ID is empty until
// the server confirms an outbound message; LocalID is set only for
// messages sent from this session.
type Message struct {
	ID        protocol.MessageID
	LocalID   protocol.CorrelationID
	Sender    protocol.UserID
	Recipient protocol.UserID
	Type      protocol.MessageType
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
	Read      bool
	Pending   bool
	Failed    bool
}

func fromPayload(p protocol.MessagePayload) Message {
	return Message{
		ID:        p.ID,
		Sender:    p.Sender,
		Recipient: p.Recipient,
		Type:      p.Type,
		Content:   p.Content,
		Metadata:  p.Metadata,
		CreatedAt: p.CreatedAt,
		Read:      p.Read,
	}
}

// Profile is the counterpart of a conversation.
type Profile = rest.Profile

// Conversation is one row of the conversation list.
type Conversation struct {
	Counterpart Profile
	LastMessage *Message
	UpdatedAt   time.Time
	UnreadCount int
}

// CallStatus is the state of the active call session.
type CallStatus string

const (
	CallIdle    CallStatus = "idle"
	CallCalling CallStatus = "calling"
	CallRinging CallStatus = "ringing"
	CallOngoing CallStatus = "ongoing"
	CallEnded   CallStatus = "ended"
)

// CallSession tracks one video call. Peer ids are per call, never the
// session's user id.
type CallSession struct {
	CallID       string
	CallerID     protocol.UserID
	RecipientID  protocol.UserID
	LocalPeerID  string
	RemotePeerID string
	Status       CallStatus
	StartedAt    time.Time
	EndReason    string
}

// Counterpart returns the other participant from self's point of view.
func (s CallSession) Counterpart(self protocol.UserID) protocol.UserID {
	if s.CallerID == self {
		return s.RecipientID
	}
	return s.CallerID
}

func (s CallSession) active() bool {
	switch s.Status {
	case CallCalling, CallRinging, CallOngoing:
		return true
	}
	return false
}

// Notice is a user-visible notification published on the bus.
type Notice struct {
	Code string
	Text string
}

// MessageEvent is the payload of message.* bus events.
type MessageEvent struct {
	Counterpart protocol.UserID
	Message     Message
	Err         string
}

// ReadEvent is the payload of message.read bus events.
type ReadEvent struct {
	Counterpart protocol.UserID
	MessageIDs  []protocol.MessageID
	ByPeer      bool
}

// PresenceEvent is the payload of presence.* bus events.
type PresenceEvent struct {
	UserID protocol.UserID
	Active bool
}
