package protocol

import (
	"fmt"
	"time"
)

// MessageType is the closed set of message kinds a client may send.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeFile  MessageType = "file"
	TypeWink  MessageType = "wink"
	TypeVideo MessageType = "video"
)

// Valid reports whether t is one of the supported message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeFile, TypeWink, TypeVideo:
		return true
	}
	return false
}

// ParseMessageType converts s to a MessageType.
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unsupported message type %q", s)
	}
	return t, nil
}

// MessagePayload is a message as the server represents it.
type MessagePayload struct {
	ID        MessageID      `json:"_id"`
	Sender    UserID         `json:"sender"`
	Recipient UserID         `json:"recipient"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Read      bool           `json:"read"`
}

type SendMessagePayload struct {
	RecipientID   UserID         `json:"recipientId"`
	Type          MessageType    `json:"type"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	TempMessageID CorrelationID  `json:"tempMessageId"`
}

type TypingPayload struct {
	RecipientID UserID `json:"recipientId"`
}

type InitiateCallPayload struct {
	RecipientID  UserID        `json:"recipientId"`
	CallerPeerID string        `json:"callerPeerId"`
	RequestID    CorrelationID `json:"requestId"`
}

type AnswerCallPayload struct {
	CallerID         UserID        `json:"callerId"`
	Accept           bool          `json:"accept"`
	RespondentPeerID string        `json:"respondentPeerId"`
	RequestID        CorrelationID `json:"requestId"`
}

type EndCallPayload struct {
	CallID string `json:"callId"`
	PeerID UserID `json:"peerId"`
}

type MessageReadPayload struct {
	Reader     UserID      `json:"reader"`
	Sender     UserID      `json:"sender"`
	MessageIDs []MessageID `json:"messageIds"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}
