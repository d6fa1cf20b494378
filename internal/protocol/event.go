package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownEvent is returned by Decode for event names outside the protocol.
var ErrUnknownEvent = errors.New("unknown event")

// Event is the closed union of everything a connection manager dispatches:
// decoded server events plus locally raised lifecycle events.
type Event interface {
	Kind() Kind
}

type Connected struct {
	// Reconnect is true when this is not the first connection of the session.
	Reconnect bool
}

type ConnectError struct {
	Attempt int
	Err     error
}

type ConnectTimeout struct {
	After time.Duration
}

type Disconnected struct {
	Reason string
	// Intentional is set when the client closed a healthy connection on
	// purpose (Disconnect, Reconnect, forced refresh).
	Intentional bool
}

type Reconnected struct {
	Attempts int
}

type ReconnectAttempt struct {
	Attempt int
	Delay   time.Duration
}

type ReconnectError struct {
	Attempt int
	Err     error
}

type ReconnectFailed struct {
	Attempts int
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

type AuthError struct {
	Message string `json:"message"`
}

type ServerError struct {
	Message string `json:"message"`
}

type NewMessage struct {
	Message MessagePayload
}

type UserTyping struct {
	UserID    UserID    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// UnmarshalJSON accepts the timestamp as RFC 3339 text or epoch
// milliseconds; servers send both.
func (u *UserTyping) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserID    UserID          `json:"userId"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	u.UserID, u.Timestamp = raw.UserID, ts
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var t time.Time
		err := json.Unmarshal(raw, &t)
		return t, err
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("timestamp %s: %w", raw, err)
	}
	return time.UnixMilli(ms), nil
}

type UserOnline struct {
	UserID UserID `json:"userId"`
}

type UserOffline struct {
	UserID UserID `json:"userId"`
}

type MessagesRead struct {
	Reader     UserID      `json:"reader"`
	MessageIDs []MessageID `json:"messageIds"`
}

type IncomingCall struct {
	CallID       string `json:"callId"`
	CallerID     UserID `json:"callerId"`
	CallerName   string `json:"callerName,omitempty"`
	CallerPeerID string `json:"callerPeerId"`
}

type CallInitiated struct {
	RequestID CorrelationID `json:"requestId"`
	CallID    string        `json:"callId"`
}

type CallAnswered struct {
	RequestID        CorrelationID `json:"requestId,omitempty"`
	CallID           string        `json:"callId"`
	Accept           bool          `json:"accept"`
	RespondentID     UserID        `json:"respondentId"`
	RespondentPeerID string        `json:"respondentPeerId"`
}

type CallEnded struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

type CallRejected struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

type CallError struct {
	RequestID CorrelationID `json:"requestId,omitempty"`
	CallID    string        `json:"callId,omitempty"`
	Message   string        `json:"message"`
}

type MessageSent struct {
	TempMessageID CorrelationID  `json:"tempMessageId"`
	Message       MessagePayload `json:"message"`
}

type MessageError struct {
	TempMessageID CorrelationID `json:"tempMessageId"`
	Message       string        `json:"error"`
}

func (Connected) Kind() Kind        { return KindConnect }
func (ConnectError) Kind() Kind     { return KindConnectError }
func (ConnectTimeout) Kind() Kind   { return KindConnectTimeout }
func (Disconnected) Kind() Kind     { return KindDisconnect }
func (Reconnected) Kind() Kind      { return KindReconnect }
func (ReconnectAttempt) Kind() Kind { return KindReconnectAttempt }
func (ReconnectError) Kind() Kind   { return KindReconnectError }
func (ReconnectFailed) Kind() Kind  { return KindReconnectFailed }
func (Pong) Kind() Kind             { return KindPong }
func (AuthError) Kind() Kind        { return KindAuthError }
func (ServerError) Kind() Kind      { return KindServerError }
func (NewMessage) Kind() Kind       { return KindNewMessage }
func (UserTyping) Kind() Kind       { return KindUserTyping }
func (UserOnline) Kind() Kind       { return KindUserOnline }
func (UserOffline) Kind() Kind      { return KindUserOffline }
func (MessagesRead) Kind() Kind     { return KindMessagesRead }
func (IncomingCall) Kind() Kind     { return KindIncomingCall }
func (CallInitiated) Kind() Kind    { return KindCallInitiated }
func (CallAnswered) Kind() Kind     { return KindCallAnswered }
func (CallEnded) Kind() Kind        { return KindCallEnded }
func (CallRejected) Kind() Kind     { return KindCallRejected }
func (CallError) Kind() Kind        { return KindCallError }
func (MessageSent) Kind() Kind      { return KindMessageSent }
func (MessageError) Kind() Kind     { return KindMessageError }

// Decode turns an inbound frame into its typed event.
func Decode(f Frame) (Event, error) {
	switch f.Event {
	case KindPong:
		return decodeInto[Pong](f)
	case KindAuthError:
		return decodeInto[AuthError](f)
	case KindServerError:
		return decodeInto[ServerError](f)
	case KindNewMessage:
		msg, err := decodeInto[MessagePayload](f)
		if err != nil {
			return nil, err
		}
		return NewMessage{Message: msg}, nil
	case KindUserTyping:
		return decodeInto[UserTyping](f)
	case KindUserOnline:
		return decodeInto[UserOnline](f)
	case KindUserOffline:
		return decodeInto[UserOffline](f)
	case KindMessagesRead:
		return decodeInto[MessagesRead](f)
	case KindIncomingCall:
		return decodeInto[IncomingCall](f)
	case KindCallInitiated:
		return decodeInto[CallInitiated](f)
	case KindCallAnswered:
		return decodeInto[CallAnswered](f)
	case KindCallEnded:
		return decodeInto[CallEnded](f)
	case KindCallRejected:
		return decodeInto[CallRejected](f)
	case KindCallError:
		return decodeInto[CallError](f)
	case KindMessageSent:
		return decodeInto[MessageSent](f)
	case KindMessageError:
		return decodeInto[MessageError](f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

func decodeInto[T any](f Frame) (T, error) {
	var v T
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return v, nil
}
