package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind names an event on the realtime channel.
type Kind string

// Client-emitted events.
const (
	KindSendMessage       Kind = "sendMessage"
	KindTyping            Kind = "typing"
	KindInitiateVideoCall Kind = "initiateVideoCall"
	KindAnswerCall        Kind = "answerCall"
	KindEndCall           Kind = "endCall"
	KindMessageRead       Kind = "messageRead"
	KindPing              Kind = "ping"
)

// Server-emitted events.
const (
	KindPong          Kind = "pong"
	KindAuthError     Kind = "auth_error"
	KindServerError   Kind = "error"
	KindNewMessage    Kind = "newMessage"
	KindUserTyping    Kind = "userTyping"
	KindUserOnline    Kind = "userOnline"
	KindUserOffline   Kind = "userOffline"
	KindMessagesRead  Kind = "messagesRead"
	KindIncomingCall  Kind = "incomingCall"
	KindCallInitiated Kind = "callInitiated"
	KindCallAnswered  Kind = "callAnswered"
	KindCallEnded     Kind = "callEnded"
	KindCallRejected  Kind = "callRejected"
	KindCallError     Kind = "callError"
	KindMessageSent   Kind = "messageSent"
	KindMessageError  Kind = "messageError"
)

// Connection lifecycle events, raised locally by the connection manager.
const (
	KindConnect          Kind = "connect"
	KindConnectError     Kind = "connect_error"
	KindConnectTimeout   Kind = "connect_timeout"
	KindDisconnect       Kind = "disconnect"
	KindReconnect        Kind = "reconnect"
	KindReconnectAttempt Kind = "reconnect_attempt"
	KindReconnectError   Kind = "reconnect_error"
	KindReconnectFailed  Kind = "reconnect_failed"
)

// Frame is the wire envelope for every event in either direction.
type Frame struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame. A nil payload yields a frame
// without data.
func NewFrame(kind Kind, payload any) (Frame, error) {
	f := Frame{Event: kind}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	f.Data = data
	return f, nil
}
