package bus

import "time"

// Event kinds published by the realtime layer. Subscribers filter by prefix,
// so the part before the first dot is the namespace.
const (
	ConnectionStatusChanged = "connection.status_changed"

	MessageUpserted  = "message.upserted"
	MessageConfirmed = "message.confirmed"
	MessageFailed    = "message.failed"
	MessagesRead     = "message.read"

	ConversationUpdated = "conversation.updated"
	TypingChanged       = "presence.typing"
	PresenceChanged     = "presence.online"
	CallUpdated         = "call.updated"

	NoticeInfo  = "notice.info"
	NoticeWarn  = "notice.warn"
	NoticeError = "notice.error"
	NoticeFatal = "notice.fatal"

	SessionLoggedOut = "session.logged_out"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
