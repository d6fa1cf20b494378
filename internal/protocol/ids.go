package protocol

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// ErrInvalidID is returned when a user or message id does not have the
// 24-character hexadecimal shape the server assigns.
var ErrInvalidID = errors.New("invalid id")

var objectIDRegexp = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// UserID identifies an account on the server.
type UserID string

// MessageID is the durable, server-assigned identity of a message.
type MessageID string

// CorrelationID is a client-generated identity attached to an outbound
// operation until the server acknowledges it. It is never a MessageID.
type CorrelationID string

// NewCorrelationID returns a fresh random correlation id.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

// NewPeerID returns a per-call signaling peer identifier.
func NewPeerID() string {
	return "peer-" + uuid.NewString()
}

// ValidateUserID checks the id against the server's object id shape.
func ValidateUserID(id UserID) error {
	if !objectIDRegexp.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
