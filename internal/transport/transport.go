// Package transport provides the persistent bidirectional event channel the
// connection manager runs on.
package transport

import (
	"context"
	"errors"

	"github.com/matheus3301/amora/internal/protocol"
)

var (
	// ErrUnauthorized is returned by Dial when the server rejects the
	// credentials during the handshake. It must never be retried.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrClosed is returned by Conn methods after Close.
	ErrClosed = errors.New("connection closed")
	// ErrMalformedFrame is returned by ReadFrame for a frame that could not be
	// decoded. The connection is still usable.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Credentials authenticate a connection.
type Credentials struct {
	UserID protocol.UserID
	Token  string
}

// Conn is one established transport connection. ReadFrame is called from a
// single goroutine; WriteFrame and Close may be called concurrently.
type Conn interface {
	ReadFrame() (protocol.Frame, error)
	WriteFrame(protocol.Frame) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}
