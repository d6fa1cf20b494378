package api

import (
	"context"
	"errors"

	"github.com/matheus3301/amora/internal/channel"
	"github.com/matheus3301/amora/internal/chat"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/rest"
	"github.com/matheus3301/amora/internal/socket"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps domain errors onto gRPC status codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Errorf(codeOf(err), "%s: %v", op, err)
}

func codeOf(err error) codes.Code {
	var serverErr *channel.ServerError
	switch {
	case errors.Is(err, channel.ErrInvalidRecipient),
		errors.Is(err, channel.ErrInvalidType),
		errors.Is(err, channel.ErrEmptyContent),
		errors.Is(err, protocol.ErrInvalidID):
		return codes.InvalidArgument
	case errors.Is(err, socket.ErrNotConnected),
		errors.Is(err, socket.ErrClosed):
		return codes.Unavailable
	case errors.Is(err, channel.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, chat.ErrCallActive),
		errors.Is(err, chat.ErrNoCall),
		errors.Is(err, chat.ErrNotFailed),
		errors.Is(err, socket.ErrNoCredentials):
		return codes.FailedPrecondition
	case errors.Is(err, chat.ErrMessageNotFound):
		return codes.NotFound
	case errors.Is(err, socket.ErrAuthFailed),
		errors.Is(err, rest.ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, channel.ErrRetriesExhausted):
		return codes.ResourceExhausted
	case errors.As(err, &serverErr):
		return codes.Aborted
	}
	return codes.Internal
}

func invalidArg(format string, args ...any) error {
	return grpcstatus.Errorf(codes.InvalidArgument, format, args...)
}
