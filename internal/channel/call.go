package channel

import (
	"context"
	"fmt"

	"github.com/matheus3301/amora/internal/protocol"
	"go.uber.org/zap"
)

// InitiateVideoCall asks the server to ring recipient. Unlike SendMessage it
// fails with ErrNotConnected or ErrTimeout instead of queueing.
func (c *Channel) InitiateVideoCall(ctx context.Context, recipient protocol.UserID, localPeerID string) (protocol.CallInitiated, error) {
	if err := protocol.ValidateUserID(recipient); err != nil {
		return protocol.CallInitiated{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	reqID := protocol.NewCorrelationID()
	a, err := c.request(ctx, reqID, protocol.KindInitiateVideoCall, protocol.InitiateCallPayload{
		RecipientID:  recipient,
		CallerPeerID: localPeerID,
		RequestID:    reqID,
	})
	if err != nil {
		return protocol.CallInitiated{}, err
	}
	if a.initiated == nil {
		return protocol.CallInitiated{}, fmt.Errorf("unexpected ack for %s", protocol.KindInitiateVideoCall)
	}
	return *a.initiated, nil
}

// AnswerVideoCall accepts or rejects an incoming call from caller.
func (c *Channel) AnswerVideoCall(ctx context.Context, caller protocol.UserID, accept bool, localPeerID string) (protocol.CallAnswered, error) {
	if err := protocol.ValidateUserID(caller); err != nil {
		return protocol.CallAnswered{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	reqID := protocol.NewCorrelationID()
	a, err := c.request(ctx, reqID, protocol.KindAnswerCall, protocol.AnswerCallPayload{
		CallerID:         caller,
		Accept:           accept,
		RespondentPeerID: localPeerID,
		RequestID:        reqID,
	})
	if err != nil {
		return protocol.CallAnswered{}, err
	}
	if a.answered == nil {
		return protocol.CallAnswered{}, fmt.Errorf("unexpected ack for %s", protocol.KindAnswerCall)
	}
	return *a.answered, nil
}

// EndCall hangs up callID and notifies peer. Best effort.
func (c *Channel) EndCall(callID string, peer protocol.UserID) error {
	return c.sock.Emit(protocol.KindEndCall, protocol.EndCallPayload{CallID: callID, PeerID: peer})
}

// Decline tells caller the call was not taken without waiting for an ack.
func (c *Channel) Decline(caller protocol.UserID) error {
	return c.sock.Emit(protocol.KindAnswerCall, protocol.AnswerCallPayload{CallerID: caller, Accept: false})
}

func (c *Channel) request(ctx context.Context, id protocol.CorrelationID, kind protocol.Kind, payload any) (ack, error) {
	if !c.sock.Connected() {
		return ack{}, ErrNotConnected
	}
	w := c.register(id)
	if err := c.sock.Send(kind, payload); err != nil {
		c.forget(id)
		return ack{}, err
	}
	a, err := c.await(ctx, id, w, c.cfg.CallTimeout)
	if err != nil {
		c.logger.Warn("call signaling failed", zap.String("event", string(kind)), zap.Error(err))
		return ack{}, err
	}
	if a.err != nil {
		return ack{}, a.err
	}
	return a, nil
}
