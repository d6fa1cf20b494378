package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/amora/internal/delivery"
	"github.com/matheus3301/amora/internal/protocol"
	"go.uber.org/zap"
)

// SendRequest describes one outbound chat message.
type SendRequest struct {
	// LocalID is used as the correlation id when set, so callers can
	// create their placeholder before sending.
	LocalID   protocol.CorrelationID
	Recipient protocol.UserID
	Type      protocol.MessageType
	Content   string
	Metadata  map[string]any
}

// SendResult is the settled state of a send. Pending results were handed to
// the delivery queue and settle later through the Start observer.
type SendResult struct {
	LocalID protocol.CorrelationID
	Pending bool
	Message protocol.MessagePayload
}

// Validate checks a request without touching the network.
func (r SendRequest) Validate() error {
	if err := protocol.ValidateUserID(r.Recipient); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, r.Type)
	}
	if r.Type == protocol.TypeText && strings.TrimSpace(r.Content) == "" {
		return ErrEmptyContent
	}
	return nil
}

// SendMessage sends a chat message and waits for its acknowledgment.
//
// Validation failures are returned immediately. When the socket is down or
// the ack does not arrive in time the message is queued for replay and a
// pending result is returned with a nil error. A messageError from the
// server is returned as *ServerError and never retried.
func (c *Channel) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := req.Validate(); err != nil {
		return SendResult{}, err
	}
	if req.LocalID == "" {
		req.LocalID = protocol.NewCorrelationID()
	}
	payload := protocol.SendMessagePayload{
		RecipientID:   req.Recipient,
		Type:          req.Type,
		Content:       req.Content,
		Metadata:      req.Metadata,
		TempMessageID: req.LocalID,
	}
	res := SendResult{LocalID: req.LocalID}

	if !c.sock.Connected() {
		return c.queueForRetry(res, payload, false)
	}

	w := c.register(req.LocalID)
	if err := c.sock.Send(protocol.KindSendMessage, payload); err != nil {
		c.forget(req.LocalID)
		c.logger.Debug("send failed, queueing", zap.String("local_id", string(req.LocalID)), zap.Error(err))
		return c.queueForRetry(res, payload, false)
	}

	a, err := c.await(ctx, req.LocalID, w, c.cfg.SendTimeout)
	if err != nil {
		c.logger.Warn("no ack for message, queueing for retry",
			zap.String("local_id", string(req.LocalID)), zap.Error(err))
		return c.queueForRetry(res, payload, true)
	}
	if a.err != nil {
		return res, a.err
	}
	res.Message = a.sent.Message
	return res, nil
}

// queueForRetry hands the message to the delivery queue and returns a pending
// result.
func (c *Channel) queueForRetry(res SendResult, payload protocol.SendMessagePayload, scheduleRetry bool) (SendResult, error) {
	env, err := delivery.NewEnvelope(res.LocalID, protocol.KindSendMessage, payload)
	if err != nil {
		return res, err
	}
	c.queue.Enqueue(env)
	res.Pending = true
	if scheduleRetry {
		c.scheduleReplay()
	}
	return res, nil
}

// SendTyping emits a typing signal. It is dropped silently when the socket
// is down.
func (c *Channel) SendTyping(recipient protocol.UserID) error {
	if err := protocol.ValidateUserID(recipient); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if !c.sock.Connected() {
		return nil
	}
	if err := c.sock.Send(protocol.KindTyping, protocol.TypingPayload{RecipientID: recipient}); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Debug("typing signal dropped", zap.Error(err))
	}
	return nil
}

// SendReadReceipt tells the sender that reader has seen ids.
func (c *Channel) SendReadReceipt(reader, sender protocol.UserID, ids []protocol.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := protocol.ValidateUserID(sender); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	return c.sock.Emit(protocol.KindMessageRead, protocol.MessageReadPayload{
		Reader:     reader,
		Sender:     sender,
		MessageIDs: ids,
	})
}

func (c *Channel) scheduleReplay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil || c.retry != nil {
		return
	}
	c.retry = time.AfterFunc(c.cfg.RetryDelay, func() {
		c.mu.Lock()
		c.retry = nil
		c.mu.Unlock()
		if c.sock.Connected() {
			c.triggerReplay()
		}
	})
}
