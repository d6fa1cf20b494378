package channel

import (
	"context"
	"time"

	"github.com/matheus3301/amora/internal/delivery"
	"github.com/matheus3301/amora/internal/protocol"
	"go.uber.org/zap"
)

// Outcome is the terminal state of a replayed envelope.
type Outcome int

const (
	Delivered Outcome = iota
	Failed
)

// Settlement reports how a queued message ended.
type Settlement struct {
	LocalID protocol.CorrelationID
	Outcome Outcome
	// Message is the server copy, set when Delivered.
	Message protocol.MessagePayload
	Err     error
}

type inflight struct {
	env delivery.Envelope
	w   chan ack
}

func (c *Channel) triggerReplay() {
	c.mu.Lock()
	ctx, observe := c.ctx, c.observe
	c.mu.Unlock()
	if ctx == nil || c.queue.Len() == 0 {
		return
	}
	go func() {
		if err := c.Replay(ctx, observe); err != nil {
			c.logger.Debug("replay interrupted", zap.Error(err))
		}
	}()
}

// Replay retransmits queued envelopes in FIFO order and waits for their
// acks. Envelopes leave the queue only once acked, rejected, or out of
// retries; each of those is reported to observe. A write failure stops the
// replay and leaves the rest queued in order.
func (c *Channel) Replay(ctx context.Context, observe func(Settlement)) error {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()

	envs := c.queue.Snapshot()
	if len(envs) == 0 {
		return nil
	}
	c.logger.Info("replaying queued messages", zap.Int("count", len(envs)))

	var sent []inflight
	for _, env := range envs {
		if !c.queue.Has(env.LocalID) {
			continue
		}
		needsAck := env.Event == protocol.KindSendMessage
		var w chan ack
		if needsAck {
			w = c.register(env.LocalID)
		}
		if err := c.sock.Send(env.Event, env.Payload); err != nil {
			if needsAck {
				c.forget(env.LocalID)
			}
			c.logger.Warn("replay stopped, socket unavailable", zap.Error(err))
			break
		}
		if !needsAck {
			c.queue.Remove(env.LocalID)
			continue
		}
		sent = append(sent, inflight{env: env, w: w})
	}

	deadline := time.Now().Add(c.cfg.SendTimeout)
	for _, f := range sent {
		a, err := c.await(ctx, f.env.LocalID, f.w, time.Until(deadline))
		if err != nil {
			c.retryLater(f.env, observe)
			continue
		}
		c.settle(f.env, a, observe)
	}
	return ctx.Err()
}

func (c *Channel) settle(env delivery.Envelope, a ack, observe func(Settlement)) {
	if !c.queue.Remove(env.LocalID) {
		return
	}
	s := Settlement{LocalID: env.LocalID}
	if a.err != nil {
		s.Outcome = Failed
		s.Err = a.err
		c.logger.Warn("queued message rejected", zap.String("local_id", string(env.LocalID)), zap.Error(a.err))
	} else {
		s.Outcome = Delivered
		s.Message = a.sent.Message
		c.logger.Info("queued message delivered",
			zap.String("local_id", string(env.LocalID)),
			zap.String("message_id", string(a.sent.Message.ID)))
	}
	if observe != nil {
		observe(s)
	}
}

func (c *Channel) retryLater(env delivery.Envelope, observe func(Settlement)) {
	updated, exhausted, ok := c.queue.MarkRetry(env.LocalID)
	if !ok {
		return
	}
	if !exhausted {
		c.logger.Debug("replay not acked", zap.String("local_id", string(env.LocalID)), zap.Int("retries", updated.RetryCount))
		if c.sock.Connected() {
			c.scheduleReplay()
		}
		return
	}
	if observe != nil {
		observe(Settlement{LocalID: env.LocalID, Outcome: Failed, Err: ErrRetriesExhausted})
	}
}
