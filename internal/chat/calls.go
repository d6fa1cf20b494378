package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/amora/internal/bus"
	"github.com/matheus3301/amora/internal/channel"
	"github.com/matheus3301/amora/internal/protocol"
	"go.uber.org/zap"
)

// Call returns the active call session, or an idle one.
func (c *Container) Call() CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return CallSession{Status: CallIdle}
	}
	return *c.call
}

// StartCall rings recipient. The session stays in calling until the peer
// answers, rejects, or the ring timeout expires.
func (c *Container) StartCall(ctx context.Context, recipient protocol.UserID) (CallSession, error) {
	if err := protocol.ValidateUserID(recipient); err != nil {
		return CallSession{}, fmt.Errorf("%w: %v", channel.ErrInvalidRecipient, err)
	}
	c.mu.Lock()
	if c.call != nil && c.call.active() {
		c.mu.Unlock()
		return CallSession{}, ErrCallActive
	}
	s := &CallSession{
		CallerID:    c.cfg.UserID,
		RecipientID: recipient,
		LocalPeerID: protocol.NewPeerID(),
		Status:      CallCalling,
		StartedAt:   time.Now(),
	}
	c.call = s
	snap := *s
	c.mu.Unlock()
	c.bus.Emit(bus.CallUpdated, snap)

	ack, err := c.ch.InitiateVideoCall(ctx, recipient, s.LocalPeerID)

	c.mu.Lock()
	if c.call != s {
		// Ended by the peer while the request was in flight.
		ended := *s
		c.mu.Unlock()
		return ended, err
	}
	if err != nil {
		ended := c.endLocked("call failed: " + err.Error())
		c.mu.Unlock()
		c.bus.Emit(bus.CallUpdated, ended)
		return ended, err
	}
	if s.CallID == "" {
		s.CallID = ack.CallID
	}
	if s.Status == CallCalling {
		c.armRingLocked(s)
	}
	snap = *s
	c.mu.Unlock()
	c.bus.Emit(bus.CallUpdated, snap)
	return snap, nil
}

// AnswerCall accepts or rejects the ringing call.
func (c *Container) AnswerCall(ctx context.Context, accept bool) (CallSession, error) {
	c.mu.Lock()
	s := c.call
	if s == nil || s.Status != CallRinging {
		c.mu.Unlock()
		return CallSession{}, ErrNoCall
	}
	s.LocalPeerID = protocol.NewPeerID()
	caller, peer := s.CallerID, s.LocalPeerID
	c.stopRingLocked()
	c.mu.Unlock()

	ack, err := c.ch.AnswerVideoCall(ctx, caller, accept, peer)

	c.mu.Lock()
	if c.call != s {
		ended := *s
		c.mu.Unlock()
		return ended, ErrNoCall
	}
	var out CallSession
	switch {
	case err != nil:
		out = c.endLocked("answer failed: " + err.Error())
	case accept:
		s.Status = CallOngoing
		if s.CallID == "" {
			s.CallID = ack.CallID
		}
		out = *s
	default:
		out = c.endLocked("declined")
	}
	c.mu.Unlock()
	c.bus.Emit(bus.CallUpdated, out)
	return out, err
}

// EndCall hangs up the active call. Ending a ringing call rejects it.
func (c *Container) EndCall() (CallSession, error) {
	c.mu.Lock()
	s := c.call
	if s == nil {
		c.mu.Unlock()
		return CallSession{}, ErrNoCall
	}
	status, callID := s.Status, s.CallID
	peer := s.Counterpart(c.cfg.UserID)
	ended := c.endLocked("hangup")
	c.mu.Unlock()

	var err error
	if status == CallRinging {
		err = c.ch.Decline(peer)
	} else {
		err = c.ch.EndCall(callID, peer)
	}
	if err != nil {
		c.logger.Warn("hangup not delivered", zap.Error(err))
	}
	c.bus.Emit(bus.CallUpdated, ended)
	return ended, nil
}

func (c *Container) onIncomingCall(e protocol.IncomingCall) {
	c.mu.Lock()
	if c.call != nil && c.call.active() {
		busy := c.call.CallID
		c.mu.Unlock()
		c.logger.Warn("incoming call while another is active",
			zap.String("caller", string(e.CallerID)), zap.String("active_call", busy))
		c.notice(bus.NoticeError, "call_busy", fmt.Sprintf("Missed a call from %s while another call was active", callerName(e)))
		if err := c.ch.Decline(e.CallerID); err != nil {
			c.logger.Warn("busy signal not sent", zap.Error(err))
		}
		return
	}
	s := &CallSession{
		CallID:       e.CallID,
		CallerID:     e.CallerID,
		RecipientID:  c.cfg.UserID,
		RemotePeerID: e.CallerPeerID,
		Status:       CallRinging,
		StartedAt:    time.Now(),
	}
	c.call = s
	c.armRingLocked(s)
	snap := *s
	c.mu.Unlock()

	c.bus.Emit(bus.CallUpdated, snap)
	c.notice(bus.NoticeInfo, "incoming_call", fmt.Sprintf("Incoming video call from %s", callerName(e)))
}

func callerName(e protocol.IncomingCall) string {
	if e.CallerName != "" {
		return e.CallerName
	}
	return string(e.CallerID)
}

// onCallAnswered handles the peer's answer to a call this session placed.
func (c *Container) onCallAnswered(e protocol.CallAnswered) {
	c.mu.Lock()
	s := c.call
	if s == nil || s.Status != CallCalling || !sameCall(s, e.CallID) {
		c.mu.Unlock()
		return
	}
	var out CallSession
	if e.Accept {
		c.stopRingLocked()
		s.Status = CallOngoing
		s.RemotePeerID = e.RespondentPeerID
		if s.CallID == "" {
			s.CallID = e.CallID
		}
		out = *s
	} else {
		out = c.endLocked("rejected")
	}
	c.mu.Unlock()
	c.bus.Emit(bus.CallUpdated, out)
}

func (c *Container) onCallRejected(e protocol.CallRejected) {
	c.mu.Lock()
	s := c.call
	if s == nil || s.Status != CallCalling || !sameCall(s, e.CallID) {
		c.mu.Unlock()
		return
	}
	reason := e.Reason
	if reason == "" {
		reason = "rejected"
	}
	out := c.endLocked(reason)
	c.mu.Unlock()
	c.bus.Emit(bus.CallUpdated, out)
}

func (c *Container) onCallEnded(e protocol.CallEnded) {
	c.mu.Lock()
	s := c.call
	if s == nil || !sameCall(s, e.CallID) {
		c.mu.Unlock()
		return
	}
	reason := e.Reason
	if reason == "" {
		reason = "remote hangup"
	}
	out := c.endLocked(reason)
	c.mu.Unlock()
	c.bus.Emit(bus.CallUpdated, out)
}

func sameCall(s *CallSession, callID string) bool {
	return s.CallID == "" || callID == "" || s.CallID == callID
}

// endLocked moves the active session to ended and clears it.
func (c *Container) endLocked(reason string) CallSession {
	s := c.call
	c.stopRingLocked()
	c.call = nil
	s.Status = CallEnded
	s.EndReason = reason
	return *s
}

func (c *Container) armRingLocked(s *CallSession) {
	c.stopRingLocked()
	c.ring = time.AfterFunc(c.cfg.RingTimeout, func() { c.ringExpired(s) })
}

func (c *Container) stopRingLocked() {
	if c.ring != nil {
		c.ring.Stop()
		c.ring = nil
	}
}

func (c *Container) ringExpired(s *CallSession) {
	c.mu.Lock()
	if c.call != s || (s.Status != CallCalling && s.Status != CallRinging) {
		c.mu.Unlock()
		return
	}
	outgoing := s.Status == CallCalling
	callID, peer := s.CallID, s.Counterpart(c.cfg.UserID)
	ended := c.endLocked("no answer")
	c.mu.Unlock()

	if outgoing {
		if err := c.ch.EndCall(callID, peer); err != nil {
			c.logger.Warn("hangup not delivered", zap.Error(err))
		}
	} else {
		c.notice(bus.NoticeInfo, "missed_call", fmt.Sprintf("Missed video call from %s", peer))
	}
	c.bus.Emit(bus.CallUpdated, ended)
}
