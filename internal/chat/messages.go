package chat

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"time"

	"github.com/matheus3301/amora/internal/bus"
	"github.com/matheus3301/amora/internal/channel"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/rest"
	"go.uber.org/zap"
)

// SendMessage sends a message with an optimistic placeholder. The returned
// message is pending when delivery was deferred to the queue, failed when
// the server rejected it, and confirmed otherwise. Once the connection
// manager has given up reconnecting, messages go through the REST API.
func (c *Container) SendMessage(ctx context.Context, recipient protocol.UserID, typ protocol.MessageType, content string, metadata map[string]any) (Message, error) {
	req := channel.SendRequest{Recipient: recipient, Type: typ, Content: content, Metadata: metadata}
	if err := req.Validate(); err != nil {
		return Message{}, err
	}
	req.LocalID = protocol.NewCorrelationID()

	placeholder := Message{
		LocalID:   req.LocalID,
		Sender:    c.cfg.UserID,
		Recipient: recipient,
		Type:      typ,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
		Pending:   true,
	}
	c.mu.Lock()
	c.insertLocked(recipient, placeholder)
	c.locals[req.LocalID] = recipient
	c.touchConversationLocked(recipient)
	c.mu.Unlock()
	c.bus.Emit(bus.MessageUpserted, MessageEvent{Counterpart: recipient, Message: placeholder})

	if c.events.Exhausted() && c.api != nil {
		return c.sendViaAPI(ctx, placeholder)
	}

	res, err := c.ch.SendMessage(ctx, req)
	if err != nil {
		return c.fail(req.LocalID, err), err
	}
	if res.Pending {
		return placeholder, nil
	}
	return c.confirm(req.LocalID, res.Message), nil
}

func (c *Container) sendViaAPI(ctx context.Context, m Message) (Message, error) {
	c.logger.Info("realtime channel unavailable, sending over http", zap.String("local_id", string(m.LocalID)))
	sent, err := c.api.PostMessage(ctx, protocol.SendMessagePayload{
		RecipientID:   m.Recipient,
		Type:          m.Type,
		Content:       m.Content,
		Metadata:      m.Metadata,
		TempMessageID: m.LocalID,
	})
	if err = c.checkAuth(err); err != nil {
		return c.fail(m.LocalID, err), err
	}
	return c.confirm(m.LocalID, sent), nil
}

// RetryMessage resends a failed message as a new attempt.
func (c *Container) RetryMessage(ctx context.Context, localID protocol.CorrelationID) (Message, error) {
	c.mu.Lock()
	cp, idx, ok := c.findLocalLocked(localID)
	if !ok {
		c.mu.Unlock()
		return Message{}, ErrMessageNotFound
	}
	old := c.history[cp][idx]
	if !old.Failed {
		c.mu.Unlock()
		return Message{}, ErrNotFailed
	}
	c.history[cp] = slices.Delete(c.history[cp], idx, idx+1)
	delete(c.locals, localID)
	c.mu.Unlock()

	return c.SendMessage(ctx, old.Recipient, old.Type, old.Content, old.Metadata)
}

// SendAttachment uploads r and sends a file message pointing at it.
func (c *Container) SendAttachment(ctx context.Context, recipient protocol.UserID, name string, r io.Reader, progress rest.Progress) (Message, error) {
	if err := protocol.ValidateUserID(recipient); err != nil {
		return Message{}, fmt.Errorf("%w: %v", channel.ErrInvalidRecipient, err)
	}
	att, err := c.api.UploadAttachment(ctx, recipient, name, r, progress)
	if err = c.checkAuth(err); err != nil {
		return Message{}, err
	}
	meta := map[string]any{"url": att.URL, "name": att.Name, "size": att.Size}
	if att.MimeType != "" {
		meta["mimeType"] = att.MimeType
	}
	return c.SendMessage(ctx, recipient, protocol.TypeFile, att.Name, meta)
}

func (c *Container) onSettlement(s channel.Settlement) {
	switch s.Outcome {
	case channel.Delivered:
		c.confirm(s.LocalID, s.Message)
	case channel.Failed:
		c.fail(s.LocalID, s.Err)
	}
}

// confirm replaces the placeholder for localID with the server copy. Only
// the first settlement of a pending message has any effect.
func (c *Container) confirm(localID protocol.CorrelationID, p protocol.MessagePayload) Message {
	c.mu.Lock()
	cp, idx, ok := c.findLocalLocked(localID)
	if !ok {
		c.mu.Unlock()
		return c.adopt(localID, p)
	}
	list := c.history[cp]
	placeholder := list[idx]
	if !placeholder.Pending {
		c.mu.Unlock()
		return placeholder
	}

	confirmed := fromPayload(p)
	confirmed.LocalID = localID
	if confirmed.Sender == "" {
		confirmed.Sender = placeholder.Sender
	}
	if confirmed.Recipient == "" {
		confirmed.Recipient = placeholder.Recipient
	}
	if confirmed.Type == "" {
		confirmed.Type = placeholder.Type
	}
	if confirmed.Content == "" {
		confirmed.Content = placeholder.Content
	}
	if confirmed.Metadata == nil {
		confirmed.Metadata = placeholder.Metadata
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = placeholder.CreatedAt
	}

	if dup := indexByID(list, confirmed.ID); confirmed.ID != "" && dup >= 0 {
		// The server echo arrived first; keep it and drop the placeholder.
		list[dup].LocalID = localID
		confirmed = list[dup]
		list = slices.Delete(list, idx, idx+1)
	} else if confirmed.CreatedAt.Equal(placeholder.CreatedAt) {
		list[idx] = confirmed
	} else {
		list = slices.Delete(list, idx, idx+1)
		list = insertSorted(list, confirmed)
	}
	c.history[cp] = list
	c.touchConversationLocked(cp)
	c.mu.Unlock()

	c.logger.Debug("message confirmed", zap.String("local_id", string(localID)), zap.String("id", string(confirmed.ID)))
	c.bus.Emit(bus.MessageConfirmed, MessageEvent{Counterpart: cp, Message: confirmed})
	return confirmed
}

// adopt records a confirmation for a message this process never placed,
// which happens when the durable queue replays a previous run's envelopes.
func (c *Container) adopt(localID protocol.CorrelationID, p protocol.MessagePayload) Message {
	m := fromPayload(p)
	if m.ID == "" {
		return Message{}
	}
	m.LocalID = localID
	if m.Sender == "" {
		m.Sender = c.cfg.UserID
	}
	cp := c.counterpart(m.Sender, m.Recipient)

	c.mu.Lock()
	if !c.insertLocked(cp, m) {
		c.mu.Unlock()
		return m
	}
	c.locals[localID] = cp
	c.touchConversationLocked(cp)
	c.mu.Unlock()

	c.logger.Info("confirmed message from a previous run", zap.String("local_id", string(localID)), zap.String("id", string(m.ID)))
	c.bus.Emit(bus.MessageConfirmed, MessageEvent{Counterpart: cp, Message: m})
	return m
}

// fail flips a pending message to failed. Messages already settled are left
// alone.
func (c *Container) fail(localID protocol.CorrelationID, cause error) Message {
	c.mu.Lock()
	cp, idx, ok := c.findLocalLocked(localID)
	if !ok {
		c.mu.Unlock()
		return Message{}
	}
	m := &c.history[cp][idx]
	if !m.Pending {
		out := *m
		c.mu.Unlock()
		return out
	}
	m.Pending = false
	m.Failed = true
	out := *m
	c.mu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	c.logger.Warn("message failed", zap.String("local_id", string(localID)), zap.String("reason", reason))
	c.bus.Emit(bus.MessageFailed, MessageEvent{Counterpart: cp, Message: out, Err: reason})
	return out
}

func (c *Container) onNewMessage(e protocol.NewMessage) {
	m := fromPayload(e.Message)
	if m.ID == "" {
		c.logger.Warn("dropping message without id")
		return
	}
	cp := c.counterpart(m.Sender, m.Recipient)

	c.mu.Lock()
	if !c.insertLocked(cp, m) {
		c.mu.Unlock()
		return
	}
	if m.Sender != c.cfg.UserID {
		delete(c.typing, m.Sender)
		if !m.Read {
			c.unread[cp]++
		}
	}
	c.touchConversationLocked(cp)
	c.mu.Unlock()

	c.bus.Emit(bus.MessageUpserted, MessageEvent{Counterpart: cp, Message: m})
}

// LoadMessages fetches the history with counterpart and merges it.
func (c *Container) LoadMessages(ctx context.Context, counterpart protocol.UserID) ([]Message, error) {
	if err := protocol.ValidateUserID(counterpart); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrInvalidRecipient, err)
	}
	msgs, err := c.api.History(ctx, counterpart)
	if err = c.checkAuth(err); err != nil {
		return nil, err
	}
	c.mu.Lock()
	added := 0
	for _, p := range msgs {
		if p.ID == "" {
			continue
		}
		if c.insertLocked(counterpart, fromPayload(p)) {
			added++
		}
	}
	if added > 0 {
		c.touchConversationLocked(counterpart)
	}
	c.mu.Unlock()
	c.logger.Debug("history merged", zap.String("counterpart", string(counterpart)), zap.Int("fetched", len(msgs)), zap.Int("added", added))
	return c.Messages(counterpart), nil
}

// Messages returns the history with counterpart ordered by creation time.
func (c *Container) Messages(counterpart protocol.UserID) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history[counterpart])
}

// Message looks up a message by correlation id.
func (c *Container) Message(localID protocol.CorrelationID) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, idx, ok := c.findLocalLocked(localID)
	if !ok {
		return Message{}, false
	}
	return c.history[cp][idx], true
}

// MarkMessagesAsRead marks inbound messages from counterpart as read and
// clears its unread count. With no ids every unread message is marked.
// The peer is notified over the socket and the server over REST in the
// background; repeated calls are no-ops.
func (c *Container) MarkMessagesAsRead(counterpart protocol.UserID, ids []protocol.MessageID) error {
	if err := protocol.ValidateUserID(counterpart); err != nil {
		return fmt.Errorf("%w: %v", channel.ErrInvalidRecipient, err)
	}
	want := make(map[protocol.MessageID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	c.mu.Lock()
	var flipped []protocol.MessageID
	list := c.history[counterpart]
	for i := range list {
		m := &list[i]
		if m.ID == "" || m.Sender == c.cfg.UserID {
			continue
		}
		if len(want) > 0 && !want[m.ID] {
			continue
		}
		delete(want, m.ID)
		if m.Read {
			continue
		}
		m.Read = true
		flipped = append(flipped, m.ID)
	}
	// Ids not loaded locally are still forwarded.
	for _, id := range ids {
		if want[id] {
			flipped = append(flipped, id)
			delete(want, id)
		}
	}
	hadUnread := c.unread[counterpart] > 0
	delete(c.unread, counterpart)
	c.mu.Unlock()

	if len(flipped) == 0 && !hadUnread {
		return nil
	}
	c.bus.Emit(bus.MessagesRead, ReadEvent{Counterpart: counterpart, MessageIDs: flipped})
	c.bus.Emit(bus.ConversationUpdated, counterpart)
	if len(flipped) == 0 {
		return nil
	}

	if err := c.ch.SendReadReceipt(c.cfg.UserID, counterpart, flipped); err != nil {
		c.logger.Warn("read receipt not sent", zap.Error(err))
	}
	if c.api != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ctx, cancel := c.apiContext()
			defer cancel()
			if err := c.checkAuth(c.api.MarkRead(ctx, flipped)); err != nil {
				c.logger.Warn("mark read on server failed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (c *Container) onMessagesRead(e protocol.MessagesRead) {
	ids := make(map[protocol.MessageID]bool, len(e.MessageIDs))
	for _, id := range e.MessageIDs {
		ids[id] = true
	}
	c.mu.Lock()
	var flipped []protocol.MessageID
	list := c.history[e.Reader]
	for i := range list {
		m := &list[i]
		if m.Sender == c.cfg.UserID && !m.Read && ids[m.ID] {
			m.Read = true
			flipped = append(flipped, m.ID)
		}
	}
	c.mu.Unlock()
	if len(flipped) > 0 {
		c.bus.Emit(bus.MessagesRead, ReadEvent{Counterpart: e.Reader, MessageIDs: flipped, ByPeer: true})
	}
}

// insertLocked merges m into the counterpart's history in CreatedAt order.
// It reports false when a message with the same server or local id is
// already present.
func (c *Container) insertLocked(cp protocol.UserID, m Message) bool {
	list := c.history[cp]
	for i := range list {
		if m.ID != "" && list[i].ID == m.ID {
			return false
		}
		if m.LocalID != "" && list[i].LocalID == m.LocalID {
			return false
		}
	}
	c.history[cp] = insertSorted(list, m)
	return true
}

func insertSorted(list []Message, m Message) []Message {
	i := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(m.CreatedAt) })
	return slices.Insert(list, i, m)
}

func indexByID(list []Message, id protocol.MessageID) int {
	if id == "" {
		return -1
	}
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Container) findLocalLocked(localID protocol.CorrelationID) (protocol.UserID, int, bool) {
	cp, ok := c.locals[localID]
	if !ok {
		return "", -1, false
	}
	for i, m := range c.history[cp] {
		if m.LocalID == localID {
			return cp, i, true
		}
	}
	return "", -1, false
}
