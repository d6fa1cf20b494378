package chat

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/amora/internal/bus"
	"github.com/matheus3301/amora/internal/protocol"
	"go.uber.org/zap"
)

type conversation struct {
	profile   Profile
	updatedAt time.Time
}

// touchConversationLocked brings the counterpart's conversation up to date
// with its history. Unknown counterparts get their profile fetched once;
// concurrent touches while the fetch is in flight do not start another.
func (c *Container) touchConversationLocked(cp protocol.UserID) {
	conv, ok := c.convs[cp]
	if !ok {
		if c.fetching[cp] {
			return
		}
		c.fetching[cp] = true
		c.wg.Add(1)
		go c.fetchProfile(cp)
		return
	}
	if list := c.history[cp]; len(list) > 0 {
		if last := list[len(list)-1].CreatedAt; last.After(conv.updatedAt) {
			conv.updatedAt = last
		}
	}
	c.sortLocked()
	c.bus.Emit(bus.ConversationUpdated, cp)
}

func (c *Container) fetchProfile(cp protocol.UserID) {
	defer c.wg.Done()
	p := Profile{ID: cp}
	if c.api != nil {
		ctx, cancel := c.apiContext()
		fetched, err := c.api.Profile(ctx, cp)
		cancel()
		if err = c.checkAuth(err); err != nil {
			c.logger.Warn("profile fetch failed", zap.String("user_id", string(cp)), zap.Error(err))
		} else {
			p = fetched
		}
	}

	c.mu.Lock()
	delete(c.fetching, cp)
	if _, ok := c.convs[cp]; !ok {
		c.convs[cp] = &conversation{profile: p}
		c.order = append(c.order, cp)
	}
	c.touchConversationLocked(cp)
	c.mu.Unlock()
}

func (c *Container) sortLocked() {
	slices.SortStableFunc(c.order, func(a, b protocol.UserID) int {
		ua, ub := c.convs[a].updatedAt, c.convs[b].updatedAt
		if cmp := ub.Compare(ua); cmp != 0 {
			return cmp
		}
		return strings.Compare(string(a), string(b))
	})
}

// LoadConversations fetches the conversation list from the server and
// merges it. Server unread counts replace local ones.
func (c *Container) LoadConversations(ctx context.Context) ([]Conversation, error) {
	summaries, err := c.api.Conversations(ctx)
	if err = c.checkAuth(err); err != nil {
		return nil, err
	}
	c.mu.Lock()
	for _, s := range summaries {
		cp := s.User.ID
		if cp == "" {
			continue
		}
		conv, ok := c.convs[cp]
		if !ok {
			conv = &conversation{}
			c.convs[cp] = conv
			c.order = append(c.order, cp)
		}
		conv.profile = s.User
		if s.LastMessage != nil && s.LastMessage.ID != "" {
			c.insertLocked(cp, fromPayload(*s.LastMessage))
		}
		if s.UnreadCount > 0 {
			c.unread[cp] = s.UnreadCount
		} else {
			delete(c.unread, cp)
		}
		c.touchConversationLocked(cp)
	}
	c.mu.Unlock()
	return c.Conversations(), nil
}

// Conversations returns the conversation list, most recent first.
func (c *Container) Conversations() []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Conversation, 0, len(c.order))
	for _, cp := range c.order {
		out = append(out, c.snapshotLocked(cp))
	}
	return out
}

// Conversation returns the conversation with cp.
func (c *Container) Conversation(cp protocol.UserID) (Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.convs[cp]; !ok {
		return Conversation{}, false
	}
	return c.snapshotLocked(cp), true
}

func (c *Container) snapshotLocked(cp protocol.UserID) Conversation {
	conv := c.convs[cp]
	out := Conversation{
		Counterpart: conv.profile,
		UpdatedAt:   conv.updatedAt,
		UnreadCount: c.unread[cp],
	}
	if list := c.history[cp]; len(list) > 0 {
		last := list[len(list)-1]
		out.LastMessage = &last
	}
	return out
}

// UnreadCount returns the unread count for cp.
func (c *Container) UnreadCount(cp protocol.UserID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[cp]
}

// TotalUnread returns the unread count across all conversations.
func (c *Container) TotalUnread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, u := range c.unread {
		n += u
	}
	return n
}
