package rest

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/matheus3301/amora/internal/protocol"
)

// Profile is the public part of a user account.
type Profile struct {
	ID       protocol.UserID `json:"_id"`
	Name     string          `json:"name"`
	PhotoURL string          `json:"photoUrl,omitempty"`
}

// ConversationSummary is one row of GET /messages/conversations.
type ConversationSummary struct {
	User        Profile                  `json:"user"`
	LastMessage *protocol.MessagePayload `json:"lastMessage,omitempty"`
	UnreadCount int                      `json:"unreadCount"`
}

// Attachment is the stored file returned by the attachments endpoint.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

// Profile fetches a user's public profile.
func (c *Client) Profile(ctx context.Context, id protocol.UserID) (Profile, error) {
	var p Profile
	if err := c.Get(ctx, "/users/"+url.PathEscape(string(id))).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("get profile %s: %w", id, err)
	}
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}

// History fetches the messages exchanged with counterpart.
func (c *Client) History(ctx context.Context, counterpart protocol.UserID) ([]protocol.MessagePayload, error) {
	var msgs []protocol.MessagePayload
	if err := c.Get(ctx, "/messages/"+url.PathEscape(string(counterpart))).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("get history with %s: %w", counterpart, err)
	}
	return msgs, nil
}

// Conversations fetches the conversation list.
func (c *Client) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	var convs []ConversationSummary
	if err := c.Get(ctx, "/messages/conversations").Decode(&convs); err != nil {
		return nil, fmt.Errorf("get conversations: %w", err)
	}
	return convs, nil
}

// PostMessage sends a message over HTTP instead of the realtime channel.
func (c *Client) PostMessage(ctx context.Context, msg protocol.SendMessagePayload) (protocol.MessagePayload, error) {
	var out protocol.MessagePayload
	if err := c.Post(ctx, "/messages", msg).Decode(&out); err != nil {
		return protocol.MessagePayload{}, fmt.Errorf("post message: %w", err)
	}
	return out, nil
}

// MarkRead marks messages as read on the server.
func (c *Client) MarkRead(ctx context.Context, ids []protocol.MessageID) error {
	body := struct {
		MessageIDs []protocol.MessageID `json:"messageIds"`
	}{ids}
	if err := c.Post(ctx, "/messages/read", body).Err(); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// UploadAttachment stores a file for a later file message.
func (c *Client) UploadAttachment(ctx context.Context, recipient protocol.UserID, name string, r io.Reader, progress Progress) (Attachment, error) {
	var a Attachment
	res := c.Upload(ctx, "/messages/attachments", "file", name, r, map[string]string{"recipientId": string(recipient)}, progress)
	if err := res.Decode(&a); err != nil {
		return Attachment{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if a.Name == "" {
		a.Name = name
	}
	return a, nil
}
