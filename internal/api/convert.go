package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/amora/internal/bus"
	"github.com/matheus3301/amora/internal/chat"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func timeField(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func messageFields(m chat.Message) map[string]any {
	out := map[string]any{
		"id":        string(m.ID),
		"localId":   string(m.LocalID),
		"sender":    string(m.Sender),
		"recipient": string(m.Recipient),
		"type":      string(m.Type),
		"content":   m.Content,
		"createdAt": timeField(m.CreatedAt),
		"read":      m.Read,
		"pending":   m.Pending,
		"failed":    m.Failed,
	}
	if len(m.Metadata) > 0 {
		out["metadata"] = jsonValue(m.Metadata)
	}
	return out
}

func messageList(msgs []chat.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageFields(m))
	}
	return out
}

func conversationFields(c chat.Conversation) map[string]any {
	out := map[string]any{
		"userId":      string(c.Counterpart.ID),
		"name":        c.Counterpart.Name,
		"photoUrl":    c.Counterpart.PhotoURL,
		"updatedAt":   timeField(c.UpdatedAt),
		"unreadCount": c.UnreadCount,
	}
	if c.LastMessage != nil {
		out["lastMessage"] = messageFields(*c.LastMessage)
	}
	return out
}

func callFields(s chat.CallSession) map[string]any {
	return map[string]any{
		"callId":       s.CallID,
		"callerId":     string(s.CallerID),
		"recipientId":  string(s.RecipientID),
		"localPeerId":  s.LocalPeerID,
		"remotePeerId": s.RemotePeerID,
		"status":       string(s.Status),
		"startedAt":    timeField(s.StartedAt),
		"endReason":    s.EndReason,
	}
}

// eventFields renders a bus event for WatchEvents.
func eventFields(evt bus.Event) map[string]any {
	return map[string]any{
		"eventId":      uuid.NewString(),
		"kind":         evt.Kind,
		"occurredAtMs": evt.Timestamp.UnixMilli(),
		"payload":      payloadFields(evt.Payload),
	}
}

func payloadFields(p any) any {
	switch v := p.(type) {
	case nil:
		return nil
	case chat.MessageEvent:
		out := map[string]any{
			"counterpart": string(v.Counterpart),
			"message":     messageFields(v.Message),
		}
		if v.Err != "" {
			out["error"] = v.Err
		}
		return out
	case chat.ReadEvent:
		ids := make([]any, 0, len(v.MessageIDs))
		for _, id := range v.MessageIDs {
			ids = append(ids, string(id))
		}
		return map[string]any{"counterpart": string(v.Counterpart), "messageIds": ids, "byPeer": v.ByPeer}
	case chat.PresenceEvent:
		return map[string]any{"userId": string(v.UserID), "active": v.Active}
	case chat.Notice:
		return map[string]any{"code": v.Code, "text": v.Text}
	case chat.CallSession:
		return callFields(v)
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case protocol.UserID:
		return map[string]any{"userId": string(v)}
	case string:
		return map[string]any{"message": v}
	}
	return jsonValue(p)
}

// jsonValue normalizes arbitrary values into the shapes structpb accepts.
func jsonValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func toStruct(fields map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(fields)
}
