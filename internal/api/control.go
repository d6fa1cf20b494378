package api

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/matheus3301/amora/internal/bus"
	"github.com/matheus3301/amora/internal/chat"
	"github.com/matheus3301/amora/internal/delivery"
	"github.com/matheus3301/amora/internal/lifecycle"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/socket"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Connection is the part of the connection manager the control API drives.
type Connection interface {
	Snapshot() socket.Snapshot
	Reconnect() error
}

// Network receives lifecycle signals reported by the operator.
type Network interface {
	Emit(lifecycle.Signal)
}

// Control implements ControlServer on top of the chat container.
type Control struct {
	sessionName string
	startedAt   time.Time
	conn        Connection
	network     Network
	chat        *chat.Container
	queue       *delivery.Queue
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewControl creates the control service.
func NewControl(sessionName string, conn Connection, network Network, c *chat.Container, q *delivery.Queue, b *bus.Bus, logger *zap.Logger) *Control {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{
		sessionName: sessionName,
		startedAt:   time.Now(),
		conn:        conn,
		network:     network,
		chat:        c,
		queue:       q,
		bus:         b,
		logger:      logger,
	}
}

var _ ControlServer = (*Control)(nil)

func (s *Control) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.conn.Snapshot()
	out := map[string]any{
		"session":       s.sessionName,
		"state":         string(snap.State),
		"userId":        string(snap.UserID),
		"attempts":      snap.Attempts,
		"lastPongAt":    timeField(snap.LastPong),
		"exhausted":     snap.Exhausted,
		"authFailed":    snap.AuthFailed,
		"offline":       snap.Offline,
		"everConnected": snap.EverConnected,
		"queuedEmits":   snap.QueuedEmits,
		"uptimeMs":      time.Since(s.startedAt).Milliseconds(),
		"totalUnread":   s.chat.TotalUnread(),
		"call":          string(s.chat.Call().Status),
	}
	if s.queue != nil {
		out["pendingDeliveries"] = s.queue.Len()
	}
	return toStruct(out)
}

func (s *Control) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	recipient := protocol.UserID(stringField(in, "recipientId"))

	var (
		msg chat.Message
		err error
	)
	if path := stringField(in, "attachment"); path != "" {
		msg, err = s.sendAttachment(ctx, recipient, path)
	} else {
		typ := protocol.MessageType(stringField(in, "type"))
		if typ == "" {
			typ = protocol.TypeText
		}
		var meta map[string]any
		if m := in.GetFields()["metadata"].GetStructValue(); m != nil {
			meta = m.AsMap()
		}
		msg, err = s.chat.SendMessage(ctx, recipient, typ, stringField(in, "content"), meta)
	}
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return toStruct(map[string]any{"message": messageFields(msg)})
}

func (s *Control) sendAttachment(ctx context.Context, recipient protocol.UserID, path string) (chat.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return chat.Message{}, invalidArg("open attachment: %v", err)
	}
	defer func() { _ = f.Close() }()

	progress := func(sent int64) {
		s.logger.Debug("attachment upload", zap.String("file", path), zap.Int64("sent", sent))
	}
	return s.chat.SendAttachment(ctx, recipient, filepath.Base(path), f, progress)
}

func (s *Control) RetryMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "localId")
	if id == "" {
		return nil, invalidArg("localId is required")
	}
	msg, err := s.chat.RetryMessage(ctx, protocol.CorrelationID(id))
	if err != nil {
		return nil, toStatus("retry message", err)
	}
	return toStruct(map[string]any{"message": messageFields(msg)})
}

func (s *Control) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	convs := s.chat.Conversations()
	if boolField(in, "refresh") {
		var err error
		if convs, err = s.chat.LoadConversations(ctx); err != nil {
			return nil, toStatus("load conversations", err)
		}
	}
	list := make([]any, 0, len(convs))
	for _, c := range convs {
		list = append(list, conversationFields(c))
	}
	return toStruct(map[string]any{"conversations": list, "totalUnread": s.chat.TotalUnread()})
}

func (s *Control) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cp, err := counterpart(in)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"messages": messageList(s.chat.Messages(cp))})
}

func (s *Control) LoadHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cp, err := counterpart(in)
	if err != nil {
		return nil, err
	}
	msgs, err := s.chat.LoadMessages(ctx, cp)
	if err != nil {
		return nil, toStatus("load history", err)
	}
	return toStruct(map[string]any{"messages": messageList(msgs)})
}

func (s *Control) MarkRead(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cp, err := counterpart(in)
	if err != nil {
		return nil, err
	}
	var ids []protocol.MessageID
	for _, v := range in.GetFields()["messageIds"].GetListValue().GetValues() {
		if id := v.GetStringValue(); id != "" {
			ids = append(ids, protocol.MessageID(id))
		}
	}
	if len(ids) == 0 {
		for _, m := range s.chat.Messages(cp) {
			if m.Sender == cp && !m.Read && m.ID != "" {
				ids = append(ids, m.ID)
			}
		}
	}
	if err := s.chat.MarkMessagesAsRead(cp, ids); err != nil {
		return nil, toStatus("mark read", err)
	}
	return toStruct(map[string]any{"marked": len(ids), "unread": s.chat.UnreadCount(cp)})
}

func (s *Control) SendTyping(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	recipient := protocol.UserID(stringField(in, "recipientId"))
	if err := s.chat.SendTyping(recipient); err != nil {
		return nil, toStatus("send typing", err)
	}
	return toStruct(map[string]any{})
}

func (s *Control) StartCall(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	recipient := protocol.UserID(stringField(in, "recipientId"))
	call, err := s.chat.StartCall(ctx, recipient)
	if err != nil {
		return nil, toStatus("start call", err)
	}
	return toStruct(map[string]any{"call": callFields(call)})
}

func (s *Control) AnswerCall(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	call, err := s.chat.AnswerCall(ctx, boolField(in, "accept"))
	if err != nil {
		return nil, toStatus("answer call", err)
	}
	return toStruct(map[string]any{"call": callFields(call)})
}

func (s *Control) EndCall(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	call, err := s.chat.EndCall()
	if err != nil {
		return nil, toStatus("end call", err)
	}
	return toStruct(map[string]any{"call": callFields(call)})
}

func (s *Control) Reconnect(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.conn.Reconnect(); err != nil {
		return nil, toStatus("reconnect", err)
	}
	s.logger.Info("manual reconnect requested")
	return toStruct(map[string]any{"state": string(s.conn.Snapshot().State)})
}

func (s *Control) SetNetwork(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name := stringField(in, "signal")
	sig, ok := lifecycle.ParseSignal(name)
	if !ok {
		return nil, invalidArg("unknown signal %q (want online, offline, foreground or background)", name)
	}
	s.network.Emit(sig)
	return toStruct(map[string]any{"signal": sig.String()})
}

func (s *Control) WatchEvents(in *structpb.Struct, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(stringField(in, "prefix"), 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := toStruct(eventFields(evt))
			if err != nil {
				s.logger.Warn("skip unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func boolField(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

func counterpart(in *structpb.Struct) (protocol.UserID, error) {
	cp := protocol.UserID(stringField(in, "counterpart"))
	if err := protocol.ValidateUserID(cp); err != nil {
		return "", invalidArg("counterpart: %v", err)
	}
	return cp, nil
}
