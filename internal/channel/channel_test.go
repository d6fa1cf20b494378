package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/amora/internal/delivery"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/socket"
	"github.com/matheus3301/amora/internal/transport/transporttest"
	"go.uber.org/zap"
)

const (
	self      = protocol.UserID("65a1f0c2e4b0a1b2c3d4e5f6")
	recipient = protocol.UserID("507f1f77bcf86cd799439011")
	waitLimit = 2 * time.Second
)

type harness struct {
	ch      *Channel
	mgr     *socket.Manager
	dialer  *transporttest.Dialer
	settled chan Settlement
}

func newHarness(t *testing.T, cfg Config, maxRetries int) *harness {
	t.Helper()
	d := transporttest.NewDialer()
	mgr := socket.New(socket.Config{
		ReconnectDelay:       5 * time.Millisecond,
		ReconnectDelayMax:    10 * time.Millisecond,
		ManualReconnectDelay: 5 * time.Millisecond,
		HeartbeatInterval:    time.Hour,
		HeartbeatTimeout:     2 * time.Hour,
		RefreshInterval:      3 * time.Hour,
	}, d, nil, nil, zap.NewNop())
	t.Cleanup(mgr.Close)

	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 100 * time.Millisecond
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 100 * time.Millisecond
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Hour
	}
	h := &harness{
		ch:      New(mgr, delivery.New(maxRetries, nil, zap.NewNop()), cfg, zap.NewNop()),
		mgr:     mgr,
		dialer:  d,
		settled: make(chan Settlement, 32),
	}
	h.ch.Start(func(s Settlement) { h.settled <- s })
	t.Cleanup(h.ch.Stop)
	return h
}

func (h *harness) connect(t *testing.T) *transporttest.Conn {
	t.Helper()
	if err := h.mgr.Init(self, "tok"); err != nil {
		t.Fatal(err)
	}
	c := h.dialer.WaitConn(t, waitLimit)
	deadline := time.Now().Add(waitLimit)
	for !h.mgr.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("manager never connected")
		}
		time.Sleep(2 * time.Millisecond)
	}
	return c
}

func (h *harness) waitSettlement(t *testing.T) Settlement {
	t.Helper()
	select {
	case s := <-h.settled:
		return s
	case <-time.After(waitLimit):
		t.Fatal("no settlement")
		return Settlement{}
	}
}

// autoAck plays the server: every sendMessage written to c is answered with
// messageSent carrying a server id derived from the correlation id.
func autoAck(t *testing.T, c *transporttest.Conn) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		seen := 0
		for {
			select {
			case <-done:
				return
			case <-time.After(2 * time.Millisecond):
			}
			frames := c.Written(protocol.KindSendMessage)
			for _, f := range frames[seen:] {
				var p protocol.SendMessagePayload
				if err := json.Unmarshal(f.Data, &p); err != nil {
					continue
				}
				c.Push(protocol.KindMessageSent, protocol.MessageSent{
					TempMessageID: p.TempMessageID,
					Message: protocol.MessagePayload{
						ID:        protocol.MessageID("srv-" + string(p.TempMessageID)),
						Sender:    self,
						Recipient: p.RecipientID,
						Type:      p.Type,
						Content:   p.Content,
						CreatedAt: time.Now(),
					},
				})
			}
			seen = len(frames)
		}
	}()
}

func textReq(content string) SendRequest {
	return SendRequest{Recipient: recipient, Type: protocol.TypeText, Content: content}
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"short recipient", SendRequest{Recipient: "abc", Type: protocol.TypeText, Content: "hi"}, ErrInvalidRecipient},
		{"non hex recipient", SendRequest{Recipient: "zzzf1f77bcf86cd799439011", Type: protocol.TypeText, Content: "hi"}, ErrInvalidRecipient},
		{"unknown type", SendRequest{Recipient: recipient, Type: "sticker", Content: "hi"}, ErrInvalidType},
		{"blank text", textReq("   \n"), ErrEmptyContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ch.SendMessage(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if h.ch.Queue().Len() != 0 {
		t.Errorf("invalid sends were queued: %d", h.ch.Queue().Len())
	}
}

func TestWinkAllowsEmptyContent(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	res, err := h.ch.SendMessage(context.Background(), SendRequest{Recipient: recipient, Type: protocol.TypeWink})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !res.Pending {
		t.Error("expected pending result while disconnected")
	}
}

func TestSendWhileDisconnectedThenReplayed(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	start := time.Now()
	res, err := h.ch.SendMessage(context.Background(), textReq("hi"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !res.Pending || res.LocalID == "" {
		t.Fatalf("result = %+v, want pending with local id", res)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("disconnected send blocked for %s", time.Since(start))
	}
	if !h.ch.Queue().Has(res.LocalID) {
		t.Fatal("message not queued")
	}

	c := h.connect(t)
	autoAck(t, c)
	s := h.waitSettlement(t)
	if s.LocalID != res.LocalID || s.Outcome != Delivered {
		t.Fatalf("settlement = %+v", s)
	}
	if want := protocol.MessageID("srv-" + string(res.LocalID)); s.Message.ID != want {
		t.Errorf("server id = %s, want %s", s.Message.ID, want)
	}
	if h.ch.Queue().Len() != 0 {
		t.Errorf("queue len = %d after ack", h.ch.Queue().Len())
	}
}

func TestSendConnectedAcked(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	c := h.connect(t)
	autoAck(t, c)

	res, err := h.ch.SendMessage(context.Background(), textReq("hello"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.Pending {
		t.Fatal("acked send reported pending")
	}
	if res.Message.Content != "hello" || res.Message.ID == "" {
		t.Errorf("message = %+v", res.Message)
	}
	if h.ch.Pending() != 0 {
		t.Errorf("waiters left: %d", h.ch.Pending())
	}
}

func TestSendTimeoutQueuesAndIgnoresLateAck(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	c := h.connect(t)

	res, err := h.ch.SendMessage(context.Background(), textReq("slow"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !res.Pending {
		t.Fatal("timed out send should be pending")
	}
	if !h.ch.Queue().Has(res.LocalID) {
		t.Fatal("timed out send not queued")
	}
	if h.ch.Pending() != 0 {
		t.Errorf("timed out waiter not removed: %d", h.ch.Pending())
	}

	c.Push(protocol.KindMessageSent, protocol.MessageSent{TempMessageID: res.LocalID, Message: protocol.MessagePayload{ID: "late"}})
	time.Sleep(30 * time.Millisecond)
	select {
	case s := <-h.settled:
		t.Errorf("late ack settled %+v", s)
	default:
	}
	if !h.ch.Queue().Has(res.LocalID) {
		t.Error("late ack removed the queued envelope")
	}
}

func TestSendServerError(t *testing.T) {
	h := newHarness(t, Config{SendTimeout: time.Second}, 0)
	c := h.connect(t)

	go func() {
		frames := c.WaitWritten(t, protocol.KindSendMessage, 1, waitLimit)
		var p protocol.SendMessagePayload
		_ = json.Unmarshal(frames[0].Data, &p)
		c.Push(protocol.KindMessageError, protocol.MessageError{TempMessageID: p.TempMessageID, Message: "blocked"})
	}()

	res, err := h.ch.SendMessage(context.Background(), textReq("hi"))
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServerError", err)
	}
	if se.Message != "blocked" {
		t.Errorf("message = %q", se.Message)
	}
	if h.ch.Queue().Has(res.LocalID) {
		t.Error("server-rejected message was queued")
	}
}

func TestReplayPreservesOrder(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	var ids []protocol.CorrelationID
	for i := 0; i < 5; i++ {
		res, err := h.ch.SendMessage(context.Background(), textReq(fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, res.LocalID)
	}

	c := h.connect(t)
	autoAck(t, c)
	for range ids {
		h.waitSettlement(t)
	}

	frames := c.Written(protocol.KindSendMessage)
	if len(frames) != len(ids) {
		t.Fatalf("replayed %d frames, want %d", len(frames), len(ids))
	}
	for i, f := range frames {
		var p protocol.SendMessagePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			t.Fatal(err)
		}
		if p.TempMessageID != ids[i] {
			t.Errorf("frame %d = %s, want %s", i, p.TempMessageID, ids[i])
		}
	}
}

func TestReplayKeepsUnackedUntilRetriesExhausted(t *testing.T) {
	h := newHarness(t, Config{SendTimeout: 20 * time.Millisecond, RetryDelay: 10 * time.Millisecond}, 2)
	res, _ := h.ch.SendMessage(context.Background(), textReq("never acked"))

	c := h.connect(t)
	s := h.waitSettlement(t)
	if s.LocalID != res.LocalID || s.Outcome != Failed || !errors.Is(s.Err, ErrRetriesExhausted) {
		t.Fatalf("settlement = %+v", s)
	}
	if got := len(c.Written(protocol.KindSendMessage)); got != 2 {
		t.Errorf("retransmissions = %d, want 2", got)
	}
	if h.ch.Queue().Len() != 0 {
		t.Error("exhausted envelope still queued")
	}
}

func TestSettlementHappensOnce(t *testing.T) {
	h := newHarness(t, Config{SendTimeout: time.Second}, 0)
	res, _ := h.ch.SendMessage(context.Background(), textReq("once"))
	c := h.connect(t)
	c.WaitWritten(t, protocol.KindSendMessage, 1, waitLimit)

	for i := 0; i < 3; i++ {
		c.Push(protocol.KindMessageSent, protocol.MessageSent{TempMessageID: res.LocalID, Message: protocol.MessagePayload{ID: "srv-1"}})
	}
	h.waitSettlement(t)
	time.Sleep(30 * time.Millisecond)
	if n := len(h.settled); n != 0 {
		t.Errorf("extra settlements: %d", n)
	}
}

func TestInitiateVideoCall(t *testing.T) {
	h := newHarness(t, Config{CallTimeout: time.Second}, 0)
	c := h.connect(t)

	go func() {
		frames := c.WaitWritten(t, protocol.KindInitiateVideoCall, 1, waitLimit)
		var p protocol.InitiateCallPayload
		_ = json.Unmarshal(frames[0].Data, &p)
		c.Push(protocol.KindCallInitiated, protocol.CallInitiated{RequestID: p.RequestID, CallID: "call-1"})
	}()

	got, err := h.ch.InitiateVideoCall(context.Background(), recipient, "peer-local")
	if err != nil {
		t.Fatalf("InitiateVideoCall: %v", err)
	}
	if got.CallID != "call-1" {
		t.Errorf("call id = %q", got.CallID)
	}
}

func TestInitiateVideoCallTimeout(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	h.connect(t)

	_, err := h.ch.InitiateVideoCall(context.Background(), recipient, "peer-local")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if h.ch.Pending() != 0 {
		t.Errorf("waiters left after timeout: %d", h.ch.Pending())
	}
}

func TestCallRequiresConnection(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	if _, err := h.ch.InitiateVideoCall(context.Background(), recipient, "p"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("initiate err = %v", err)
	}
	if _, err := h.ch.AnswerVideoCall(context.Background(), recipient, true, "p"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("answer err = %v", err)
	}
}

func TestAnswerVideoCallServerError(t *testing.T) {
	h := newHarness(t, Config{CallTimeout: time.Second}, 0)
	c := h.connect(t)

	go func() {
		frames := c.WaitWritten(t, protocol.KindAnswerCall, 1, waitLimit)
		var p protocol.AnswerCallPayload
		_ = json.Unmarshal(frames[0].Data, &p)
		c.Push(protocol.KindCallError, protocol.CallError{RequestID: p.RequestID, Message: "call no longer exists"})
	}()

	_, err := h.ch.AnswerVideoCall(context.Background(), recipient, true, "peer-local")
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServerError", err)
	}
}

func TestSendTyping(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	if err := h.ch.SendTyping(recipient); err != nil {
		t.Fatalf("disconnected SendTyping: %v", err)
	}
	if h.ch.Queue().Len() != 0 {
		t.Error("typing signal queued")
	}
	if err := h.ch.SendTyping("bad"); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("bad recipient err = %v", err)
	}

	c := h.connect(t)
	if err := h.ch.SendTyping(recipient); err != nil {
		t.Fatal(err)
	}
	c.WaitWritten(t, protocol.KindTyping, 1, waitLimit)
	// The typing signal sent while disconnected must not be flushed.
	time.Sleep(20 * time.Millisecond)
	if got := len(c.Written(protocol.KindTyping)); got != 1 {
		t.Errorf("typing frames = %d, want 1", got)
	}
}

func TestStopRemovesHandlers(t *testing.T) {
	h := newHarness(t, Config{}, 0)
	if h.mgr.HandlerCount() == 0 {
		t.Fatal("Start registered no handlers")
	}
	h.ch.Stop()
	if n := h.mgr.HandlerCount(); n != 0 {
		t.Errorf("handlers after Stop = %d", n)
	}
}

func TestConcurrentSends(t *testing.T) {
	h := newHarness(t, Config{SendTimeout: time.Second}, 0)
	c := h.connect(t)
	autoAck(t, c)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.ch.SendMessage(context.Background(), textReq(fmt.Sprintf("m%d", i)))
			if err != nil {
				errs <- err
				return
			}
			if res.Pending {
				errs <- fmt.Errorf("send %d pending", i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
