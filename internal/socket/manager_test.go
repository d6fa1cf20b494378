package socket

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/amora/internal/lifecycle"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/status"
	"github.com/matheus3301/amora/internal/transport"
	"github.com/matheus3301/amora/internal/transport/transporttest"
	"go.uber.org/zap"
)

const (
	testUser  = protocol.UserID("65a1f0c2e4b0a1b2c3d4e5f6")
	waitLimit = 2 * time.Second
)

func testConfig() Config {
	return Config{
		ConnectTimeout:       100 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Millisecond,
		ReconnectDelayMax:    10 * time.Millisecond,
		ManualReconnectDelay: 5 * time.Millisecond,
		HeartbeatInterval:    20 * time.Millisecond,
		HeartbeatTimeout:     70 * time.Millisecond,
		RefreshInterval:      time.Hour,
		EmitQueueSize:        4,
	}
}

// recorder collects dispatched events of the kinds it was attached to.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	ch     chan protocol.Event
}

func record(m *Manager, kinds ...protocol.Kind) *recorder {
	r := &recorder{ch: make(chan protocol.Event, 256)}
	for _, k := range kinds {
		m.On(k, func(e protocol.Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
			r.ch <- e
		})
	}
	return r
}

func (r *recorder) wait(t *testing.T, kind protocol.Kind) protocol.Event {
	t.Helper()
	deadline := time.After(waitLimit)
	for {
		select {
		case e := <-r.ch:
			if e.Kind() == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", kind, waitLimit)
			return nil
		}
	}
}

func (r *recorder) count(kind protocol.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind() == kind {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, d *transporttest.Dialer, src lifecycle.Source) *Manager {
	t.Helper()
	m := New(testConfig(), d, src, status.NewMachine(nil), zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func waitState(t *testing.T, m *Manager, want status.State) {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", m.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestInitConnects(t *testing.T) {
	d := transporttest.NewDialer()
	m := newTestManager(t, d, nil)
	rec := record(m, protocol.KindConnect)

	if err := m.Init(testUser, "tok"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	evt := rec.wait(t, protocol.KindConnect).(protocol.Connected)
	if evt.Reconnect {
		t.Error("first connect reported as reconnect")
	}
	if !m.Connected() {
		t.Error("Connected() = false after connect event")
	}
	creds := d.Credentials()
	if len(creds) != 1 || creds[0].UserID != testUser || creds[0].Token != "tok" {
		t.Errorf("dial credentials = %+v", creds)
	}
}

func TestInitWhileConnectingIsNoop(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetHang(true)
	m := newTestManager(t, d, nil)

	_ = m.Init(testUser, "tok")
	_ = m.Init(testUser, "tok")
	_ = m.Init(testUser, "tok")
	time.Sleep(20 * time.Millisecond)

	if got := d.Dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestInitSameCredentialsWhileConnected(t *testing.T) {
	d := transporttest.NewDialer()
	m := newTestManager(t, d, nil)
	_ = m.Init(testUser, "tok")
	d.WaitConn(t, waitLimit)
	waitState(t, m, status.Connected)

	_ = m.Init(testUser, "tok")
	if got := d.Dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestDropTriggersReconnect(t *testing.T) {
	d := transporttest.NewDialer()
	m := newTestManager(t, d, nil)
	rec := record(m, protocol.KindDisconnect, protocol.KindReconnect, protocol.KindConnect)

	_ = m.Init(testUser, "tok")
	first := d.WaitConn(t, waitLimit)
	rec.wait(t, protocol.KindConnect)

	first.Drop()
	if e := rec.wait(t, protocol.KindDisconnect).(protocol.Disconnected); e.Intentional {
		t.Error("server drop reported as intentional")
	}
	d.WaitConn(t, waitLimit)
	rec.wait(t, protocol.KindReconnect)
	if e := rec.wait(t, protocol.KindConnect).(protocol.Connected); !e.Reconnect {
		t.Error("second connect not flagged as reconnect")
	}
}

func TestRetriesExhausted(t *testing.T) {
	d := transporttest.NewDialer()
	d.FailNext(transporttest.ErrDialRefused, transporttest.ErrDialRefused, transporttest.ErrDialRefused)
	m := newTestManager(t, d, nil)
	rec := record(m, protocol.KindConnectError, protocol.KindReconnectFailed)

	_ = m.Init(testUser, "tok")
	e := rec.wait(t, protocol.KindReconnectFailed).(protocol.ReconnectFailed)
	if e.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", e.Attempts)
	}
	waitState(t, m, status.Disconnected)
	if !m.Exhausted() {
		t.Error("Exhausted() = false")
	}
	if got := rec.count(protocol.KindConnectError); got != 3 {
		t.Errorf("connect errors = %d, want 3", got)
	}
	time.Sleep(30 * time.Millisecond)
	if got := d.Dials(); got != 3 {
		t.Errorf("dials after exhaustion = %d, want 3", got)
	}
}

func TestConnectTimeout(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetHang(true)
	m := newTestManager(t, d, nil)
	rec := record(m, protocol.KindConnectTimeout)

	_ = m.Init(testUser, "tok")
	rec.wait(t, protocol.KindConnectTimeout)
}

func TestAuthErrorNotRetried(t *testing.T) {
	d := transporttest.NewDialer()
	d.FailNext(transport.ErrUnauthorized)
	m := newTestManager(t, d, nil)
	rec := record(m, protocol.KindAuthError)

	_ = m.Init(testUser, "bad")
	rec.wait(t, protocol.KindAuthError)
	waitState(t, m, status.Disconnected)

	time.Sleep(40 * time.Millisecond)
	if got := d.Dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if err := m.Reconnect(); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Reconnect() = %v, want ErrAuthFailed", err)
	}
}

func TestServerAuthErrorEvent(t *testing.T) {
	d := transporttest.NewDialer()
	m := newTestManager(t, d, nil)
	rec := record(m, protocol.KindAuthError)

	_ = m.Init(testUser, "tok")
	c := d.WaitConn(t, waitLimit)
	c.Push(protocol.KindAuthError, map[string]string{"message": "token expired"})

	e := rec.wait(t, protocol.KindAuthError).(protocol.AuthError)
	if e.Message != "token expired" {
		t.Errorf("message = %q", e.Message)
	}
	waitState(t, m, status.Disconnected)
	if !c.Closed() {
		t.Error("connection left open after auth error")
	}
}

func TestHeartbeatTimeoutReconnectsOnce(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetAutoPong(false)
	m := newTestManager(t, d, nil)
	rec := record(m, protocol.KindDisconnect)

	_ = m.Init(testUser, "tok")
	first := d.WaitConn(t, waitLimit)
	d.SetAutoPong(true)
	first.WaitWritten(t, protocol.KindPing, 1, waitLimit)

	e := rec.wait(t, protocol.KindDisconnect).(protocol.Disconnected)
	if e.Reason != "heartbeat timeout" {
		t.Errorf("reason = %q", e.Reason)
	}
	d.WaitConn(t, waitLimit)
	waitState(t, m, status.Connected)

	time.Sleep(50 * time.Millisecond)
	if got := d.Dials(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	if got := rec.count(protocol.KindDisconnect); got != 1 {
		t.Errorf("disconnects = %d, want 1", got)
	}
}

func TestForcedRefreshReconnects(t *testing.T) {
	d := transporttest.NewDialer()
	cfg := testConfig()
	cfg.RefreshInterval = 150 * time.Millisecond
	m := New(cfg, d, nil, status.NewMachine(nil), zap.NewNop())
	t.Cleanup(m.Close)
	rec := record(m, protocol.KindDisconnect, protocol.KindConnect)

	_ = m.Init(testUser, "tok")
	first := d.WaitConn(t, waitLimit)
	rec.wait(t, protocol.KindConnect)

	e := rec.wait(t, protocol.KindDisconnect).(protocol.Disconnected)
	if !e.Intentional || e.Reason != "connection refresh" {
		t.Errorf("disconnect = %+v, want intentional connection refresh", e)
	}
	if !first.Closed() {
		t.Error("refreshed connection left open")
	}
	d.WaitConn(t, waitLimit)
	rec.wait(t, protocol.KindConnect)
	if got := d.Dials(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	if got := rec.count(protocol.KindDisconnect); got != 1 {
		t.Errorf("disconnects = %d, want 1", got)
	}
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	d := transporttest.NewDialer()
	m := newTestManager(t, d, nil)
	_ = m.Init(testUser, "tok")
	c := d.WaitConn(t, waitLimit)

	c.WaitWritten(t, protocol.KindPing, 5, waitLimit)
	if got := d.Dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if m.Snapshot().LastPong.IsZero() {
		t.Error("last pong not recorded")
	}
}

func TestEmitQueuesUntilConnected(t *testing.T) {
	d := transporttest.NewDialer()
	d.FailNext(transporttest.ErrDialRefused)
	m := newTestManager(t, d, nil)

	if err := m.Emit(protocol.KindTyping, protocol.TypingPayload{RecipientID: testUser}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	_ = m.Init(testUser, "tok")
	c := d.WaitConn(t, waitLimit)
	c.WaitWritten(t, protocol.KindTyping, 1, waitLimit)
}

func TestEmitQueueDropsOldest(t *testing.T) {
	d := transporttest.NewDialer()
	m := newTestManager(t, d, nil)
	for i := 0; i < 6; i++ {
		_ = m.Emit(protocol.KindPing, protocol.PingPayload{Timestamp: int64(i)})
	}
	if got := m.Snapshot().QueuedEmits; got != 4 {
		t.Errorf("queued = %d, want 4", got)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	d := transporttest.NewDialer()
	m := newTestManager(t, d, nil)
	if err := m.Send(protocol.KindTyping, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() = %v, want ErrNotConnected", err)
	}
}

func TestManualReconnect(t *testing.T) {
	d := transporttest.NewDialer()
	m := newTestManager(t, d, nil)
	rec := record(m, protocol.KindDisconnect)
	_ = m.Init(testUser, "tok")
	first := d.WaitConn(t, waitLimit)
	waitState(t, m, status.Connected)

	if err := m.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if err := m.Reconnect(); err != nil {
		t.Fatalf("second Reconnect: %v", err)
	}
	if e := rec.wait(t, protocol.KindDisconnect).(protocol.Disconnected); !e.Intentional {
		t.Error("manual reconnect not flagged intentional")
	}
	d.WaitConn(t, waitLimit)
	waitState(t, m, status.Connected)
	if !first.Closed() {
		t.Error("old connection not closed")
	}
	time.Sleep(20 * time.Millisecond)
	if got := d.Dials(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestReconnectWithoutInit(t *testing.T) {
	m := newTestManager(t, transporttest.NewDialer(), nil)
	if err := m.Reconnect(); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Reconnect() = %v, want ErrNoCredentials", err)
	}
}

func TestHandlersOrderedAndRemovable(t *testing.T) {
	d := transporttest.NewDialer()
	m := newTestManager(t, d, nil)

	var mu sync.Mutex
	var calls []string
	done := make(chan struct{}, 4)
	mk := func(name string) Handler {
		return func(protocol.Event) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			done <- struct{}{}
		}
	}
	m.On(protocol.KindNewMessage, mk("a"))
	idB := m.On(protocol.KindNewMessage, mk("b"))
	m.On(protocol.KindNewMessage, mk("c"))
	if !m.Off(protocol.KindNewMessage, idB) {
		t.Fatal("Off returned false for live handler")
	}
	if m.Off(protocol.KindNewMessage, idB) {
		t.Error("Off returned true twice")
	}

	_ = m.Init(testUser, "tok")
	c := d.WaitConn(t, waitLimit)
	c.Push(protocol.KindNewMessage, protocol.MessagePayload{ID: "m1", Sender: "u2", Recipient: testUser, Type: protocol.TypeText, Content: "hi"})
	<-done
	<-done

	mu.Lock()
	got := append([]string(nil), calls...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("calls = %v, want [a c]", got)
	}

	m.RemoveAllHandlers()
	if n := m.HandlerCount(); n != 0 {
		t.Errorf("HandlerCount = %d after RemoveAllHandlers", n)
	}
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	d := transporttest.NewDialer()
	m := newTestManager(t, d, nil)
	m.On(protocol.KindConnect, func(protocol.Event) { panic("boom") })
	rec := record(m, protocol.KindConnect)

	_ = m.Init(testUser, "tok")
	rec.wait(t, protocol.KindConnect)
}

func TestDisconnectUnregistersLifecycle(t *testing.T) {
	src := lifecycle.NewManual()
	d := transporttest.NewDialer()
	m := newTestManager(t, d, src)
	_ = m.Init(testUser, "tok")
	d.WaitConn(t, waitLimit)
	if src.Registered() != 1 {
		t.Fatalf("registered = %d, want 1", src.Registered())
	}

	m.Disconnect()
	if src.Registered() != 0 {
		t.Errorf("registered = %d after Disconnect, want 0", src.Registered())
	}
	if m.State() != status.Disconnected {
		t.Errorf("state = %s", m.State())
	}
	time.Sleep(30 * time.Millisecond)
	if got := d.Dials(); got != 1 {
		t.Errorf("dials after Disconnect = %d, want 1", got)
	}
}

func TestOnlineSignalResumesAfterExhaustion(t *testing.T) {
	src := lifecycle.NewManual()
	d := transporttest.NewDialer()
	d.FailNext(transporttest.ErrDialRefused, transporttest.ErrDialRefused, transporttest.ErrDialRefused)
	m := newTestManager(t, d, src)
	rec := record(m, protocol.KindReconnectFailed)

	_ = m.Init(testUser, "tok")
	rec.wait(t, protocol.KindReconnectFailed)
	waitState(t, m, status.Disconnected)

	src.Emit(lifecycle.Online)
	d.WaitConn(t, waitLimit)
	waitState(t, m, status.Connected)
}

func TestForegroundStaleConnectionReconnects(t *testing.T) {
	src := lifecycle.NewManual()
	d := transporttest.NewDialer()
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatTimeout = 2 * time.Hour
	m := New(cfg, d, src, status.NewMachine(nil), zap.NewNop())
	t.Cleanup(m.Close)

	_ = m.Init(testUser, "tok")
	c := d.WaitConn(t, waitLimit)
	waitState(t, m, status.Connected)

	src.Emit(lifecycle.Foreground)
	c.WaitWritten(t, protocol.KindPing, 1, waitLimit)
	if got := d.Dials(); got != 1 {
		t.Errorf("fresh connection redialed on foreground: dials = %d", got)
	}
}

func TestOfflineSuspendsHeartbeat(t *testing.T) {
	src := lifecycle.NewManual()
	d := transporttest.NewDialer()
	m := newTestManager(t, d, src)
	_ = m.Init(testUser, "tok")
	c := d.WaitConn(t, waitLimit)
	waitState(t, m, status.Connected)

	src.Emit(lifecycle.Offline)
	time.Sleep(30 * time.Millisecond)
	before := len(c.Written(protocol.KindPing))
	time.Sleep(60 * time.Millisecond)
	if after := len(c.Written(protocol.KindPing)); after != before {
		t.Errorf("pings while offline: %d -> %d", before, after)
	}
	if !m.Snapshot().Offline {
		t.Error("snapshot not offline")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"timeout below interval", func(c *Config) { c.HeartbeatTimeout = c.HeartbeatInterval }, true},
		{"max delay below delay", func(c *Config) { c.ReconnectDelayMax = c.ReconnectDelay / 2 }, true},
		{"refresh too short", func(c *Config) { c.RefreshInterval = c.HeartbeatTimeout }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
