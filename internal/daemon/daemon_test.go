package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/matheus3301/amora/internal/api"
	"github.com/matheus3301/amora/internal/delivery"
	"github.com/matheus3301/amora/internal/lock"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/session"
	"github.com/matheus3301/amora/internal/store"
	"github.com/matheus3301/amora/internal/transport/transporttest"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

const (
	userID = "65a1f0c2e4b0a1b2c3d4e5f6"
	alice  = "507f1f77bcf86cd799439011"
)

// setupHome points AMORA_HOME at a short /tmp dir (Unix socket paths are
// limited to ~104 bytes) and writes a session.toml for "test".
func setupHome(t *testing.T, durable bool) {
	t.Helper()
	home, err := os.MkdirTemp("/tmp", "amora-d-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(session.HomeEnv, home)
	t.Setenv("AMORA_TOKEN", "")

	body := `
[server]
realtime = "ws://127.0.0.1:1/socket"
api = "http://127.0.0.1:1/api"

[account]
user_id = "` + userID + `"
token = "tok"

[network]
probe_interval = "0s"

[delivery]
durable = ` + map[bool]string{true: "true", false: "false"}[durable] + `
send_timeout = "1s"
`
	if err := os.MkdirAll(session.Dir("test"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(session.ConfigPath("test"), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
}

func startDaemon(t *testing.T, d *transporttest.Dialer) *fxtest.App {
	t.Helper()
	app := fxtest.New(t,
		fx.NopLogger,
		Module(Params{SessionName: "test", Dialer: d}),
	)
	app.RequireStart()
	return app
}

func dialControl(t *testing.T) *api.Client {
	t.Helper()
	c, err := api.NewClient(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	setupHome(t, false)
	d := transporttest.NewDialer()
	app := startDaemon(t, d)

	conn := d.WaitConn(t, 2*time.Second)
	if creds := d.Credentials(); len(creds) != 1 || string(creds[0].UserID) != userID || creds[0].Token != "tok" {
		t.Fatalf("credentials = %+v", creds)
	}

	client := dialControl(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eventually(t, "connected status", func() bool {
		out, err := client.Call(ctx, api.MethodGetStatus, nil)
		return err == nil && out["state"] == "CONNECTED"
	})

	go func() {
		for ctx.Err() == nil {
			frames := conn.Written(protocol.KindSendMessage)
			if len(frames) == 0 {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			var p protocol.SendMessagePayload
			_ = json.Unmarshal(frames[0].Data, &p)
			conn.Push(protocol.KindMessageSent, protocol.MessageSent{
				TempMessageID: p.TempMessageID,
				Message:       protocol.MessagePayload{ID: "srv-1", Sender: userID, Recipient: p.RecipientID, Type: p.Type, Content: p.Content, CreatedAt: time.Now()},
			})
			return
		}
	}()
	out, err := client.Call(ctx, api.MethodSendMessage, map[string]any{"recipientId": alice, "content": "hello"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg, _ := out["message"].(map[string]any); msg["id"] != "srv-1" {
		t.Errorf("message = %v", msg)
	}

	app.RequireStop()
	if _, err := os.Stat(session.SocketPath("test")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket should be removed, stat error = %v", err)
	}
	if !conn.Closed() {
		t.Error("transport should be closed on stop")
	}
	l, err := lock.Acquire(session.Dir("test"), userID)
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = l.Release()
}

func TestDaemonReplaysDurableQueue(t *testing.T) {
	setupHome(t, true)

	// Leave an envelope behind as a crashed run would.
	db, err := store.Open(session.DBPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	env, err := delivery.NewEnvelope("left-over", protocol.KindSendMessage, protocol.SendMessagePayload{
		RecipientID: alice, Type: protocol.TypeText, Content: "from last run", TempMessageID: "left-over",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveEnvelope(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	d := transporttest.NewDialer()
	app := startDaemon(t, d)
	defer app.RequireStop()

	conn := d.WaitConn(t, 2*time.Second)
	frames := conn.WaitWritten(t, protocol.KindSendMessage, 1, 2*time.Second)
	var p protocol.SendMessagePayload
	if err := json.Unmarshal(frames[0].Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.TempMessageID != "left-over" || p.Content != "from last run" {
		t.Fatalf("replayed payload = %+v", p)
	}

	conn.Push(protocol.KindMessageSent, protocol.MessageSent{
		TempMessageID: "left-over",
		Message:       protocol.MessagePayload{ID: "srv-7", Sender: userID, Recipient: alice, Type: protocol.TypeText, Content: "from last run", CreatedAt: time.Now()},
	})

	client := dialControl(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	eventually(t, "queue drained", func() bool {
		out, err := client.Call(ctx, api.MethodGetStatus, nil)
		return err == nil && out["pendingDeliveries"] == float64(0)
	})
	out, err := client.Call(ctx, api.MethodListMessages, map[string]any{"counterpart": alice})
	if err != nil {
		t.Fatal(err)
	}
	if msgs, _ := out["messages"].([]any); len(msgs) != 1 {
		t.Errorf("messages = %v", out["messages"])
	}
}

func TestDaemonRefusesHeldLock(t *testing.T) {
	setupHome(t, false)
	l, err := lock.Acquire(session.Dir("test"), userID)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Release() }()

	app := fx.New(fx.NopLogger, Module(Params{SessionName: "test", Dialer: transporttest.NewDialer()}))
	var held *lock.LockHeldError
	if !errors.As(app.Err(), &held) {
		t.Fatalf("app.Err() = %v, want LockHeldError", app.Err())
	}
}

func TestDaemonRejectsInvalidConfig(t *testing.T) {
	setupHome(t, false)
	if err := os.WriteFile(session.ConfigPath("test"), []byte("[server]\nrealtime = \"\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	app := fx.New(fx.NopLogger, Module(Params{SessionName: "test"}))
	if app.Err() == nil {
		t.Fatal("expected config error")
	}
}
