package lifecycle

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
)

func TestManualRegisterUnregister(t *testing.T) {
	m := NewManual()
	var got []Signal
	unregister := m.Register(func(s Signal) { got = append(got, s) })

	m.Emit(Offline)
	m.Emit(Online)
	unregister()
	m.Emit(Foreground)

	if len(got) != 2 || got[0] != Offline || got[1] != Online {
		t.Errorf("got %v, want [offline online]", got)
	}
	if m.Registered() != 0 {
		t.Errorf("Registered() = %d, want 0", m.Registered())
	}
}

func TestParseSignal(t *testing.T) {
	for _, s := range []Signal{Online, Offline, Foreground, Background} {
		got, ok := ParseSignal(s.String())
		if !ok || got != s {
			t.Errorf("ParseSignal(%q) = %v, %v", s.String(), got, ok)
		}
	}
	if _, ok := ParseSignal("hidden"); ok {
		t.Error("ParseSignal(hidden) should fail")
	}
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"wss://chat.example.com/socket", "chat.example.com:443"},
		{"http://localhost:3000", "localhost:3000"},
		{"ws://10.0.0.1/ws", "10.0.0.1:80"},
	}
	for _, tt := range tests {
		got, err := hostPort(tt.in)
		if err != nil {
			t.Fatalf("hostPort(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("hostPort(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProberEmitsOnEdgesOnly(t *testing.T) {
	p, err := NewProber("ws://example.invalid:9", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	reachable := true
	p.dial = func(context.Context, string, string) (net.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if !reachable {
			return nil, errors.New("unreachable")
		}
		c1, c2 := net.Pipe()
		_ = c2.Close()
		return c1, nil
	}

	var got []Signal
	p.Register(func(s Signal) { got = append(got, s) })

	ctx := context.Background()
	p.probe(ctx)
	p.probe(ctx)
	mu.Lock()
	reachable = false
	mu.Unlock()
	p.probe(ctx)
	p.probe(ctx)

	if len(got) != 2 || got[0] != Online || got[1] != Offline {
		t.Errorf("got %v, want [online offline]", got)
	}
}
