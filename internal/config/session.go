package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matheus3301/amora/internal/channel"
	"github.com/matheus3301/amora/internal/chat"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/socket"
)

// TokenEnv overrides the account token from session.toml when set.
const TokenEnv = "AMORA_TOKEN"

// Duration is a time.Duration written as "10s", "1m30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Session is the per-session sessions/<name>/session.toml.
type Session struct {
	Server     ServerConfig     `toml:"server"`
	Account    AccountConfig    `toml:"account"`
	Connection ConnectionConfig `toml:"connection"`
	Delivery   DeliveryConfig   `toml:"delivery"`
	Chat       ChatConfig       `toml:"chat"`
	Network    NetworkConfig    `toml:"network"`
}

type ServerConfig struct {
	// Realtime is the websocket endpoint, e.g. wss://api.example.com/socket.
	Realtime string `toml:"realtime"`
	// API is the REST base URL.
	API string `toml:"api"`
}

type AccountConfig struct {
	UserID string `toml:"user_id"`
	Token  string `toml:"token"`
}

type ConnectionConfig struct {
	ConnectTimeout       Duration `toml:"connect_timeout"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectDelay       Duration `toml:"reconnect_delay"`
	ReconnectDelayMax    Duration `toml:"reconnect_delay_max"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout     Duration `toml:"heartbeat_timeout"`
	RefreshInterval      Duration `toml:"refresh_interval"`
	EmitQueueSize        int      `toml:"emit_queue_size"`
}

type DeliveryConfig struct {
	// Durable keeps the retry queue in the session database so it survives
	// daemon restarts.
	Durable     bool     `toml:"durable"`
	MaxRetries  int      `toml:"max_retries"`
	SendTimeout Duration `toml:"send_timeout"`
	CallTimeout Duration `toml:"call_timeout"`
	RetryDelay  Duration `toml:"retry_delay"`
}

type ChatConfig struct {
	TypingWindow Duration `toml:"typing_window"`
	RingTimeout  Duration `toml:"ring_timeout"`
	APITimeout   Duration `toml:"api_timeout"`
}

type NetworkConfig struct {
	// ProbeInterval enables reachability probing of the realtime host.
	// Zero disables it.
	ProbeInterval Duration `toml:"probe_interval"`
}

// DefaultSession returns a session config with production defaults filled in.
func DefaultSession() Session {
	sc := socket.DefaultConfig()
	cc := channel.DefaultConfig()
	return Session{
		Connection: ConnectionConfig{
			ConnectTimeout:       Duration{sc.ConnectTimeout},
			MaxReconnectAttempts: sc.MaxReconnectAttempts,
			ReconnectDelay:       Duration{sc.ReconnectDelay},
			ReconnectDelayMax:    Duration{sc.ReconnectDelayMax},
			HeartbeatInterval:    Duration{sc.HeartbeatInterval},
			HeartbeatTimeout:     Duration{sc.HeartbeatTimeout},
			RefreshInterval:      Duration{sc.RefreshInterval},
			EmitQueueSize:        sc.EmitQueueSize,
		},
		Delivery: DeliveryConfig{
			MaxRetries:  5,
			SendTimeout: Duration{cc.SendTimeout},
			CallTimeout: Duration{cc.CallTimeout},
			RetryDelay:  Duration{cc.RetryDelay},
		},
		Chat: ChatConfig{
			TypingWindow: Duration{3 * time.Second},
			RingTimeout:  Duration{45 * time.Second},
			APITimeout:   Duration{15 * time.Second},
		},
		Network: NetworkConfig{
			ProbeInterval: Duration{15 * time.Second},
		},
	}
}

// LoadSession reads path over the defaults and applies the token override.
func LoadSession(path string) (*Session, error) {
	cfg := DefaultSession()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("read session config: %w", err)
	}
	if tok := os.Getenv(TokenEnv); tok != "" {
		cfg.Account.Token = tok
	}
	return &cfg, nil
}

// SaveSession writes cfg to path with 0600 permissions.
func SaveSession(path string, cfg *Session) error {
	return writeTOML(path, cfg)
}

// Validate checks the fields the daemon cannot run without.
func (s *Session) Validate() error {
	var errs []error
	if err := checkURL("server.realtime", s.Server.Realtime, "ws", "wss", "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("server.api", s.Server.API, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := protocol.ValidateUserID(protocol.UserID(s.Account.UserID)); err != nil {
		errs = append(errs, fmt.Errorf("account.user_id: %w", err))
	}
	if s.Account.Token == "" {
		errs = append(errs, fmt.Errorf("account.token is empty (set it or export %s)", TokenEnv))
	}
	if s.Delivery.MaxRetries < 0 {
		errs = append(errs, errors.New("delivery.max_retries must not be negative"))
	}
	if err := s.SocketConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("connection: %w", err))
	}
	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is empty", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q: unsupported url", field, raw)
}

// SocketConfig maps the connection section onto the connection manager.
func (s *Session) SocketConfig() socket.Config {
	c := s.Connection
	return socket.Config{
		ConnectTimeout:       c.ConnectTimeout.Duration,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectDelay:       c.ReconnectDelay.Duration,
		ReconnectDelayMax:    c.ReconnectDelayMax.Duration,
		HeartbeatInterval:    c.HeartbeatInterval.Duration,
		HeartbeatTimeout:     c.HeartbeatTimeout.Duration,
		RefreshInterval:      c.RefreshInterval.Duration,
		EmitQueueSize:        c.EmitQueueSize,
	}
}

func (s *Session) ChannelConfig() channel.Config {
	return channel.Config{
		SendTimeout: s.Delivery.SendTimeout.Duration,
		CallTimeout: s.Delivery.CallTimeout.Duration,
		RetryDelay:  s.Delivery.RetryDelay.Duration,
	}
}

func (s *Session) ChatConfig() chat.Config {
	return chat.Config{
		UserID:       protocol.UserID(s.Account.UserID),
		TypingWindow: s.Chat.TypingWindow.Duration,
		RingTimeout:  s.Chat.RingTimeout.Duration,
		APITimeout:   s.Chat.APITimeout.Duration,
	}
}

// Credentials returns the account's connection credentials.
func (s *Session) Credentials() (protocol.UserID, string) {
	return protocol.UserID(s.Account.UserID), s.Account.Token
}
