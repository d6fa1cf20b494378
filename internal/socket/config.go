package socket

import (
	"fmt"
	"time"
)

// Config tunes the connection manager. Zero values are replaced by the
// defaults in DefaultConfig.
type Config struct {
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReconnectDelayMax    time.Duration
	// ManualReconnectDelay is the pause between tearing down and re-dialing
	// on Reconnect, heartbeat timeouts and forced refreshes.
	ManualReconnectDelay time.Duration
	HeartbeatInterval    time.Duration
	// HeartbeatTimeout is how long without a pong before the connection is
	// considered half-open. Must exceed HeartbeatInterval.
	HeartbeatTimeout time.Duration
	RefreshInterval  time.Duration
	EmitQueueSize    int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       20 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		ReconnectDelayMax:    5 * time.Second,
		ManualReconnectDelay: time.Second,
		HeartbeatInterval:    25 * time.Second,
		HeartbeatTimeout:     60 * time.Second,
		RefreshInterval:      25 * time.Minute,
		EmitQueueSize:        100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ReconnectDelayMax <= 0 {
		c.ReconnectDelayMax = d.ReconnectDelayMax
	}
	if c.ManualReconnectDelay <= 0 {
		c.ManualReconnectDelay = d.ManualReconnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.EmitQueueSize <= 0 {
		c.EmitQueueSize = d.EmitQueueSize
	}
	return c
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %s must exceed heartbeat interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.ReconnectDelayMax < c.ReconnectDelay {
		return fmt.Errorf("max reconnect delay %s is below reconnect delay %s", c.ReconnectDelayMax, c.ReconnectDelay)
	}
	if c.RefreshInterval <= c.HeartbeatTimeout {
		return fmt.Errorf("refresh interval %s must exceed heartbeat timeout %s", c.RefreshInterval, c.HeartbeatTimeout)
	}
	return nil
}
