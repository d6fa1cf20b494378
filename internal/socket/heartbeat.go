package socket

import (
	"time"

	"github.com/matheus3301/amora/internal/lifecycle"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/status"
	"github.com/matheus3301/amora/internal/transport"
	"go.uber.org/zap"
)

func (m *Manager) startHeartbeatLocked(gen uint64) {
	stop := make(chan struct{})
	m.stopBeat = stop
	go m.heartbeat(gen, stop)
}

func (m *Manager) heartbeat(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.beat(gen) {
				return
			}
		}
	}
}

// beat runs one heartbeat tick. It returns false once the connection it was
// started for is gone.
func (m *Manager) beat(gen uint64) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	if m.offline {
		m.mu.Unlock()
		return true
	}
	if time.Since(m.lastPong) > m.cfg.HeartbeatTimeout {
		m.logger.Warn("no pong received, connection is stale",
			zap.Duration("since_last_pong", time.Since(m.lastPong)))
		m.forceReconnectLocked("heartbeat timeout", false)
		m.mu.Unlock()
		return false
	}
	conn := m.conn
	m.mu.Unlock()

	m.ping(conn)
	return true
}

func (m *Manager) ping(conn transport.Conn) {
	if conn == nil {
		return
	}
	f, err := protocol.NewFrame(protocol.KindPing, protocol.PingPayload{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	if err := conn.WriteFrame(f); err != nil {
		m.logger.Debug("ping failed", zap.Error(err))
	}
}

// startRefreshLocked schedules a proactive reconnect so long-lived
// connections pick up fresh credentials before the server expires them.
func (m *Manager) startRefreshLocked(gen uint64) {
	m.refreshTimer = time.AfterFunc(m.cfg.RefreshInterval, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || !m.machine.Is(status.Connected) {
			return
		}
		m.refreshTimer = nil
		m.forceReconnectLocked("connection refresh", true)
	})
}

// UpdateToken replaces the token used for the next dial without dropping the
// current connection.
func (m *Manager) UpdateToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds.Token = token
}

func (m *Manager) handleSignal(s lifecycle.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.hasCreds {
		return
	}
	m.logger.Debug("lifecycle signal", zap.Stringer("signal", s))
	switch s {
	case lifecycle.Offline:
		m.offline = true
	case lifecycle.Online:
		m.offline = false
		m.resumeLocked("network online")
	case lifecycle.Foreground:
		m.offline = false
		if m.machine.Is(status.Connected) {
			if time.Since(m.lastPong) > m.cfg.HeartbeatTimeout {
				m.forceReconnectLocked("stale after foreground", false)
				return
			}
			conn := m.conn
			go m.ping(conn)
			return
		}
		m.resumeLocked("foreground")
	case lifecycle.Background:
	}
}

// resumeLocked dials again if the connection is down and nothing is in
// flight. Exhausted retries start over with a fresh budget.
func (m *Manager) resumeLocked(reason string) {
	if m.authFailed || !m.machine.Is(status.Disconnected) {
		return
	}
	m.logger.Info("resuming connection", zap.String("reason", reason))
	m.resetCountersLocked()
	m.connectLocked()
}
