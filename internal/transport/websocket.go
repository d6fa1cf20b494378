package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/amora/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	closeFrameTimeout   = time.Second
	maxFrameSize        = 1 << 20
)

// WebSocketDialer dials the realtime endpoint over a websocket, passing the
// credentials as the token and userId query parameters.
type WebSocketDialer struct {
	endpoint     string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewWebSocketDialer creates a dialer for endpoint. http and https URLs are
// mapped to ws and wss.
func NewWebSocketDialer(endpoint string, logger *zap.Logger) *WebSocketDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketDialer{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}
}

// Dial implements Dialer. The context bounds the whole handshake.
func (d *WebSocketDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", creds.Token)
	q.Set("userId", string(creds.UserID))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	conn.SetReadLimit(maxFrameSize)
	d.logger.Debug("websocket connected", zap.String("host", u.Host))
	return &wsConn{conn: conn, writeTimeout: d.writeTimeout}, nil
}

// wsConn serializes writes; gorilla connections support one concurrent
// reader and one concurrent writer.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadFrame() (protocol.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return protocol.Frame{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return f, nil
}

func (c *wsConn) WriteFrame(f protocol.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

// Close never waits on a pending write. The close frame is skipped when a
// writer is stuck; closing the socket unblocks it.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		if c.wmu.TryLock() {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeFrameTimeout))
			c.wmu.Unlock()
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
