package lifecycle

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober derives Online/Offline from periodic TCP reachability checks of the
// realtime server. It only emits on edges.
type Prober struct {
	*Manual

	addr     string
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	online *bool
}

// NewProber probes the host of endpoint every interval.
func NewProber(endpoint string, interval time.Duration, logger *zap.Logger) (*Prober, error) {
	addr, err := hostPort(endpoint)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &net.Dialer{}
	return &Prober{
		Manual:   NewManual(),
		addr:     addr,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
		dial:     d.DialContext,
	}, nil
}

// Start begins probing in the background.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop stops probing.
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Prober) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.addr)
	up := err == nil
	if up {
		_ = conn.Close()
	}

	p.mu.Lock()
	changed := p.online == nil || *p.online != up
	p.online = &up
	p.mu.Unlock()
	if !changed {
		return
	}
	if up {
		p.logger.Info("network reachable", zap.String("addr", p.addr))
		p.Emit(Online)
	} else {
		p.logger.Warn("network unreachable", zap.String("addr", p.addr), zap.Error(err))
		p.Emit(Offline)
	}
}

func hostPort(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" || u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
