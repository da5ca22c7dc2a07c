package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/errs"
	"github.com/albertbausili/duplex/internal/proto"
)

// Connector opens connections to one target and owns the event loops that
// drive the cleartext ones.
type Connector struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	engine *Engine
	closed bool
}

// NewConnector validates opts. HTTP/2 is only offered over TLS.
func NewConnector(opts Options) (*Connector, error) {
	if !opts.Version.Valid() {
		return nil, errs.Configuration("connect", fmt.Errorf("unsupported protocol version %d", opts.Version))
	}
	if opts.Version == proto.HTTP2 && opts.TLS == nil {
		return nil, errs.Configuration("connect", fmt.Errorf("%s requires TLS", opts.Version))
	}
	if opts.Host == "" {
		return nil, errs.Configuration("connect", fmt.Errorf("host is required"))
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, errs.Configuration("connect", fmt.Errorf("invalid port %d", opts.Port))
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{opts: opts, logger: logger}, nil
}

// Address returns host:port of the target.
func (c *Connector) Address() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

// Connect dials the target. Over TLS the negotiated protocol must match the
// preferred version, otherwise the connection is closed and a negotiation
// error returned.
func (c *Connector) Connect(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errs.Closed("connect", nil)
	}

	addr := c.Address()
	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Transport("dial", err)
	}
	c.logger.Debug("connected", zap.String("addr", addr), zap.Bool("tls", c.opts.TLS != nil))

	if c.opts.TLS == nil {
		engine, err := c.loadEngine()
		if err != nil {
			_ = raw.Close()
			return nil, errs.Transport("start engine", err)
		}
		conn, err := engine.Enroll(raw)
		if err != nil {
			_ = raw.Close()
			return nil, errs.Transport("enroll", err)
		}
		return conn, nil
	}

	return c.handshake(ctx, raw)
}

func (c *Connector) handshake(ctx context.Context, raw net.Conn) (Conn, error) {
	want := c.opts.Version.ALPN()
	cfg := c.opts.TLS.Clone()
	cfg.NextProtos = []string{want}
	if cfg.ServerName == "" {
		cfg.ServerName = c.opts.Host
	}

	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, errs.Negotiation("handshake", err)
	}

	negotiated := tc.ConnectionState().NegotiatedProtocol
	if v, ok := proto.FromALPN(negotiated); !ok || v != c.opts.Version {
		_ = tc.Close()
		return nil, errs.Negotiation("alpn", fmt.Errorf("%w: offered %q, server selected %q", errs.ErrProtocolMismatch, want, negotiated))
	}
	c.logger.Debug("tls established", zap.String("alpn", negotiated), zap.Uint16("version", tc.ConnectionState().Version))

	return newStreamConn(tc, negotiated, c.opts.ReadBufferCap, c.logger), nil
}

func (c *Connector) loadEngine() (*Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}
	if c.engine != nil {
		return c.engine, nil
	}
	engine, err := NewEngine(c.opts)
	if err != nil {
		return nil, err
	}
	c.engine = engine
	return engine, nil
}

// Close stops the event loops. Connections opened by c are closed with them.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	engine := c.engine
	c.engine = nil
	c.mu.Unlock()

	if engine != nil {
		return engine.Stop()
	}
	return nil
}
