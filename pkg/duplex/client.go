package duplex

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/pipeline"
	"github.com/albertbausili/duplex/internal/transport"
)

// Client is one connection to one server. It is safe for concurrent use;
// HTTP/1.1 clients reject a request while another is in flight.
type Client struct {
	cfg       Config
	logger    *zap.Logger
	authority string
	tracer    *tracer

	connector *transport.Connector
	conn      transport.Conn
	pipeline  *pipeline.Pipeline

	closeOnce sync.Once
	closeErr  error
}

// New connects using cfg, bounded by cfg.ConnectTimeout.
func New(cfg Config) (*Client, error) {
	return Dial(context.Background(), cfg)
}

// Dial connects to the configured server and sets up the protocol pipeline
// for cfg.Version. Over TLS the server must select that version via ALPN.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}

	connector, err := transport.NewConnector(transport.Options{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Version:        cfg.Version,
		TLS:            tlsCfg,
		ConnectTimeout: cfg.ConnectTimeout,
		Multicore:      cfg.Multicore,
		NumEventLoop:   cfg.NumEventLoop,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	conn, err := connector.Connect(ctx)
	if err != nil {
		_ = connector.Close()
		cfg.Logger.Debug("connect failed", zap.String("addr", connector.Address()), zap.Error(err))
		return nil, err
	}

	p, err := pipeline.Build(conn, cfg.Version, pipeline.Options{
		MaxContentLength:  cfg.MaxContentLength,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		Decompress:        cfg.Decompress,
		InitialWindowSize: cfg.InitialWindowSize,
		MaxFrameSize:      cfg.MaxFrameSize,
		MaxHeaderListSize: cfg.MaxHeaderListSize,
		Logger:            cfg.Logger,
	})
	if err != nil {
		_ = conn.Close()
		_ = connector.Close()
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("addr", connector.Address()), zap.Stringer("version", cfg.Version)),
		authority: message.Authority(cfg.Host, cfg.Port, cfg.UseTLS),
		tracer:    newTracer(cfg.Tracing),
		connector: connector,
		conn:      conn,
		pipeline:  p,
	}
	c.logger.Info("connected", zap.Bool("tls", cfg.UseTLS), zap.String("alpn", conn.Protocol()))
	return c, nil
}

// Version returns the protocol the connection speaks.
func (c *Client) Version() Version { return c.pipeline.Version() }

// Closed reports whether the connection can no longer carry requests.
func (c *Client) Closed() bool { return c.pipeline.Closed() }

// Do sends a request without callbacks and waits for the aggregated response.
// Returning early because ctx ended does not cancel the request.
func (c *Client) Do(ctx context.Context, method, path string, headers Headers, body []byte) (*Response, error) {
	future, err := c.Request(ctx, method, path, headers, body, nil)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

// Close fails every request in flight with ErrConnectionClosed, closes the
// connection and stops the event loops. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.pipeline.Close(), c.connector.Close())
		c.logger.Info("closed")
	})
	return c.closeErr
}
