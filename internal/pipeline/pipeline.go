// Package pipeline assembles the protocol chain that sits on a negotiated
// connection.
package pipeline

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/errs"
	"github.com/albertbausili/duplex/internal/exchange"
	"github.com/albertbausili/duplex/internal/h1"
	"github.com/albertbausili/duplex/internal/h2"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/proto"
	"github.com/albertbausili/duplex/internal/transport"
)

// Options configures both variants. Fields that only apply to one protocol
// are ignored by the other.
type Options struct {
	MaxContentLength  int64
	MaxHeaderBytes    int
	Decompress        bool
	InitialWindowSize uint32
	MaxFrameSize      uint32
	MaxHeaderListSize uint32
	Logger            *zap.Logger
}

// Pipeline is the chain fixed on a connection at setup. Exactly one of the
// two variants is set, selected by version.
type Pipeline struct {
	version proto.Version
	h1      *h1.Connection
	h2      *h2.Connection
}

// Build attaches the chain for version to conn and starts delivery of inbound
// bytes to it.
func Build(conn transport.Conn, version proto.Version, opts Options) (*Pipeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Stringer("version", version), zap.Stringer("remote", conn.RemoteAddr()))

	p := &Pipeline{version: version}
	switch version {
	case proto.HTTP11:
		p.h1 = h1.NewConnection(conn, h1.Options{
			MaxContentLength: opts.MaxContentLength,
			MaxHeaderBytes:   opts.MaxHeaderBytes,
			Decompress:       opts.Decompress,
			Logger:           logger,
		})
		conn.Start(p.h1)
	case proto.HTTP2:
		c, err := h2.NewConnection(conn, h2.Options{
			MaxContentLength:  opts.MaxContentLength,
			Decompress:        opts.Decompress,
			InitialWindowSize: opts.InitialWindowSize,
			MaxFrameSize:      opts.MaxFrameSize,
			MaxHeaderListSize: opts.MaxHeaderListSize,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		p.h2 = c
		conn.Start(p.h2)
	default:
		return nil, errs.Configuration("build pipeline", fmt.Errorf("unsupported protocol version %d", version))
	}
	logger.Debug("pipeline built")
	return p, nil
}

// Version returns the protocol the pipeline speaks.
func (p *Pipeline) Version() proto.Version { return p.version }

// Dispatch writes req and routes its response events to ex.
func (p *Pipeline) Dispatch(req *message.Request, ex *exchange.Exchange) error {
	switch p.version {
	case proto.HTTP11:
		return p.h1.Dispatch(req, ex)
	default:
		return p.h2.Dispatch(req, ex)
	}
}

// Close fails every in-flight exchange and closes the connection.
func (p *Pipeline) Close() error {
	switch p.version {
	case proto.HTTP11:
		return p.h1.Close()
	default:
		return p.h2.Close()
	}
}

// Closed reports whether the connection can no longer dispatch.
func (p *Pipeline) Closed() bool {
	switch p.version {
	case proto.HTTP11:
		return p.h1.Closed()
	default:
		return p.h2.Closed()
	}
}
