package duplex

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/errs"
	"github.com/albertbausili/duplex/internal/exchange"
	"github.com/albertbausili/duplex/internal/message"
)

// Request sends one request and returns its Future. Host and Content-Length
// are injected ahead of headers. handler, which may be nil, receives the
// response events in order on a goroutine owned by the request.
//
// On HTTP/1.1 Request returns once the request is written and fails with
// ErrRequestInFlight while another request is outstanding. On HTTP/2 it
// returns once the request is queued; a later write failure rejects the
// Future. ctx only parents the client span.
func (c *Client) Request(ctx context.Context, method, path string, headers Headers, body []byte, handler Handler) (*Future, error) {
	version := c.Version()
	req, err := message.NewRequest(c.authority, c.cfg.UseTLS, method, path, headers, body)
	if err != nil {
		err = errs.Configuration("request", err)
		if !c.cfg.DisableMetrics {
			countError(version, err)
		}
		return nil, err
	}

	ex := exchange.New(uuid.NewString(), handler)
	if !c.cfg.DisableMetrics {
		observe(ex, version, method)
	}
	if c.tracer != nil {
		c.tracer.start(ctx, ex, req, version)
	}

	if err := c.pipeline.Dispatch(req, ex); err != nil {
		// settle the hooks; the future is never handed out
		ex.Fail(err)
		c.logger.Debug("dispatch failed",
			zap.String("exchange", ex.ID()),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, err
	}
	return ex.Future(), nil
}
