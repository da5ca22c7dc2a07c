package duplex

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/albertbausili/duplex/internal/exchange"
	"github.com/albertbausili/duplex/internal/message"
)

type tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func newTracer(cfg TracingConfig) *tracer {
	if !cfg.Enabled {
		return nil
	}
	name := cfg.TracerName
	if name == "" {
		name = "duplex"
	}
	return &tracer{
		tracer:     otel.Tracer(name),
		propagator: cfg.Propagator,
	}
}

// start opens a client span for req that ends with ex. When a propagator is
// configured the span context is injected into req's headers.
func (t *tracer) start(ctx context.Context, ex *exchange.Exchange, req *message.Request, version Version) {
	ctx, span := t.tracer.Start(ctx, req.Method+" "+req.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
			attribute.String("url.scheme", req.Scheme),
			attribute.String("server.address", req.Authority),
			attribute.String("network.protocol.version", version.String()),
			attribute.Int("http.request.body.size", len(req.Body)),
			attribute.String("duplex.exchange_id", ex.ID()),
		),
	)
	if t.propagator != nil {
		t.propagator.Inject(ctx, &headerCarrier{headers: &req.Headers})
	}

	ex.OnDone(func(resp *exchange.Response, err error) {
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case resp.Status >= 400:
			span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
			span.SetStatus(codes.Error, "HTTP error")
		default:
			span.SetAttributes(
				attribute.Int("http.response.status_code", resp.Status),
				attribute.Int("http.response.body.size", len(resp.Body)),
			)
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	})
}

// headerCarrier adapts Headers to propagation.TextMapCarrier.
type headerCarrier struct {
	headers *message.Headers
}

func (hc *headerCarrier) Get(key string) string {
	return hc.headers.Get(key)
}

func (hc *headerCarrier) Set(key, value string) {
	hc.headers.Set(key, value)
}

func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, hc.headers.Len())
	for _, f := range hc.headers.All() {
		keys = append(keys, f[0])
	}
	return keys
}
