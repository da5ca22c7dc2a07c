// Package exchange correlates response events with the request that caused
// them and resolves that request's future.
package exchange

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/albertbausili/duplex/internal/errs"
	"github.com/albertbausili/duplex/internal/message"
)

// State is the correlator state of an exchange.
type State uint32

// Exchange states
const (
	StateAwaitingResponse State = iota
	StateAwaitingHeaders
	StateReceivingContent
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateAwaitingHeaders:
		return "awaiting-headers"
	case StateReceivingContent:
		return "receiving-content"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type eventKind uint8

const (
	eventStarted eventKind = iota + 1
	eventHeaders
	eventContent
	eventFailed
)

type event struct {
	kind    eventKind
	start   ResponseStart
	headers message.Headers
	data    []byte
	final   bool
	err     error
}

// Exchange is one logical request/response. Producers push events from any
// goroutine without blocking; a single consumer goroutine applies them in
// order, invokes the handler and resolves the future.
type Exchange struct {
	id      string
	handler Handler
	future  *Future
	state   atomic.Uint32

	mu      sync.Mutex
	queue   []event
	running bool
	sealed  bool
	hooks   []func(*Response, error)

	// owned by the consumer
	resp Response
	body bytes.Buffer
}

// New creates an exchange in the awaiting-response state. A nil handler only
// aggregates.
func New(id string, handler Handler) *Exchange {
	if handler == nil {
		handler = Callbacks{}
	}
	return &Exchange{id: id, handler: handler, future: newFuture()}
}

// ID returns the exchange id.
func (x *Exchange) ID() string { return x.id }

// Future returns the completion future.
func (x *Exchange) Future() *Future { return x.future }

// State returns the current correlator state.
func (x *Exchange) State() State { return State(x.state.Load()) }

// Done reports whether the exchange reached a terminal state.
func (x *Exchange) Done() bool {
	s := x.State()
	return s == StateComplete || s == StateFailed
}

// OnDone registers fn to run once when the exchange completes or fails, before
// the future resolves. fn runs immediately if the exchange is already done.
func (x *Exchange) OnDone(fn func(*Response, error)) {
	x.mu.Lock()
	if !x.Done() {
		x.hooks = append(x.hooks, fn)
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()
	<-x.future.done
	fn(x.future.resp, x.future.err)
}

// ResponseStarted queues a response-started event.
func (x *Exchange) ResponseStarted(start ResponseStart) {
	x.push(event{kind: eventStarted, start: start})
}

// HeadersReceived queues a headers event.
func (x *Exchange) HeadersReceived(headers message.Headers, final bool) {
	x.push(event{kind: eventHeaders, headers: headers, final: final})
}

// ContentReceived queues a content event. data is copied.
func (x *Exchange) ContentReceived(data []byte, final bool) {
	var chunk []byte
	if len(data) > 0 {
		chunk = make([]byte, len(data))
		copy(chunk, data)
	}
	x.push(event{kind: eventContent, data: chunk, final: final})
}

// Fail queues a failure. It has no effect once a final event was queued.
func (x *Exchange) Fail(err error) {
	if err == nil {
		err = errs.Closed("fail", nil)
	}
	x.push(event{kind: eventFailed, err: err})
}

func (x *Exchange) push(ev event) {
	x.mu.Lock()
	if x.sealed {
		x.mu.Unlock()
		return
	}
	if ev.final || ev.kind == eventFailed {
		x.sealed = true
	}
	x.queue = append(x.queue, ev)
	if x.running {
		x.mu.Unlock()
		return
	}
	x.running = true
	x.mu.Unlock()
	go x.run()
}

func (x *Exchange) run() {
	for {
		x.mu.Lock()
		if len(x.queue) == 0 {
			x.running = false
			x.mu.Unlock()
			return
		}
		batch := x.queue
		x.queue = nil
		x.mu.Unlock()

		for i := range batch {
			x.apply(&batch[i])
		}
	}
}

func (x *Exchange) apply(ev *event) {
	st := x.State()
	if st == StateComplete || st == StateFailed {
		return
	}

	switch ev.kind {
	case eventFailed:
		x.finish(ev.err)

	case eventStarted:
		if st != StateAwaitingResponse {
			x.outOfOrder("response start", st)
			return
		}
		x.resp.Status = ev.start.Status
		x.resp.Reason = ev.start.Reason
		x.resp.Version = ev.start.Version
		x.state.Store(uint32(StateAwaitingHeaders))
		x.invoke(func() { x.handler.OnResponse(ev.start) })

	case eventHeaders:
		switch st {
		case StateAwaitingHeaders:
			x.resp.Headers = ev.headers
			x.state.Store(uint32(StateReceivingContent))
		case StateReceivingContent:
			// trailing headers are delivered but not merged
		default:
			x.outOfOrder("headers", st)
			return
		}
		if !x.invoke(func() { x.handler.OnHeaders(ev.headers, ev.final) }) {
			return
		}
		if ev.final {
			x.finish(nil)
		}

	case eventContent:
		if st != StateReceivingContent {
			x.outOfOrder("content", st)
			return
		}
		x.body.Write(ev.data)
		if !x.invoke(func() { x.handler.OnContent(ev.data, ev.final) }) {
			return
		}
		if ev.final {
			x.finish(nil)
		}
	}
}

func (x *Exchange) outOfOrder(what string, st State) {
	x.finish(errs.Protocol("correlate", fmt.Errorf("unexpected %s in state %s", what, st)))
}

// invoke runs a handler callback, failing the exchange if it panics.
func (x *Exchange) invoke(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			x.finish(fmt.Errorf("response handler panicked: %v", r))
			ok = false
		}
	}()
	fn()
	return true
}

func (x *Exchange) finish(err error) {
	var resp *Response
	if err != nil {
		x.state.Store(uint32(StateFailed))
	} else {
		r := x.resp
		r.Body = x.body.Bytes()
		if r.Body == nil {
			r.Body = []byte{}
		}
		resp = &r
		x.state.Store(uint32(StateComplete))
	}

	x.mu.Lock()
	hooks := x.hooks
	x.hooks = nil
	x.sealed = true
	x.queue = nil
	x.mu.Unlock()

	for _, fn := range hooks {
		fn(resp, err)
	}
	x.future.resolve(resp, err)
}
