package exchange

import "github.com/albertbausili/duplex/internal/message"

// ResponseStart is the status line of a response.
type ResponseStart struct {
	Status  int
	Reason  string
	Version string
}

// Response is the aggregated result of one exchange.
type Response struct {
	Status  int
	Reason  string
	Version string
	Headers message.Headers
	Body    []byte
}

// Handler receives the events of one exchange, in order, from a single
// goroutine.
type Handler interface {
	OnResponse(start ResponseStart)
	OnHeaders(headers message.Headers, final bool)
	OnContent(chunk []byte, final bool)
}

// Callbacks adapts optional functions to Handler. Nil fields are skipped.
type Callbacks struct {
	Response func(start ResponseStart)
	Headers  func(headers message.Headers, final bool)
	Content  func(chunk []byte, final bool)
}

// OnResponse implements Handler.
func (c Callbacks) OnResponse(start ResponseStart) {
	if c.Response != nil {
		c.Response(start)
	}
}

// OnHeaders implements Handler.
func (c Callbacks) OnHeaders(headers message.Headers, final bool) {
	if c.Headers != nil {
		c.Headers(headers, final)
	}
}

// OnContent implements Handler.
func (c Callbacks) OnContent(chunk []byte, final bool) {
	if c.Content != nil {
		c.Content(chunk, final)
	}
}
