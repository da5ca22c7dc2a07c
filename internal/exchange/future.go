package exchange

import "context"

// Future resolves once with the aggregated response or the error that ended
// the exchange.
type Future struct {
	done chan struct{}
	resp *Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(resp *Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends. Abandoning a future does
// not cancel the exchange.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get blocks until the future resolves.
func (f *Future) Get() (*Response, error) {
	<-f.done
	return f.resp, f.err
}

// Resolved reports whether the future has resolved.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
