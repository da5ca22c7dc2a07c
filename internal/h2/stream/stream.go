// Package stream tracks the client-initiated streams of one HTTP/2
// connection.
package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/albertbausili/duplex/internal/compress"
	"github.com/albertbausili/duplex/internal/exchange"
)

// FirstID is the first stream identifier handed out on a connection.
const FirstID = 3

// MaxID is the largest valid stream identifier.
const MaxID = 1<<31 - 1

// ErrIDsExhausted is returned once the connection ran out of odd identifiers.
var ErrIDsExhausted = errors.New("stream identifiers exhausted")

// Stream is the client view of one HTTP/2 stream. Its fields are guarded by
// the owning connection, which serializes frame processing.
type Stream struct {
	ID       uint32
	Exchange *exchange.Exchange
	Method   string

	// HeadersReceived is set once the response HEADERS (not an interim 1xx)
	// arrived. Status is its :status.
	HeadersReceived bool
	Status          int
	// ContentLength is the declared content-length, or -1.
	ContentLength int64
	// Received counts DATA payload bytes as they came off the wire.
	Received int64
	// Decoder decompresses the body when a supported content-encoding was
	// announced.
	Decoder *compress.Stage

	// SendWindow is the peer's flow-control window for this stream.
	SendWindow int64
	// Pending holds request body bytes waiting for send window. EndSent is
	// set once END_STREAM went out.
	Pending []byte
	EndSent bool

	// Retired is set once the connection finished or failed the stream.
	Retired bool
}

// Bodyless reports whether the response can carry no content regardless of
// its content-length.
func (s *Stream) Bodyless() bool {
	return s.Method == "HEAD" || s.Status == 204 || s.Status == 304
}

// Table maps stream identifiers to streams and allocates new identifiers.
type Table struct {
	mu            sync.RWMutex
	streams       map[uint32]*Stream
	next          atomic.Uint32
	initialWindow int64
}

// NewTable creates an empty table. Peer stream windows start at
// initialWindow.
func NewTable(initialWindow uint32) *Table {
	t := &Table{
		streams:       make(map[uint32]*Stream),
		initialWindow: int64(initialWindow),
	}
	t.next.Store(FirstID)
	return t
}

// NextID returns the next odd client stream identifier. Identifiers are
// never reused.
func (t *Table) NextID() (uint32, error) {
	id := t.next.Add(2) - 2
	if id > MaxID || id < FirstID {
		return 0, ErrIDsExhausted
	}
	return id, nil
}

// Peek returns the identifier NextID would hand out.
func (t *Table) Peek() uint32 { return t.next.Load() }

// Open registers a stream for ex under id.
func (t *Table) Open(id uint32, ex *exchange.Exchange, method string) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Stream{
		ID:            id,
		Exchange:      ex,
		Method:        method,
		ContentLength: -1,
		SendWindow:    t.initialWindow,
	}
	t.streams[id] = s
	return s
}

// Get returns a stream by ID
func (t *Table) Get(id uint32) (*Stream, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.streams[id]
	return s, ok
}

// Remove deletes a stream. Removing an unknown id is a no-op.
func (t *Table) Remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
}

// Take removes and returns the stream with the given id, if still open.
func (t *Table) Take(id uint32) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	return s, ok
}

// Len returns the number of open streams.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.streams)
}

// Above removes and returns the streams with an id greater than last.
func (t *Table) Above(last uint32) []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Stream
	for id, s := range t.streams {
		if id > last {
			out = append(out, s)
			delete(t.streams, id)
		}
	}
	return out
}

// Drain removes and returns every stream.
func (t *Table) Drain() []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Stream, 0, len(t.streams))
	for id, s := range t.streams {
		out = append(out, s)
		delete(t.streams, id)
	}
	return out
}

// Each calls fn for every open stream under a read lock.
func (t *Table) Each(fn func(*Stream)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.streams {
		fn(s)
	}
}

// SetInitialWindow applies a new SETTINGS_INITIAL_WINDOW_SIZE, shifting the
// send window of every open stream by the difference (RFC 9113 section
// 6.9.2).
func (t *Table) SetInitialWindow(v uint32) error {
	if v > MaxID {
		return fmt.Errorf("SETTINGS_INITIAL_WINDOW_SIZE too large: %d", v)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delta := int64(v) - t.initialWindow
	for _, s := range t.streams {
		if s.SendWindow+delta > MaxID {
			return fmt.Errorf("stream %d window overflow", s.ID)
		}
	}
	t.initialWindow = int64(v)
	for _, s := range t.streams {
		s.SendWindow += delta
	}
	return nil
}
