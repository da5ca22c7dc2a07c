// Package compress decodes compressed response bodies as they stream in.
package compress

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrLimitExceeded is returned when decoded output passes the stage limit.
var ErrLimitExceeded = errors.New("decoded body exceeds limit")

// AcceptEncoding lists the codings a Stage can decode.
const AcceptEncoding = "gzip, deflate, br, zstd"

const readChunk = 32 << 10

// Supported reports whether encoding names a coding this package decodes.
func Supported(encoding string) bool {
	switch normalize(encoding) {
	case "gzip", "x-gzip", "deflate", "br", "zstd":
		return true
	default:
		return false
	}
}

func normalize(encoding string) string {
	return strings.ToLower(strings.TrimSpace(encoding))
}

func newReader(encoding string, r io.Reader) (io.ReadCloser, error) {
	switch normalize(encoding) {
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return newDeflateReader(r)
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "zstd":
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// newDeflateReader accepts both zlib-wrapped and raw deflate streams, since
// servers disagree on what "deflate" means.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(2)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

// Stage turns pushed compressed chunks into decoded chunks. Decoding runs on
// its own goroutine; emit and fail are called from it, in order.
type Stage struct {
	pr    *io.PipeReader
	pw    *io.PipeWriter
	done  chan struct{}
	limit int64
	emit  func(chunk []byte, final bool)
	fail  func(err error)

	mu     sync.Mutex
	final  bool
	closed bool
	failed bool
}

// NewStage starts a stage for encoding. limit caps decoded output (0 means no
// cap).
func NewStage(encoding string, limit int64, emit func(chunk []byte, final bool), fail func(err error)) (*Stage, error) {
	if !Supported(encoding) {
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	pr, pw := io.Pipe()
	s := &Stage{
		pr:    pr,
		pw:    pw,
		done:  make(chan struct{}),
		limit: limit,
		emit:  emit,
		fail:  fail,
	}
	go s.run(encoding)
	return s, nil
}

func (s *Stage) run(encoding string) {
	defer close(s.done)

	rc, err := newReader(encoding, s.pr)
	if err != nil {
		s.abort(err)
		return
	}
	defer rc.Close()

	buf := make([]byte, readChunk)
	var total int64
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			total += int64(n)
			if s.limit > 0 && total > s.limit {
				s.abort(ErrLimitExceeded)
				return
			}
			s.emit(buf[:n], false)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.abort(err)
			return
		}
	}

	// the coding may end before the body does; swallow the rest until the
	// writer closes
	if _, err := io.Copy(io.Discard, s.pr); err != nil {
		s.abort(err)
		return
	}
	s.mu.Lock()
	final := s.final
	s.mu.Unlock()
	if final {
		s.emit(nil, true)
	}
}

func (s *Stage) abort(err error) {
	s.mu.Lock()
	if s.failed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.mu.Unlock()
	_ = s.pr.CloseWithError(err)
	if s.fail != nil {
		s.fail(err)
	}
}

// Write feeds a compressed chunk. It returns once the decoder consumed it.
func (s *Stage) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := s.pw.Write(p)
	return err
}

// Close ends the input and waits for the decoder to drain. When final is set
// a terminating empty chunk is emitted with the final flag.
func (s *Stage) Close(final bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.final = final
	s.mu.Unlock()

	err := s.pw.Close()
	<-s.done
	return err
}

// Abort stops the stage without emitting anything further.
func (s *Stage) Abort(err error) {
	s.mu.Lock()
	s.failed = true
	s.closed = true
	s.mu.Unlock()
	_ = s.pw.CloseWithError(err)
	_ = s.pr.CloseWithError(err)
}
