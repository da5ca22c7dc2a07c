package h2

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/errs"
	"github.com/albertbausili/duplex/internal/exchange"
	"github.com/albertbausili/duplex/internal/h2/frame"
	"github.com/albertbausili/duplex/internal/message"
	"github.com/albertbausili/duplex/internal/transport/transporttest"
)

// sentFrame is a decoded frame the client wrote.
type sentFrame struct {
	Type      http2.FrameType
	StreamID  uint32
	EndStream bool
	Fields    []hpack.HeaderField
	Data      []byte
	Code      http2.ErrCode
	Increment uint32
	Settings  []http2.Setting
	Ack       bool
}

// peer scripts the server side of a connection.
type peer struct {
	t    *testing.T
	conn *transporttest.Conn
	c    *Connection
	enc  *frame.HeaderEncoder
}

func newPeer(t *testing.T, opts Options) *peer {
	t.Helper()
	conn := transporttest.NewConn()
	conn.ALPN = "h2"
	opts.Logger = zap.NewNop()
	c, err := NewConnection(conn, opts)
	require.NoError(t, err)
	conn.Start(c)
	enc := frame.NewHeaderEncoder()
	t.Cleanup(enc.Close)
	return &peer{t: t, conn: conn, c: c, enc: enc}
}

// sent decodes everything the client wrote after the preface.
func (p *peer) sent() []sentFrame {
	p.t.Helper()
	b := p.conn.Written()
	require.True(p.t, bytes.HasPrefix(b, []byte(http2.ClientPreface)))
	fr := http2.NewFramer(nil, bytes.NewReader(b[len(http2.ClientPreface):]))
	fr.ReadMetaHeaders = hpack.NewDecoder(frame.DefaultHeaderTableSize, nil)
	fr.SetMaxReadFrameSize(1 << 24)

	var out []sentFrame
	for {
		f, err := fr.ReadFrame()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(p.t, err)
		sf := sentFrame{Type: f.Header().Type, StreamID: f.Header().StreamID}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			sf.EndStream = f.StreamEnded()
			sf.Fields = f.Fields
		case *http2.DataFrame:
			sf.EndStream = f.StreamEnded()
			sf.Data = bytes.Clone(f.Data())
		case *http2.RSTStreamFrame:
			sf.Code = f.ErrCode
		case *http2.GoAwayFrame:
			sf.Code = f.ErrCode
		case *http2.WindowUpdateFrame:
			sf.Increment = f.Increment
		case *http2.SettingsFrame:
			sf.Ack = f.IsAck()
			_ = f.ForeachSetting(func(s http2.Setting) error {
				sf.Settings = append(sf.Settings, s)
				return nil
			})
		case *http2.PingFrame:
			sf.Ack = f.IsAck()
		}
		out = append(out, sf)
	}
}

func (p *peer) sentOfType(typ http2.FrameType) []sentFrame {
	var out []sentFrame
	for _, f := range p.sent() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (p *peer) feed(write func(w *frame.Writer) error) error {
	p.t.Helper()
	w := frame.NewWriter()
	require.NoError(p.t, write(w))
	return p.conn.Feed(w.Flush())
}

func (p *peer) headers(id uint32, end bool, kv ...string) {
	p.t.Helper()
	var fields [][2]string
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, [2]string{kv[i], kv[i+1]})
	}
	block, err := p.enc.Encode(fields)
	require.NoError(p.t, err)
	require.NoError(p.t, p.feed(func(w *frame.Writer) error {
		return w.WriteHeaders(id, end, block, 0)
	}))
}

func (p *peer) data(id uint32, end bool, payload []byte) {
	p.t.Helper()
	require.NoError(p.t, p.feed(func(w *frame.Writer) error {
		return w.WriteData(id, end, payload)
	}))
}

func (p *peer) dispatch(method, path string, body []byte, h exchange.Handler) *exchange.Exchange {
	p.t.Helper()
	req, err := message.NewRequest("example.com", true, method, path, message.NewHeaders("Accept", "text/plain"), body)
	require.NoError(p.t, err)
	ex := exchange.New(path, h)
	require.NoError(p.t, p.c.Dispatch(req, ex))
	return ex
}

func waitFuture(t *testing.T, ex *exchange.Exchange) (*exchange.Response, error) {
	t.Helper()
	select {
	case <-ex.Future().Done():
		return ex.Future().Get()
	case <-time.After(5 * time.Second):
		t.Fatal("future did not resolve")
		return nil, nil
	}
}

func fieldMap(fields []hpack.HeaderField) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Name] = f.Value
	}
	return m
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) handler() exchange.Handler {
	return exchange.Callbacks{
		Response: func(s exchange.ResponseStart) { l.add(fmt.Sprintf("response %d", s.Status)) },
		Headers:  func(_ message.Headers, final bool) { l.add(fmt.Sprintf("headers final=%v", final)) },
		Content:  func(c []byte, final bool) { l.add(fmt.Sprintf("content %q final=%v", c, final)) },
	}
}

func TestConnectionPreface(t *testing.T) {
	p := newPeer(t, Options{})

	frames := p.sent()
	require.Len(t, frames, 2)
	assert.Equal(t, http2.FrameSettings, frames[0].Type)
	assert.Contains(t, frames[0].Settings, http2.Setting{ID: http2.SettingEnablePush, Val: 0})
	assert.Contains(t, frames[0].Settings, http2.Setting{ID: http2.SettingInitialWindowSize, Val: DefaultInitialWindowSize})
	assert.Equal(t, http2.FrameWindowUpdate, frames[1].Type)
	assert.Equal(t, uint32(DefaultInitialWindowSize-frame.DefaultInitialWindowSize), frames[1].Increment)
}

func TestDispatchAllocatesOddIDs(t *testing.T) {
	p := newPeer(t, Options{})
	for _, path := range []string{"/a", "/b", "/c"} {
		p.dispatch("GET", path, nil, nil)
	}

	hs := p.sentOfType(http2.FrameHeaders)
	require.Len(t, hs, 3)
	for i, want := range []uint32{3, 5, 7} {
		assert.Equal(t, want, hs[i].StreamID)
		assert.True(t, hs[i].EndStream)
	}
	first := fieldMap(hs[0].Fields)
	assert.Equal(t, "GET", first[":method"])
	assert.Equal(t, "https", first[":scheme"])
	assert.Equal(t, "example.com", first[":authority"])
	assert.Equal(t, "/a", first[":path"])
	assert.Equal(t, "text/plain", first["accept"])
	assert.Equal(t, "0", first["content-length"])
	assert.Equal(t, "https", first["x-http2-scheme"])
	assert.NotContains(t, first, "host")
	assert.Equal(t, 3, p.c.Streams())
}

func TestDispatchConcurrentIDsReachWireInOrder(t *testing.T) {
	p := newPeer(t, Options{})
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := message.NewRequest("example.com", true, "GET", fmt.Sprintf("/%d", i), message.Headers{}, nil)
			assert.NoError(t, err)
			assert.NoError(t, p.c.Dispatch(req, exchange.New("x", nil)))
		}(i)
	}
	wg.Wait()

	hs := p.sentOfType(http2.FrameHeaders)
	require.Len(t, hs, n)
	ids := make([]uint32, n)
	for i, h := range hs {
		ids[i] = h.StreamID
	}
	assert.True(t, sort.SliceIsSorted(ids, func(a, b int) bool { return ids[a] < ids[b] }))
	assert.Equal(t, uint32(3), ids[0])
	assert.Equal(t, uint32(3+2*(n-1)), ids[n-1])
}

func TestResponseEvents(t *testing.T) {
	p := newPeer(t, Options{})
	log := &eventLog{}
	ex := p.dispatch("GET", "/", nil, log.handler())

	p.headers(3, false, ":status", "200", "content-type", "text/plain")
	p.data(3, false, []byte("h"))
	p.data(3, true, []byte("i"))

	resp, err := waitFuture(t, ex)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, "HTTP/2.0", resp.Version)
	assert.Equal(t, "text/plain", resp.Headers.Get("Content-Type"))
	assert.Equal(t, "hi", string(resp.Body))
	assert.Equal(t, []string{
		"response 200",
		"headers final=false",
		`content "h" final=false`,
		`content "i" final=true`,
	}, log.snapshot())

	var conn, str uint32
	for _, wu := range p.sentOfType(http2.FrameWindowUpdate) {
		if wu.StreamID == 0 {
			conn += wu.Increment
		} else {
			str += wu.Increment
		}
	}
	assert.Equal(t, uint32(DefaultInitialWindowSize-frame.DefaultInitialWindowSize+2), conn)
	assert.Equal(t, uint32(1), str)
	assert.Equal(t, 0, p.c.Streams())
}

func TestHeadersWithEndStream(t *testing.T) {
	p := newPeer(t, Options{})
	log := &eventLog{}
	ex := p.dispatch("GET", "/", nil, log.handler())

	p.headers(3, true, ":status", "204")

	resp, err := waitFuture(t, ex)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
	assert.Empty(t, resp.Body)
	assert.Equal(t, []string{"response 204", "headers final=true"}, log.snapshot())
}

func TestTrailersAreNotASecondResponse(t *testing.T) {
	p := newPeer(t, Options{})
	log := &eventLog{}
	ex := p.dispatch("GET", "/", nil, log.handler())

	p.headers(3, false, ":status", "200")
	p.data(3, false, []byte("body"))
	p.headers(3, true, "x-checksum", "abc")

	resp, err := waitFuture(t, ex)
	require.NoError(t, err)
	assert.Equal(t, "body", string(resp.Body))
	assert.False(t, resp.Headers.Has("x-checksum"))
	assert.Equal(t, []string{
		"response 200",
		"headers final=false",
		`content "body" final=false`,
		"headers final=true",
	}, log.snapshot())
}

func TestInterimResponseIgnored(t *testing.T) {
	p := newPeer(t, Options{})
	log := &eventLog{}
	ex := p.dispatch("GET", "/", nil, log.handler())

	p.headers(3, false, ":status", "103", "link", "</style.css>")
	p.headers(3, true, ":status", "200")

	_, err := waitFuture(t, ex)
	require.NoError(t, err)
	assert.Equal(t, []string{"response 200", "headers final=true"}, log.snapshot())
}

func TestBodyTooLargeFailsOnlyThatStream(t *testing.T) {
	p := newPeer(t, Options{MaxContentLength: 8})
	big := p.dispatch("GET", "/big", nil, nil)
	small := p.dispatch("GET", "/small", nil, nil)

	p.headers(3, false, ":status", "200")
	p.headers(5, false, ":status", "200")
	p.data(3, false, []byte("0123456789"))
	p.data(5, true, []byte("ok"))

	_, err := waitFuture(t, big)
	assert.ErrorIs(t, err, errs.ErrProtocol)
	assert.ErrorIs(t, err, errs.ErrBodyTooLarge)

	resp, err := waitFuture(t, small)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))

	rst := p.sentOfType(http2.FrameRSTStream)
	require.Len(t, rst, 1)
	assert.Equal(t, uint32(3), rst[0].StreamID)
	assert.Equal(t, http2.ErrCodeCancel, rst[0].Code)
	assert.False(t, p.c.Closed())

	// late frames on the reset stream are ignored
	p.data(3, true, []byte("x"))
	assert.False(t, p.c.Closed())
}

func TestContentLengthMismatch(t *testing.T) {
	p := newPeer(t, Options{})
	ex := p.dispatch("GET", "/", nil, nil)

	p.headers(3, false, ":status", "200", "content-length", "5")
	p.data(3, true, []byte("abc"))

	_, err := waitFuture(t, ex)
	assert.ErrorIs(t, err, errs.ErrProtocol)
}

func TestHeadIgnoresContentLength(t *testing.T) {
	p := newPeer(t, Options{})
	ex := p.dispatch("HEAD", "/", nil, nil)

	p.headers(3, true, ":status", "200", "content-length", "1234")

	resp, err := waitFuture(t, ex)
	require.NoError(t, err)
	assert.Equal(t, "1234", resp.Headers.Get("content-length"))
}

func TestPeerResetFailsStream(t *testing.T) {
	p := newPeer(t, Options{})
	reset := p.dispatch("GET", "/reset", nil, nil)
	other := p.dispatch("GET", "/other", nil, nil)

	require.NoError(t, p.feed(func(w *frame.Writer) error {
		return w.WriteRSTStream(3, http2.ErrCodeRefusedStream)
	}))

	_, err := waitFuture(t, reset)
	var rerr errs.StreamResetError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http2.ErrCodeRefusedStream, rerr.Code)
	assert.False(t, other.Done())

	p.headers(5, true, ":status", "200")
	_, err = waitFuture(t, other)
	assert.NoError(t, err)
}

func TestHandlerPanicCancelsStream(t *testing.T) {
	p := newPeer(t, Options{})
	broken := p.dispatch("GET", "/broken", nil, exchange.Callbacks{
		Response: func(exchange.ResponseStart) { panic("handler bug") },
	})
	other := p.dispatch("GET", "/other", nil, nil)

	p.headers(3, false, ":status", "200")
	_, err := waitFuture(t, broken)
	require.Error(t, err)

	cancelled := func() bool {
		for _, f := range p.sentOfType(http2.FrameRSTStream) {
			if f.StreamID == 3 && f.Code == http2.ErrCodeCancel {
				return true
			}
		}
		return false
	}
	assert.Eventually(t, cancelled, 2*time.Second, 10*time.Millisecond)
	assert.False(t, p.c.Closed())

	// late frames for the cancelled stream are dropped
	p.data(3, true, []byte("late"))
	assert.False(t, p.c.Closed())

	p.headers(5, true, ":status", "204")
	resp, err := waitFuture(t, other)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
	assert.Len(t, p.sentOfType(http2.FrameRSTStream), 1)
}

func TestGoAway(t *testing.T) {
	p := newPeer(t, Options{})
	kept := p.dispatch("GET", "/kept", nil, nil)
	dropped := []*exchange.Exchange{
		p.dispatch("GET", "/dropped1", nil, nil),
		p.dispatch("GET", "/dropped2", nil, nil),
	}

	require.NoError(t, p.feed(func(w *frame.Writer) error {
		return w.WriteGoAway(3, http2.ErrCodeNo, []byte("draining"))
	}))

	for _, ex := range dropped {
		_, err := waitFuture(t, ex)
		assert.ErrorIs(t, err, errs.ErrTransport)
		assert.ErrorIs(t, err, errs.ErrGoAway)
	}

	req, err := message.NewRequest("example.com", true, "GET", "/new", message.Headers{}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.c.Dispatch(req, exchange.New("new", nil)), errs.ErrGoAway)

	p.headers(3, true, ":status", "200")
	_, err = waitFuture(t, kept)
	require.NoError(t, err)

	assert.Eventually(t, p.conn.Closed, 2*time.Second, 10*time.Millisecond)
}

func TestPingAndSettingsAck(t *testing.T) {
	p := newPeer(t, Options{})

	require.NoError(t, p.feed(func(w *frame.Writer) error {
		if err := w.WriteSettings(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 100}); err != nil {
			return err
		}
		return w.WritePing(false, [8]byte{1, 2, 3, 4, 5, 6, 7, 8})
	}))

	settings := p.sentOfType(http2.FrameSettings)
	require.Len(t, settings, 2)
	assert.True(t, settings[1].Ack)

	pings := p.sentOfType(http2.FramePing)
	require.Len(t, pings, 1)
	assert.True(t, pings[0].Ack)
}

func TestRequestBodyRespectsSendWindow(t *testing.T) {
	p := newPeer(t, Options{})
	require.NoError(t, p.feed(func(w *frame.Writer) error {
		return w.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 10})
	}))

	body := []byte(strings.Repeat("x", 25))
	p.dispatch("POST", "/upload", body, nil)

	data := p.sentOfType(http2.FrameData)
	require.Len(t, data, 1)
	assert.Len(t, data[0].Data, 10)
	assert.False(t, data[0].EndStream)

	require.NoError(t, p.feed(func(w *frame.Writer) error {
		return w.WriteWindowUpdate(3, 100)
	}))

	data = p.sentOfType(http2.FrameData)
	require.Len(t, data, 2)
	assert.Len(t, data[1].Data, 15)
	assert.True(t, data[1].EndStream)

	var sent []byte
	for _, d := range data {
		sent = append(sent, d.Data...)
	}
	assert.Equal(t, body, sent)
}

func TestEarlyResponseCancelsUpload(t *testing.T) {
	p := newPeer(t, Options{})
	require.NoError(t, p.feed(func(w *frame.Writer) error {
		return w.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 4})
	}))
	ex := p.dispatch("POST", "/upload", []byte("too much body"), nil)

	p.headers(3, true, ":status", "413")
	resp, err := waitFuture(t, ex)
	require.NoError(t, err)
	assert.Equal(t, 413, resp.Status)

	rst := p.sentOfType(http2.FrameRSTStream)
	require.Len(t, rst, 1)
	assert.Equal(t, http2.ErrCodeNo, rst[0].Code)
}

func TestCloseFailsInFlight(t *testing.T) {
	p := newPeer(t, Options{})
	var inflight []*exchange.Exchange
	for i := 0; i < 5; i++ {
		inflight = append(inflight, p.dispatch("GET", fmt.Sprintf("/%d", i), nil, nil))
	}

	require.NoError(t, p.c.Close())
	require.NoError(t, p.c.Close())

	for _, ex := range inflight {
		_, err := waitFuture(t, ex)
		assert.ErrorIs(t, err, errs.ErrConnectionClosed)
	}
	goaway := p.sentOfType(http2.FrameGoAway)
	require.Len(t, goaway, 1)
	assert.Equal(t, http2.ErrCodeNo, goaway[0].Code)
	assert.True(t, p.conn.Closed())

	req, err := message.NewRequest("example.com", true, "GET", "/", message.Headers{}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.c.Dispatch(req, exchange.New("late", nil)), errs.ErrConnectionClosed)
}

func TestPeerHangupFailsInFlight(t *testing.T) {
	p := newPeer(t, Options{})
	ex := p.dispatch("GET", "/", nil, nil)

	p.conn.Hangup(io.ErrUnexpectedEOF)

	_, err := waitFuture(t, ex)
	assert.ErrorIs(t, err, errs.ErrTransport)
	assert.ErrorIs(t, err, errs.ErrConnectionClosed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, p.c.Closed())
}

func TestConnectionErrors(t *testing.T) {
	tests := []struct {
		name  string
		write func(fr *http2.Framer) error
		code  http2.ErrCode
	}{
		{
			name:  "data on idle stream",
			write: func(fr *http2.Framer) error { return fr.WriteData(9, true, []byte("x")) },
			code:  http2.ErrCodeProtocol,
		},
		{
			name: "push promise",
			write: func(fr *http2.Framer) error {
				return fr.WritePushPromise(http2.PushPromiseParam{
					StreamID:      3,
					PromiseID:     2,
					BlockFragment: []byte{0x88},
					EndHeaders:    true,
				})
			},
			code: http2.ErrCodeProtocol,
		},
		{
			name: "invalid max frame size",
			write: func(fr *http2.Framer) error {
				return fr.WriteSettings(http2.Setting{ID: http2.SettingMaxFrameSize, Val: 10})
			},
			code: http2.ErrCodeProtocol,
		},
		{
			name: "connection window overflow",
			write: func(fr *http2.Framer) error {
				return fr.WriteWindowUpdate(0, frame.MaxWindowSize)
			},
			code: http2.ErrCodeFlowControl,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPeer(t, Options{})
			ex := p.dispatch("GET", "/", nil, nil)

			var buf bytes.Buffer
			require.NoError(t, tt.write(http2.NewFramer(&buf, nil)))
			assert.Error(t, p.conn.Feed(buf.Bytes()))

			_, err := waitFuture(t, ex)
			assert.ErrorIs(t, err, errs.ErrProtocol)
			goaway := p.sentOfType(http2.FrameGoAway)
			require.Len(t, goaway, 1)
			assert.Equal(t, tt.code, goaway[0].Code)
			assert.True(t, p.c.Closed())
		})
	}
}

func TestWriteFailureFailsStreams(t *testing.T) {
	p := newPeer(t, Options{})
	p.conn.FailWrites(errors.New("broken pipe"))

	req, err := message.NewRequest("example.com", true, "GET", "/", message.Headers{}, nil)
	require.NoError(t, err)
	ex := exchange.New("x", nil)
	_ = p.c.Dispatch(req, ex)

	_, err = waitFuture(t, ex)
	assert.ErrorIs(t, err, errs.ErrTransport)
	assert.Eventually(t, p.c.Closed, 2*time.Second, 10*time.Millisecond)
}

func TestDecompressedBody(t *testing.T) {
	plain := strings.Repeat("compressible ", 200)
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write([]byte(plain))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	p := newPeer(t, Options{Decompress: true})
	ex := p.dispatch("GET", "/", nil, nil)

	p.headers(3, false, ":status", "200", "content-encoding", "gzip",
		"content-length", fmt.Sprint(compressed.Len()))
	b := compressed.Bytes()
	p.data(3, false, b[:len(b)/2])
	p.data(3, true, b[len(b)/2:])

	resp, err := waitFuture(t, ex)
	require.NoError(t, err)
	assert.Equal(t, plain, string(resp.Body))
	assert.False(t, resp.Headers.Has("content-encoding"))
	assert.False(t, resp.Headers.Has("content-length"))
}

func TestDecompressedBodyWithTrailers(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write([]byte("trailered"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	p := newPeer(t, Options{Decompress: true})
	log := &eventLog{}
	ex := p.dispatch("GET", "/", nil, log.handler())

	p.headers(3, false, ":status", "200", "content-encoding", "gzip")
	p.data(3, false, compressed.Bytes())
	p.headers(3, true, "x-done", "1")

	resp, err := waitFuture(t, ex)
	require.NoError(t, err)
	assert.Equal(t, "trailered", string(resp.Body))
	events := log.snapshot()
	assert.Equal(t, "headers final=true", events[len(events)-1])
}
