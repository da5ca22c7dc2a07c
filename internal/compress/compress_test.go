package compress

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu     sync.Mutex
	out    bytes.Buffer
	finals int
	err    error
}

func (s *sink) emit(chunk []byte, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(chunk)
	if final {
		s.finals++
	}
}

func (s *sink) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func encode(t *testing.T, encoding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch encoding {
	case "gzip":
		w := gzip.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "zlib":
		w := zlib.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "raw":
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "br":
		w := brotli.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "zstd":
		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	default:
		t.Fatalf("unknown encoding %s", encoding)
	}
	return buf.Bytes()
}

func TestStageDecodes(t *testing.T) {
	payload := []byte(strings.Repeat("duplex streams bodies in pieces. ", 4000))

	tests := []struct {
		name     string
		encoder  string
		encoding string
	}{
		{"gzip", "gzip", "gzip"},
		{"x-gzip", "gzip", "x-gzip"},
		{"deflate zlib", "zlib", "deflate"},
		{"deflate raw", "raw", "deflate"},
		{"brotli", "br", "br"},
		{"zstd", "zstd", "zstd"},
		{"upper case", "gzip", " GZIP "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed := encode(t, tt.encoder, payload)
			s := &sink{}
			stage, err := NewStage(tt.encoding, 0, s.emit, s.fail)
			require.NoError(t, err)

			for len(compressed) > 0 {
				n := 997
				if n > len(compressed) {
					n = len(compressed)
				}
				require.NoError(t, stage.Write(compressed[:n]))
				compressed = compressed[n:]
			}
			require.NoError(t, stage.Close(true))

			assert.NoError(t, s.err)
			assert.Equal(t, 1, s.finals)
			assert.Equal(t, payload, s.out.Bytes())
		})
	}
}

func TestStageCloseWithoutFinal(t *testing.T) {
	s := &sink{}
	stage, err := NewStage("gzip", 0, s.emit, s.fail)
	require.NoError(t, err)

	require.NoError(t, stage.Write(encode(t, "gzip", []byte("abc"))))
	require.NoError(t, stage.Close(false))

	assert.Equal(t, "abc", s.out.String())
	assert.Equal(t, 0, s.finals)
	assert.NoError(t, stage.Close(true))
}

func TestStageLimit(t *testing.T) {
	s := &sink{}
	stage, err := NewStage("gzip", 1024, s.emit, s.fail)
	require.NoError(t, err)

	_ = stage.Write(encode(t, "gzip", bytes.Repeat([]byte("a"), 1<<20)))
	_ = stage.Close(true)

	assert.ErrorIs(t, s.err, ErrLimitExceeded)
	assert.Equal(t, 0, s.finals)
	assert.LessOrEqual(t, s.out.Len(), 1024)
}

func TestStageTruncated(t *testing.T) {
	s := &sink{}
	stage, err := NewStage("gzip", 0, s.emit, s.fail)
	require.NoError(t, err)

	full := encode(t, "gzip", bytes.Repeat([]byte("b"), 4096))
	require.NoError(t, stage.Write(full[:len(full)/2]))
	_ = stage.Close(true)

	assert.Error(t, s.err)
	assert.Equal(t, 0, s.finals)
}

func TestStageGarbage(t *testing.T) {
	s := &sink{}
	stage, err := NewStage("gzip", 0, s.emit, s.fail)
	require.NoError(t, err)

	_ = stage.Write([]byte("definitely not gzip"))
	_ = stage.Close(true)
	assert.Error(t, s.err)
	assert.Equal(t, 0, s.finals)
}

func TestStageAbort(t *testing.T) {
	s := &sink{}
	stage, err := NewStage("br", 0, s.emit, s.fail)
	require.NoError(t, err)

	stage.Abort(assert.AnError)
	assert.Error(t, stage.Write([]byte{1, 2, 3}))
	assert.NoError(t, stage.Close(true))
	assert.Equal(t, 0, s.finals)
	assert.NoError(t, s.err)
}

func TestSupported(t *testing.T) {
	for _, enc := range []string{"gzip", "x-gzip", "deflate", "br", "zstd", "Br"} {
		assert.True(t, Supported(enc), enc)
	}
	for _, enc := range []string{"", "identity", "compress", "gzip, br"} {
		assert.False(t, Supported(enc), enc)
	}
	_, err := NewStage("identity", 0, nil, nil)
	assert.Error(t, err)
}
