package proxy

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAndPutBuffer(t *testing.T) {
	buf := getBuffer()
	require.NotNil(t, buf)
	assert.Equal(t, DefaultBufferSize, len(*buf))
	putBuffer(buf)

	chunk := getChunk()
	require.NotNil(t, chunk)
	assert.Equal(t, RequestChunkSize, len(*chunk))
	putChunk(chunk)

	// Should not panic
	putBuffer(nil)
	putChunk(nil)
}

func TestCopyBufferLargeData(t *testing.T) {
	testData := strings.Repeat("A", DefaultBufferSize*2+1000)
	dst := &bytes.Buffer{}

	n, err := copyBuffer(dst, strings.NewReader(testData))
	require.NoError(t, err)
	assert.Equal(t, int64(len(testData)), n)
	assert.Equal(t, testData, dst.String())
}

func TestCopyBufferConcurrent(t *testing.T) {
	const numGoroutines = 50
	const dataSize = 10000

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(iteration int) {
			defer wg.Done()

			testData := strings.Repeat("X", dataSize)
			dst := &bytes.Buffer{}

			n, err := copyBuffer(dst, strings.NewReader(testData))
			if err != nil {
				t.Errorf("Iteration %d: unexpected error: %v", iteration, err)
				return
			}
			if n != int64(dataSize) || dst.String() != testData {
				t.Errorf("Iteration %d: data mismatch", iteration)
			}
		}(i)
	}

	wg.Wait()
}

func TestCopyBufferReaderError(t *testing.T) {
	src := &errorReader{data: []byte("test"), err: io.ErrUnexpectedEOF}
	dst := &bytes.Buffer{}

	_, err := copyBuffer(dst, src)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
	assert.Equal(t, "test", dst.String())
}

// errorReader is a test helper that returns an error after reading its data
type errorReader struct {
	data []byte
	err  error
	pos  int
}

func (r *errorReader) Read(p []byte) (n int, err error) {
	if r.pos >= len(r.data) {
		return 0, r.err
	}
	n = copy(p, r.data[r.pos:])
	r.pos += n
	if r.pos >= len(r.data) {
		return n, r.err
	}
	return n, nil
}

func BenchmarkCopyBufferPooled(b *testing.B) {
	data := strings.Repeat("A", DefaultBufferSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = copyBuffer(io.Discard, strings.NewReader(data))
	}
}
