package proxy

import (
	"io"
	"sync"
)

const (
	// DefaultBufferSize is the size of pooled relay buffers (32KB)
	// This matches the internal buffer size used by io.Copy
	DefaultBufferSize = 32 * 1024

	// RequestChunkSize is the read size used while collecting a request burst.
	// A read shorter than this ends the burst.
	RequestChunkSize = 1024
)

// bufferPool is a global pool of byte slices used for copying data
// between connections. This reduces GC pressure by reusing buffers.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// chunkPool holds RequestChunkSize buffers for request collection.
var chunkPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, RequestChunkSize)
		return &buf
	},
}

// getBuffer retrieves a buffer from the pool.
// The caller must return the buffer using putBuffer when done.
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// putBuffer returns a buffer to the pool for reuse.
func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}

func getChunk() *[]byte {
	return chunkPool.Get().(*[]byte)
}

func putChunk(buf *[]byte) {
	if buf != nil {
		chunkPool.Put(buf)
	}
}

// copyBuffer copies from src to dst using a pooled buffer.
// This is a drop-in replacement for io.Copy that uses buffer pooling.
func copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := getBuffer()
	defer putBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}
