package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// ChunkPool is a thread-safe pool of byte buffers sized for one streaming
// chunk. It leans on valyala/bytebufferpool for lifecycle management so the
// hot chunk-forward loop never allocates per iteration.
type ChunkPool struct {
	pool      *bytebufferpool.Pool
	chunkSize int
}

// NewChunkPool creates a pool handing out buffers with at least chunkSize
// bytes of capacity.
func NewChunkPool(chunkSize int64) *ChunkPool {
	return &ChunkPool{
		pool:      &bytebufferpool.Pool{},
		chunkSize: int(chunkSize),
	}
}

// Get returns a buffer whose backing slice is resized to exactly one chunk.
// The caller owns the buffer until it calls Put.
func (cp *ChunkPool) Get() *bytebufferpool.ByteBuffer {
	buf := cp.pool.Get()
	if cap(buf.B) < cp.chunkSize {
		buf.B = make([]byte, cp.chunkSize)
	} else {
		buf.B = buf.B[:cp.chunkSize]
	}
	return buf
}

// Put returns a buffer to the pool.
func (cp *ChunkPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		cp.pool.Put(buf)
	}
}

// ChunkSize returns the configured chunk size in bytes.
func (cp *ChunkPool) ChunkSize() int {
	return cp.chunkSize
}
