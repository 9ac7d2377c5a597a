package relay

import "sync"

// DefaultBufferSize is the copy buffer size used when none is configured.
const DefaultBufferSize = 32 * 1024

// BufferPool reuses fixed-size copy buffers across transfers.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a pool of size-byte buffers. A non-positive size
// selects DefaultBufferSize.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly Size bytes.
func (p *BufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns buf to the pool. Buffers of the wrong size are dropped.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil || len(*buf) != p.size {
		return
	}
	p.pool.Put(buf)
}

// Size returns the buffer size.
func (p *BufferPool) Size() int {
	return p.size
}
