// Package bytepool implements a sync.Pool of fixed-size byte buffers used
// by the UDP frontend to avoid an allocation per received datagram.
package bytepool

import "sync"

// BytePool hands out []byte slices of a fixed capacity.
type BytePool struct {
	size int
	pool sync.Pool
}

// NewBytePool creates a BytePool whose buffers are size bytes long.
func NewBytePool(size int) *BytePool {
	bp := &BytePool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Get returns a buffer from the pool, allocating one if empty.
func (bp *BytePool) Get() *[]byte { return bp.pool.Get().(*[]byte) }

// Put returns a buffer to the pool for reuse.
func (bp *BytePool) Put(b *[]byte) {
	if cap(*b) != bp.size {
		return
	}
	*b = (*b)[:bp.size]
	bp.pool.Put(b)
}
