package pool

import (
	"fmt"
	"sync"
)

// DefaultBufferSize is the copy buffer size used by providers when none is configured.
const DefaultBufferSize = 256 * 1024

// FixedBufferPool hands out byte slices of one fixed size.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBufferPool panics if size is not a power of two.
func NewFixedBufferPool(size int64) *FixedBufferPool {
	if !isPowerOfTwo(size) {
		panic(fmt.Sprintf("buffer size %d must be a power of two", size))
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Size returns the length of every buffer handed out by Get.
func (fp *FixedBufferPool) Size() int64 {
	return fp.size
}

func (fp *FixedBufferPool) Get() *[]byte {
	b := fp.pool.Get().(*[]byte)
	*b = (*b)[:fp.size]
	return b
}

// Put returns b to the pool. Buffers of a foreign size are dropped.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
