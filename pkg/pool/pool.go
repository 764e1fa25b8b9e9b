// Package pool holds reusable I/O buffers for file transfers. Buffers are kept
// in a sync.Pool, so idle buffers are released by the garbage collector.
package pool

func isPowerOfTwo(n int64) bool {
	return n > 0 && (n&(n-1)) == 0
}
