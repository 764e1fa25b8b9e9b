// Package sharded provides string-keyed collections split over independently
// locked shards so that many sync workers can read and write concurrently
// without serializing on a single mutex.
package sharded

import "hash/fnv"

// DefaultShards is a reasonable shard count for per-pass bookkeeping.
const DefaultShards = 64

// getShardIndex hashes key with FNV-1a. numShards must be a power of two.
func getShardIndex(key string, numShards int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & uint32(numShards-1))
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
