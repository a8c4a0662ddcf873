package shard

import "sync/atomic"

// Router hands out slices of the global position quota and maps each claim
// to an output shard. Shard choice follows the claim index, not the file or
// worker, so shards stay balanced when files and workers run unevenly.
type Router struct {
	total     int64
	numShards int64
	claimed   int64 // atomic
}

// NewRouter creates a router for total positions over numShards shards.
func NewRouter(total int64, numShards int) *Router {
	if numShards < 1 {
		numShards = 1
	}
	return &Router{total: total, numShards: int64(numShards)}
}

// Claim reserves n positions. It fails once the quota is met; a successful
// claim may end past the quota by at most n-1 positions.
func (r *Router) Claim(n int) (first int64, ok bool) {
	for {
		cur := atomic.LoadInt64(&r.claimed)
		if cur >= r.total {
			return 0, false
		}
		if atomic.CompareAndSwapInt64(&r.claimed, cur, cur+int64(n)) {
			return cur, true
		}
	}
}

// ShardFor returns the shard of the unit whose claim started at first.
func (r *Router) ShardFor(first int64, blockSize int) int {
	if blockSize < 1 {
		blockSize = 1
	}
	return int((first / int64(blockSize)) % r.numShards)
}

// Claimed returns the number of positions claimed so far.
func (r *Router) Claimed() int64 {
	return atomic.LoadInt64(&r.claimed)
}

// Done reports whether the quota has been claimed.
func (r *Router) Done() bool {
	return atomic.LoadInt64(&r.claimed) >= r.total
}

// Total returns the quota.
func (r *Router) Total() int64 {
	return r.total
}

// NumShards returns the shard count.
func (r *Router) NumShards() int {
	return int(r.numShards)
}
