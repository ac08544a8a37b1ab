// Package pool implements a bucketed dispatch pool: a fixed set of
// worker goroutines, each draining its own queue of work items, with
// items routed to a bucket by a consistent hash of a caller-supplied
// key. This generalizes the teacher's nodeTasks.forwardFrom
// (task.go), which routes Records to one of a node's task buffers by
// jump.Hash(record.id, buckets) so records sharing a key are always
// processed by the same goroutine and therefore stay in order
// relative to each other. Here the keys are node names and endpoint
// keys instead of record ids, and the callers are the kernel's
// inbound kernel-message handler and remotequeue's multiplexed frame
// dispatcher.
package pool

import (
	"github.com/dgryski/go-jump"
)

// Pool is a set of buckets worth of workers; work submitted under the
// same key always lands on the same bucket.
type Pool struct {
	buckets []chan func()
}

// New starts a Pool with n buckets, each backed by one goroutine. n
// is clamped to at least 1.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{buckets: make([]chan func(), n)}
	for i := range p.buckets {
		ch := make(chan func(), 64)
		p.buckets[i] = ch
		go func() {
			for fn := range ch {
				fn()
			}
		}()
	}
	return p
}

// Submit routes fn to the bucket jump.Hash(key, buckets) selects,
// queueing behind any other work already submitted under a key that
// hashes to the same bucket.
func (p *Pool) Submit(key uint64, fn func()) {
	b := jump.Hash(key, int32(len(p.buckets)))
	p.buckets[b] <- fn
}

// Close stops every worker once its queue drains. Submitting after
// Close panics, matching a closed-channel send.
func (p *Pool) Close() {
	for _, ch := range p.buckets {
		close(ch)
	}
}
