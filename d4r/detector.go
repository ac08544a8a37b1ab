package d4r

import (
	"sync"

	"github.com/cpnkit/cpn"
	"github.com/cpnkit/cpn/log"
)

// Grower is asked to enlarge the queue that won the growth race. It is
// implemented by kernel.Kernel, which looks the key up among its own
// endpoints, so the detector never depends on the queue package directly.
type Grower interface {
	// GrowFor enlarges the queue by at least one unit of capacity to
	// break a detected cycle. Each call grows again: a second call for
	// the same queue is not ignored.
	GrowFor(queue cpn.Key) error
}

// Detector runs the side effects described in spec.md §4.6 as nodes
// block and unblock on queues. One Detector is shared by every node
// and queue hosted in a single kernel; tags that must cross a kernel
// boundary ride on wire frames (see Tag.Trim) and are merged in via
// Observe.
type Detector struct {
	mu      sync.Mutex
	log     log.Logger
	enabled bool

	counters map[cpn.Key]uint64 // per-node block sequence number
	public   map[cpn.Key]Tag    // per-node current public tag
	grower   Grower
}

// New creates a Detector. enabled mirrors the kernel's use_d4r flag;
// when false, Block/Unblock/Observe are no-ops and no growth is ever
// triggered (deadlocks simply hang, per spec.md §4.6).
func New(enabled bool, grower Grower) *Detector {
	return &Detector{
		log:      log.New("component", "d4r"),
		enabled:  enabled,
		counters: make(map[cpn.Key]uint64),
		public:   make(map[cpn.Key]Tag),
		grower:   grower,
	}
}

// Enabled reports whether this detector performs detection/relief.
func (d *Detector) Enabled() bool {
	return d.enabled
}

// PublicTag returns the node's current propagated tag, or Zero if it
// has never blocked or has since unblocked.
func (d *Detector) PublicTag(node cpn.Key) Tag {
	if !d.enabled {
		return Zero
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.public[node]
}

// Block records that node has become blocked on queue (of the given
// current size), having observed incoming as the propagated tag from
// the peer across that queue (Zero if the peer was not itself
// blocked). It returns the node's new public tag to propagate onward,
// and whether a cycle was detected and relieved by this call.
//
// Algorithm, per spec.md §4.6:
//  1. bump the node's own sequence number and stamp its tag;
//     propagate the peer's tag through it (public tag = max(incoming, own)).
//  3. (wire propagation is the caller's responsibility via Tag.Trim)
//  4. a cycle exists iff the node sees its own (node, count) echoed
//     back through propagation -- i.e. incoming already names this
//     node as the tag's origin.
//  5. only the node owning the lexicographically highest tag in the
//     cycle performs the growth; others observe the resulting GROW
//     frame and resume.
func (d *Detector) Block(node, queue cpn.Key, queueSize uint64, incoming Tag) (selfTag Tag, cycleDetected bool) {
	if !d.enabled {
		return Zero, false
	}

	d.mu.Lock()
	d.counters[node]++
	own := Tag{Count: d.counters[node], Node: node, QueueSize: queueSize, Queue: queue}
	merged := Max(own, incoming)
	d.public[node] = merged
	d.mu.Unlock()

	if incoming.Node == node && incoming != Zero {
		cycleDetected = true
		// Only grow if our freshly merged tag is not smaller than the
		// tag that echoed back to us -- i.e. we hold the highest tag
		// observed in this cycle so far.
		if !merged.Less(incoming) && d.grower != nil {
			if err := d.grower.GrowFor(queue); err != nil {
				d.log.Warnw("grow for deadlock relief failed", "queue", queue, "error", err)
			} else {
				d.log.Infow("relieved detected cycle by growing queue", "node", node, "queue", queue, "tag_count", merged.Count)
			}
		}
	}

	return merged, cycleDetected
}

// Unblock clears the propagation contributed by node once its queue
// operation succeeds, per spec.md §4.6 point 2.
func (d *Detector) Unblock(node cpn.Key) {
	if !d.enabled {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.public, node)
}

// Observe merges a tag received on an incoming wire control frame
// into this kernel's view of the remote node's public tag, so a cycle
// that spans a kernel boundary is detectable locally. Remote node keys
// are namespaced by the peer kernel's directory, so callers pass the
// already-resolved local Key for the remote node.
func (d *Detector) Observe(node cpn.Key, wt WireTag) {
	if !d.enabled {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.public[node]
	incoming := Tag{Count: wt.Count, Node: wt.Node}
	d.public[node] = Max(cur, incoming)
}
