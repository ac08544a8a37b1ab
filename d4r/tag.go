// Package d4r implements Distributed Deadlock Detection and Relief
// (spec.md §4.6): every node carries a tag that is propagated across
// the queues it blocks on; a node that sees its own tag echoed back
// has found a cycle, and the node owning the lexicographically
// highest tag in that cycle grows the queue it is blocked on to
// relieve it.
package d4r

import "github.com/cpnkit/cpn"

// Tag is totally ordered lexicographically on (Count, Node), per
// spec.md §4.6. QueueSize/Queue are local bookkeeping carried with
// the tag everywhere except the wire, where only (Count, Node) travel
// (see wire.Frame's tag_count/tag_node fields, spec.md §6).
type Tag struct {
	Count     uint64
	Node      cpn.Key
	QueueSize uint64
	Queue     cpn.Key
}

// Zero is the tag of a node that has never blocked.
var Zero = Tag{}

// Less reports whether t sorts strictly before o.
func (t Tag) Less(o Tag) bool {
	if t.Count != o.Count {
		return t.Count < o.Count
	}
	return t.Node < o.Node
}

// Max returns the lexicographically larger of t and o.
func Max(t, o Tag) Tag {
	if o.Less(t) {
		return t
	}
	return o
}

// WireTag is the (count, node) pair that rides on every control frame
// (ENQUEUE, DEQUEUE, READ_BLOCK, WRITE_BLOCK) so D4R state crosses
// kernel boundaries automatically, per spec.md §4.6 point 3.
type WireTag struct {
	Count uint64
	Node  cpn.Key
}

// Trim projects a full Tag down to the wire-carried fields.
func (t Tag) Trim() WireTag {
	return WireTag{Count: t.Count, Node: t.Node}
}
