package labelscan

import (
	"math/bits"

	"github.com/orneryd/labelscan/pkg/bptree"
)

// Reader answers label membership queries against one consistent snapshot
// of the store, established when the reader is created. Writers closing
// later do not change what it sees. Close releases the snapshot; iterators
// obtained from a reader die with it.
type Reader struct {
	snap   *bptree.Snapshot
	layout Layout
	closed bool
}

// NodesWithLabel returns the node ids carrying label, ascending.
func (r *Reader) NodesWithLabel(label LabelID) *NodeIterator {
	return r.NodesWithLabelIn(label, 0, NodeID(^uint64(0)))
}

// NodesWithLabelIn returns the node ids in [from, to) carrying label,
// ascending.
func (r *Reader) NodesWithLabelIn(label LabelID, from, to NodeID) *NodeIterator {
	it := &NodeIterator{layout: r.layout, from: from, to: to}
	if r.closed || from >= to {
		it.done = true
		return it
	}
	loRange := r.layout.RangeOf(from)
	hiRange := r.layout.RangeOf(to-1) + 1
	it.seeker = r.snap.Seek(r.layout.Key(label, loRange), r.layout.Key(label, hiRange))
	return it
}

// Close releases the reader's snapshot.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.snap.Close()
}

// NodeIterator yields node ids decoded from one label's bitset ranges in
// ascending order.
type NodeIterator struct {
	layout   Layout
	seeker   *bptree.Seeker
	from, to NodeID
	base     NodeID
	bits     uint64
	done     bool
}

// Next returns the next node id, or false when the iteration is exhausted.
func (it *NodeIterator) Next() (NodeID, bool) {
	for {
		if it.done {
			return 0, false
		}
		if it.bits != 0 {
			offset := bits.TrailingZeros64(it.bits)
			it.bits &= it.bits - 1
			return it.base + NodeID(offset), true
		}
		if !it.seeker.Next() {
			it.done = true
			return 0, false
		}
		_, rangeID := it.layout.DecodeKey(it.seeker.Key())
		value := it.layout.DecodeValue(it.seeker.Value())
		// The first and last ranges may straddle the query bounds; mask
		// the out-of-bounds bits away before decoding.
		if rangeID == it.layout.RangeOf(it.from) {
			value &^= 1<<it.layout.BitOf(it.from) - 1
		}
		if rangeID == it.layout.RangeOf(it.to-1) {
			last := it.layout.BitOf(it.to - 1)
			if last < uint(it.layout.RangeWidth())-1 {
				value &= 1<<(last+1) - 1
			}
		}
		it.base = NodeID(rangeID * uint64(it.layout.RangeWidth()))
		it.bits = value
	}
}

// Collect drains the iterator into a slice.
func (it *NodeIterator) Collect() []NodeID {
	var nodes []NodeID
	for {
		node, ok := it.Next()
		if !ok {
			return nodes
		}
		nodes = append(nodes, node)
	}
}
