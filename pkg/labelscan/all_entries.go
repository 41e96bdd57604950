package labelscan

import (
	"math/bits"

	"github.com/orneryd/labelscan/pkg/bptree"
)

// NodeLabelRange is one (label, range) bitset surfaced by the all-entries
// scan.
type NodeLabelRange struct {
	Label   LabelID
	RangeID uint64

	layout Layout
	bits   uint64
}

// Bits returns the raw membership bitset.
func (r NodeLabelRange) Bits() uint64 { return r.bits }

// Nodes decodes the bitset into ascending node ids.
func (r NodeLabelRange) Nodes() []NodeID {
	nodes := make([]NodeID, 0, bits.OnesCount64(r.bits))
	base := NodeID(r.RangeID * uint64(r.layout.RangeWidth()))
	for b := r.bits; b != 0; b &= b - 1 {
		nodes = append(nodes, base+NodeID(bits.TrailingZeros64(b)))
	}
	return nodes
}

// AllEntriesReader iterates every (label, range) entry: label 0 up to the
// highest label present, ranges ascending within each label. The highest
// label is discovered with a reverse seek from the sentinel key, so no
// label counter has to be maintained by writers.
type AllEntriesReader struct {
	snap    *bptree.Snapshot
	layout  Layout
	from    NodeID
	to      NodeID
	highest LabelID
	label   LabelID
	seeker  *bptree.Seeker
	closed  bool
}

// AllNodeLabelRanges scans every entry of the store.
func (s *Store) AllNodeLabelRanges() (*AllEntriesReader, error) {
	return s.AllNodeLabelRangesIn(0, NodeID(^uint64(0)))
}

// AllNodeLabelRangesIn scans entries whose ranges intersect node ids
// [from, to).
func (s *Store) AllNodeLabelRangesIn(from, to NodeID) (*AllEntriesReader, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	snap, err := s.tree.Snapshot()
	if err != nil {
		return nil, err
	}
	r := &AllEntriesReader{
		snap:    snap,
		layout:  s.layout,
		from:    from,
		to:      to,
		highest: -1,
	}
	if from >= to {
		return r, nil
	}

	rev := snap.SeekReverse(s.layout.Key(MaxLabelID, ^uint64(0)), s.layout.Key(0, 0))
	if rev.Next() {
		r.highest, _ = s.layout.DecodeKey(rev.Key())
	}
	_ = rev.Close()
	return r, nil
}

// HighestLabel returns the largest label present in the snapshot, or -1
// when the store is empty.
func (r *AllEntriesReader) HighestLabel() LabelID { return r.highest }

// Next returns the next entry, or false when the scan is done.
func (r *AllEntriesReader) Next() (NodeLabelRange, bool) {
	for {
		if r.closed || r.highest < 0 {
			return NodeLabelRange{}, false
		}
		if r.seeker == nil {
			if r.label > r.highest {
				return NodeLabelRange{}, false
			}
			loRange := r.layout.RangeOf(r.from)
			hiRange := r.layout.RangeOf(r.to-1) + 1
			r.seeker = r.snap.Seek(
				r.layout.Key(r.label, loRange),
				r.layout.Key(r.label, hiRange),
			)
		}
		if !r.seeker.Next() {
			r.seeker = nil
			r.label++
			continue
		}
		label, rangeID := r.layout.DecodeKey(r.seeker.Key())
		return NodeLabelRange{
			Label:   label,
			RangeID: rangeID,
			layout:  r.layout,
			bits:    r.layout.DecodeValue(r.seeker.Value()),
		}, true
	}
}

// Close releases the underlying snapshot.
func (r *AllEntriesReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.snap.Close()
}
