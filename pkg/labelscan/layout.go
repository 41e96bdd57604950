package labelscan

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/orneryd/labelscan/pkg/bptree"
)

// NodeID is a dense 64-bit node identifier.
type NodeID uint64

// LabelID is a 32-bit label identifier. Stored labels are non-negative;
// MaxLabelID is reserved for the sentinel key used to locate the highest
// label present in the tree.
type LabelID int32

// MaxLabelID is never stored; it bounds sentinel seeks.
const MaxLabelID = LabelID(math.MaxInt32)

// KeySize is the fixed width of an encoded tree key: 4 bytes of label id
// followed by 8 bytes of range id, both big-endian.
const KeySize = 12

// Permitted range widths.
const (
	MinRangeWidth     = 8
	DefaultRangeWidth = 64
)

const layoutName = "labelscan"
const layoutVersion = 1

// Layout encodes (labelId, rangeId) keys and bitset values at a fixed range
// width W. A range covers W consecutive node ids; bit i of a range's value
// is set iff node rangeId*W+i carries the label.
//
// Keys order label-major, range-minor. Labels are non-negative, so the
// big-endian byte order used by the tree coincides with numeric order.
type Layout struct {
	width uint
}

// NewLayout returns a layout for the given range width, one of 8, 16, 32
// or 64.
func NewLayout(rangeWidth int) (Layout, error) {
	switch rangeWidth {
	case 8, 16, 32, 64:
		return Layout{width: uint(rangeWidth)}, nil
	default:
		return Layout{}, fmt.Errorf("%w: %d", ErrInvalidRangeWidth, rangeWidth)
	}
}

// RangeWidth returns W, the number of node ids per range.
func (l Layout) RangeWidth() int { return int(l.width) }

// ValueSize returns the encoded bitset width in bytes, W/8.
func (l Layout) ValueSize() int { return int(l.width / 8) }

// RangeOf returns the range id holding node.
func (l Layout) RangeOf(node NodeID) uint64 { return uint64(node) / uint64(l.width) }

// BitOf returns node's bit offset within its range.
func (l Layout) BitOf(node NodeID) uint { return uint(uint64(node) % uint64(l.width)) }

// Mask returns the all-ones bitset for this width.
func (l Layout) Mask() uint64 {
	if l.width == 64 {
		return math.MaxUint64
	}
	return 1<<l.width - 1
}

// Key encodes (label, rangeID) into a fresh 12-byte key.
func (l Layout) Key(label LabelID, rangeID uint64) []byte {
	k := make([]byte, KeySize)
	binary.BigEndian.PutUint32(k[:4], uint32(label))
	binary.BigEndian.PutUint64(k[4:], rangeID)
	return k
}

// DecodeKey returns the (label, rangeID) pair encoded in k.
func (l Layout) DecodeKey(k []byte) (LabelID, uint64) {
	return LabelID(binary.BigEndian.Uint32(k[:4])), binary.BigEndian.Uint64(k[4:KeySize])
}

// Value encodes the low W bits of bits into a fresh W/8-byte value.
func (l Layout) Value(bits uint64) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, bits)
	return v[8-l.ValueSize():]
}

// DecodeValue returns the bitset encoded in v.
func (l Layout) DecodeValue(v []byte) uint64 {
	var buf [8]byte
	copy(buf[8-len(v):], v)
	return binary.BigEndian.Uint64(buf[:])
}

// treeLayout is the persisted layout identifier; the range width is part of
// the identity via the value size, so opening a store with a different width
// is a metadata mismatch rather than silent misreads.
func (l Layout) treeLayout() bptree.Layout {
	return bptree.Layout{
		Name:      layoutName,
		Version:   layoutVersion,
		KeySize:   KeySize,
		ValueSize: l.ValueSize(),
	}
}
