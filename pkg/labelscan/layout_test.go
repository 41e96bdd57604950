package labelscan

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLayout(t *testing.T) {
	for _, width := range []int{8, 16, 32, 64} {
		t.Run(fmt.Sprintf("width %d", width), func(t *testing.T) {
			layout, err := NewLayout(width)
			require.NoError(t, err)
			assert.Equal(t, width, layout.RangeWidth())
			assert.Equal(t, width/8, layout.ValueSize())
		})
	}
	for _, width := range []int{0, 7, 24, 128} {
		_, err := NewLayout(width)
		assert.ErrorIs(t, err, ErrInvalidRangeWidth, "width %d", width)
	}
}

func TestLayoutRanges(t *testing.T) {
	layout, err := NewLayout(64)
	require.NoError(t, err)

	tests := []struct {
		node    NodeID
		rangeID uint64
		bit     uint
	}{
		{0, 0, 0},
		{63, 0, 63},
		{64, 1, 0},
		{65, 1, 1},
		{1000, 15, 40},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.rangeID, layout.RangeOf(tt.node), "node %d", tt.node)
		assert.Equal(t, tt.bit, layout.BitOf(tt.node), "node %d", tt.node)
	}
}

func TestKeyCodec(t *testing.T) {
	layout, err := NewLayout(64)
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		k := layout.Key(7, 1234)
		require.Len(t, k, KeySize)
		label, rangeID := layout.DecodeKey(k)
		assert.Equal(t, LabelID(7), label)
		assert.Equal(t, uint64(1234), rangeID)
	})

	t.Run("order is label major, range minor", func(t *testing.T) {
		keys := [][]byte{
			layout.Key(0, 0),
			layout.Key(0, 1),
			layout.Key(0, 1<<40),
			layout.Key(1, 0),
			layout.Key(1, 5),
			layout.Key(2, 0),
			layout.Key(MaxLabelID, ^uint64(0)),
		}
		for i := 1; i < len(keys); i++ {
			assert.Negative(t, bytes.Compare(keys[i-1], keys[i]),
				"key %d not below key %d", i-1, i)
		}
	})
}

func TestValueCodec(t *testing.T) {
	for _, width := range []int{8, 16, 32, 64} {
		t.Run(fmt.Sprintf("width %d", width), func(t *testing.T) {
			layout, err := NewLayout(width)
			require.NoError(t, err)

			bits := layout.Mask() & 0xA5A5A5A5A5A5A5A5
			encoded := layout.Value(bits)
			require.Len(t, encoded, width/8)
			assert.Equal(t, bits, layout.DecodeValue(encoded))

			assert.Equal(t, uint64(0), layout.DecodeValue(layout.Value(0)))
			assert.Equal(t, layout.Mask(), layout.DecodeValue(layout.Value(layout.Mask())))
		})
	}
}

func TestDecodeState(t *testing.T) {
	assert.Equal(t, StateClean, DecodeState([]byte{0x00}))
	assert.Equal(t, StateNeedsRebuild, DecodeState([]byte{0x01}))
	// A torn or missing header must never read as clean.
	assert.Equal(t, StateNeedsRebuild, DecodeState(nil))
	assert.Equal(t, StateNeedsRebuild, DecodeState([]byte{}))
	assert.Equal(t, StateNeedsRebuild, DecodeState([]byte{0x00, 0x00}))
	assert.Equal(t, StateNeedsRebuild, DecodeState([]byte{0x7f}))

	assert.Equal(t, "CLEAN", StateClean.String())
	assert.Equal(t, "NEEDS_REBUILD", StateNeedsRebuild.String())
}
