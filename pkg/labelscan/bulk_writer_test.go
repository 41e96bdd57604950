package labelscan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkAppendWriter(t *testing.T) {
	t.Run("rebuild population", func(t *testing.T) {
		stream := streamOf(
			NodeLabelUpdate{Node: 0, After: []LabelID{2}},
			NodeLabelUpdate{Node: 5, After: []LabelID{2, 4}},
			NodeLabelUpdate{Node: 63, After: []LabelID{2}},
			NodeLabelUpdate{Node: 64, After: []LabelID{2}},
			NodeLabelUpdate{Node: 700, After: []LabelID{4}},
		)
		store := openStore(t, t.TempDir(), stream, Options{})
		assert.Equal(t, []NodeID{0, 5, 63, 64}, nodesWith(t, store, 2))
		assert.Equal(t, []NodeID{5, 700}, nodesWith(t, store, 4))
	})

	t.Run("equals batched writer on sorted input", func(t *testing.T) {
		updates := make([]NodeLabelUpdate, 0, 300)
		for node := NodeID(0); node < 300; node++ {
			labels := []LabelID{LabelID(node % 3)}
			if node%10 == 0 {
				labels = append(labels, 11)
			}
			updates = append(updates, NodeLabelUpdate{Node: node, After: labels})
		}

		bulk := openStore(t, t.TempDir(), streamOf(updates...), Options{})

		batched := openStore(t, t.TempDir(), nil, Options{})
		require.NoError(t, batched.ApplyUpdates(updates))

		for _, label := range []LabelID{0, 1, 2, 11} {
			assert.Equal(t, nodesWith(t, batched, label), nodesWith(t, bulk, label),
				"label %d", label)
		}

		bulkRanges := collectRanges(t, bulk)
		batchedRanges := collectRanges(t, batched)
		assert.Equal(t, batchedRanges, bulkRanges)
	})
}

func collectRanges(t *testing.T, store *Store) map[LabelID]map[uint64]uint64 {
	t.Helper()
	ranges, err := store.AllNodeLabelRanges()
	require.NoError(t, err)
	defer ranges.Close()
	got := map[LabelID]map[uint64]uint64{}
	for {
		entry, ok := ranges.Next()
		if !ok {
			return got
		}
		if got[entry.Label] == nil {
			got[entry.Label] = map[uint64]uint64{}
		}
		got[entry.Label][entry.RangeID] = entry.Bits()
	}
}
