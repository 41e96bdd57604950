package labelscan

import (
	"fmt"
	"sort"

	"github.com/orneryd/labelscan/pkg/bptree"
)

// tupleKey addresses one bitset in the tree.
type tupleKey struct {
	label   LabelID
	rangeID uint64
}

// pendingTuple is a coalesced delta against one bitset: bits to set and
// bits to clear. The two masks are always disjoint.
type pendingTuple struct {
	key    tupleKey
	add    uint64
	remove uint64
}

// BatchingWriter turns a stream of per-node label updates into the minimum
// number of bitset merges against the tree.
//
// Updates may arrive in any order. Deltas for the same (label, range) are
// coalesced in an in-memory buffer; a later update for the same node bit
// overrides an earlier one, so the flushed state equals applying the
// updates in arrival order. When the buffer reaches its bound, or at Close,
// tuples are sorted by (label, range) and applied in one monotonic pass, so
// tree I/O is sequential regardless of how random the incoming node ids
// are.
//
// The store keeps one BatchingWriter instance and re-arms it with a fresh
// tree writer per session; see Store.NewWriter.
type BatchingWriter struct {
	layout    Layout
	batchSize int
	monitor   WriteMonitor

	tw      *bptree.Writer
	pending []pendingTuple
	index   map[tupleKey]int
	scratch []pendingTuple
	err     error
}

func newBatchingWriter(layout Layout, batchSize int, monitor WriteMonitor) *BatchingWriter {
	return &BatchingWriter{
		layout:    layout,
		batchSize: batchSize,
		monitor:   monitor,
		index:     make(map[tupleKey]int),
	}
}

// initialize arms the writer with a live tree writer and resets all
// per-session state.
func (w *BatchingWriter) initialize(tw *bptree.Writer) *BatchingWriter {
	w.tw = tw
	w.pending = w.pending[:0]
	clear(w.index)
	w.err = nil
	return w
}

// Write buffers one node's label delta. The update's Before and After label
// sets are compared; each added or removed label contributes one bit to the
// pending tuple of its (label, range). A full buffer flushes to the tree
// before Write returns.
//
// An update that claims both an add and a remove of the same label for the
// node is corrupt input: it is rejected with ErrInvalidUpdate and nothing
// from it is buffered.
func (w *BatchingWriter) Write(update NodeLabelUpdate) error {
	if w.err != nil {
		return w.err
	}
	if w.tw == nil {
		return ErrStoreClosed
	}

	rangeID := w.layout.RangeOf(update.Node)
	bit := uint64(1) << w.layout.BitOf(update.Node)

	w.scratch = w.scratch[:0]
	for _, label := range update.After {
		if !containsLabel(update.Before, label) {
			w.stageScratch(tupleKey{label: label, rangeID: rangeID}, bit, 0)
		}
	}
	for _, label := range update.Before {
		if !containsLabel(update.After, label) {
			w.stageScratch(tupleKey{label: label, rangeID: rangeID}, 0, bit)
		}
	}
	for _, delta := range w.scratch {
		if delta.add&delta.remove != 0 {
			return fmt.Errorf("%w: node %d label %d", ErrInvalidUpdate, update.Node, delta.key.label)
		}
	}

	for _, delta := range w.scratch {
		i, ok := w.index[delta.key]
		if !ok {
			i = len(w.pending)
			w.pending = append(w.pending, pendingTuple{key: delta.key})
			w.index[delta.key] = i
		}
		p := &w.pending[i]
		// Later updates win: an add cancels a buffered remove of the same
		// bit and vice versa, preserving arrival order.
		p.add = (p.add | delta.add) &^ delta.remove
		p.remove = (p.remove | delta.remove) &^ delta.add
	}

	if len(w.pending) >= w.batchSize {
		return w.flush()
	}
	return nil
}

// stageScratch coalesces a delta into the per-update scratch buffer. The
// buffer is tiny (one entry per distinct label in the update), so a linear
// scan beats a map.
func (w *BatchingWriter) stageScratch(key tupleKey, add, remove uint64) {
	for i := range w.scratch {
		if w.scratch[i].key == key {
			w.scratch[i].add |= add
			w.scratch[i].remove |= remove
			return
		}
	}
	w.scratch = append(w.scratch, pendingTuple{key: key, add: add, remove: remove})
}

// flush applies all pending tuples in (label, range) order. For each tuple
// the current bitset is read (zero when absent) and the result
// (current|add)&^remove written back, removed when zero, or skipped when
// unchanged. An I/O fault aborts the batch and invalidates the writer.
func (w *BatchingWriter) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	sort.Slice(w.pending, func(i, j int) bool {
		a, b := w.pending[i].key, w.pending[j].key
		if a.label != b.label {
			return a.label < b.label
		}
		return a.rangeID < b.rangeID
	})

	for _, p := range w.pending {
		key := w.layout.Key(p.key.label, p.key.rangeID)

		var current uint64
		existing := w.tw.Get(key)
		if existing != nil {
			current = w.layout.DecodeValue(existing)
		}
		result := (current | p.add) &^ p.remove

		var err error
		switch {
		case result == current:
			// No-op merge; nothing touches the tree.
		case result == 0:
			err = w.tw.Remove(key)
		default:
			err = w.tw.Put(key, w.layout.Value(result))
		}
		if err != nil {
			w.err = fmt.Errorf("labelscan: merge (%d, %d): %w", p.key.label, p.key.rangeID, err)
			return w.err
		}
		w.monitor.Merge(p.key.label, p.key.rangeID, p.add, p.remove, result)
	}

	w.pending = w.pending[:0]
	clear(w.index)
	w.monitor.Flush()
	return nil
}

// Close flushes remaining tuples, commits the session and releases the
// writer seat, making all of this writer's updates visible to new readers
// as one group. A writer whose batch already failed rolls back instead.
func (w *BatchingWriter) Close() error {
	if w.tw == nil {
		return nil
	}
	defer w.monitor.WriteSessionEnded()

	flushErr := w.err
	if flushErr == nil {
		flushErr = w.flush()
	}
	tw := w.tw
	w.tw = nil
	if flushErr != nil {
		_ = tw.Abort()
		return flushErr
	}
	return tw.Close()
}
