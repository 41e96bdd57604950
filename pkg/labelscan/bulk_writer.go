package labelscan

import (
	"sort"

	"github.com/orneryd/labelscan/pkg/bptree"
)

// BulkAppendWriter populates an empty tree from a stream sorted by
// ascending node id. Each completed (label, range) bitset becomes a direct
// put with no read-merge, which makes initial population markedly cheaper
// than the batching path.
//
// Preconditions are the caller's to guarantee: input sorted by node id, and
// no emitted key already present in the tree. Violations leave undefined
// persisted content.
type BulkAppendWriter struct {
	layout  Layout
	tw      *bptree.Writer
	monitor WriteMonitor

	// One open bitset per label; flushed as soon as a node beyond its
	// range arrives, so memory stays bounded by the number of distinct
	// labels.
	open map[LabelID]*bulkRange
}

type bulkRange struct {
	rangeID uint64
	bits    uint64
}

func newBulkAppendWriter(layout Layout, tw *bptree.Writer, monitor WriteMonitor) *BulkAppendWriter {
	return &BulkAppendWriter{
		layout:  layout,
		tw:      tw,
		monitor: monitor,
		open:    make(map[LabelID]*bulkRange),
	}
}

// Write appends one node's labels. Before is ignored: rebuild input carries
// post-image label sets only.
func (w *BulkAppendWriter) Write(update NodeLabelUpdate) error {
	if w.tw == nil {
		return ErrStoreClosed
	}
	rangeID := w.layout.RangeOf(update.Node)
	bit := uint64(1) << w.layout.BitOf(update.Node)

	for _, label := range update.After {
		r := w.open[label]
		if r == nil {
			w.open[label] = &bulkRange{rangeID: rangeID, bits: bit}
			continue
		}
		if r.rangeID != rangeID {
			if err := w.put(label, r); err != nil {
				return err
			}
			r.rangeID = rangeID
			r.bits = 0
		}
		r.bits |= bit
	}
	return nil
}

func (w *BulkAppendWriter) put(label LabelID, r *bulkRange) error {
	if r.bits == 0 {
		return nil
	}
	key := w.layout.Key(label, r.rangeID)
	if err := w.tw.Put(key, w.layout.Value(r.bits)); err != nil {
		return err
	}
	w.monitor.Merge(label, r.rangeID, r.bits, 0, r.bits)
	return nil
}

// Close flushes every open bitset and commits the session.
func (w *BulkAppendWriter) Close() error {
	if w.tw == nil {
		return nil
	}
	defer w.monitor.WriteSessionEnded()

	labels := make([]LabelID, 0, len(w.open))
	for label := range w.open {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	tw := w.tw
	for _, label := range labels {
		if err := w.put(label, w.open[label]); err != nil {
			w.tw = nil
			_ = tw.Abort()
			return err
		}
	}
	w.tw = nil
	if len(labels) > 0 {
		w.monitor.Flush()
	}
	return tw.Close()
}

// Abort discards the session without committing anything.
func (w *BulkAppendWriter) Abort() error {
	if w.tw == nil {
		return nil
	}
	tw := w.tw
	w.tw = nil
	return tw.Abort()
}
