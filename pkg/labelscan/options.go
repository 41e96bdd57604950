package labelscan

// DefaultWriterBatchSize bounds the batching writer's pending tuple buffer.
const DefaultWriterBatchSize = 1000

// Options configures a Store. The zero value is a writable store with a
// 64-bit range width, default page size and a no-op write monitor.
type Options struct {
	// ReadOnly refuses all writer acquisitions and permits a dirty open
	// without rebuild; readers then serve the last checkpointed contents.
	ReadOnly bool

	// PageSize sets the tree page size at creation; zero uses the
	// platform default. Reopening with a different non-zero value is a
	// metadata mismatch.
	PageSize int

	// RangeWidth is the number of node ids per bitset, one of 8, 16, 32
	// or 64. Fixed at store creation; zero means DefaultRangeWidth.
	RangeWidth int

	// WriterBatchSize is the maximum number of pending (label, range)
	// tuples a writer coalesces before flushing to the tree.
	WriterBatchSize int

	// WriteMonitor receives per-merge audit events. Nil disables auditing.
	WriteMonitor WriteMonitor
}

func (o Options) withDefaults() Options {
	if o.RangeWidth == 0 {
		o.RangeWidth = DefaultRangeWidth
	}
	if o.WriterBatchSize <= 0 {
		o.WriterBatchSize = DefaultWriterBatchSize
	}
	if o.WriteMonitor == nil {
		o.WriteMonitor = noopWriteMonitor{}
	}
	return o
}
