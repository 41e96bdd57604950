// Package labelscan implements a persistent, recoverable label scan store:
// a secondary index answering "which nodes carry label L?" for a graph
// store with dense 64-bit node ids and 32-bit label ids.
//
// The index maps (labelId, nodeIdRange) keys to fixed-width bitsets inside
// a single-file copy-on-write B+ tree. Each set bit in a range's value
// represents one node carrying the label, nodeId = rangeId*W + bitOffset,
// where the range width W (8, 16, 32 or 64) is fixed when the store is
// created. Only a single writer is allowed at any given point in time;
// readers run on tree snapshots and are unbounded.
//
// Recovery follows a header-bit protocol: the tree's user header carries a
// one-byte state flag that is NEEDS_REBUILD from creation and from the
// first writer after a checkpoint, and CLEAN only after Force. A store that
// opens NEEDS_REBUILD repopulates itself from the authoritative
// FullStoreChangeStream during Start before accepting traffic.
//
// Example:
//
//	store, err := labelscan.New(dir, stream, labelscan.Options{}, nil, bptree.ImmediateCollector{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := store.Init(); err != nil {
//		log.Fatal(err)
//	}
//	if err := store.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer store.Shutdown()
//
//	writer, _ := store.NewWriter()
//	writer.Write(labelscan.NodeLabelUpdate{Node: 5, After: []labelscan.LabelID{7}})
//	writer.Close()
//
//	reader, _ := store.NewReader()
//	defer reader.Close()
//	nodes := reader.NodesWithLabel(7)
package labelscan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orneryd/labelscan/pkg/bptree"
)

// StoreFileName is the single file backing a label scan store.
const StoreFileName = "neostore.labelscanstore.db"

// Store is the label scan store. Lifecycle: New, Init, Start, traffic,
// optionally Force at every checkpoint, Shutdown. Init and Start are not
// safe to race with other methods; after Start, readers and the single
// writer may run concurrently.
type Store struct {
	path      string
	layout    Layout
	opts      Options
	changes   FullStoreChangeStream
	monitors  *Monitors
	collector bptree.CleanupCollector

	tree         *bptree.Tree
	writer       *BatchingWriter
	writeMonitor WriteMonitor
	needsRebuild bool
	closed       bool
}

// New creates an unopened store rooted in dir. The change stream provides
// rebuild data; nil behaves as an empty stream. monitors may be nil.
func New(dir string, changes FullStoreChangeStream, opts Options, monitors *Monitors, collector bptree.CleanupCollector) (*Store, error) {
	opts = opts.withDefaults()
	layout, err := NewLayout(opts.RangeWidth)
	if err != nil {
		return nil, err
	}
	if changes == nil {
		changes = EmptyChangeStream
	}
	return &Store{
		path:      filepath.Join(dir, StoreFileName),
		layout:    layout,
		opts:      opts,
		changes:   changes,
		monitors:  monitors,
		collector: collector,
	}, nil
}

// Path returns the backing store file path.
func (s *Store) Path() string { return s.path }

// Layout returns the store's key/value layout.
func (s *Store) Layout() Layout { return s.layout }

// IsReadOnly reports whether writer acquisition is refused.
func (s *Store) IsReadOnly() bool { return s.opts.ReadOnly }

// HasStore reports whether the backing file exists.
func (s *Store) HasStore() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// PartName composes a unique, human-readable progress part name for this
// store, namespaced by prefix when one is given.
func (s *Store) PartName(prefix string) string {
	name := filepath.Base(s.path)
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// Init instantiates the backing tree, creating the file NEEDS_REBUILD when
// absent. A tree that opens dirty or with mismatching metadata is dropped
// and recreated when the store is writable; read-only stores keep it and
// stay degraded. Rebuild itself happens in Start.
func (s *Store) Init() error {
	if s.closed {
		return ErrStoreClosed
	}
	s.monitors.init()

	storeExists := s.HasStore()
	s.needsRebuild = !storeExists
	if !storeExists {
		s.monitors.noIndex()
	}

	dirty := false
	instErr := s.instantiateTree()
	switch {
	case errors.Is(instErr, bptree.ErrMetadataMismatch):
		dirty = true
	case instErr != nil:
		return instErr
	case storeExists:
		dirty = DecodeState(s.tree.Header()) == StateNeedsRebuild
	}

	s.writeMonitor = s.opts.WriteMonitor
	s.writer = newBatchingWriter(s.layout, s.opts.WriterBatchSize, s.writeMonitor)

	if dirty {
		s.monitors.notValidIndex()
		if s.opts.ReadOnly {
			// A dirty header can still be served read-only, but a tree we
			// could not even open has nothing to serve and cannot be
			// dropped without write access.
			if s.tree == nil {
				return instErr
			}
		} else {
			if err := s.dropStrict(); err != nil {
				return err
			}
			if err := s.instantiateTree(); err != nil {
				return err
			}
		}
		s.needsRebuild = true
	}
	return nil
}

func (s *Store) instantiateTree() error {
	tree, err := bptree.Open(
		s.path,
		s.layout.treeLayout(),
		EncodeState(StateNeedsRebuild),
		bptree.Options{PageSize: s.opts.PageSize, ReadOnly: s.opts.ReadOnly},
		s.collector,
		s.treeMonitor(),
	)
	if err != nil {
		if errors.Is(err, bptree.ErrFileMissing) {
			return fmt.Errorf("labelscan: store file missing, most likely this database needs to be recovered: %w", err)
		}
		return err
	}
	s.tree = tree
	return nil
}

func (s *Store) treeMonitor() bptree.Monitor {
	return bptree.Monitor{
		CleanupRegistered: s.monitors.cleanupRegistered,
		CleanupStarted:    s.monitors.cleanupStarted,
		CleanupFinished:   s.monitors.cleanupFinished,
		CleanupClosed:     s.monitors.cleanupClosed,
		CleanupFailed:     s.monitors.cleanupFailed,
	}
}

// Start makes the store available for queries and updates. When the store
// needs rebuilding and is writable, the change stream is drained through a
// bulk append writer and the result checkpointed CLEAN. A read-only dirty
// store starts degraded: reads serve the last checkpointed contents and
// writers are refused.
func (s *Store) Start() error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.needsRebuild && !s.opts.ReadOnly {
		s.monitors.rebuilding()

		writer, err := s.NewBulkAppendWriter()
		if err != nil {
			return err
		}
		nodes, streamErr := s.changes.ApplyTo(writer)
		if streamErr != nil {
			_ = writer.Abort()
			return fmt.Errorf("labelscan: rebuild: %w", streamErr)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("labelscan: rebuild: %w", err)
		}

		if err := s.tree.Checkpoint(EncodeState(StateClean)); err != nil {
			return fmt.Errorf("labelscan: rebuild checkpoint: %w", err)
		}
		s.monitors.rebuilt(nodes)
		s.needsRebuild = false
	}
	return nil
}

func (s *Store) assertWritable() error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.opts.ReadOnly {
		return ErrNotWritable
	}
	if s.needsRebuild {
		return ErrStoreDirty
	}
	return nil
}

// NewWriter acquires the single writer seat and returns the batching
// writer. Fails with ErrWriterBusy if a writer is already open, with
// ErrNotWritable on a read-only store, and with ErrStoreDirty before a
// required rebuild has completed.
func (s *Store) NewWriter() (LabelScanWriter, error) {
	if err := s.assertWritable(); err != nil {
		return nil, err
	}
	tw, err := s.tree.Writer()
	if err != nil {
		if errors.Is(err, bptree.ErrWriterActive) {
			return nil, ErrWriterBusy
		}
		return nil, err
	}
	// Until the next Force, the on-disk tree may lag behind applied
	// updates; the header must say so before any of them land.
	if err := tw.SetHeader(EncodeState(StateNeedsRebuild)); err != nil {
		_ = tw.Abort()
		return nil, err
	}
	return s.writer.initialize(tw), nil
}

// NewBulkAppendWriter returns a writer specialized for initial population:
// input must be sorted by ascending node id and no emitted key may already
// exist in the tree. Used during rebuild.
func (s *Store) NewBulkAppendWriter() (*BulkAppendWriter, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.opts.ReadOnly {
		return nil, ErrNotWritable
	}
	tw, err := s.tree.Writer()
	if err != nil {
		if errors.Is(err, bptree.ErrWriterActive) {
			return nil, ErrWriterBusy
		}
		return nil, err
	}
	if err := tw.SetHeader(EncodeState(StateNeedsRebuild)); err != nil {
		_ = tw.Abort()
		return nil, err
	}
	return newBulkAppendWriter(s.layout, tw, s.writeMonitor), nil
}

// ApplyUpdates opens a writer, drains updates into it and closes it, making
// the whole slice visible as one group.
func (s *Store) ApplyUpdates(updates []NodeLabelUpdate) error {
	writer, err := s.NewWriter()
	if err != nil {
		return err
	}
	for _, update := range updates {
		if err := writer.Write(update); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}

// NewReader returns a reader over a consistent snapshot of the store as of
// this call. Committed writes after this point are not visible to it. The
// reader must be closed.
func (s *Store) NewReader() (*Reader, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	snap, err := s.tree.Snapshot()
	if err != nil {
		return nil, err
	}
	return &Reader{snap: snap, layout: s.layout}, nil
}

// IsEmpty reports whether the tree holds no entries.
func (s *Store) IsEmpty() (bool, error) {
	if s.closed {
		return false, ErrStoreClosed
	}
	seeker, err := s.tree.Seek(s.layout.Key(0, 0), s.layout.Key(MaxLabelID, ^uint64(0)))
	if err != nil {
		return false, err
	}
	defer seeker.Close()
	return !seeker.Next(), nil
}

// Force checkpoints the tree and records the CLEAN header: after it returns
// the on-disk file alone reconstructs the exact logical content. Fails with
// ErrWriterBusy while a writer is open and with ErrStoreDirty before a
// required rebuild has completed.
func (s *Store) Force() error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.opts.ReadOnly {
		return nil
	}
	if s.needsRebuild {
		return ErrStoreDirty
	}
	if err := s.tree.Checkpoint(EncodeState(StateClean)); err != nil {
		if errors.Is(err, bptree.ErrWriterActive) {
			return ErrWriterBusy
		}
		return fmt.Errorf("labelscan: force: %w", err)
	}
	s.writeMonitor.Force()
	return nil
}

// Drop closes the tree and deletes the backing file. An absent file is not
// an error. The store needs Init again (and a rebuild) before further use.
func (s *Store) Drop() error {
	err := s.dropStrict()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) dropStrict() error {
	if s.tree != nil {
		if err := s.tree.Close(); err != nil {
			return err
		}
		s.tree = nil
	}
	s.needsRebuild = true
	if err := os.Remove(s.path); err != nil {
		return fmt.Errorf("labelscan: drop: %w", err)
	}
	return nil
}

// SnapshotStoreFiles yields the store's backing files, namely the single
// store file.
func (s *Store) SnapshotStoreFiles() []string {
	return []string{s.path}
}

// Shutdown closes the tree and the write monitor. In-flight readers and
// writers must already be released. Idempotent.
func (s *Store) Shutdown() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	if s.tree != nil {
		firstErr = s.tree.Close()
		s.tree = nil
	}
	if s.writeMonitor != nil {
		if err := s.writeMonitor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ConsistencyReporter receives consistency faults found by
// ConsistencyCheck. All callbacks are optional.
type ConsistencyReporter struct {
	StructuralFault   func(err error)
	KeyOrderViolation func(prevKey, key []byte)
	DuplicateKey      func(key []byte)
	WrongEntrySize    func(key, value []byte)

	// ZeroValue reports the semantic fault of a stored all-zero bitset;
	// empty ranges must be removed, never stored.
	ZeroValue func(label LabelID, rangeID uint64)
}

// ConsistencyCheck validates tree structure (page linkage, key order,
// uniqueness, entry sizes) and the store invariant that no stored value is
// zero. Returns true when no fault was found; details go to the reporter.
func (s *Store) ConsistencyCheck(reporter ConsistencyReporter) (bool, error) {
	if s.closed {
		return false, ErrStoreClosed
	}
	semanticOK := true
	structuralOK, err := s.tree.ConsistencyCheck(bptree.CheckVisitor{
		StructuralFault:   reporter.StructuralFault,
		KeyOrderViolation: reporter.KeyOrderViolation,
		DuplicateKey:      reporter.DuplicateKey,
		WrongEntrySize:    reporter.WrongEntrySize,
		Entry: func(key, value []byte) {
			if len(key) != KeySize || len(value) != s.layout.ValueSize() {
				return
			}
			if s.layout.DecodeValue(value) == 0 {
				semanticOK = false
				if reporter.ZeroValue != nil {
					label, rangeID := s.layout.DecodeKey(key)
					reporter.ZeroValue(label, rangeID)
				}
			}
		},
	})
	if err != nil {
		return false, err
	}
	return structuralOK && semanticOK, nil
}
