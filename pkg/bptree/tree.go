// Package bptree wraps a single-file copy-on-write B+ tree (bbolt) behind
// the narrow contract the label scan store needs: fixed-width entries in a
// total byte order, ordered forward and reverse cursors, one exclusive
// writer, checkpointing with a caller-supplied header, and a structural
// consistency check.
//
// The tree stores two buckets: "meta" holds the layout identifier, the page
// size recorded at creation and the opaque user header; "entries" holds the
// fixed-width key/value pairs. Readers run on snapshot transactions and do
// not block the writer while the file fits the 1 GiB memory map reserved at
// open; a commit that grows the file past it waits until open snapshots
// close. The writer commits atomically so a crashed process never exposes a
// partial entry.
package bptree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Common tree errors.
var (
	ErrMetadataMismatch = errors.New("bptree: tree metadata mismatch")
	ErrFileMissing      = errors.New("bptree: tree file missing")
	ErrWriterActive     = errors.New("bptree: a writer is already active")
	ErrReadOnly         = errors.New("bptree: tree opened read-only")
	ErrTreeClosed       = errors.New("bptree: tree closed")
	ErrEntrySize        = errors.New("bptree: entry does not match layout size")
)

var (
	bucketMeta    = []byte("meta")
	bucketEntries = []byte("entries")

	metaMagic     = []byte("magic")
	metaLayout    = []byte("layout.name")
	metaVersion   = []byte("layout.version")
	metaKeySize   = []byte("layout.keysize")
	metaValueSize = []byte("layout.valuesize")
	metaPageSize  = []byte("pagesize")
	metaHeader    = []byte("header")

	magic = []byte("bptree:v1")
)

// Layout identifies the fixed-width entry format stored in a tree. The
// identifier is persisted at creation; opening with a different layout is a
// metadata mismatch, never silent reinterpretation.
type Layout struct {
	Name      string
	Version   uint32
	KeySize   int
	ValueSize int
}

// Options controls how a tree file is opened or created.
type Options struct {
	// PageSize sets the page size when the file is created. Zero means the
	// platform default. On an existing file a non-zero value that disagrees
	// with the recorded page size is a metadata mismatch.
	PageSize int

	// ReadOnly opens the file without write access. Writer, Checkpoint and
	// creation of a missing file all fail.
	ReadOnly bool
}

// Tree is a single-file B+ tree of fixed-width entries.
//
// At most one Writer is live at a time; acquisition is a compare-and-set, a
// second acquisition fails immediately with ErrWriterActive. Snapshots and
// seekers may be open concurrently with the writer and observe the state as
// of their creation.
type Tree struct {
	db       *bolt.DB
	path     string
	layout   Layout
	readOnly bool
	created  bool

	writerSeat atomic.Bool
	closed     atomic.Bool

	headerMu sync.Mutex
	header   []byte
}

// Open opens the tree file at path, creating it when absent (unless
// read-only). A created tree records the layout identifier and writes
// initialHeader as its user header.
//
// Error taxonomy on open: ErrFileMissing when the file is absent and cannot
// be created, ErrMetadataMismatch when the file exists but was written with
// a different layout or page size, otherwise the underlying I/O error.
//
// When the file already existed, a verification sweep is handed to the
// collector so structural damage surfaces early without delaying open;
// monitor callbacks fire around that job.
func Open(path string, layout Layout, initialHeader []byte, opts Options, collector CleanupCollector, monitor Monitor) (*Tree, error) {
	if layout.KeySize <= 0 || layout.ValueSize <= 0 {
		return nil, fmt.Errorf("bptree: invalid layout sizes %d/%d", layout.KeySize, layout.ValueSize)
	}

	existed := true
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("bptree: stat %s: %w", path, err)
		}
		existed = false
	}
	if !existed && opts.ReadOnly {
		return nil, fmt.Errorf("%w: %s", ErrFileMissing, path)
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{
		PageSize: opts.PageSize,
		ReadOnly: opts.ReadOnly,
		Timeout:  time.Second,
		// Remapping waits for every open read transaction, so a commit that
		// had to grow the map under a live snapshot would block on it.
		// Reserving the map up front keeps snapshots from blocking commits.
		InitialMmapSize: 1 << 30,
	})
	if err != nil {
		// A file that is not a tree at all gets the same treatment as one
		// with the wrong layout: the caller decides whether to drop and
		// rebuild.
		if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrVersionMismatch) || errors.Is(err, bolt.ErrChecksum) {
			return nil, fmt.Errorf("%w: %s: %v", ErrMetadataMismatch, path, err)
		}
		return nil, fmt.Errorf("bptree: open %s: %w", path, err)
	}

	t := &Tree{
		db:       db,
		path:     path,
		layout:   layout,
		readOnly: opts.ReadOnly,
		created:  !existed,
	}

	if !existed {
		if err := t.initialize(initialHeader); err != nil {
			_ = db.Close()
			_ = os.Remove(path)
			return nil, err
		}
	} else {
		if err := t.verifyMetadata(opts); err != nil {
			_ = db.Close()
			return nil, err
		}
		t.registerCleanup(collector, monitor)
	}
	return t, nil
}

func (t *Tree) initialize(header []byte) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("bptree: create meta bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return fmt.Errorf("bptree: create entries bucket: %w", err)
		}

		var u32 [4]byte
		var u16 [2]byte
		if err := meta.Put(metaMagic, magic); err != nil {
			return err
		}
		if err := meta.Put(metaLayout, []byte(t.layout.Name)); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(u32[:], t.layout.Version)
		if err := meta.Put(metaVersion, append([]byte(nil), u32[:]...)); err != nil {
			return err
		}
		binary.BigEndian.PutUint16(u16[:], uint16(t.layout.KeySize))
		if err := meta.Put(metaKeySize, append([]byte(nil), u16[:]...)); err != nil {
			return err
		}
		binary.BigEndian.PutUint16(u16[:], uint16(t.layout.ValueSize))
		if err := meta.Put(metaValueSize, append([]byte(nil), u16[:]...)); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(u32[:], uint32(tx.DB().Info().PageSize))
		if err := meta.Put(metaPageSize, append([]byte(nil), u32[:]...)); err != nil {
			return err
		}
		if err := meta.Put(metaHeader, header); err != nil {
			return err
		}
		t.setHeaderCache(header)
		return nil
	})
}

func (t *Tree) verifyMetadata(opts Options) error {
	return t.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		entries := tx.Bucket(bucketEntries)
		if meta == nil || entries == nil {
			return fmt.Errorf("%w: missing buckets in %s", ErrMetadataMismatch, t.path)
		}
		if !bytes.Equal(meta.Get(metaMagic), magic) {
			return fmt.Errorf("%w: bad magic in %s", ErrMetadataMismatch, t.path)
		}
		if string(meta.Get(metaLayout)) != t.layout.Name {
			return fmt.Errorf("%w: layout %q, want %q", ErrMetadataMismatch, meta.Get(metaLayout), t.layout.Name)
		}
		version := meta.Get(metaVersion)
		if len(version) != 4 || binary.BigEndian.Uint32(version) != t.layout.Version {
			return fmt.Errorf("%w: layout version", ErrMetadataMismatch)
		}
		keySize := meta.Get(metaKeySize)
		if len(keySize) != 2 || int(binary.BigEndian.Uint16(keySize)) != t.layout.KeySize {
			return fmt.Errorf("%w: key size", ErrMetadataMismatch)
		}
		valueSize := meta.Get(metaValueSize)
		if len(valueSize) != 2 || int(binary.BigEndian.Uint16(valueSize)) != t.layout.ValueSize {
			return fmt.Errorf("%w: value size", ErrMetadataMismatch)
		}
		pageSize := meta.Get(metaPageSize)
		if len(pageSize) != 4 {
			return fmt.Errorf("%w: page size", ErrMetadataMismatch)
		}
		if opts.PageSize != 0 && int(binary.BigEndian.Uint32(pageSize)) != opts.PageSize {
			return fmt.Errorf("%w: page size %d, want %d",
				ErrMetadataMismatch, binary.BigEndian.Uint32(pageSize), opts.PageSize)
		}
		t.setHeaderCache(meta.Get(metaHeader))
		return nil
	})
}

func (t *Tree) setHeaderCache(h []byte) {
	t.headerMu.Lock()
	t.header = append([]byte(nil), h...)
	t.headerMu.Unlock()
}

// Header returns a copy of the user header as of the last open, Checkpoint
// or writer Close; a header staged with SetHeader shows here once its writer
// commits.
func (t *Tree) Header() []byte {
	t.headerMu.Lock()
	defer t.headerMu.Unlock()
	return append([]byte(nil), t.header...)
}

// Created reports whether Open created the file rather than finding it.
func (t *Tree) Created() bool { return t.created }

// Path returns the backing file path.
func (t *Tree) Path() string { return t.path }

// PageSize returns the page size recorded at creation.
func (t *Tree) PageSize() int { return t.db.Info().PageSize }

// Close releases the backing file. Outstanding snapshots and writers must
// already be closed. Idempotent.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.db.Close()
}

// Checkpoint durably persists all committed writes and atomically records
// header as the user header. The tree is recoverable from the resulting file
// alone.
//
// Checkpoint takes the writer seat for its duration; calling it while a
// Writer is live fails with ErrWriterActive rather than deadlocking on the
// writer's transaction.
func (t *Tree) Checkpoint(header []byte) error {
	if t.closed.Load() {
		return ErrTreeClosed
	}
	if t.readOnly {
		return ErrReadOnly
	}
	if !t.writerSeat.CompareAndSwap(false, true) {
		return ErrWriterActive
	}
	defer t.writerSeat.Store(false)

	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(metaHeader, header)
	})
	if err != nil {
		return fmt.Errorf("bptree: checkpoint: %w", err)
	}
	t.setHeaderCache(header)
	return nil
}

// Snapshot opens a read transaction. The snapshot observes the tree as of
// the moment it is created; writes committed later are invisible to it. It
// must be closed to release the transaction.
func (t *Tree) Snapshot() (*Snapshot, error) {
	if t.closed.Load() {
		return nil, ErrTreeClosed
	}
	tx, err := t.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("bptree: snapshot: %w", err)
	}
	return &Snapshot{tx: tx, entries: tx.Bucket(bucketEntries)}, nil
}

// Seek is a convenience over Snapshot().Seek for a single scan; closing the
// returned seeker releases the snapshot it rides on.
func (t *Tree) Seek(lo, hi []byte) (*Seeker, error) {
	snap, err := t.Snapshot()
	if err != nil {
		return nil, err
	}
	s := snap.Seek(lo, hi)
	s.ownsSnap = true
	return s, nil
}

// Snapshot is a consistent read-only view of the tree.
type Snapshot struct {
	tx      *bolt.Tx
	entries *bolt.Bucket
}

// Seek returns a seeker over keys in [lo, hi), ascending. The seeker is
// positioned just before the first matching key; Next advances onto it.
func (s *Snapshot) Seek(lo, hi []byte) *Seeker {
	return &Seeker{snap: s, lo: lo, hi: hi}
}

// SeekReverse returns a seeker over keys in [lo, hi], descending from the
// greatest key not above hi. Used to find the greatest key in a range
// without maintaining a counter.
func (s *Snapshot) SeekReverse(hi, lo []byte) *Seeker {
	return &Seeker{snap: s, lo: lo, hi: hi, reverse: true}
}

// Get returns the value for key, or nil when absent. The returned slice is
// only valid until the snapshot is closed.
func (s *Snapshot) Get(key []byte) []byte {
	return s.entries.Get(key)
}

// Close releases the snapshot's read transaction.
func (s *Snapshot) Close() error {
	return s.tx.Rollback()
}

// Seeker iterates entries of one snapshot in key order. Key and Value return
// slices owned by the snapshot; they are valid until the next call to Next
// or until the snapshot closes.
type Seeker struct {
	snap     *Snapshot
	lo, hi   []byte
	reverse  bool
	cursor   *bolt.Cursor
	key      []byte
	value    []byte
	done     bool
	ownsSnap bool
}

// Next advances to the next entry and reports whether one exists.
func (s *Seeker) Next() bool {
	if s.done {
		return false
	}
	var k, v []byte
	if s.cursor == nil {
		s.cursor = s.snap.entries.Cursor()
		if s.reverse {
			k, v = s.cursor.Seek(s.hi)
			switch {
			case k == nil:
				k, v = s.cursor.Last()
			case bytes.Compare(k, s.hi) > 0:
				k, v = s.cursor.Prev()
			}
		} else {
			k, v = s.cursor.Seek(s.lo)
		}
	} else if s.reverse {
		k, v = s.cursor.Prev()
	} else {
		k, v = s.cursor.Next()
	}

	if k == nil ||
		(!s.reverse && bytes.Compare(k, s.hi) >= 0) ||
		(s.reverse && bytes.Compare(k, s.lo) < 0) {
		s.done = true
		s.key, s.value = nil, nil
		return false
	}
	s.key, s.value = k, v
	return true
}

// Key returns the current entry's key.
func (s *Seeker) Key() []byte { return s.key }

// Value returns the current entry's value.
func (s *Seeker) Value() []byte { return s.value }

// Close releases the seeker, and its snapshot when the seeker owns it.
func (s *Seeker) Close() error {
	s.done = true
	if s.ownsSnap {
		return s.snap.Close()
	}
	return nil
}

// Writer mutates the tree inside one write transaction. All puts and
// removes become visible to new snapshots atomically when Close commits;
// Abort discards them. Exactly one writer may be live.
type Writer struct {
	t       *Tree
	tx      *bolt.Tx
	entries *bolt.Bucket
	meta    *bolt.Bucket
	closed  bool
}

// Writer acquires the exclusive writer seat and begins a write transaction.
// A second acquisition while one writer is live fails immediately with
// ErrWriterActive; callers must not retry in a loop.
func (t *Tree) Writer() (*Writer, error) {
	if t.closed.Load() {
		return nil, ErrTreeClosed
	}
	if t.readOnly {
		return nil, ErrReadOnly
	}
	if !t.writerSeat.CompareAndSwap(false, true) {
		return nil, ErrWriterActive
	}
	tx, err := t.db.Begin(true)
	if err != nil {
		t.writerSeat.Store(false)
		return nil, fmt.Errorf("bptree: begin write: %w", err)
	}
	return &Writer{
		t:       t,
		tx:      tx,
		entries: tx.Bucket(bucketEntries),
		meta:    tx.Bucket(bucketMeta),
	}, nil
}

// Get returns the current value for key within this writer's transaction,
// including its own uncommitted writes, or nil when absent.
func (w *Writer) Get(key []byte) []byte {
	return w.entries.Get(key)
}

// Put inserts or replaces the entry for key.
func (w *Writer) Put(key, value []byte) error {
	if len(key) != w.t.layout.KeySize || len(value) != w.t.layout.ValueSize {
		return ErrEntrySize
	}
	return w.entries.Put(key, value)
}

// Remove deletes the entry for key; absent keys are a no-op.
func (w *Writer) Remove(key []byte) error {
	return w.entries.Delete(key)
}

// Merge reads the current value for key (nil when absent), applies combine,
// and writes the result: nil removes the key, anything else replaces it.
func (w *Writer) Merge(key []byte, combine func(existing []byte) ([]byte, error)) error {
	next, err := combine(w.entries.Get(key))
	if err != nil {
		return err
	}
	if next == nil {
		return w.entries.Delete(key)
	}
	return w.Put(key, next)
}

// SetHeader stages a new user header inside this writer's transaction; it is
// recorded atomically with the writer's entry mutations at Close.
func (w *Writer) SetHeader(header []byte) error {
	return w.meta.Put(metaHeader, header)
}

// Close commits the writer's transaction and releases the writer seat. After
// Close the writer must not be reused.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.t.writerSeat.Store(false)
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("bptree: commit: %w", err)
	}
	if h := w.t.dbHeader(); h != nil {
		w.t.setHeaderCache(h)
	}
	return nil
}

// Abort rolls the writer's transaction back and releases the writer seat.
// No partial entry from this writer ever becomes visible.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.t.writerSeat.Store(false)
	return w.tx.Rollback()
}

func (t *Tree) dbHeader() []byte {
	var h []byte
	_ = t.db.View(func(tx *bolt.Tx) error {
		h = append([]byte(nil), tx.Bucket(bucketMeta).Get(metaHeader)...)
		return nil
	})
	return h
}

// CheckVisitor receives consistency faults. All callbacks are optional.
// Entry is invoked for every stored entry in key order so callers can layer
// semantic checks (such as rejecting all-zero values) on top of the
// structural ones.
type CheckVisitor struct {
	StructuralFault   func(err error)
	KeyOrderViolation func(prev, key []byte)
	DuplicateKey      func(key []byte)
	WrongEntrySize    func(key, value []byte)
	Entry             func(key, value []byte)
}

// ConsistencyCheck verifies page-level structure via the underlying tree
// check and re-walks all entries validating key order, uniqueness and entry
// sizes. It returns true when no fault was reported.
func (t *Tree) ConsistencyCheck(visitor CheckVisitor) (bool, error) {
	if t.closed.Load() {
		return false, ErrTreeClosed
	}
	consistent := true

	err := t.db.View(func(tx *bolt.Tx) error {
		for checkErr := range tx.Check() {
			consistent = false
			if visitor.StructuralFault != nil {
				visitor.StructuralFault(checkErr)
			}
		}

		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			consistent = false
			if visitor.StructuralFault != nil {
				visitor.StructuralFault(errors.New("bptree: entries bucket missing"))
			}
			return nil
		}

		var prev []byte
		c := entries.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) != t.layout.KeySize || len(v) != t.layout.ValueSize {
				consistent = false
				if visitor.WrongEntrySize != nil {
					visitor.WrongEntrySize(k, v)
				}
			}
			if prev != nil {
				switch cmp := bytes.Compare(prev, k); {
				case cmp == 0:
					consistent = false
					if visitor.DuplicateKey != nil {
						visitor.DuplicateKey(k)
					}
				case cmp > 0:
					consistent = false
					if visitor.KeyOrderViolation != nil {
						visitor.KeyOrderViolation(prev, k)
					}
				}
			}
			if visitor.Entry != nil {
				visitor.Entry(k, v)
			}
			prev = append(prev[:0], k...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bptree: consistency check: %w", err)
	}
	return consistent, nil
}
