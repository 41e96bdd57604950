package bptree

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

var testLayout = Layout{Name: "test", Version: 1, KeySize: 8, ValueSize: 4}

func testKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func testValue(n uint32) []byte {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, n)
	return v
}

func openTestTree(t *testing.T, path string, opts Options) *Tree {
	t.Helper()
	tree, err := Open(path, testLayout, []byte{0x01}, opts, ImmediateCollector{}, Monitor{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

func TestOpen(t *testing.T) {
	t.Run("creates missing file with initial header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		tree := openTestTree(t, path, Options{})
		assert.True(t, tree.Created())
		assert.Equal(t, []byte{0x01}, tree.Header())
		_, err := os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("reopens existing file and reads header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		tree := openTestTree(t, path, Options{})
		require.NoError(t, tree.Checkpoint([]byte{0x00}))
		require.NoError(t, tree.Close())

		reopened := openTestTree(t, path, Options{})
		assert.False(t, reopened.Created())
		assert.Equal(t, []byte{0x00}, reopened.Header())
	})

	t.Run("read-only missing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		_, err := Open(path, testLayout, nil, Options{ReadOnly: true}, nil, Monitor{})
		assert.ErrorIs(t, err, ErrFileMissing)
	})

	t.Run("layout name mismatch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		tree := openTestTree(t, path, Options{})
		require.NoError(t, tree.Close())

		other := testLayout
		other.Name = "other"
		_, err := Open(path, other, nil, Options{}, nil, Monitor{})
		assert.ErrorIs(t, err, ErrMetadataMismatch)
	})

	t.Run("layout version mismatch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		tree := openTestTree(t, path, Options{})
		require.NoError(t, tree.Close())

		other := testLayout
		other.Version = 2
		_, err := Open(path, other, nil, Options{}, nil, Monitor{})
		assert.ErrorIs(t, err, ErrMetadataMismatch)
	})

	t.Run("value size mismatch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		tree := openTestTree(t, path, Options{})
		require.NoError(t, tree.Close())

		other := testLayout
		other.ValueSize = 8
		_, err := Open(path, other, nil, Options{}, nil, Monitor{})
		assert.ErrorIs(t, err, ErrMetadataMismatch)
	})

	t.Run("page size mismatch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		tree := openTestTree(t, path, Options{})
		recorded := tree.PageSize()
		require.NoError(t, tree.Close())

		_, err := Open(path, testLayout, nil, Options{PageSize: recorded * 2}, nil, Monitor{})
		assert.ErrorIs(t, err, ErrMetadataMismatch)
	})

	t.Run("not a tree file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		require.NoError(t, os.WriteFile(path, []byte("not a tree"), 0o644))
		_, err := Open(path, testLayout, nil, Options{}, nil, Monitor{})
		assert.ErrorIs(t, err, ErrMetadataMismatch)
	})
}

func TestWriter(t *testing.T) {
	t.Run("put get remove", func(t *testing.T) {
		tree := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), Options{})
		w, err := tree.Writer()
		require.NoError(t, err)
		require.NoError(t, w.Put(testKey(1), testValue(7)))
		assert.Equal(t, testValue(7), w.Get(testKey(1)))
		require.NoError(t, w.Remove(testKey(1)))
		assert.Nil(t, w.Get(testKey(1)))
		require.NoError(t, w.Close())
	})

	t.Run("rejects wrong entry sizes", func(t *testing.T) {
		tree := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), Options{})
		w, err := tree.Writer()
		require.NoError(t, err)
		defer w.Abort()
		assert.ErrorIs(t, w.Put([]byte{1}, testValue(1)), ErrEntrySize)
		assert.ErrorIs(t, w.Put(testKey(1), []byte{1}), ErrEntrySize)
	})

	t.Run("second acquisition fails immediately", func(t *testing.T) {
		tree := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), Options{})
		w, err := tree.Writer()
		require.NoError(t, err)
		_, err = tree.Writer()
		assert.ErrorIs(t, err, ErrWriterActive)
		require.NoError(t, w.Close())

		w2, err := tree.Writer()
		require.NoError(t, err)
		require.NoError(t, w2.Close())
	})

	t.Run("read-only tree refuses writer", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		tree := openTestTree(t, path, Options{})
		require.NoError(t, tree.Close())

		ro := openTestTree(t, path, Options{ReadOnly: true})
		_, err := ro.Writer()
		assert.ErrorIs(t, err, ErrReadOnly)
	})

	t.Run("abort discards writes", func(t *testing.T) {
		tree := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), Options{})
		w, err := tree.Writer()
		require.NoError(t, err)
		require.NoError(t, w.Put(testKey(1), testValue(1)))
		require.NoError(t, w.Abort())

		snap, err := tree.Snapshot()
		require.NoError(t, err)
		defer snap.Close()
		assert.Nil(t, snap.Get(testKey(1)))
	})

	t.Run("merge", func(t *testing.T) {
		tree := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), Options{})
		w, err := tree.Writer()
		require.NoError(t, err)

		// Absent key: combiner sees nil.
		require.NoError(t, w.Merge(testKey(1), func(existing []byte) ([]byte, error) {
			require.Nil(t, existing)
			return testValue(1), nil
		}))
		// Existing key: combiner sees current value.
		require.NoError(t, w.Merge(testKey(1), func(existing []byte) ([]byte, error) {
			require.Equal(t, testValue(1), existing)
			return testValue(3), nil
		}))
		assert.Equal(t, testValue(3), w.Get(testKey(1)))
		// Returning nil removes the key.
		require.NoError(t, w.Merge(testKey(1), func([]byte) ([]byte, error) {
			return nil, nil
		}))
		assert.Nil(t, w.Get(testKey(1)))
		require.NoError(t, w.Close())
	})
}

func TestSnapshotIsolation(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), Options{})

	w, err := tree.Writer()
	require.NoError(t, err)
	require.NoError(t, w.Put(testKey(1), testValue(1)))
	require.NoError(t, w.Close())

	before, err := tree.Snapshot()
	require.NoError(t, err)
	defer before.Close()

	w, err = tree.Writer()
	require.NoError(t, err)
	require.NoError(t, w.Put(testKey(2), testValue(2)))

	// Uncommitted writes are invisible, even to snapshots taken now.
	during, err := tree.Snapshot()
	require.NoError(t, err)
	assert.Nil(t, during.Get(testKey(2)))
	require.NoError(t, during.Close())

	require.NoError(t, w.Close())

	// The pre-close snapshot still sees the old state.
	assert.Nil(t, before.Get(testKey(2)))
	assert.Equal(t, testValue(1), before.Get(testKey(1)))

	after, err := tree.Snapshot()
	require.NoError(t, err)
	defer after.Close()
	assert.Equal(t, testValue(2), after.Get(testKey(2)))
}

func TestSeek(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), Options{})
	w, err := tree.Writer()
	require.NoError(t, err)
	for _, n := range []uint64{2, 4, 6, 8} {
		require.NoError(t, w.Put(testKey(n), testValue(uint32(n))))
	}
	require.NoError(t, w.Close())

	collect := func(s *Seeker) []uint64 {
		var got []uint64
		for s.Next() {
			got = append(got, binary.BigEndian.Uint64(s.Key()))
		}
		return got
	}

	t.Run("half-open forward range", func(t *testing.T) {
		s, err := tree.Seek(testKey(3), testKey(8))
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, []uint64{4, 6}, collect(s))
	})

	t.Run("lo positioned on existing key", func(t *testing.T) {
		s, err := tree.Seek(testKey(4), testKey(9))
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, []uint64{4, 6, 8}, collect(s))
	})

	t.Run("empty range", func(t *testing.T) {
		s, err := tree.Seek(testKey(9), testKey(100))
		require.NoError(t, err)
		defer s.Close()
		assert.False(t, s.Next())
	})

	t.Run("reverse from beyond last key", func(t *testing.T) {
		snap, err := tree.Snapshot()
		require.NoError(t, err)
		defer snap.Close()
		s := snap.SeekReverse(testKey(100), testKey(0))
		assert.Equal(t, []uint64{8, 6, 4, 2}, collect(s))
	})

	t.Run("reverse from existing key is inclusive", func(t *testing.T) {
		snap, err := tree.Snapshot()
		require.NoError(t, err)
		defer snap.Close()
		s := snap.SeekReverse(testKey(6), testKey(3))
		assert.Equal(t, []uint64{6, 4}, collect(s))
	})

	t.Run("reverse on empty range", func(t *testing.T) {
		snap, err := tree.Snapshot()
		require.NoError(t, err)
		defer snap.Close()
		s := snap.SeekReverse(testKey(1), testKey(0))
		assert.False(t, s.Next())
	})
}

func TestCheckpoint(t *testing.T) {
	t.Run("persists header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		tree := openTestTree(t, path, Options{})
		require.NoError(t, tree.Checkpoint([]byte{0x00}))
		require.NoError(t, tree.Close())

		md, err := ReadMetadata(path)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00}, md.Header)
	})

	t.Run("fails while writer is live", func(t *testing.T) {
		tree := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), Options{})
		w, err := tree.Writer()
		require.NoError(t, err)
		assert.ErrorIs(t, tree.Checkpoint([]byte{0x00}), ErrWriterActive)
		require.NoError(t, w.Close())
		assert.NoError(t, tree.Checkpoint([]byte{0x00}))
	})
}

func TestWriterSetHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.db")
	tree := openTestTree(t, path, Options{})
	require.NoError(t, tree.Checkpoint([]byte{0x00}))

	w, err := tree.Writer()
	require.NoError(t, err)
	require.NoError(t, w.SetHeader([]byte{0x01}))
	require.NoError(t, w.Put(testKey(1), testValue(1)))
	require.NoError(t, w.Close())

	// Header and entries commit atomically with the writer.
	assert.Equal(t, []byte{0x01}, tree.Header())
	require.NoError(t, tree.Close())
	md, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, md.Header)
}

func TestConsistencyCheck(t *testing.T) {
	t.Run("healthy tree", func(t *testing.T) {
		tree := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), Options{})
		w, err := tree.Writer()
		require.NoError(t, err)
		require.NoError(t, w.Put(testKey(1), testValue(1)))
		require.NoError(t, w.Put(testKey(2), testValue(2)))
		require.NoError(t, w.Close())

		var entries int
		ok, err := tree.ConsistencyCheck(CheckVisitor{
			Entry: func(_, _ []byte) { entries++ },
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, entries)
	})

	t.Run("flags wrong entry size", func(t *testing.T) {
		tree := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), Options{})
		// Plant a malformed entry behind the layout-checked writer's back.
		err := tree.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketEntries).Put([]byte{0xff}, []byte{0xff, 0xff})
		})
		require.NoError(t, err)

		var bad int
		ok, err := tree.ConsistencyCheck(CheckVisitor{
			WrongEntrySize: func(_, _ []byte) { bad++ },
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, bad)
	})
}

func TestReadMetadata(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.db")
		tree := openTestTree(t, path, Options{})
		pageSize := tree.PageSize()
		require.NoError(t, tree.Close())

		md, err := ReadMetadata(path)
		require.NoError(t, err)
		assert.Equal(t, "test", md.LayoutName)
		assert.Equal(t, uint32(1), md.LayoutVersion)
		assert.Equal(t, 8, md.KeySize)
		assert.Equal(t, 4, md.ValueSize)
		assert.Equal(t, pageSize, md.PageSize)
		assert.Equal(t, []byte{0x01}, md.Header)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadMetadata(filepath.Join(t.TempDir(), "absent.db"))
		assert.ErrorIs(t, err, ErrFileMissing)
	})
}
