// Package nodestore persists the authoritative node-to-labels mapping in
// BadgerDB and feeds it to the label scan store as the full store change
// stream during rebuilds.
//
// Keys use a single-byte prefix followed by the big-endian node id, so a
// prefix scan walks nodes in ascending id order - exactly the order the
// bulk append writer requires.
package nodestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/labelscan/pkg/labelscan"
)

// Key prefixes for storage organization.
const (
	prefixNodeLabels = byte(0x01) // node labels: 0x01 + nodeID -> []labelID
)

// Common store errors.
var (
	ErrClosed   = errors.New("nodestore: closed")
	ErrNotFound = errors.New("nodestore: node not found")
)

// Store is a badger-backed node label store. Thread-safe.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a store in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("nodestore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a memory-only store for testing.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("nodestore: open in-memory: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func nodeKey(node labelscan.NodeID) []byte {
	key := make([]byte, 9)
	key[0] = prefixNodeLabels
	binary.BigEndian.PutUint64(key[1:], uint64(node))
	return key
}

func encodeLabels(labels []labelscan.LabelID) []byte {
	buf := make([]byte, 4*len(labels))
	for i, label := range labels {
		binary.BigEndian.PutUint32(buf[4*i:], uint32(label))
	}
	return buf
}

func decodeLabels(buf []byte) []labelscan.LabelID {
	labels := make([]labelscan.LabelID, 0, len(buf)/4)
	for i := 0; i+4 <= len(buf); i += 4 {
		labels = append(labels, labelscan.LabelID(binary.BigEndian.Uint32(buf[i:])))
	}
	return labels
}

// SetNodeLabels stores node's complete label set, replacing any previous
// one. An empty set keeps the node present with no labels.
func (s *Store) SetNodeLabels(node labelscan.NodeID, labels []labelscan.LabelID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(node), encodeLabels(labels))
	})
}

// NodeLabels returns node's label set.
func (s *Store) NodeLabels(node labelscan.NodeID) ([]labelscan.LabelID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var labels []labelscan.LabelID
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(node))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			labels = decodeLabels(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return labels, nil
}

// DeleteNode removes node entirely. Deleting an absent node is a no-op.
func (s *Store) DeleteNode(node labelscan.NodeID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(nodeKey(node))
	})
}

// ApplyTo streams every node's labels into writer in ascending node id
// order and returns the number of nodes read. Implements
// labelscan.FullStoreChangeStream.
func (s *Store) ApplyTo(writer labelscan.LabelScanWriter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixNodeLabels}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 9 {
				continue
			}
			node := labelscan.NodeID(binary.BigEndian.Uint64(key[1:]))
			err := item.Value(func(val []byte) error {
				labels := decodeLabels(val)
				if len(labels) == 0 {
					return nil
				}
				return writer.Write(labelscan.NodeLabelUpdate{Node: node, After: labels})
			})
			if err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
