package bptree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Metadata is the identity a tree file records at creation, readable
// without knowing the layout in advance. Offline tooling uses it to decide
// how to interpret a file before opening it properly.
type Metadata struct {
	LayoutName    string
	LayoutVersion uint32
	KeySize       int
	ValueSize     int
	PageSize      int
	Header        []byte
}

// ReadMetadata opens the file read-only and returns its recorded metadata.
// Returns ErrFileMissing when absent and ErrMetadataMismatch when the file
// carries no recognizable tree metadata.
func ReadMetadata(path string) (Metadata, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrFileMissing, path)
		}
		return Metadata{}, fmt.Errorf("bptree: stat %s: %w", path, err)
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return Metadata{}, fmt.Errorf("bptree: open %s: %w", path, err)
	}
	defer db.Close()

	var md Metadata
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil || !bytes.Equal(meta.Get(metaMagic), magic) {
			return fmt.Errorf("%w: no tree metadata in %s", ErrMetadataMismatch, path)
		}
		version := meta.Get(metaVersion)
		keySize := meta.Get(metaKeySize)
		valueSize := meta.Get(metaValueSize)
		pageSize := meta.Get(metaPageSize)
		if len(version) != 4 || len(keySize) != 2 || len(valueSize) != 2 || len(pageSize) != 4 {
			return fmt.Errorf("%w: truncated tree metadata in %s", ErrMetadataMismatch, path)
		}
		md = Metadata{
			LayoutName:    string(meta.Get(metaLayout)),
			LayoutVersion: binary.BigEndian.Uint32(version),
			KeySize:       int(binary.BigEndian.Uint16(keySize)),
			ValueSize:     int(binary.BigEndian.Uint16(valueSize)),
			PageSize:      int(binary.BigEndian.Uint32(pageSize)),
			Header:        append([]byte(nil), meta.Get(metaHeader)...),
		}
		return nil
	})
	if err != nil {
		return Metadata{}, err
	}
	return md, nil
}
