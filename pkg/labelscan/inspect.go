package labelscan

import (
	"fmt"

	"github.com/orneryd/labelscan/pkg/bptree"
)

// StoreInfo summarizes an on-disk store file without opening the store.
type StoreInfo struct {
	Path       string
	State      State
	RangeWidth int
	PageSize   int
	Version    uint32
}

// Inspect reads an existing store file's identity: recovery state, range
// width, page size and layout version. The range width is derived from the
// recorded value size, so callers need no prior knowledge of how the store
// was created. Useful for operator tooling deciding whether a store needs
// a rebuild.
func Inspect(path string) (StoreInfo, error) {
	md, err := bptree.ReadMetadata(path)
	if err != nil {
		return StoreInfo{}, err
	}
	if md.LayoutName != layoutName || md.KeySize != KeySize {
		return StoreInfo{}, fmt.Errorf("%w: %q is not a label scan store", bptree.ErrMetadataMismatch, path)
	}
	return StoreInfo{
		Path:       path,
		State:      DecodeState(md.Header),
		RangeWidth: md.ValueSize * 8,
		PageSize:   md.PageSize,
		Version:    md.LayoutVersion,
	}, nil
}
