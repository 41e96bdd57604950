package labelscan

import "errors"

// Common store errors. Tree-level conditions (metadata mismatch, missing
// file) surface as wrapped bptree errors and are matched with errors.Is.
var (
	ErrNotWritable       = errors.New("labelscan: store is read-only")
	ErrWriterBusy        = errors.New("labelscan: a writer is already open")
	ErrStoreDirty        = errors.New("labelscan: store needs rebuild before accepting writes")
	ErrStoreClosed       = errors.New("labelscan: store is closed")
	ErrInvalidUpdate     = errors.New("labelscan: update both adds and removes a label for the same node")
	ErrInvalidRangeWidth = errors.New("labelscan: range width must be 8, 16, 32 or 64")
)
