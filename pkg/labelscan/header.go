package labelscan

// State is the one-byte recovery flag kept in the tree's user header. The
// store is created NEEDS_REBUILD, flips to NEEDS_REBUILD again whenever a
// writer commits, and only a successful Force records CLEAN. An open that
// reads anything but CLEAN rebuilds from the full store change stream.
type State byte

const (
	// StateClean means the on-disk tree alone reconstructs the exact
	// logical content; no rebuild is needed on open.
	StateClean State = 0x00

	// StateNeedsRebuild means the tree may lag behind applied updates and
	// must be repopulated from the authoritative change stream.
	StateNeedsRebuild State = 0x01
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "CLEAN"
	case StateNeedsRebuild:
		return "NEEDS_REBUILD"
	default:
		return "UNKNOWN"
	}
}

// EncodeState renders the one-byte user header.
func EncodeState(s State) []byte { return []byte{byte(s)} }

// DecodeState parses a user header. Anything that is not a well-formed
// CLEAN byte is treated as NEEDS_REBUILD; a torn or missing header must
// never masquerade as clean.
func DecodeState(header []byte) State {
	if len(header) == 1 && State(header[0]) == StateClean {
		return StateClean
	}
	return StateNeedsRebuild
}
