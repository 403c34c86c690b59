package entryfile

import "errors"

var (
	// ErrChecksumMismatch means a record's payload no longer matches its
	// stored CRC32 — on-disk corruption. The Engine maps this to
	// qmdb.ErrCorrupt and poisons itself.
	ErrChecksumMismatch = errors.New("entryfile: checksum mismatch")

	// ErrNotAtSegmentBoundary is returned by PruneHead when asked to
	// prune to an offset that does not fall exactly on a segment start.
	ErrNotAtSegmentBoundary = errors.New("entryfile: prune offset is not at a segment boundary")
)
