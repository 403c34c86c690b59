package qmdb

import "errors"

// Sentinel errors returned by Engine. Wrap with fmt.Errorf("...: %w", Err*)
// at the point of detection so callers can still errors.Is against these.
var (
	// ErrNotFound is returned by Get/ProveInclusion when the key has no
	// live entry.
	ErrNotFound = errors.New("qmdb: not found")

	// ErrCorrupt marks on-disk data that failed a checksum or structural
	// check. It is fatal: the Engine poisons itself and every subsequent
	// call returns ErrPoisoned.
	ErrCorrupt = errors.New("qmdb: corrupt data")

	// ErrHeightOutOfOrder is returned when BeginBlock is called with a
	// height that does not immediately follow the last committed height.
	ErrHeightOutOfOrder = errors.New("qmdb: height out of order")

	// ErrBlockClosed is returned by Submit/Commit when the given block is
	// not the open one, and by BeginBlock when a block is already open.
	ErrBlockClosed = errors.New("qmdb: no block is open")

	// ErrNotAtSegmentBoundary names an EntryFile that is not positioned
	// exactly at a segment boundary. No Engine method returns it; the
	// entryfile and merkle packages have their own sentinels of this name.
	ErrNotAtSegmentBoundary = errors.New("qmdb: not at a segment boundary")

	// ErrIo marks a transient I/O failure. The current block is aborted
	// but the Engine remains open and usable for the next block.
	ErrIo = errors.New("qmdb: io error")

	// ErrInvariantViolated marks a failed internal consistency check. It
	// is fatal, identically to ErrCorrupt.
	ErrInvariantViolated = errors.New("qmdb: invariant violated")

	// ErrPoisoned is returned by BeginBlock, Submit, Commit, Get,
	// ProveInclusion and ProveExclusion once a prior call has hit
	// ErrCorrupt or ErrInvariantViolated.
	ErrPoisoned = errors.New("qmdb: engine is poisoned, reopen required")
)
