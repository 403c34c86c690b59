package merkle

import "errors"

var (
	// ErrChecksumMismatch means a twig record's stored meow checksum, which
	// covers the record's 8-byte FirstEntryPos, no longer matches it.
	ErrChecksumMismatch = errors.New("merkle: checksum mismatch")

	// ErrNotAtSegmentBoundary is returned by TwigFile.PruneHead when asked
	// to prune to a twig ID that does not start a segment file.
	ErrNotAtSegmentBoundary = errors.New("merkle: prune point is not at a segment boundary")
)
