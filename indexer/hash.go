package indexer

import "golang.org/x/crypto/blake2b"

// KeyHash derives the 64-bit short hash used to place a key in the
// Indexer: the first 8 bytes of blake2b-256(key), little-endian. blake2b
// is used instead of SHA-256 so the authenticated Merkle path (§4.3.3)
// keeps SHA-256 reserved for content that must resist second-preimage
// attacks against the commitment itself, matching the teacher's own
// separation of a fast non-authenticated hash (meow) from the
// authenticated one (sha256-simd).
func KeyHash(key []byte) uint64 {
	sum := blake2b.Sum256(key)
	return uint64(sum[0]) | uint64(sum[1])<<8 | uint64(sum[2])<<16 | uint64(sum[3])<<24 |
		uint64(sum[4])<<32 | uint64(sum[5])<<40 | uint64(sum[6])<<48 | uint64(sum[7])<<56
}
