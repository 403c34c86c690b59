package qmdb

import (
	"bytes"
	"fmt"

	"github.com/ardaglobal/qmdb/entryfile"
	"github.com/ardaglobal/qmdb/indexer"
	"github.com/ardaglobal/qmdb/merkle"
	"github.com/ardaglobal/qmdb/types"
)

// Proof is what ProveInclusion/ProveExclusion hand back and Verify checks
// statelessly against a root hash: no Engine, no disk access, just the
// bytes of the matched entry and its Merkle path (§6, §9 "hash-ordered
// linked list vs. sparse Merkle tree"). For inclusion, RawPayload is the
// queried key's own entry. For exclusion, it is the entry immediately
// before the queried key on the hash ring -- its NextKey, hashed, must
// fall strictly after the queried key's hash, proving the gap.
type Proof struct {
	Inclusion  bool
	RawPayload []byte
	Path       *merkle.ProofPath
}

// ProveInclusion builds a Proof that key is present as of the last
// committed root.
func (e *Engine) ProveInclusion(key []byte) (*Proof, error) {
	if err := e.checkPoisoned(); err != nil {
		return nil, err
	}
	pos, entry, err := e.findLiveEntry(key)
	if err != nil {
		return nil, e.wrapReadErr(err)
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return e.buildProof(true, pos, entry.SerialNum)
}

// ProveExclusion builds a Proof that key is absent as of the last
// committed root, via the hash-ring predecessor that would have to link
// past it if it existed.
func (e *Engine) ProveExclusion(key []byte) (*Proof, error) {
	if err := e.checkPoisoned(); err != nil {
		return nil, err
	}
	_, entry, err := e.findLiveEntry(key)
	if err != nil {
		return nil, e.wrapReadErr(err)
	}
	if entry != nil {
		return nil, fmt.Errorf("qmdb: prove exclusion: key is present")
	}

	h := indexer.KeyHash(key)
	predPos, ok := e.idx.Get(guardEndHash)
	if h != 0 {
		if pos, found := e.idx.PrevHashLE(h - 1); found {
			predPos, ok = pos, true
		}
	}
	if !ok {
		return nil, e.poison(fmt.Errorf("qmdb: prove exclusion: %w", ErrInvariantViolated))
	}
	predEntry, err := e.tree.ReadEntry(predPos)
	if err != nil {
		return nil, e.wrapReadErr(err)
	}
	return e.buildProof(false, predPos, predEntry.SerialNum)
}

func (e *Engine) buildProof(inclusion bool, pos, sn int64) (*Proof, error) {
	raw, err := e.tree.ReadPayload(pos)
	if err != nil {
		return nil, fmt.Errorf("qmdb: read payload at %d: %w", pos, err)
	}
	path, err := e.treeImpl.GetProof(sn)
	if err != nil {
		return nil, fmt.Errorf("qmdb: build proof: %w", err)
	}
	if path == nil {
		return nil, fmt.Errorf("qmdb: build proof: serial %d has been pruned", sn)
	}
	return &Proof{Inclusion: inclusion, RawPayload: raw, Path: path}, nil
}

// Verify is the stateless verifier of §6: given a committed root, a key,
// and a Proof produced by ProveInclusion/ProveExclusion, it recomputes the
// leaf hash from the raw entry bytes and walks the path to confirm it
// reaches root, then checks the entry actually proves what it claims about
// key.
func Verify(root []byte, key []byte, proof *Proof) bool {
	if proof == nil || proof.Path == nil || len(proof.RawPayload) == 0 {
		return false
	}
	if !bytes.Equal(proof.Path.Root[:], root) {
		return false
	}
	leaf := merkle.LeafHash(proof.RawPayload)
	if !bytes.Equal(leaf, proof.Path.LeftOfTwig[0].SelfHash[:]) {
		return false
	}
	entry, _ := entryfile.DecodeEntry(proof.RawPayload)
	if entry.SerialNum != proof.Path.SerialNum {
		return false
	}
	if err := proof.Path.Check(false); err != nil {
		return false
	}
	if proof.Inclusion {
		return bytes.Equal(entry.Key, key)
	}
	return verifiesGap(entry, key)
}

// verifiesGap checks that entry's hash-ring successor link skips strictly
// over key's hash, proving key cannot be present without contradicting the
// ring's ascending order.
func verifiesGap(entry *types.Entry, key []byte) bool {
	predHash := keyOrGuardHash(entry.Key)
	succHash := keyOrGuardHash(entry.NextKey)
	target := indexer.KeyHash(key)
	if predHash < succHash {
		return predHash < target && target < succHash
	}
	// the ring wrapped: entry is the end guard, whose NextKey is the start
	// guard, so the gap runs past MaxUint64 back round to succHash.
	return target > predHash || target < succHash
}

func keyOrGuardHash(key []byte) uint64 {
	if string(key) == string(guardStartKey) {
		return guardStartHash
	}
	if string(key) == string(guardEndKey) {
		return guardEndHash
	}
	return indexer.KeyHash(key)
}
