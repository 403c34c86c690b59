// Package indexer implements the sharded short-hash index of §4.2: a
// 65,536-way map from a key's hash to the logical offset(s) of its
// Entry/Entries in the EntryFile, plus the ascending successor query the
// hash ring needs to find predecessor/successor entries during
// inserts and deletes.
package indexer

import (
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/ardaglobal/qmdb/types"
)

var _ types.Indexer = (*RAM)(nil)

const (
	// ShardBits is the width of the shard selector taken from the top of
	// the 64-bit key hash.
	ShardBits  = 16
	ShardCount = 1 << ShardBits
)

// ShardOf returns the shard a hash belongs to: its top 16 bits.
func ShardOf(hash uint64) int { return int(hash >> 48) }

// bucketItem is one btree entry: every position on record for a given
// 64-bit hash. True full-hash collisions are astronomically unlikely but
// the bucket still holds every candidate position; the caller (the
// pipeline's Prefetcher) disambiguates by reading each candidate Entry and
// comparing its actual key.
type bucketItem struct {
	hash      uint64
	positions []int64
}

func (b *bucketItem) Less(other btree.Item) bool {
	return b.hash < other.(*bucketItem).hash
}

// shard is one of the 65,536 independently-locked partitions of the index.
type shard struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// RAM is the in-memory Indexer variant: every shard's ordered map lives in
// a google/btree.BTree. This replaces the teacher's cgo C++ btree
// (indextree/b, built from a C++ source tree this module cannot vendor
// without a C++ toolchain) — see DESIGN.md.
type RAM struct {
	shards [ShardCount]*shard
	active int64 // count of occupied hash buckets, not of positions within them
	mu     sync.Mutex
	height int64
}

func NewRAM() *RAM {
	r := &RAM{}
	for i := range r.shards {
		r.shards[i] = &shard{tree: btree.New(32)}
	}
	return r
}

func (r *RAM) BeginWrite(height int64) {
	r.mu.Lock()
	r.height = height
	r.mu.Unlock()
}

func (r *RAM) EndWrite() {}

func (r *RAM) Close() {}

func (r *RAM) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.active)
}

// Get returns one position on record for hash, if any.
func (r *RAM) Get(hash uint64) (int64, bool) {
	s := r.shards[ShardOf(hash)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	item := s.tree.Get(&bucketItem{hash: hash})
	if item == nil {
		return 0, false
	}
	b := item.(*bucketItem)
	if len(b.positions) == 0 {
		return 0, false
	}
	return b.positions[len(b.positions)-1], true
}

// GetAll returns every position on record for hash, oldest first.
func (r *RAM) GetAll(hash uint64) []int64 {
	s := r.shards[ShardOf(hash)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	item := s.tree.Get(&bucketItem{hash: hash})
	if item == nil {
		return nil
	}
	return append([]int64{}, item.(*bucketItem).positions...)
}

// Set adds pos to hash's bucket without discarding prior positions. A
// caller that is moving a key to a new position, not adding a genuinely
// colliding key, must Remove the old (hash, pos) pair itself first --
// Set never infers which positions in the bucket it should replace.
func (r *RAM) Set(hash uint64, pos int64) {
	s := r.shards[ShardOf(hash)]
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.tree.Get(&bucketItem{hash: hash})
	if item == nil {
		r.incrActive(1)
		s.tree.ReplaceOrInsert(&bucketItem{hash: hash, positions: []int64{pos}})
		return
	}
	b := item.(*bucketItem)
	b.positions = append(b.positions, pos)
}

// Remove deletes exactly the (hash, pos) pair, leaving any other position
// recorded for hash untouched. The bucket itself is dropped once its last
// position is removed.
func (r *RAM) Remove(hash uint64, pos int64) {
	s := r.shards[ShardOf(hash)]
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.tree.Get(&bucketItem{hash: hash})
	if item == nil {
		return
	}
	b := item.(*bucketItem)
	for i, p := range b.positions {
		if p == pos {
			b.positions = append(b.positions[:i], b.positions[i+1:]...)
			break
		}
	}
	if len(b.positions) == 0 {
		s.tree.Delete(&bucketItem{hash: hash})
		r.incrActive(-1)
	}
}

func (r *RAM) incrActive(delta int64) {
	r.mu.Lock()
	r.active += delta
	r.mu.Unlock()
}

// NextHashGE returns the smallest recorded hash >= target, searching
// target's shard first and then successive shards, since shard order (top
// 16 bits) is consistent with hash order.
func (r *RAM) NextHashGE(target uint64) (hash uint64, pos int64, ok bool) {
	for sh := ShardOf(target); sh < ShardCount; sh++ {
		s := r.shards[sh]
		s.mu.RLock()
		var found *bucketItem
		lo := target
		if sh != ShardOf(target) {
			lo = 0
		}
		s.tree.AscendGreaterOrEqual(&bucketItem{hash: lo}, func(item btree.Item) bool {
			found = item.(*bucketItem)
			return false
		})
		s.mu.RUnlock()
		if found != nil && len(found.positions) > 0 {
			return found.hash, found.positions[len(found.positions)-1], true
		}
	}
	return 0, 0, false
}

// PrevHashLE returns the largest recorded hash <= target, searching
// target's shard first and then preceding shards. This is the counterpart
// of NextHashGE the Updater needs to locate a new key's hash-ring
// predecessor — generalized from getPrevEntry's use of idxTree's
// ReverseIterator in moeingads.go to this package's sharded btree, via
// google/btree's DescendLessOrEqual.
func (r *RAM) PrevHashLE(target uint64) (hash uint64, pos int64, ok bool) {
	for sh := ShardOf(target); sh >= 0; sh-- {
		s := r.shards[sh]
		s.mu.RLock()
		var found *bucketItem
		hi := target
		if sh != ShardOf(target) {
			hi = ^uint64(0)
		}
		s.tree.DescendLessOrEqual(&bucketItem{hash: hi}, func(item btree.Item) bool {
			found = item.(*bucketItem)
			return false
		})
		s.mu.RUnlock()
		if found != nil && len(found.positions) > 0 {
			return found.hash, found.positions[len(found.positions)-1], true
		}
	}
	return 0, 0, false
}

// ScanShard invokes fn for every (hash, positions) pair in shard id, in
// ascending hash order. Used by recovery and by the compaction sub-task.
func (r *RAM) ScanShard(id int, fn func(hash uint64, positions []int64)) {
	s := r.shards[id]
	s.mu.RLock()
	items := make([]*bucketItem, 0, s.tree.Len())
	s.tree.Ascend(func(item btree.Item) bool {
		items = append(items, item.(*bucketItem))
		return true
	})
	s.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].hash < items[j].hash })
	for _, it := range items {
		fn(it.hash, it.positions)
	}
}
