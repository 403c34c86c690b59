package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRAMSetGet(t *testing.T) {
	r := NewRAM()
	h := KeyHash([]byte("alice"))

	_, ok := r.Get(h)
	assert.False(t, ok)

	r.Set(h, 100)
	pos, ok := r.Get(h)
	assert.True(t, ok)
	assert.Equal(t, int64(100), pos)
	assert.Equal(t, 1, r.ActiveCount())

	// moving a key to a new position is Remove(old) + Set(new), not a
	// second unconditional Set -- Set alone would leave 100 on record too.
	r.Remove(h, 100)
	r.Set(h, 200)
	pos, ok = r.Get(h)
	assert.True(t, ok)
	assert.Equal(t, int64(200), pos)
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRAMRemove(t *testing.T) {
	r := NewRAM()
	h := KeyHash([]byte("alice"))
	r.Set(h, 1)
	r.Remove(h, 1)
	_, ok := r.Get(h)
	assert.False(t, ok)
	assert.Equal(t, 0, r.ActiveCount())
}

func TestRAMRemoveLeavesOtherPositionsInBucket(t *testing.T) {
	r := NewRAM()
	h := KeyHash([]byte("collision"))
	r.Set(h, 1)
	r.Set(h, 2)
	r.Remove(h, 1)
	assert.Equal(t, []int64{2}, r.GetAll(h), "removing one position must not drop the others sharing its hash")
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRAMSetKeepsCollisionHistory(t *testing.T) {
	r := NewRAM()
	h := KeyHash([]byte("collision"))
	r.Set(h, 1)
	r.Set(h, 2)
	assert.Equal(t, []int64{1, 2}, r.GetAll(h))
	pos, ok := r.Get(h)
	assert.True(t, ok)
	assert.Equal(t, int64(2), pos, "Get returns the most recently Set position")
}

func TestRAMNextHashGEAndPrevHashLE(t *testing.T) {
	r := NewRAM()
	hashes := []uint64{10, 1000, 1 << 50, 1 << 60}
	for i, h := range hashes {
		r.Set(h, int64(i))
	}

	gotHash, pos, ok := r.NextHashGE(500)
	assert.True(t, ok)
	assert.Equal(t, uint64(1000), gotHash)
	assert.Equal(t, int64(1), pos)

	gotHash, pos, ok = r.PrevHashLE(500)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), gotHash)
	assert.Equal(t, int64(0), pos)

	_, _, ok = r.NextHashGE(1 << 62)
	assert.False(t, ok)

	_, _, ok = r.PrevHashLE(1)
	assert.False(t, ok)
}

func TestRAMScanShardOrdersByHash(t *testing.T) {
	r := NewRAM()
	// pick hashes that land in the same shard (top 16 bits == 0).
	h1, h2, h3 := uint64(5), uint64(3), uint64(9)
	r.Set(h1, 1)
	r.Set(h2, 2)
	r.Set(h3, 3)

	var seen []uint64
	r.ScanShard(ShardOf(h1), func(hash uint64, positions []int64) {
		seen = append(seen, hash)
	})
	assert.Equal(t, []uint64{3, 5, 9}, seen)
}

func TestKeyHashDeterministic(t *testing.T) {
	a := KeyHash([]byte("same-key"))
	b := KeyHash([]byte("same-key"))
	c := KeyHash([]byte("different-key"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
