package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridSetGetRemove(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHybrid(dir)
	require.NoError(t, err)
	defer h.Close()

	hash := KeyHash([]byte("alice"))
	_, ok := h.Get(hash)
	assert.False(t, ok)

	h.Set(hash, 42)
	pos, ok := h.Get(hash)
	assert.True(t, ok)
	assert.Equal(t, int64(42), pos)

	h.Remove(hash, 42)
	_, ok = h.Get(hash)
	assert.False(t, ok)
}

func TestHybridRemoveLeavesOtherPositions(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHybrid(dir)
	require.NoError(t, err)
	defer h.Close()

	hash := KeyHash([]byte("collision"))
	h.Set(hash, 1)
	h.Set(hash, 2)
	h.Remove(hash, 1)
	assert.Equal(t, []int64{2}, h.GetAll(hash))
}

func TestHybridColdHitPromotesToHotLayer(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHybrid(dir)
	require.NoError(t, err)
	defer h.Close()

	hash := KeyHash([]byte("bob"))
	h.Set(hash, 7)
	// evict from the hot layer to force a cold read.
	h.hot.Remove(hash, 7)

	pos, ok := h.Get(hash)
	assert.True(t, ok)
	assert.Equal(t, int64(7), pos)

	// Get should have promoted the cold hit back into the hot layer.
	pos, ok = h.hot.Get(hash)
	assert.True(t, ok)
	assert.Equal(t, int64(7), pos)
}

func TestHybridNextHashGEAndPrevHashLE(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHybrid(dir)
	require.NoError(t, err)
	defer h.Close()

	h.Set(10, 1)
	h.Set(1000, 2)

	hash, pos, ok := h.NextHashGE(500)
	assert.True(t, ok)
	assert.Equal(t, uint64(1000), hash)
	assert.Equal(t, int64(2), pos)

	hash, pos, ok = h.PrevHashLE(500)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), hash)
	assert.Equal(t, int64(1), pos)
}
