package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardaglobal/qmdb/indexer"
	"github.com/ardaglobal/qmdb/merkle"
	"github.com/ardaglobal/qmdb/metadb"
	"github.com/ardaglobal/qmdb/types"
)

// newTestStore bootstraps a Tree/Indexer/MetaDB triple seeded with the same
// two hash-ring guard entries Engine.Open installs on a fresh store, so the
// pipeline under test can rely on every real key having a predecessor.
func newTestStore(t *testing.T) (types.DataTree, types.Indexer, types.MetaStore) {
	tree, err := merkle.Open(t.TempDir(), 1<<20, 1<<16, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { tree.Close() })

	idx := indexer.NewRAM()
	meta, err := metadb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	meta.Init()

	start := &types.Entry{Key: guardStartKey, NextKey: guardEndKey, Height: -1, LastHeight: -1, SerialNum: meta.GetMaxSerialNum()}
	pos, err := tree.AppendEntry(start)
	require.NoError(t, err)
	idx.Set(0, pos)
	meta.IncrMaxSerialNum()

	end := &types.Entry{Key: guardEndKey, NextKey: guardStartKey, Height: -1, LastHeight: -1, SerialNum: meta.GetMaxSerialNum()}
	pos, err = tree.AppendEntry(end)
	require.NoError(t, err)
	idx.Set(uint64(math.MaxUint64), pos)
	meta.IncrMaxSerialNum()

	tree.EndBlock()
	require.NoError(t, tree.Flush())
	meta.Commit()
	return tree, idx, meta
}

func TestPipelineCreateReadUpdateDelete(t *testing.T) {
	tree, idx, meta := newTestStore(t)
	p := NewPipeline(tree, idx, meta, Config{})

	results, root1, err := p.RunBlock(1, []Task{
		{Kind: Create, Key: []byte("alice"), Value: []byte("100")},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.NotEmpty(t, root1)

	results, root2, err := p.RunBlock(2, []Task{
		{Kind: Read, Key: []byte("alice")},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("100"), results[0].Value)
	assert.Equal(t, root1, root2, "a read-only block must not change the root")

	results, root3, err := p.RunBlock(3, []Task{
		{Kind: Update, Key: []byte("alice"), Value: []byte("200")},
	})
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.NotEqual(t, root2, root3)

	results, _, err = p.RunBlock(4, []Task{{Kind: Read, Key: []byte("alice")}})
	require.NoError(t, err)
	assert.Equal(t, []byte("200"), results[0].Value)

	results, root5, err := p.RunBlock(5, []Task{
		{Kind: Delete, Key: []byte("alice")},
	})
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.NotEqual(t, root3, root5)

	results, _, err = p.RunBlock(6, []Task{{Kind: Read, Key: []byte("alice")}})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, ErrNotFound)
}

func TestPipelineCreateDuplicateKeyFails(t *testing.T) {
	tree, idx, meta := newTestStore(t)
	p := NewPipeline(tree, idx, meta, Config{})

	_, _, err := p.RunBlock(1, []Task{{Kind: Create, Key: []byte("bob"), Value: []byte("1")}})
	require.NoError(t, err)

	results, _, err := p.RunBlock(2, []Task{{Kind: Create, Key: []byte("bob"), Value: []byte("2")}})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, ErrAlreadyExists)
}

func TestPipelineDeleteMissingKeyFails(t *testing.T) {
	tree, idx, meta := newTestStore(t)
	p := NewPipeline(tree, idx, meta, Config{})

	results, _, err := p.RunBlock(1, []Task{{Kind: Delete, Key: []byte("nobody")}})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, ErrNotFound)
}

func TestFlusherHashOfPreservesGuardSentinels(t *testing.T) {
	f := &flusher{}
	start := &types.Entry{Key: guardStartKey, Height: -1}
	end := &types.Entry{Key: guardEndKey, Height: -1}
	real := &types.Entry{Key: []byte("alice"), Height: 3}

	assert.Equal(t, guardStartHash, f.hashOf(start))
	assert.Equal(t, guardEndHash, f.hashOf(end))
	assert.Equal(t, indexer.KeyHash(real.Key), f.hashOf(real))
}

func TestFlusherAccumulatesPhaseCycles(t *testing.T) {
	tree, idx, meta := newTestStore(t)
	p := NewPipeline(tree, idx, meta, Config{})

	_, _, err := p.RunBlock(1, []Task{{Kind: Create, Key: []byte("dave"), Value: []byte("1")}})
	require.NoError(t, err)

	assert.Positive(t, p.flusher.PhaseSealCycles, "EndBlock+Flush must register a nonzero cycle count")
}

func TestPipelineDebugHookFiresAtCheckpoints(t *testing.T) {
	tree, idx, meta := newTestStore(t)
	var fired []int
	p := NewPipeline(tree, idx, meta, Config{DebugHook: func(checkpoint int) {
		fired = append(fired, checkpoint)
	}})

	_, _, err := p.RunBlock(1, []Task{{Kind: Create, Key: []byte("carol"), Value: []byte("1")}})
	require.NoError(t, err)
	assert.Equal(t, []int{CheckpointAfterTreeFlush, CheckpointBeforeMetaCommit}, fired)
}
