//go:build debug
// +build debug

package qmdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardaglobal/qmdb/pipeline"
)

// TestEngineCrashBeforeMetaCommitRecoversPriorRoot forces a panic at
// pipeline.CheckpointBeforeMetaCommit -- after the Flusher's tree.Flush()
// has fsynced the block's new EntryFile/TwigFile records but before
// MetaDB.Commit() durably advances currHeight/maxSerialNum/file sizes past
// them. Reopening afterward must land exactly on the previous block's root
// and height, not on the half-applied one, with no trace of the crashed
// write surviving the indexer rebuild. Requires TruncateToSizes in Open's
// recovery branch: without it, rebuildIndexer would re-scan and re-index
// the orphaned-but-checksum-valid trailing records the crash left behind.
func TestEngineCrashBeforeMetaCommitRecoversPriorRoot(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	e, err := Open(opts)
	require.NoError(t, err)

	_, err = commitOneTask(t, e, 1, pipeline.Task{Kind: pipeline.Create, Key: []byte("alice"), Value: []byte("100")})
	require.NoError(t, err)
	rootAfterBlock1 := e.Root()

	DebugPanicNumber = pipeline.CheckpointBeforeMetaCommit
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected the debug hook to panic before MetaDB.Commit")
		}()
		bh, err := e.BeginBlock(2)
		require.NoError(t, err)
		require.NoError(t, e.Submit(bh, pipeline.Task{Kind: pipeline.Create, Key: []byte("bob"), Value: []byte("200")}))
		_, _ = e.Commit(bh)
	}()
	DebugPanicNumber = 0

	// Commit's deferred writeMu.Unlock ran during the panic unwind above;
	// discard whatever MetaDB staged for block 2 and release the RocksDB
	// directory lock without persisting any of it, simulating the crash.
	e.meta.Close()

	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()

	assert.Equal(t, int64(1), e2.CurrHeight())
	assert.Equal(t, rootAfterBlock1, e2.Root())

	_, err = e2.Get([]byte("bob"))
	assert.ErrorIs(t, err, ErrNotFound, "block 2's crashed write must not resurface after recovery")

	val, err := e2.Get([]byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, []byte("100"), val)

	_, err = commitOneTask(t, e2, 2, pipeline.Task{Kind: pipeline.Create, Key: []byte("carol"), Value: []byte("300")})
	require.NoError(t, err)
}
