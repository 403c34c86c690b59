package entryfile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryFileAppendReadAt(t *testing.T) {
	dir := t.TempDir()
	ef, err := Open(dir, 4096, 256)
	require.NoError(t, err)
	defer ef.Close()

	pos1, err := ef.Append([]byte("hello"))
	require.NoError(t, err)
	pos2, err := ef.Append([]byte("world"))
	require.NoError(t, err)
	assert.NotEqual(t, pos1, pos2)

	got1, _, err := ef.ReadAt(pos1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got1)

	got2, _, err := ef.ReadAt(pos2)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got2)
}

func TestEntryFileRotatesSegments(t *testing.T) {
	dir := t.TempDir()
	// small segment size forces a rotation after a couple of records.
	ef, err := Open(dir, 64, 32)
	require.NoError(t, err)
	defer ef.Close()

	var positions []int64
	for i := 0; i < 20; i++ {
		pos, err := ef.Append([]byte("0123456789"))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	assert.Greater(t, len(ef.segments), 1)

	for _, pos := range positions {
		payload, _, err := ef.ReadAt(pos)
		require.NoError(t, err)
		assert.Equal(t, []byte("0123456789"), payload)
	}
}

func TestEntryFileReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	ef, err := Open(dir, 4096, 256)
	require.NoError(t, err)
	pos, err := ef.Append([]byte("durable"))
	require.NoError(t, err)
	require.NoError(t, ef.Flush())
	require.NoError(t, ef.Close())

	ef2, err := Open(dir, 4096, 256)
	require.NoError(t, err)
	defer ef2.Close()
	got, _, err := ef2.ReadAt(pos)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

func TestEntryFilePruneHeadRequiresSegmentBoundary(t *testing.T) {
	dir := t.TempDir()
	ef, err := Open(dir, 64, 32)
	require.NoError(t, err)
	defer ef.Close()

	for i := 0; i < 20; i++ {
		_, err := ef.Append([]byte("0123456789"))
		require.NoError(t, err)
	}
	require.Greater(t, len(ef.segments), 2)

	err = ef.PruneHead(1)
	assert.ErrorIs(t, err, ErrNotAtSegmentBoundary)

	secondBoundary := ef.segments[1].startOffset
	require.NoError(t, ef.PruneHead(secondBoundary))
	assert.Equal(t, secondBoundary, ef.baseOffset)

	_, _, err = ef.ReadAt(0)
	assert.Error(t, err)
}

func TestEntryFileReadAtOutOfRange(t *testing.T) {
	dir := t.TempDir()
	ef, err := Open(dir, 4096, 256)
	require.NoError(t, err)
	defer ef.Close()

	_, _, err = ef.ReadAt(999999)
	assert.Error(t, err)
}

func TestEntryFileRecoversTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	ef, err := Open(dir, 4096, 256)
	require.NoError(t, err)
	pos, err := ef.Append([]byte("good-record"))
	require.NoError(t, err)
	require.NoError(t, ef.Flush())

	// simulate a crash mid-write: append a few garbage bytes directly to
	// the active segment file, past the last valid record.
	f, err := os.OpenFile(ef.cur.path, os.O_RDWR|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0xff, 0xff})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, ef.Close())

	ef2, err := Open(dir, 4096, 256)
	require.NoError(t, err)
	defer ef2.Close()

	got, _, err := ef2.ReadAt(pos)
	require.NoError(t, err)
	assert.Equal(t, []byte("good-record"), got)
}
