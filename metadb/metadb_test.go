package metadb

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetaDB(t *testing.T) {
	dir := t.TempDir()
	_ = os.RemoveAll(dir)
	assert.NoError(t, os.MkdirAll(dir, 0755))

	mdb, err := Open(dir)
	assert.NoError(t, err)
	mdb.ReloadFromKVStore()

	assert.Equal(t, int64(0), mdb.GetCurrHeight())
	assert.Equal(t, int64(0), mdb.GetLastPrunedTwig())
	assert.Equal(t, int64(0), mdb.GetMaxSerialNum())
	assert.Equal(t, int64(0), mdb.GetOldestActiveTwigID())

	mdb.SetCurrHeight(100)
	mdb.SetLastPrunedTwig(2)
	mdb.IncrMaxSerialNum()
	mdb.IncrOldestActiveTwigID()

	assert.Equal(t, int64(100), mdb.GetCurrHeight())
	assert.Equal(t, int64(2), mdb.GetLastPrunedTwig())
	assert.Equal(t, int64(1), mdb.GetMaxSerialNum())
	assert.Equal(t, int64(1), mdb.GetOldestActiveTwigID())

	assert.Equal(t, int64(0), mdb.GetTwigFileSize())
	assert.Equal(t, int64(0), mdb.GetEntryFileSize())

	mdb.SetTwigFileSize(1000)
	mdb.SetEntryFileSize(2000)
	mdb.setTwigHeight(1)
	mdb.SetCurrHeight(120)
	mdb.setTwigHeight(2)
	mdb.SetEdgeNodes([]byte("edge nodes data"))

	mdb.Commit()

	assert.Equal(t, int64(1000), mdb.GetTwigFileSize())
	assert.Equal(t, int64(2000), mdb.GetEntryFileSize())
	assert.Equal(t, int64(120), mdb.GetTwigHeight(2))
	assert.Equal(t, int64(-1), mdb.GetTwigHeight(3))
	assert.Equal(t, []byte("edge nodes data"), mdb.GetEdgeNodes())

	mdb.maxSerialNum = 5*leafCountInTwig - 1
	mdb.SetCurrHeight(150)
	mdb.IncrMaxSerialNum()
	mdb.DeleteTwigHeight(2)

	mdb.Commit()

	assert.Equal(t, int64(-1), mdb.GetTwigHeight(2))
	assert.Equal(t, int64(150), mdb.GetTwigHeight(5))

	mdb.Close()

	mdb, err = Open(dir)
	assert.NoError(t, err)
	mdb.ReloadFromKVStore()

	assert.Equal(t, int64(150), mdb.GetCurrHeight())
	assert.Equal(t, int64(2), mdb.GetLastPrunedTwig())
	assert.Equal(t, int64(5*leafCountInTwig), mdb.GetMaxSerialNum())
	assert.Equal(t, int64(1), mdb.GetOldestActiveTwigID())
	assert.Equal(t, int64(1000), mdb.GetTwigFileSize())
	assert.Equal(t, int64(2000), mdb.GetEntryFileSize())
	assert.Equal(t, []byte("edge nodes data"), mdb.GetEdgeNodes())
	assert.Equal(t, int64(-1), mdb.GetTwigHeight(2))
	assert.Equal(t, int64(150), mdb.GetTwigHeight(5))

	mdb.Close()
}
