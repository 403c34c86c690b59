package qmdb

import (
	"math"

	"github.com/ardaglobal/qmdb/types"
)

// Guard entries anchor the hash ring at both ends so every real key has a
// predecessor and a successor from the first block on, exactly as the
// teacher's initGuards seeds two sentinel entries before accepting any real
// task. Their positions in the Indexer are the sentinel hashes 0 and
// math.MaxUint64 themselves, set directly rather than derived by KeyHash --
// no real key can be forced to hash to either exact value.
var (
	guardStartKey = []byte("\x00qmdb-guard-start")
	guardEndKey   = []byte("\x00qmdb-guard-end")
)

const (
	guardStartHash = uint64(0)
	guardEndHash   = math.MaxUint64
)

func isGuardKey(key []byte) bool {
	return string(key) == string(guardStartKey) || string(key) == string(guardEndKey)
}

// initGuards appends the two guard entries to a freshly opened, empty Tree
// and registers their sentinel hashes in the Indexer. Called once, only
// when Open finds no prior entries (maxSerialNum == 0 and not recovering).
func initGuards(tree types.DataTree, idx types.Indexer, meta types.MetaStore) error {
	start := &types.Entry{
		Key: guardStartKey, Value: nil, NextKey: guardEndKey,
		Height: -1, LastHeight: -1, SerialNum: meta.GetMaxSerialNum(),
	}
	startPos, err := tree.AppendEntry(start)
	if err != nil {
		return err
	}
	idx.Set(guardStartHash, startPos)
	meta.IncrMaxSerialNum()

	end := &types.Entry{
		Key: guardEndKey, Value: nil, NextKey: guardStartKey,
		Height: -1, LastHeight: -1, SerialNum: meta.GetMaxSerialNum(),
	}
	endPos, err := tree.AppendEntry(end)
	if err != nil {
		return err
	}
	idx.Set(guardEndHash, endPos)
	meta.IncrMaxSerialNum()
	return nil
}
