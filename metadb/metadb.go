// Package metadb implements types.MetaStore: the small, frequently-written
// bookkeeping table the Engine uses to recover its position in the
// EntryFile and TwigFile after a restart. Grounded on metadb/metadb.go and
// indextree/rocks_db.go, keeping the teacher's single-byte key prefixes
// (the byte* constants below).
package metadb

import (
	"encoding/binary"
	"path/filepath"
	"runtime"

	"github.com/ardaglobal/qmdb/types"
	"github.com/tecbot/gorocksdb"
)

const (
	byteCurrHeight         = byte(0x10)
	byteTwigFileSize       = byte(0x11)
	byteEntryFileSize      = byte(0x12)
	byteTwigHeight         = byte(0x13)
	byteLastPrunedTwig     = byte(0x14)
	byteEdgeNodes          = byte(0x15)
	byteMaxSerialNum       = byte(0x16)
	byteOldestActiveTwigID = byte(0x17)
	byteIsRunning          = byte(0x18)
)

// leafCountInTwig mirrors merkle.LeafCountInTwig. Duplicated rather than
// imported so metadb does not need to depend on package merkle.
const leafCountInTwig = 2048

// MetaDB is the RocksDB-backed implementation of types.MetaStore. A handful
// of hot counters (currHeight, lastPrunedTwig, maxSerialNum,
// oldestActiveTwigID) are cached in memory and only durably written on
// Commit, mirroring the teacher's MetaDBWithTMDB split between in-memory
// fields and a batch flushed at block boundaries.
var _ types.MetaStore = (*MetaDB)(nil)

type MetaDB struct {
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions

	batch *gorocksdb.WriteBatch

	currHeight         int64
	lastPrunedTwig     int64
	maxSerialNum       int64
	oldestActiveTwigID int64
}

// Open opens (or creates) the metadata store under dir.
func Open(dir string) (*MetaDB, error) {
	bbto := gorocksdb.NewDefaultBlockBasedTableOptions()
	bbto.SetBlockCache(gorocksdb.NewLRUCache(32 * 1024 * 1024))
	bbto.SetFilterPolicy(gorocksdb.NewBloomFilter(10))

	opts := gorocksdb.NewDefaultOptions()
	opts.SetBlockBasedTableFactory(bbto)
	opts.SetMaxOpenFiles(4096)
	opts.SetCreateIfMissing(true)
	opts.IncreaseParallelism(runtime.NumCPU())
	opts.OptimizeLevelStyleCompaction(64 * 1024 * 1024)

	db, err := gorocksdb.OpenDb(opts, filepath.Join(dir, "meta.db"))
	if err != nil {
		return nil, err
	}
	return &MetaDB{
		db:    db,
		ro:    gorocksdb.NewDefaultReadOptions(),
		wo:    gorocksdb.NewDefaultWriteOptions(),
		batch: gorocksdb.NewWriteBatch(),
	}, nil
}

func (db *MetaDB) getInt64(key byte) int64 {
	val, err := db.db.Get(db.ro, []byte{key})
	if err != nil {
		panic(err)
	}
	defer val.Free()
	if !val.Exists() {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(val.Data()))
}

func (db *MetaDB) setSync(key byte, value []byte) {
	woSync := gorocksdb.NewDefaultWriteOptions()
	woSync.SetSync(true)
	defer woSync.Destroy()
	if err := db.db.Put(woSync, []byte{key}, value); err != nil {
		panic(err)
	}
}

// ReloadFromKVStore repopulates the in-memory hot counters from the store,
// used once on Engine startup.
func (db *MetaDB) ReloadFromKVStore() {
	db.currHeight = db.getInt64(byteCurrHeight)
	db.lastPrunedTwig = db.getInt64(byteLastPrunedTwig)
	db.maxSerialNum = db.getInt64(byteMaxSerialNum)
	db.oldestActiveTwigID = db.getInt64(byteOldestActiveTwigID)
}

// Commit writes the hot counters into the current batch and flushes it.
// This is the linearization point for a block: once Commit returns, the
// block's height, serial number watermark, and pruning position are
// durable.
func (db *MetaDB) Commit() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(db.currHeight))
	db.batch.Put([]byte{byteCurrHeight}, buf[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(db.lastPrunedTwig))
	db.batch.Put([]byte{byteLastPrunedTwig}, buf[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(db.maxSerialNum))
	db.batch.Put([]byte{byteMaxSerialNum}, buf[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(db.oldestActiveTwigID))
	db.batch.Put([]byte{byteOldestActiveTwigID}, buf[:])

	if err := db.db.Write(db.wo, db.batch); err != nil {
		panic(err)
	}
	db.batch.Destroy()
	db.batch = gorocksdb.NewWriteBatch()
}

func (db *MetaDB) SetCurrHeight(h int64) { db.currHeight = h }
func (db *MetaDB) GetCurrHeight() int64  { return db.currHeight }

func (db *MetaDB) SetTwigFileSize(size int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(size))
	db.batch.Put([]byte{byteTwigFileSize}, buf[:])
}

func (db *MetaDB) GetTwigFileSize() int64 { return db.getInt64(byteTwigFileSize) }

func (db *MetaDB) SetEntryFileSize(size int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(size))
	db.batch.Put([]byte{byteEntryFileSize}, buf[:])
}

func (db *MetaDB) GetEntryFileSize() int64 { return db.getInt64(byteEntryFileSize) }

func twigHeightKey(twigID int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(twigID))
	return append([]byte{byteTwigHeight}, buf[:]...)
}

// setTwigHeight records the current height against twigID, invoked
// internally whenever the serial-number watermark reaches twigID's first
// serial number (so twig twigID-1 has just filled).
func (db *MetaDB) setTwigHeight(twigID int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(db.currHeight))
	db.batch.Put(twigHeightKey(twigID), buf[:])
}

func (db *MetaDB) GetTwigHeight(twigID int64) int64 {
	val, err := db.db.Get(db.ro, twigHeightKey(twigID))
	if err != nil {
		panic(err)
	}
	defer val.Free()
	if !val.Exists() {
		return -1
	}
	return int64(binary.LittleEndian.Uint64(val.Data()))
}

func (db *MetaDB) DeleteTwigHeight(twigID int64) {
	db.batch.Delete(twigHeightKey(twigID))
}

func (db *MetaDB) SetLastPrunedTwig(twigID int64) { db.lastPrunedTwig = twigID }
func (db *MetaDB) GetLastPrunedTwig() int64        { return db.lastPrunedTwig }

func (db *MetaDB) GetEdgeNodes() []byte {
	val, err := db.db.Get(db.ro, []byte{byteEdgeNodes})
	if err != nil {
		panic(err)
	}
	defer val.Free()
	if !val.Exists() {
		return nil
	}
	return append([]byte{}, val.Data()...)
}

func (db *MetaDB) SetEdgeNodes(bz []byte) {
	db.batch.Put([]byte{byteEdgeNodes}, bz)
}

func (db *MetaDB) GetMaxSerialNum() int64 { return db.maxSerialNum }

// IncrMaxSerialNum advances the serial-number watermark by one and, when
// the new watermark is a multiple of the twig size, records the current
// height against the twig that starts at it. Returns the new watermark.
func (db *MetaDB) IncrMaxSerialNum() int64 {
	db.maxSerialNum++
	if db.maxSerialNum%leafCountInTwig == 0 {
		db.setTwigHeight(db.maxSerialNum / leafCountInTwig)
	}
	return db.maxSerialNum
}

func (db *MetaDB) GetOldestActiveTwigID() int64 { return db.oldestActiveTwigID }
func (db *MetaDB) IncrOldestActiveTwigID()       { db.oldestActiveTwigID++ }

func (db *MetaDB) GetIsRunning() bool {
	val, err := db.db.Get(db.ro, []byte{byteIsRunning})
	if err != nil {
		panic(err)
	}
	defer val.Free()
	return val.Exists() && val.Data()[0] != 0
}

// SetIsRunning is written with SetSync, outside the batch, since it is the
// crash-recovery flag the Engine checks on Open: it must hit disk
// immediately rather than wait for the next Commit.
func (db *MetaDB) SetIsRunning(isRunning bool) {
	if isRunning {
		db.setSync(byteIsRunning, []byte{1})
	} else {
		db.setSync(byteIsRunning, []byte{0})
	}
}

func (db *MetaDB) Init() {
	db.SetIsRunning(false)
	db.currHeight = 0
	db.lastPrunedTwig = -1
	db.maxSerialNum = 0
	db.oldestActiveTwigID = 0
	db.SetTwigFileSize(0)
	db.SetEntryFileSize(0)
	db.Commit()
}

func (db *MetaDB) Close() {
	db.batch.Destroy()
	db.ro.Destroy()
	db.wo.Destroy()
	db.db.Close()
}
