package indexer

import (
	"encoding/binary"
	"path/filepath"
	"runtime"

	"github.com/tecbot/gorocksdb"

	"github.com/ardaglobal/qmdb/types"
)

var _ types.Indexer = (*Hybrid)(nil)

// Hybrid is the Indexer variant for datasets too large to keep entirely in
// RAM: a RAM hot layer (the same per-shard btree as RAM) backed by a
// RocksDB cold store. Set and Remove write through to both layers and
// nothing is evicted from the hot layer, so its memory use matches RAM's;
// the cold store answers hot-layer misses and ordered queries. Grounded on
// indextree/rocks_db.go's RocksDB wrapper, generalized from a generic
// byte-string KV into this package's (hash -> position list) schema.
type Hybrid struct {
	hot *RAM

	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions
}

// OpenHybrid opens (or creates) the cold RocksDB store under dir and
// returns a Hybrid indexer with an empty hot layer; callers repopulate the
// hot layer on recovery by replaying recently-touched shards.
func OpenHybrid(dir string) (*Hybrid, error) {
	bbto := gorocksdb.NewDefaultBlockBasedTableOptions()
	bbto.SetBlockCache(gorocksdb.NewLRUCache(64 * 1024 * 1024))
	bbto.SetFilterPolicy(gorocksdb.NewBloomFilter(10))

	opts := gorocksdb.NewDefaultOptions()
	opts.SetBlockBasedTableFactory(bbto)
	opts.SetMaxOpenFiles(4096)
	opts.SetCreateIfMissing(true)
	opts.IncreaseParallelism(runtime.NumCPU())
	opts.OptimizeLevelStyleCompaction(512 * 1024 * 1024)

	db, err := gorocksdb.OpenDb(opts, filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, err
	}
	return &Hybrid{
		hot: NewRAM(),
		db:  db,
		ro:  gorocksdb.NewDefaultReadOptions(),
		wo:  gorocksdb.NewDefaultWriteOptions(),
	}, nil
}

func hashKey(hash uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], hash) // big-endian so RocksDB's byte order matches hash order
	return b[:]
}

func encodePositions(positions []int64) []byte {
	b := make([]byte, 8*len(positions))
	for i, p := range positions {
		binary.LittleEndian.PutUint64(b[i*8:i*8+8], uint64(p))
	}
	return b
}

func decodePositions(b []byte) []int64 {
	positions := make([]int64, len(b)/8)
	for i := range positions {
		positions[i] = int64(binary.LittleEndian.Uint64(b[i*8 : i*8+8]))
	}
	return positions
}

func (h *Hybrid) BeginWrite(height int64) { h.hot.BeginWrite(height) }
func (h *Hybrid) EndWrite()               {}
func (h *Hybrid) Close() {
	h.ro.Destroy()
	h.wo.Destroy()
	h.db.Close()
}

func (h *Hybrid) ActiveCount() int { return h.hot.ActiveCount() + h.coldCount() }

func (h *Hybrid) coldCount() int {
	// RocksDB has no O(1) count, so the cold store is not counted and
	// ActiveCount reports the hot layer's count alone.
	return 0
}

// Get checks the hot layer first, then falls back to the cold store,
// promoting a cold hit into the hot layer.
func (h *Hybrid) Get(hash uint64) (int64, bool) {
	if pos, ok := h.hot.Get(hash); ok {
		return pos, true
	}
	positions := h.coldPositions(hash)
	if len(positions) == 0 {
		return 0, false
	}
	h.hot.Set(hash, positions[len(positions)-1])
	return positions[len(positions)-1], true
}

// GetAll returns every position on record for hash, preferring the hot
// layer: both layers are kept in sync by Set/Remove, so a non-empty hot
// bucket already has the full answer.
func (h *Hybrid) GetAll(hash uint64) []int64 {
	if positions := h.hot.GetAll(hash); len(positions) > 0 {
		return positions
	}
	return h.coldPositions(hash)
}

func (h *Hybrid) coldPositions(hash uint64) []int64 {
	val, err := h.db.Get(h.ro, hashKey(hash))
	if err != nil {
		panic(err)
	}
	defer val.Free()
	if !val.Exists() {
		return nil
	}
	return decodePositions(val.Data())
}

// Set adds pos to hash's bucket in both layers, mirroring RAM.Set: it
// never discards another live key's position sharing the same short hash.
func (h *Hybrid) Set(hash uint64, pos int64) {
	h.hot.Set(hash, pos)
	positions := append(h.coldPositions(hash), pos)
	if err := h.db.Put(h.wo, hashKey(hash), encodePositions(positions)); err != nil {
		panic(err)
	}
}

// Remove deletes exactly the (hash, pos) pair from both layers.
func (h *Hybrid) Remove(hash uint64, pos int64) {
	h.hot.Remove(hash, pos)
	positions := h.coldPositions(hash)
	kept := positions[:0]
	for _, p := range positions {
		if p != pos {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		if err := h.db.Delete(h.wo, hashKey(hash)); err != nil {
			panic(err)
		}
		return
	}
	if err := h.db.Put(h.wo, hashKey(hash), encodePositions(kept)); err != nil {
		panic(err)
	}
}

// NextHashGE consults the cold store's ordered keyspace directly via a
// RocksDB iterator, since the hot layer alone cannot be assumed complete.
func (h *Hybrid) NextHashGE(target uint64) (hash uint64, pos int64, ok bool) {
	it := h.db.NewIterator(h.ro)
	defer it.Close()
	it.Seek(hashKey(target))
	if !it.Valid() {
		return 0, 0, false
	}
	keySlice := it.Key()
	defer keySlice.Free()
	valSlice := it.Value()
	defer valSlice.Free()
	hash = binary.BigEndian.Uint64(keySlice.Data())
	positions := decodePositions(valSlice.Data())
	if len(positions) == 0 {
		return 0, 0, false
	}
	return hash, positions[len(positions)-1], true
}

// PrevHashLE is NextHashGE's mirror, via RocksDB's SeekForPrev.
func (h *Hybrid) PrevHashLE(target uint64) (hash uint64, pos int64, ok bool) {
	it := h.db.NewIterator(h.ro)
	defer it.Close()
	it.SeekForPrev(hashKey(target))
	if !it.Valid() {
		return 0, 0, false
	}
	keySlice := it.Key()
	defer keySlice.Free()
	valSlice := it.Value()
	defer valSlice.Free()
	hash = binary.BigEndian.Uint64(keySlice.Data())
	positions := decodePositions(valSlice.Data())
	if len(positions) == 0 {
		return 0, 0, false
	}
	return hash, positions[len(positions)-1], true
}
