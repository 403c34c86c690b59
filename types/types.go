// Package types holds the record shapes shared across qmdb's packages, so
// entryfile, merkle, indexer, metadb and pipeline can all depend on them
// without importing one another.
package types

// Entry is one key/value record in the authenticated store. NextKey links
// entries together in ascending order of key hash, forming the ring used
// to prove exclusion without a sparse Merkle tree.
type Entry struct {
	Key        []byte
	Value      []byte
	NextKey    []byte
	Height     int64
	LastHeight int64
	SerialNum  int64
}

// DeepCopy returns an Entry sharing no backing arrays with e.
func (e *Entry) DeepCopy() *Entry {
	if e == nil {
		return nil
	}
	c := &Entry{Height: e.Height, LastHeight: e.LastHeight, SerialNum: e.SerialNum}
	c.Key = append([]byte{}, e.Key...)
	c.Value = append([]byte{}, e.Value...)
	c.NextKey = append([]byte{}, e.NextKey...)
	return c
}

// EntryAt pairs a decoded Entry with its logical offset in the EntryFile
// and the serial numbers it deactivated, as emitted while scanning the log
// for recovery or compaction.
type EntryAt struct {
	Entry          *Entry
	Pos            int64
	DeactivatedSNs []int64
}

// KeyAndPos is a lighter-weight scan record holding only a key and its
// offset.
type KeyAndPos struct {
	Key []byte
	Pos int64
}

// OperationKind names a kind of change to one key: none, delete or upsert.
type OperationKind int32

const (
	OpNone OperationKind = iota
	OpDelete
	OpUpsert
)

// ChangeRequest describes one mutation of a key: its new value and the
// kind of change. The pipeline's stages do not exchange it; the Updater
// appends entries to the Tree directly.
type ChangeRequest struct {
	Key       []byte
	Value     []byte
	Operation OperationKind
}

// HotEntry pairs an Entry with a pending change and records whether the
// entry was modified itself or only touched by a NextKey rewrite.
type HotEntry struct {
	EntryPtr        *Entry
	Operation       OperationKind
	IsModified      bool
	IsTouchedByNext bool
}

// EdgeNode is a single persisted frontier node of the upper Merkle tree,
// kept in MetaDB so a pruned twig range can be undone on recovery without
// rehashing twigs already evicted from RAM.
type EdgeNode struct {
	Pos   int64
	Value []byte
}

// EntryHandler is a callback shape for visiting one scanned entry with its
// offset and deactivated serial numbers. Recovery and compaction scan
// through DataTree.ScanEntries and GetActiveEntriesInTwig instead.
type EntryHandler func(pos int64, entry *Entry, deactivatedSNs []int64)

// TwigEntry is one item streamed by DataTree.GetActiveEntriesInTwig: either
// one live entry's raw payload, or the I/O error that interrupted the scan.
// Modeled as a channel item rather than a panic so a disk failure partway
// through a twig can abort the current block's compaction instead of
// crashing the process (§7).
type TwigEntry struct {
	Payload []byte
	Pos     int64
	Err     error
}

// DataTree is the seam between the pipeline and the Twig Merkle Tree
// implementation, so package pipeline never imports merkle and tests can
// substitute a fake tree. The Engine also holds the concrete *merkle.Tree
// for proof construction.
type DataTree interface {
	DeactivateEntry(sn int64) int
	AppendEntry(entry *Entry) (int64, error)
	ReadEntry(pos int64) (*Entry, error)
	ReadPayload(pos int64) ([]byte, error)
	GetActiveBit(sn int64) bool
	EvictTwig(twigID int64)
	GetActiveEntriesInTwig(twigID int64) chan TwigEntry
	ScanEntries(oldestActiveTwigID int64, outChan chan EntryAt) error
	TwigCanBePruned(twigID int64) bool
	PruneTwigs(startID, endID int64) ([]byte, error)
	GetFileSizes() (entryFileSize, twigFileSize int64)
	EndBlock() []byte
	Flush() error
	Close() error
}

// Indexer is the seam between the Engine and the short-hash index. Set and
// Remove operate on one (hash, offset) pair, not a hash's whole bucket:
// §3/§4.2 require a collision bucket per short hash, since distinct live
// keys can share one 64-bit hash, so both must leave any other offset on
// record for the same hash untouched.
type Indexer interface {
	Get(keyHash uint64) (pos int64, ok bool)
	GetAll(keyHash uint64) []int64
	Set(keyHash uint64, pos int64)
	Remove(keyHash uint64, pos int64)
	NextHashGE(keyHash uint64) (nextHash uint64, pos int64, ok bool)
	PrevHashLE(keyHash uint64) (prevHash uint64, pos int64, ok bool)
	ActiveCount() int
	BeginWrite(height int64)
	EndWrite()
	Close()
}

// MetaStore is the seam between the Engine and MetaDB.
type MetaStore interface {
	Commit()
	ReloadFromKVStore()

	SetCurrHeight(h int64)
	GetCurrHeight() int64

	SetTwigFileSize(size int64)
	GetTwigFileSize() int64

	SetEntryFileSize(size int64)
	GetEntryFileSize() int64

	GetTwigHeight(twigID int64) int64
	DeleteTwigHeight(twigID int64)

	SetLastPrunedTwig(twigID int64)
	GetLastPrunedTwig() int64

	GetEdgeNodes() []byte
	SetEdgeNodes(bz []byte)

	GetMaxSerialNum() int64
	IncrMaxSerialNum() int64

	GetOldestActiveTwigID() int64
	IncrOldestActiveTwigID()

	GetIsRunning() bool
	SetIsRunning(isRunning bool)

	Init()
	Close()
}
