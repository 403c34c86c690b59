package qmdb

// IndexerVariant selects between the Indexer's in-memory and hybrid
// SSD+RAM implementations (spec §4.2, Design Note "Dynamic dispatch over
// Indexer variants").
type IndexerVariant int

const (
	// IndexerInMemory keeps every shard's ordered map in RAM, backed by
	// google/btree. Fast, bounded by available memory.
	IndexerInMemory IndexerVariant = iota
	// IndexerHybrid keeps a hot layer in RAM and writes every mapping
	// through to a RocksDB store as well; the hot layer is not evicted.
	IndexerHybrid
)

// Options configures a freshly Opened Engine. There is no file-based
// config parser in scope; embedders construct Options in code.
type Options struct {
	// Dir is the root directory holding the entries/ and twigmt/
	// subdirectories and the meta.db RocksDB store (plus index.db for
	// IndexerHybrid).
	Dir string

	// EntryFileSegmentSize is the size, in bytes, of each EntryFile
	// segment file before a new one is started.
	EntryFileSegmentSize int
	// EntryFileBufferSize is the size of the EntryFile's write buffer,
	// flushed once per block commit.
	EntryFileBufferSize int

	// TwigFileSegmentSize mirrors EntryFileSegmentSize for the TwigFile.
	TwigFileSegmentSize int
	TwigFileBufferSize  int

	// Indexer selects which Indexer variant backs the Engine.
	Indexer IndexerVariant

	// WorkerPoolSize bounds the Prefetcher's concurrent read-ahead. Zero
	// means runtime.NumCPU(). The per-level Merkle hash fan-out always
	// uses runtime.NumCPU() workers.
	WorkerPoolSize int

	// KeptEntriesToActiveEntriesRatio triggers the compaction maintenance
	// sub-task once the serial numbers issued since the oldest active twig
	// reach this multiple of the live entry count.
	KeptEntriesToActiveEntriesRatio int64
	// MinDeactivatedEntries: after each compacted twig, compaction goes on
	// to the next twig only if that pass lowered the live entry count by at
	// least this many. It does not gate the first pass.
	MinDeactivatedEntries int64
	// MinKeptTwigs: compaction leaves the oldest active twig in place while
	// fewer than MinKeptTwigs twigs separate it from the youngest twig.
	MinKeptTwigs int64

	// DeactivatedSNListMaxLen bounds how many deactivated serial numbers
	// accumulate before a dummy flush-marker Entry is appended to carry
	// them to disk (see SUPPLEMENTED FEATURES §3).
	DeactivatedSNListMaxLen int

	Logger Logger
}

// DefaultOptions returns Options with the teacher's own tuning constants
// (datatree/tree.go, moeingads.go), scaled to this module's single-tree
// design.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                             dir,
		EntryFileSegmentSize:            64 * 1024 * 1024,
		EntryFileBufferSize:             8 * 1024,
		TwigFileSegmentSize:             64 * 1024 * 1024,
		TwigFileBufferSize:              8 * 1024,
		Indexer:                         IndexerInMemory,
		WorkerPoolSize:                  0,
		KeptEntriesToActiveEntriesRatio: 4,
		MinDeactivatedEntries:           1000 * 1000,
		MinKeptTwigs:                    100,
		DeactivatedSNListMaxLen:         64,
		Logger:                          NewStdLogger(),
	}
}
