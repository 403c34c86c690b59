// Package qmdb implements the verifiable, high-throughput key-value store
// for blockchain state: an append-only EntryFile, a twig-shaped Merkle
// tree, a sharded hash Indexer, and a MetaDB, driven block by block through
// the pipeline package's Prefetch -> Update -> Flush -> Commit sequence.
// Grounded on moeingads.go in full: NewMoeingADS, initGuards,
// CheckConsistency and Close map directly onto Open, initGuards (guards.go)
// and Close below.
package qmdb

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardaglobal/qmdb/entryfile"
	"github.com/ardaglobal/qmdb/indexer"
	"github.com/ardaglobal/qmdb/merkle"
	"github.com/ardaglobal/qmdb/metadb"
	"github.com/ardaglobal/qmdb/pipeline"
	"github.com/ardaglobal/qmdb/types"
)

// snapshot is what readers see: the last committed height and root. Engine
// swaps this pointer atomically at the end of commit(), so Get,
// ProveInclusion and ProveExclusion never observe a block that has started
// Flush but not yet reached MetaDB's commit -- the Open Question "safe
// spec" decision in SPEC_FULL.md.
type snapshot struct {
	height int64
	root   []byte
}

// BlockHandle tracks one open block's accumulated tasks between BeginBlock
// and Commit.
type BlockHandle struct {
	height int64
	tasks  []pipeline.Task
	closed bool
}

// Engine is the process-wide handle for one directory: "one instance per
// directory" per §6.
type Engine struct {
	dir  string
	opts Options
	log  Logger

	tree types.DataTree
	// treeImpl is the same object as tree, kept at its concrete type so
	// proof.go can call GetProof, which is specific to the Merkle tree
	// implementation and not part of the types.DataTree seam the pipeline
	// depends on.
	treeImpl *merkle.Tree
	idx      types.Indexer
	meta     types.MetaStore
	pipe     *pipeline.Pipeline

	// writeMu serializes BeginBlock/Submit/Commit; there is at most one
	// block in flight at a time (§5: "one thread per stage", driven from
	// one caller goroutine here).
	writeMu sync.Mutex
	open    *BlockHandle

	snap atomic.Pointer[snapshot]

	poisoned  atomic.Bool
	poisonErr error
}

// Open opens or creates the store rooted at opts.Dir, recovering from any
// unclean prior shutdown before returning.
func Open(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = NewStdLogger()
	}

	tree, err := merkle.Open(opts.Dir, opts.EntryFileSegmentSize, opts.EntryFileBufferSize, opts.TwigFileSegmentSize)
	if err != nil {
		return nil, fmt.Errorf("qmdb: open tree: %w", err)
	}
	meta, err := metadb.Open(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("qmdb: open metadb: %w", err)
	}

	var idx types.Indexer
	switch opts.Indexer {
	case IndexerHybrid:
		idx, err = indexer.OpenHybrid(opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("qmdb: open indexer: %w", err)
		}
	default:
		idx = indexer.NewRAM()
	}

	e := &Engine{dir: opts.Dir, opts: opts, log: opts.Logger, tree: tree, treeImpl: tree, idx: idx, meta: meta}

	wasRunning := meta.GetIsRunning()
	meta.ReloadFromKVStore()
	fresh := meta.GetMaxSerialNum() == 0 && meta.GetCurrHeight() == 0

	if fresh {
		meta.Init()
		if err := initGuards(tree, idx, meta); err != nil {
			return nil, fmt.Errorf("qmdb: init guards: %w", err)
		}
		root := tree.EndBlock()
		if err := tree.Flush(); err != nil {
			return nil, fmt.Errorf("qmdb: flush fresh store: %w", err)
		}
		entryFileSize, twigFileSize := tree.GetFileSizes()
		meta.SetEntryFileSize(entryFileSize)
		meta.SetTwigFileSize(twigFileSize)
		meta.Commit()
		e.snap.Store(&snapshot{height: 0, root: root})
		opts.Logger.Infof("qmdb: initialized fresh store at %s", opts.Dir)
	} else {
		if wasRunning {
			opts.Logger.Warnf("qmdb: unclean shutdown detected, recovering from height %d", meta.GetCurrHeight())
		}
		if err := tree.TruncateToSizes(meta.GetEntryFileSize(), meta.GetTwigFileSize()); err != nil {
			return nil, fmt.Errorf("qmdb: truncate to last committed sizes: %w", err)
		}
		edgeNodes := merkle.BytesToEdgeNodes(meta.GetEdgeNodes())
		youngestTwigID := meta.GetMaxSerialNum() >> merkle.TwigShift
		tree.RecoverState(edgeNodes, youngestTwigID)
		if err := e.rebuildIndexer(); err != nil {
			return nil, fmt.Errorf("qmdb: rebuild indexer: %w", err)
		}
		root := tree.EndBlock()
		e.snap.Store(&snapshot{height: meta.GetCurrHeight(), root: root})
	}

	meta.SetIsRunning(true)

	e.pipe = pipeline.NewPipeline(tree, idx, meta, pipeline.Config{
		PrefetchPoolSize:        opts.WorkerPoolSize,
		DeactivatedSNListMaxLen: opts.DeactivatedSNListMaxLen,
		KeptToActiveRatio:       opts.KeptEntriesToActiveEntriesRatio,
		MinDeactivated:          opts.MinDeactivatedEntries,
		MinKeptTwigs:            opts.MinKeptTwigs,
		DebugHook:               debugPanic,
	})
	return e, nil
}

// rebuildIndexer repopulates the Indexer from the EntryFile, used when
// reopening a store the Indexer variant cannot itself persist (the RAM
// variant keeps nothing on disk; the hybrid variant's cold pages survive
// but its hot layer does not). Grounded on moeingads.go's recovery scan
// over the EntryFile via ScanEntries.
func (e *Engine) rebuildIndexer() error {
	ch := make(chan types.EntryAt, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ea := range ch {
			if ea.Entry == nil || entryfile.IsDummy(ea.Entry) {
				continue
			}
			if !e.tree.GetActiveBit(ea.Entry.SerialNum) {
				continue
			}
			if isGuardKey(ea.Entry.Key) {
				e.idx.Set(guardHashFor(ea.Entry.Key), ea.Pos)
				continue
			}
			e.idx.Set(indexer.KeyHash(ea.Entry.Key), ea.Pos)
		}
	}()
	scanErr := e.tree.ScanEntries(e.meta.GetOldestActiveTwigID(), ch)
	<-done
	return scanErr
}

func guardHashFor(key []byte) uint64 {
	if string(key) == string(guardStartKey) {
		return guardStartHash
	}
	return guardEndHash
}

// Close performs final fsyncs and marks the store cleanly shut down.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.tree.Flush(); err != nil {
		return err
	}
	e.meta.SetIsRunning(false)
	e.meta.Commit()
	e.idx.Close()
	if err := e.tree.Close(); err != nil {
		return err
	}
	e.meta.Close()
	return nil
}

func (e *Engine) poison(err error) error {
	e.poisonErr = err
	e.poisoned.Store(true)
	e.log.Errorf("qmdb: engine poisoned: %v", err)
	return err
}

func (e *Engine) checkPoisoned() error {
	if e.poisoned.Load() {
		return fmt.Errorf("%w: %v", ErrPoisoned, e.poisonErr)
	}
	return nil
}

// isCorruptErr reports whether err is rooted in an on-disk checksum
// failure -- the only class of failure severe enough to poison the Engine
// (§7). Everything else (a short read, a missing file, a permission
// error) is transient I/O: the current operation fails but the store
// itself is not known to be damaged.
func isCorruptErr(err error) bool {
	return errors.Is(err, entryfile.ErrChecksumMismatch) || errors.Is(err, merkle.ErrChecksumMismatch)
}

// wrapReadErr classifies a read-path error from outside Commit (Get,
// ProveInclusion, ProveExclusion). A checksum failure poisons the Engine
// here too, since it means the store's data is actually damaged and not
// just this one call's problem; anything else is wrapped as ErrIo and the
// Engine stays usable.
func (e *Engine) wrapReadErr(err error) error {
	if isCorruptErr(err) {
		return e.poison(fmt.Errorf("%w: %v", ErrCorrupt, err))
	}
	return fmt.Errorf("%w: %v", ErrIo, err)
}

// findLiveEntry disambiguates key's short-hash bucket by reading every
// candidate position and comparing its actual key, mirroring
// pipeline.prefetcher.findByKey -- needed because a short hash can be
// shared by more than one live key (§3/§4.2).
func (e *Engine) findLiveEntry(key []byte) (pos int64, entry *types.Entry, err error) {
	for _, cand := range e.idx.GetAll(indexer.KeyHash(key)) {
		ent, err := e.tree.ReadEntry(cand)
		if err != nil {
			return 0, nil, err
		}
		if bytes.Equal(ent.Key, key) {
			return cand, ent, nil
		}
	}
	return 0, nil, nil
}

// BeginBlock opens a new block at height, which must immediately follow
// the last committed height.
func (e *Engine) BeginBlock(height int64) (*BlockHandle, error) {
	if err := e.checkPoisoned(); err != nil {
		return nil, err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.open != nil {
		return nil, fmt.Errorf("qmdb: begin block %d: %w", height, ErrBlockClosed)
	}
	last := e.snap.Load().height
	if height != last+1 {
		return nil, fmt.Errorf("qmdb: begin block %d after %d: %w", height, last, ErrHeightOutOfOrder)
	}
	bh := &BlockHandle{height: height}
	e.open = bh
	return bh, nil
}

// Submit appends task to bh's task list, in order.
func (e *Engine) Submit(bh *BlockHandle, task pipeline.Task) error {
	if err := e.checkPoisoned(); err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if bh.closed || e.open != bh {
		return ErrBlockClosed
	}
	bh.tasks = append(bh.tasks, task)
	return nil
}

// Commit runs bh's tasks through the pipeline and publishes the new root.
// A Flush error aborts the block atomically -- no partial writes are
// exposed because MetaDB's commit is the linearization point (§7) -- and
// leaves the Engine open for the next attempt at the same height. Only a
// checksum failure (ErrCorrupt) poisons the Engine; any other error is
// returned wrapped as ErrIo.
func (e *Engine) Commit(bh *BlockHandle) ([]byte, error) {
	if err := e.checkPoisoned(); err != nil {
		return nil, err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if bh.closed || e.open != bh {
		return nil, ErrBlockClosed
	}
	bh.closed = true
	e.open = nil

	e.idx.BeginWrite(bh.height)
	_, root, err := e.pipe.RunBlock(bh.height, bh.tasks)
	e.idx.EndWrite()
	if err != nil {
		return nil, e.handleCommitErr(bh.height, err)
	}
	e.snap.Store(&snapshot{height: bh.height, root: root})
	return root, nil
}

// handleCommitErr classifies cause and either poisons the Engine (a
// checksum failure, per §7) or returns a non-poisoning,
// retryable error. Either way CurrHeight is not advanced, since snap was
// not updated before this was called, so the caller can retry the same
// height with a fresh BlockHandle once the transient condition clears.
func (e *Engine) handleCommitErr(height int64, cause error) error {
	if isCorruptErr(cause) {
		err := fmt.Errorf("%w: %v", ErrCorrupt, cause)
		e.poison(err)
		return fmt.Errorf("qmdb: commit block %d: %w", height, err)
	}
	return fmt.Errorf("qmdb: commit block %d: %w: %v", height, ErrIo, cause)
}

// Get returns the latest-committed value for key.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if err := e.checkPoisoned(); err != nil {
		return nil, err
	}
	_, entry, err := e.findLiveEntry(key)
	if err != nil {
		return nil, e.wrapReadErr(err)
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry.Value, nil
}

// CurrHeight returns the last committed height.
func (e *Engine) CurrHeight() int64 { return e.snap.Load().height }

// Root returns the last committed root hash.
func (e *Engine) Root() []byte { return e.snap.Load().root }
