package pipeline

import (
	"github.com/dterei/gotsc"

	"github.com/ardaglobal/qmdb/entryfile"
	"github.com/ardaglobal/qmdb/indexer"
	"github.com/ardaglobal/qmdb/types"
)

// tscOverhead is subtracted from every gotsc.BenchStart/BenchEnd pair below
// so PhaseCompactCycles/PhaseSealCycles measure the phase itself, not the
// TSC read. Computed once at package init, mirroring datatree/tree.go's own
// tscOverhead var.
var tscOverhead uint64 = gotsc.TSCOverhead()

// flusher performs the per-block finalization of §4.6: sealing dirty twig
// roots into the new upper-tree root, running the compaction maintenance
// sub-task, pruning fully-inactive twigs, and committing MetaDB — which is
// the block's linearization point. Grounded on moeingads.go's EndWrite /
// allShardEndBlock / compactForShard / PruneBeforeHeight, generalized from
// the teacher's per-shard loop to the single Tree/Indexer pair.
type flusher struct {
	tree types.DataTree
	idx  types.Indexer
	meta types.MetaStore

	keptToActiveRatio int64
	minDeactivated    int64
	minKeptTwigs      int64

	// debugHook, when set, lets the embedder force a panic at named
	// checkpoints in run() to exercise crash recovery. Both debug.go and
	// nodebug.go in the root package supply a debugPanic of this shape;
	// nil is equivalent to nodebug's no-op.
	debugHook func(checkpoint int)

	// PhaseCompactCycles and PhaseSealCycles accumulate TSC cycles spent in
	// compact() and in EndBlock+Flush across every run(), the same
	// per-phase timing datatree/tree.go keeps for EndBlock's two halves.
	PhaseCompactCycles uint64
	PhaseSealCycles    uint64
}

func newFlusher(tree types.DataTree, idx types.Indexer, meta types.MetaStore, keptToActiveRatio, minDeactivated, minKeptTwigs int64, debugHook func(int)) *flusher {
	return &flusher{
		tree: tree, idx: idx, meta: meta,
		keptToActiveRatio: keptToActiveRatio,
		minDeactivated:    minDeactivated,
		minKeptTwigs:      minKeptTwigs,
		debugHook:         debugHook,
	}
}

func (f *flusher) checkpoint(n int) {
	if f.debugHook != nil {
		f.debugHook(n)
	}
}

// run seals the block's tree changes, compacts if the kept/active ratio has
// drifted too far, prunes twigs that have fallen behind height, and commits
// MetaDB last. EntryFile/TwigFile data is fsynced via tree.Flush() before
// the MetaDB commit, so a crash can never leave MetaDB pointing past data
// that was not durably written (§4.6).
func (f *flusher) run(height int64) ([]byte, error) {
	start := gotsc.BenchStart()
	err := f.compact()
	f.PhaseCompactCycles += gotsc.BenchEnd() - start - tscOverhead
	if err != nil {
		return nil, err
	}

	start = gotsc.BenchStart()
	root := f.tree.EndBlock()
	flushErr := f.tree.Flush()
	f.PhaseSealCycles += gotsc.BenchEnd() - start - tscOverhead
	if flushErr != nil {
		return nil, flushErr
	}
	f.checkpoint(CheckpointAfterTreeFlush)
	entryFileSize, twigFileSize := f.tree.GetFileSizes()
	f.meta.SetEntryFileSize(entryFileSize)
	f.meta.SetTwigFileSize(twigFileSize)
	if err := f.pruneBeforeHeight(height); err != nil {
		return nil, err
	}
	f.meta.SetCurrHeight(height)
	f.checkpoint(CheckpointBeforeMetaCommit)
	f.meta.Commit()
	return root, nil
}

// compact re-appends still-live entries from the oldest active twig, one
// twig per pass, so their segments can eventually be pruned. It runs while
// the kept/active ratio is at or over the configured threshold, and stops
// after any pass that lowered the active count by less than minDeactivated.
// Grounded on
// compactForShard and the reap loop in EndWrite.
func (f *flusher) compact() error {
	for {
		active := int64(f.idx.ActiveCount())
		if active == 0 {
			return nil
		}
		kept := f.numKeptEntries()
		if kept < active*f.keptToActiveRatio {
			return nil
		}
		before := active
		if err := f.compactOldestTwig(); err != nil {
			return err
		}
		after := int64(f.idx.ActiveCount())
		if after > before-f.minDeactivated {
			return nil
		}
	}
}

// numKeptEntries approximates how many serial numbers have been issued
// since the oldest active twig, as a proxy for entries still occupying
// EntryFile space that compaction has not yet reclaimed.
func (f *flusher) numKeptEntries() int64 {
	return f.meta.GetMaxSerialNum() - f.meta.GetOldestActiveTwigID()*leafCountInTwig
}

const leafCountInTwig = 2048

// guardStartKey and guardEndKey mirror the root package's guards.go.
// Duplicated, not imported, for the same reason leafCountInTwig is
// duplicated above: pipeline must not depend on qmdb, which already
// depends on pipeline. Guards are recognized by key, not by Height: the
// Updater rewrites a guard with the block's height whenever it is the
// hash-ring predecessor of a created or deleted key.
var (
	guardStartKey  = []byte("\x00qmdb-guard-start")
	guardEndKey    = []byte("\x00qmdb-guard-end")
	guardStartHash = uint64(0)
	guardEndHash   = ^uint64(0)
)

func (f *flusher) compactOldestTwig() error {
	twigID := f.meta.GetOldestActiveTwigID()
	if twigID+f.minKeptTwigs > f.youngestTwigIDApprox() {
		return nil
	}
	entryBzChan := f.tree.GetActiveEntriesInTwig(twigID)
	for item := range entryBzChan {
		if item.Err != nil {
			return item.Err
		}
		entry, _ := entryfile.DecodeEntry(item.Payload)
		if entryfile.IsDummy(entry) {
			continue
		}
		oldSN := entry.SerialNum
		hash := f.hashOf(entry)
		entry.SerialNum = f.meta.GetMaxSerialNum()
		f.meta.IncrMaxSerialNum()
		f.tree.DeactivateEntry(oldSN)
		pos, err := f.tree.AppendEntry(entry)
		if err != nil {
			return err
		}
		f.idx.Remove(hash, item.Pos)
		f.idx.Set(hash, pos)
	}
	f.tree.EvictTwig(twigID)
	f.meta.IncrOldestActiveTwigID()
	return nil
}

// hashOf returns the Indexer key an entry must be re-registered under after
// compaction re-appends it. Guard entries keep their hand-picked sentinel
// hashes, since no real key can hash to 0 or math.MaxUint64 to replace them.
func (f *flusher) hashOf(entry *types.Entry) uint64 {
	return ringHash(entry.Key)
}

// ringHash returns the Indexer hash key is registered under: the sentinel
// hash for either guard key, KeyHash for every other key.
func ringHash(key []byte) uint64 {
	switch string(key) {
	case string(guardStartKey):
		return guardStartHash
	case string(guardEndKey):
		return guardEndHash
	}
	return indexer.KeyHash(key)
}

// youngestTwigIDApprox derives the current youngest twig id from the
// serial-number watermark, since the Flusher only has MetaDB's counters to
// work with (it does not reach into Tree internals beyond the DataTree
// seam).
func (f *flusher) youngestTwigIDApprox() int64 {
	return f.meta.GetMaxSerialNum() / leafCountInTwig
}

// pruneBeforeHeight unlinks every twig sealed strictly before height once
// it has gone fully inactive, advancing the EntryFile/TwigFile head and
// persisting the new upper-tree edge nodes. Grounded on PruneBeforeHeight.
func (f *flusher) pruneBeforeHeight(height int64) error {
	start := f.meta.GetLastPrunedTwig() + 1
	end := start + 1
	for {
		endHeight := f.meta.GetTwigHeight(end)
		if endHeight < 0 || endHeight >= height || !f.tree.TwigCanBePruned(end) {
			break
		}
		end++
	}
	end--
	if end <= start {
		return nil
	}
	edgeNodesBytes, err := f.tree.PruneTwigs(start, end)
	if err != nil {
		return err
	}
	f.meta.SetEdgeNodes(edgeNodesBytes)
	for twig := start; twig < end; twig++ {
		f.meta.DeleteTwigHeight(twig)
	}
	f.meta.SetLastPrunedTwig(end - 1)
	return nil
}
