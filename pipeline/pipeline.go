package pipeline

import "github.com/ardaglobal/qmdb/types"

// Debug checkpoints in the Flush/Commit path, named so the root package's
// debug-tagged build can force a panic between them to exercise
// crash recovery without this package importing qmdb.
const (
	CheckpointAfterTreeFlush = 1
	CheckpointBeforeMetaCommit = 2
)

// Config bounds the pipeline's concurrency and compaction behavior. Zero
// values are replaced with the teacher's defaults by NewPipeline.
type Config struct {
	PrefetchPoolSize        int
	DeactivatedSNListMaxLen int
	KeptToActiveRatio       int64
	MinDeactivated          int64
	MinKeptTwigs            int64

	// DebugHook, if set, is invoked at each Checkpoint* during Flush.
	DebugHook func(checkpoint int)
}

func (c Config) withDefaults() Config {
	if c.DeactivatedSNListMaxLen <= 0 {
		c.DeactivatedSNListMaxLen = 4000
	}
	if c.KeptToActiveRatio <= 0 {
		c.KeptToActiveRatio = 2
	}
	if c.MinDeactivated <= 0 {
		c.MinDeactivated = 2000
	}
	if c.MinKeptTwigs <= 0 {
		c.MinKeptTwigs = 500
	}
	return c
}

// Pipeline drives one block's tasks through Prefetch, Update and Flush,
// against a single Tree/Indexer/MetaStore triple. The Engine owns a
// Pipeline per open store and calls RunBlock once per committed height.
type Pipeline struct {
	prefetcher *prefetcher
	updater    *updater
	flusher    *flusher
	cfg        Config
}

func NewPipeline(tree types.DataTree, idx types.Indexer, meta types.MetaStore, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		prefetcher: newPrefetcher(tree, idx),
		updater:    newUpdater(tree, idx, meta, cfg.DeactivatedSNListMaxLen),
		flusher:    newFlusher(tree, idx, meta, cfg.KeptToActiveRatio, cfg.MinDeactivated, cfg.MinKeptTwigs, cfg.DebugHook),
		cfg:        cfg,
	}
}

// RunBlock executes one block's task list end to end: Prefetch enriches
// every task against the current Indexer/Tree state, Update applies them in
// order, and Flush seals the block and commits MetaDB. Returns one Result
// per task (in submission order) plus the block's new root hash.
//
// If any task failed with something other than the two expected per-task
// outcomes (key not found / key already exists), Flush is skipped: the
// Updater may already have appended entries or mutated the Indexer for
// earlier tasks in the block, and running compaction/pruning on top of that
// half-applied state would only compound whatever went wrong.
func (p *Pipeline) RunBlock(height int64, tasks []Task) ([]Result, []byte, error) {
	prefetched := p.prefetcher.run(tasks, p.cfg.PrefetchPoolSize)
	results := p.updater.run(height, prefetched)
	if err := firstFatalErr(results); err != nil {
		return results, nil, err
	}
	root, err := p.flusher.run(height)
	if err != nil {
		return results, nil, err
	}
	return results, root, nil
}

// firstFatalErr returns the first Result error that is not one of the two
// expected per-task outcomes, or nil if every failure was expected.
func firstFatalErr(results []Result) error {
	for _, r := range results {
		if r.Err != nil && r.Err != ErrNotFound && r.Err != ErrAlreadyExists {
			return r.Err
		}
	}
	return nil
}
