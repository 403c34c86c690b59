package pipeline

import (
	"bytes"
	"runtime"

	"github.com/ardaglobal/qmdb/indexer"
	"github.com/ardaglobal/qmdb/types"
)

// prefetched is one task enriched with whatever the Indexer and EntryFile
// already know about its key, handed from the Prefetcher to the Updater.
type prefetched struct {
	task Task

	existing    *types.Entry // current live entry, for Update/Delete/Read
	existingPos int64

	alreadyExists bool // Create only: a live entry for this exact key was found

	predecessorKey []byte       // hash-ring predecessor's key, for Create/Delete
	predecessor    *types.Entry
	predecessorPos int64

	err error
}

// prefetcher reads a block's task list against the Indexer and Tree,
// bounding read concurrency while preserving input order in its output,
// since the Updater must see the block in exactly its submitted order
// (§4.4). Grounded on PrepareForUpdate/PrepareForDeletion/getPrevEntry in
// moeingads.go, generalized from synchronous per-key calls into a
// bounded worker-pool stage.
type prefetcher struct {
	tree types.DataTree
	idx  types.Indexer
}

func newPrefetcher(tree types.DataTree, idx types.Indexer) *prefetcher {
	return &prefetcher{tree: tree, idx: idx}
}

// run fetches every task concurrently (bounded by poolSize) but writes
// results at their original index, so output order always matches tasks.
func (p *prefetcher) run(tasks []Task, poolSize int) []prefetched {
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}
	out := make([]prefetched, len(tasks))
	sem := make(chan struct{}, poolSize)
	done := make(chan struct{}, len(tasks))
	for i, t := range tasks {
		sem <- struct{}{}
		go func(i int, t Task) {
			defer func() { <-sem; done <- struct{}{} }()
			out[i] = p.fetch(t)
		}(i, t)
	}
	for range tasks {
		<-done
	}
	return out
}

func (p *prefetcher) fetch(t Task) prefetched {
	pf := prefetched{task: t}
	h := indexer.KeyHash(t.Key)
	switch t.Kind {
	case Create:
		pos, found, err := p.findByKey(h, t.Key)
		if err != nil {
			pf.err = err
			return pf
		}
		if found {
			pf.alreadyExists = true
			pf.existingPos = pos
			return pf
		}
		key, pred, ppos, err := p.findPredecessor(t.Key)
		if err != nil {
			pf.err = err
			return pf
		}
		pf.predecessorKey, pf.predecessor, pf.predecessorPos = key, pred, ppos
	case Update, Delete, Read:
		pos, found, err := p.findByKey(h, t.Key)
		if err != nil {
			pf.err = err
			return pf
		}
		if !found {
			pf.err = ErrNotFound
			return pf
		}
		pf.existingPos = pos
		entry, err := p.tree.ReadEntry(pos)
		if err != nil {
			pf.err = err
			return pf
		}
		pf.existing = entry
		if t.Kind == Delete {
			key, pred, ppos, err := p.findPredecessor(t.Key)
			if err != nil {
				pf.err = err
				return pf
			}
			pf.predecessorKey, pf.predecessor, pf.predecessorPos = key, pred, ppos
		}
	}
	return pf
}

// findByKey disambiguates hash's collision bucket by reading each
// candidate position's entry and comparing its actual key, since a short
// hash can be shared by more than one live key (§3/§4.2).
func (p *prefetcher) findByKey(hash uint64, key []byte) (pos int64, found bool, err error) {
	for _, cand := range p.idx.GetAll(hash) {
		entry, err := p.tree.ReadEntry(cand)
		if err != nil {
			return 0, false, err
		}
		if bytes.Equal(entry.Key, key) {
			return cand, true, nil
		}
	}
	return 0, false, nil
}

// findPredecessor returns the hash-ring predecessor of key: the live entry
// with the largest hash strictly less than hash(key). Generalized from
// getPrevEntry's use of idxTree's ReverseIterator in moeingads.go to the
// sharded Indexer's PrevHashLE successor-query mirror.
func (p *prefetcher) findPredecessor(key []byte) (predKey []byte, pred *types.Entry, pos int64, err error) {
	h := indexer.KeyHash(key)
	if h == 0 {
		return nil, nil, 0, ErrNotFound
	}
	_, pos, ok := p.idx.PrevHashLE(h - 1)
	if !ok {
		return nil, nil, 0, ErrNotFound
	}
	pred, err = p.tree.ReadEntry(pos)
	if err != nil {
		return nil, nil, 0, err
	}
	return pred.Key, pred, pos, nil
}
