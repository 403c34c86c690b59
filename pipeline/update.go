package pipeline

import (
	"github.com/ardaglobal/qmdb/entryfile"
	"github.com/ardaglobal/qmdb/indexer"
	"github.com/ardaglobal/qmdb/types"
)

// updater consumes prefetched tasks strictly in order (§4.5): it assigns
// serial numbers, mutates the Indexer, and appends/deactivates entries in
// the Tree. A single goroutine processes the whole block — the Updater
// "never blocks on I/O; it only blocks on its input FIFO" (§5), so there is
// no internal concurrency here, unlike the Prefetcher's read pool or the
// Flusher's hashing pool.
//
// Unlike the teacher's update(), which buffers a block's HotEntries, sorts
// them, and mutates the Indexer and Tree only once per block, this Updater
// mutates both immediately per task. That is safe here because the Engine
// serializes external readers against an in-flight block (SPEC_FULL's
// Open Question decision: readers observe only the last committed
// snapshot), so there is no concurrent reader to expose a half-applied
// block to; and it is necessary here because, unlike the teacher's
// real-key B-tree, later tasks in the same block may need to see earlier
// tasks' hash-ring edits to find the right predecessor.
type updater struct {
	tree types.DataTree
	idx  types.Indexer
	meta types.MetaStore

	deactivatedSNListMaxLen int
}

func newUpdater(tree types.DataTree, idx types.Indexer, meta types.MetaStore, deactivatedSNListMaxLen int) *updater {
	return &updater{tree: tree, idx: idx, meta: meta, deactivatedSNListMaxLen: deactivatedSNListMaxLen}
}

func (u *updater) nextSerialNum() int64 {
	sn := u.meta.GetMaxSerialNum()
	u.meta.IncrMaxSerialNum()
	return sn
}

// deactivate wraps Tree.DeactivateEntry, flushing the pending
// deactivated-serial-number list with a dummy entry once it grows past the
// configured threshold (SPEC_FULL §3, supplemented feature 3).
func (u *updater) deactivate(sn int64) error {
	if pending := u.tree.DeactivateEntry(sn); pending > u.deactivatedSNListMaxLen {
		return u.flushDeactivatedSNList()
	}
	return nil
}

func (u *updater) flushDeactivatedSNList() error {
	sn := u.nextSerialNum()
	u.tree.DeactivateEntry(sn) // raw call: bypasses the threshold check, avoiding recursion
	_, err := u.tree.AppendEntry(entryfile.DummyEntry(sn))
	return err
}

// run applies every prefetched task in order, mutating the Indexer and
// Tree as it goes, and returns one Result per task.
func (u *updater) run(height int64, prefetchedTasks []prefetched) []Result {
	results := make([]Result, len(prefetchedTasks))
	for i, pf := range prefetchedTasks {
		results[i] = u.apply(height, pf)
	}
	return results
}

func (u *updater) apply(height int64, pf prefetched) Result {
	switch pf.task.Kind {
	case Read:
		if pf.err != nil {
			return Result{Err: pf.err}
		}
		return Result{Value: append([]byte{}, pf.existing.Value...)}
	case Create:
		return u.applyCreate(height, pf)
	case Update:
		return u.applyUpdate(height, pf)
	case Delete:
		return u.applyDelete(height, pf)
	default:
		return Result{Err: ErrNotFound}
	}
}

func (u *updater) applyCreate(height int64, pf prefetched) Result {
	if pf.err != nil {
		return Result{Err: pf.err}
	}
	if pf.alreadyExists {
		return Result{Err: ErrAlreadyExists}
	}
	h := indexer.KeyHash(pf.task.Key)

	pred := pf.predecessor
	oldSuccessorKey := append([]byte{}, pred.NextKey...)

	newPred := pred.DeepCopy()
	newPred.LastHeight = pred.Height
	newPred.Height = height
	newPred.NextKey = append([]byte{}, pf.task.Key...)
	newPred.SerialNum = u.nextSerialNum()
	if err := u.deactivate(pred.SerialNum); err != nil {
		return Result{Err: err}
	}
	predPos, err := u.tree.AppendEntry(newPred)
	if err != nil {
		return Result{Err: err}
	}
	predHash := ringHash(newPred.Key)
	u.idx.Remove(predHash, pf.predecessorPos)
	u.idx.Set(predHash, predPos)

	entry := &types.Entry{
		Key:        append([]byte{}, pf.task.Key...),
		Value:      append([]byte{}, pf.task.Value...),
		NextKey:    oldSuccessorKey,
		Height:     height,
		LastHeight: 0,
		SerialNum:  u.nextSerialNum(),
	}
	pos, err := u.tree.AppendEntry(entry)
	if err != nil {
		return Result{Err: err}
	}
	u.idx.Set(h, pos)
	return Result{}
}

func (u *updater) applyUpdate(height int64, pf prefetched) Result {
	if pf.err != nil {
		return Result{Err: pf.err}
	}
	old := pf.existing
	newEntry := old.DeepCopy()
	newEntry.Value = append([]byte{}, pf.task.Value...)
	newEntry.LastHeight = old.Height
	newEntry.Height = height
	newEntry.SerialNum = u.nextSerialNum()
	if err := u.deactivate(old.SerialNum); err != nil {
		return Result{Err: err}
	}
	pos, err := u.tree.AppendEntry(newEntry)
	if err != nil {
		return Result{Err: err}
	}
	hash := indexer.KeyHash(newEntry.Key)
	u.idx.Remove(hash, pf.existingPos)
	u.idx.Set(hash, pos)
	return Result{}
}

func (u *updater) applyDelete(height int64, pf prefetched) Result {
	if pf.err != nil {
		return Result{Err: pf.err}
	}
	target := pf.existing
	pred := pf.predecessor

	if err := u.deactivate(target.SerialNum); err != nil {
		return Result{Err: err}
	}
	u.idx.Remove(indexer.KeyHash(target.Key), pf.existingPos)

	newPred := pred.DeepCopy()
	newPred.LastHeight = pred.Height
	newPred.Height = height
	newPred.NextKey = append([]byte{}, target.NextKey...)
	newPred.SerialNum = u.nextSerialNum()
	if err := u.deactivate(pred.SerialNum); err != nil {
		return Result{Err: err}
	}
	pos, err := u.tree.AppendEntry(newPred)
	if err != nil {
		return Result{Err: err}
	}
	predHash := ringHash(newPred.Key)
	u.idx.Remove(predHash, pf.predecessorPos)
	u.idx.Set(predHash, pos)
	return Result{}
}
