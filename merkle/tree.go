// Package merkle implements the Twig Merkle Tree of §4.3: a single
// append-only authenticated structure whose leaves are grouped into
// 2048-entry twigs, only the youngest of which is fully RAM-resident.
package merkle

import (
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/ardaglobal/qmdb/entryfile"
	"github.com/ardaglobal/qmdb/types"
)

// NodePos addresses one node of the upper, RAM-resident binary tree above
// the twig layer: level in the high 8 bits, index within the level in the
// low 56 bits.
type NodePos int64

func Pos(level int, n int64) NodePos {
	return NodePos(int64(level)<<56 | n)
}

var _ types.DataTree = (*Tree)(nil)

// Tree is the single authenticated Merkle tree for the whole store: one
// tree, one root per block, rather than several independent per-shard
// roots that would need combining before a caller could use them.
type Tree struct {
	entryFile *entryfile.EntryFile
	twigFile  *TwigFile

	// nodes holds every upper-tree node above the twig layer. It can be
	// rebuilt from persisted edge nodes plus the active twigs' roots.
	nodes map[NodePos]*[32]byte

	youngestTwigID     int64
	activeTwigs        map[int64]*Twig
	mtree4YoungestTwig [4096][32]byte
	leave4YoungestTwig [LeafCountInTwig][]byte

	// per-block scratch state, reset at EndBlock.
	changeStart, changeEnd int
	twigsToBeDeleted       []int64
	touchedPos512          map[int64]struct{}
	deactivatedSNs         []int64
}

// Open creates or recovers the Twig Merkle Tree rooted at dir.
func Open(dir string, entrySegSize, entryBufSize, twigSegSize int) (*Tree, error) {
	entryDir := filepath.Join(dir, "entries")
	if err := os.MkdirAll(entryDir, 0700); err != nil {
		return nil, err
	}
	ef, err := entryfile.Open(entryDir, entrySegSize, entryBufSize)
	if err != nil {
		return nil, err
	}
	twigDir := filepath.Join(dir, "twigmt")
	if err := os.MkdirAll(twigDir, 0700); err != nil {
		return nil, err
	}
	tf, err := OpenTwigFile(twigDir, twigSegSize)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		entryFile:      ef,
		twigFile:       tf,
		nodes:          make(map[NodePos]*[32]byte),
		activeTwigs:    make(map[int64]*Twig),
		changeStart:    -1,
		touchedPos512:  make(map[int64]struct{}),
	}
	var zero [32]byte
	t.nodes[Pos(FirstLevelAboveTwig, 0)] = &zero
	t.mtree4YoungestTwig = nullMT4Twig
	t.activeTwigs[0] = copyNullTwig()
	t.youngestTwigID = 0
	return t, nil
}

// RecoverState replaces the tree's upper-tree and youngest-twig bookkeeping
// with state loaded from MetaDB: the persisted edge nodes and the current
// youngest twig ID. Called once right after Open
// during Engine recovery.
func (t *Tree) RecoverState(edgeNodes []types.EdgeNode, youngestTwigID int64) {
	t.youngestTwigID = youngestTwigID
	for _, e := range edgeNodes {
		var v [32]byte
		copy(v[:], e.Value)
		t.nodes[NodePos(e.Pos)] = &v
	}
}

func (t *Tree) Close() error {
	if err := t.entryFile.Close(); err != nil {
		return err
	}
	return t.twigFile.Close()
}

func calcMaxLevel(youngestTwigID int64) int {
	if youngestTwigID == 0 {
		return FirstLevelAboveTwig
	}
	return FirstLevelAboveTwig + 63 - bits.LeadingZeros64(uint64(youngestTwigID))
}

func (t *Tree) GetFileSizes() (int64, int64) {
	return t.entryFile.Size(), t.twigFile.Size()
}

// TruncateToSizes rolls the EntryFile and TwigFile back to the sizes
// MetaDB last durably committed, discarding any trailing records a crash
// left on disk between a successful Flush and an aborted MetaDB commit
// (§4.6/§7). Both files' trailing-record checksums are valid in that case,
// so nothing else would catch them as corrupt; Engine.Open calls this
// before RecoverState/rebuildIndexer on every open, where it is a no-op
// once the files already match the committed sizes.
func (t *Tree) TruncateToSizes(entryFileSize, twigFileSize int64) error {
	if err := t.entryFile.TruncateToSize(entryFileSize); err != nil {
		return err
	}
	return t.twigFile.TruncateToCount(twigFileSize / int64(recordSize))
}

// YoungestTwigID returns the twig currently accepting new entries. It
// advances by one each time a twig fills (appendEntry wraps position
// TwigMask back to 0), so watching it across a block is how a caller
// confirms a twig actually sealed.
func (t *Tree) YoungestTwigID() int64 {
	return t.youngestTwigID
}

func (t *Tree) ReadEntry(pos int64) (*types.Entry, error) {
	payload, _, err := t.entryFile.ReadAt(pos)
	if err != nil {
		return nil, err
	}
	entry, _ := entryfile.DecodeEntry(payload)
	return entry, nil
}

// ReadPayload returns the exact bytes appended at pos, before decoding.
// The proof generator needs this raw form (not a re-encoded Entry) because
// the leaf hash covers the payload including whatever deactivated serial
// numbers were flushed alongside the entry, which DecodeEntry discards.
func (t *Tree) ReadPayload(pos int64) ([]byte, error) {
	payload, _, err := t.entryFile.ReadAt(pos)
	return payload, err
}

func (t *Tree) GetActiveBit(sn int64) bool {
	twigID := sn >> TwigShift
	return t.activeTwigs[twigID].getBit(int(sn & TwigMask))
}

func (t *Tree) setActivation(sn int64, active bool) {
	twigID := sn >> TwigShift
	if active {
		t.activeTwigs[twigID].setBit(int(sn & TwigMask))
	} else {
		t.activeTwigs[twigID].clearBit(int(sn & TwigMask))
		t.deactivatedSNs = append(t.deactivatedSNs, sn)
	}
	t.touchedPos512[sn/512] = struct{}{}
}

// ActivateEntry marks sn's leaf slot live. Called by AppendEntry.
func (t *Tree) ActivateEntry(sn int64) { t.setActivation(sn, true) }

// DeactivateEntry marks sn's leaf slot dead and returns the length of the
// pending deactivated-serial-number list, so the caller can decide whether
// it has grown large enough to need a dummy flush-marker entry
// (SPEC_FULL §3).
func (t *Tree) DeactivateEntry(sn int64) int {
	t.setActivation(sn, false)
	return len(t.deactivatedSNs)
}

// AppendEntry writes entry to the EntryFile, flushing the pending
// deactivated-serial-number list alongside it, and updates the twig layer.
func (t *Tree) AppendEntry(entry *types.Entry) (int64, error) {
	payload := entryfile.EncodeEntry(*entry, t.deactivatedSNs)
	t.deactivatedSNs = t.deactivatedSNs[:0]
	return t.appendEntry(payload, entry.SerialNum)
}

func (t *Tree) appendEntry(payload []byte, sn int64) (int64, error) {
	twigID := sn >> TwigShift
	t.youngestTwigID = twigID
	t.ActivateEntry(sn)

	position := int(sn & TwigMask)
	if t.changeStart == -1 {
		t.changeStart = position
	}
	t.changeEnd = position

	pos, err := t.entryFile.Append(payload)
	if err != nil {
		return 0, err
	}
	t.leave4YoungestTwig[position] = payload

	if position == 0 {
		t.activeTwigs[twigID].FirstEntryPos = pos
	} else if position == TwigMask {
		t.syncMT4YoungestTwig()
		twig := t.activeTwigs[twigID]
		var dump [TwigMtFullLength][32]byte
		copy(dump[:], t.mtree4YoungestTwig[1:])
		if _, err := t.twigFile.AppendTwig(dump, twig.FirstEntryPos); err != nil {
			return 0, err
		}
		t.youngestTwigID++
		t.activeTwigs[t.youngestTwigID] = copyNullTwig()
		t.mtree4YoungestTwig = nullMT4Twig
		t.touchedPos512[(sn+1)/512] = struct{}{}
	}
	return pos, nil
}

// GetActiveEntriesInTwig streams twigID's live entries for the compaction
// sub-task. A read failure partway through the twig is sent down the same
// channel as a types.TwigEntry carrying Err, rather than a panic, so the
// Flusher can abort the block cleanly instead of crashing the goroutine's
// host process (§7).
func (t *Tree) GetActiveEntriesInTwig(twigID int64) chan types.TwigEntry {
	twig := t.activeTwigs[twigID]
	res := make(chan types.TwigEntry, 100)
	go func() {
		defer close(res)
		start := twig.FirstEntryPos
		for i := 0; i < LeafCountInTwig; i++ {
			payload, next, err := t.entryFile.ReadAt(start)
			if err != nil {
				res <- types.TwigEntry{Err: err}
				return
			}
			if twig.getBit(i) {
				res <- types.TwigEntry{Payload: payload, Pos: start}
			}
			start = next
		}
	}()
	return res
}

// ScanEntries walks every entry at or after the oldest active twig,
// yielding each one together with the serial numbers it deactivated. Used
// by recovery to rebuild the Indexer and by the compaction sub-task.
func (t *Tree) ScanEntries(oldestActiveTwigID int64, outChan chan types.EntryAt) error {
	defer close(outChan)
	var cur int64
	if oldestActiveTwigID < t.youngestTwigID {
		var err error
		cur, err = t.twigFile.GetFirstEntryPos(oldestActiveTwigID)
		if err != nil {
			return err
		}
	} else if twig, ok := t.activeTwigs[oldestActiveTwigID]; ok {
		cur = twig.FirstEntryPos
	}
	end := t.entryFile.Size()
	for cur >= 0 && cur < end {
		payload, next, err := t.entryFile.ReadAt(cur)
		if err != nil {
			return err
		}
		entry, deactivated := entryfile.DecodeEntry(payload)
		outChan <- types.EntryAt{Entry: entry, Pos: cur, DeactivatedSNs: deactivated}
		cur = next
	}
	return nil
}

func (t *Tree) TwigCanBePruned(twigID int64) bool {
	_, ok := t.activeTwigs[twigID]
	return !ok
}

// PruneTwigs drops the on-disk content of twigs [startID, endID) from both
// the EntryFile and the TwigFile, and returns the new persisted edge
// nodes, so MetaDB's checkpoint can be advanced in the same transaction.
func (t *Tree) PruneTwigs(startID, endID int64) ([]byte, error) {
	if endID-startID < minTwigsBeforePrune {
		return nil, fmt.Errorf("merkle: twig range too small to prune: %d", endID-startID)
	}
	firstKeptPos, err := t.twigFile.GetFirstEntryPos(endID)
	if err != nil {
		return nil, err
	}
	if err := t.entryFile.PruneHead(firstKeptPos); err != nil {
		return nil, err
	}
	if err := t.twigFile.PruneHead(endID); err != nil {
		return nil, err
	}
	return t.ReapNodes(startID, endID)
}

func (t *Tree) ReapNodes(start, end int64) ([]byte, error) {
	t.removeUselessNodes(start, end)
	return edgeNodesToBytes(t.getEdgeNodes(end)), nil
}

func (t *Tree) removeUselessNodes(start, end int64) {
	maxLevel := calcMaxLevel(t.youngestTwigID)
	for level := FirstLevelAboveTwig - 1; level <= maxLevel; level++ {
		endRound := end
		if end%2 != 0 && level != FirstLevelAboveTwig-1 {
			endRound--
		}
		for i := start - 1; i < endRound; i++ {
			delete(t.nodes, Pos(level, i))
		}
		start >>= 1
		end >>= 1
	}
}

func (t *Tree) getEdgeNodes(end int64) (edges []types.EdgeNode) {
	maxLevel := calcMaxLevel(t.youngestTwigID)
	for level := FirstLevelAboveTwig - 1; level <= maxLevel; level++ {
		endRound := end
		if end%2 != 0 && level != FirstLevelAboveTwig-1 {
			endRound--
		}
		pos := Pos(level, endRound)
		if h, ok := t.nodes[pos]; ok {
			edges = append(edges, types.EdgeNode{Pos: int64(pos), Value: (*h)[:]})
		} else {
			panic(fmt.Sprintf("missing edge node at level %d index %d", level, endRound))
		}
		end >>= 1
	}
	return edges
}

// EvictTwig schedules twigID for removal from RAM at the next EndBlock,
// once its entry-hash subtree has contributed its twigRoot to the nodes
// map.
func (t *Tree) EvictTwig(twigID int64) {
	t.twigsToBeDeleted = append(t.twigsToBeDeleted, twigID)
}

// EndBlock synchronizes every pending change into the tree and returns the
// new root hash. Entry/Twig file flushing is async here; the Flusher stage
// fsyncs before committing MetaDB (§4.6).
func (t *Tree) EndBlock() []byte {
	rootHash := t.syncMT()
	for _, twigID := range t.twigsToBeDeleted {
		pos := Pos(FirstLevelAboveTwig-1, twigID)
		twig := t.activeTwigs[twigID]
		root := twig.twigRoot
		t.nodes[pos] = &root
		delete(t.activeTwigs, twigID)
	}
	t.twigsToBeDeleted = t.twigsToBeDeleted[:0]
	return rootHash
}

func (t *Tree) Flush() error {
	if err := t.entryFile.Flush(); err != nil {
		return err
	}
	return t.twigFile.Flush()
}

func (t *Tree) syncMT() []byte {
	maxLevel := calcMaxLevel(t.youngestTwigID)
	t.syncMT4YoungestTwig()
	nList := t.syncMT4ActiveBits()
	t.syncUpperNodes(nList, maxLevel)
	t.touchedPos512 = make(map[int64]struct{})
	h := t.nodes[Pos(maxLevel, 0)]
	return append([]byte{}, (*h)[:]...)
}

func (t *Tree) syncUpperNodes(nList []int64, maxLevel int) {
	for level := FirstLevelAboveTwig; level <= maxLevel; level++ {
		nList = t.syncNodesByLevel(level, nList)
	}
}

func maxNAtLevel(youngestTwigID int64, level int) int64 {
	return youngestTwigID >> (level - FirstLevelAboveTwig)
}

func (t *Tree) getTwigRoot(n int64) ([32]byte, bool) {
	if twig, ok := t.activeTwigs[n]; ok {
		return twig.twigRoot, true
	}
	if node, ok := t.nodes[Pos(FirstLevelAboveTwig-1, n)]; ok {
		return *node, true
	}
	var zero [32]byte
	return zero, false
}

func (t *Tree) syncNodesByLevel(level int, nList []int64) []int64 {
	newList := make([]int64, 0, len(nList))
	var h Hasher
	for _, i := range nList {
		nodePos := Pos(level, i)
		if _, ok := t.nodes[nodePos]; !ok {
			var zero [32]byte
			t.nodes[nodePos] = &zero
		}
		if level == FirstLevelAboveTwig {
			left, ok := t.getTwigRoot(2 * i)
			if !ok {
				panic(fmt.Sprintf("cannot find left twig root %d", 2*i))
			}
			right, ok := t.getTwigRoot(2*i + 1)
			if !ok {
				right = nullTwig.twigRoot
			}
			parent := t.nodes[nodePos]
			h.Add(byte(level-1), (*parent)[:], left[:], right[:])
		} else {
			posL, posR := Pos(level-1, 2*i), Pos(level-1, 2*i+1)
			if _, ok := t.nodes[posL]; !ok {
				panic(fmt.Sprintf("missing left child %d-%d", level-1, 2*i))
			}
			if _, ok := t.nodes[posR]; !ok {
				var nh [32]byte
				copy(nh[:], nullNodeAtLevel[level][:])
				t.nodes[posR] = &nh
			}
			parent, l, r := t.nodes[nodePos], t.nodes[posL], t.nodes[posR]
			h.Add(byte(level-1), (*parent)[:], (*l)[:], (*r)[:])
		}
		if len(newList) == 0 || newList[len(newList)-1] != i/2 {
			newList = append(newList, i/2)
		}
	}
	h.Run()
	return newList
}

func (t *Tree) syncMT4ActiveBits() []int64 {
	nList := make([]int64, 0, len(t.touchedPos512))
	for i := range t.touchedPos512 {
		nList = append(nList, i)
	}
	sort.Slice(nList, func(i, j int) bool { return nList[i] < nList[j] })

	var h Hasher
	newList := make([]int64, 0, len(nList))
	for _, i := range nList {
		t.activeTwigs[i>>2].syncL1(int(i&3), &h)
		if len(newList) == 0 || newList[len(newList)-1] != i/2 {
			newList = append(newList, i/2)
		}
	}
	h.Run()
	nList, newList = newList, make([]int64, 0, len(newList))
	for _, i := range nList {
		twigID := i >> 1
		t.activeTwigs[twigID].syncL2(int(i&1), &h)
		if len(newList) == 0 || newList[len(newList)-1] != twigID {
			newList = append(newList, twigID)
		}
	}
	h.Run()
	nList, newList = newList, make([]int64, 0, len(newList))
	for _, twigID := range nList {
		t.activeTwigs[twigID].syncL3(&h)
	}
	h.Run()
	for _, twigID := range nList {
		t.activeTwigs[twigID].syncTop(&h)
		if len(newList) == 0 || newList[len(newList)-1] != twigID/2 {
			newList = append(newList, twigID/2)
		}
	}
	h.Run()
	return newList
}

func (t *Tree) syncMT4YoungestTwig() {
	if t.changeStart == -1 {
		return
	}
	sharedIdx := int64(-1)
	parallelRun(runtime.NumCPU(), func(int) {
		for {
			i := atomic.AddInt64(&sharedIdx, 1)
			if i >= int64(len(t.leave4YoungestTwig)) {
				return
			}
			if t.leave4YoungestTwig[i] == nil {
				continue
			}
			copy(t.mtree4YoungestTwig[LeafCountInTwig+i][:], hash(t.leave4YoungestTwig[i]))
			t.leave4YoungestTwig[i] = nil
		}
	})

	var h Hasher
	level := byte(0)
	start, end := t.changeStart, t.changeEnd
	for base := LeafCountInTwig; base >= 2; base >>= 1 {
		endRound := end
		if end%2 == 1 {
			endRound++
		}
		for j := start &^ 1; j <= endRound && j+1 < base; j += 2 {
			i := base + j
			h.Add(level, t.mtree4YoungestTwig[i/2][:], t.mtree4YoungestTwig[i][:], t.mtree4YoungestTwig[i+1][:])
		}
		h.Run()
		start >>= 1
		end >>= 1
		level++
	}
	t.changeStart, t.changeEnd = -1, 0
	copy(t.activeTwigs[t.youngestTwigID].leftRoot[:], t.mtree4YoungestTwig[1][:])
}

func parallelRun(workerCount int, fn func(workerID int)) {
	done := make(chan struct{}, workerCount)
	for i := 0; i < workerCount; i++ {
		go func(i int) {
			fn(i)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < workerCount; i++ {
		<-done
	}
}
