package merkle

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mmcloughlin/meow"
)

// recordSize is the fixed on-disk size of one sealed twig's node dump: an
// 8-byte FirstEntryPos, a 4-byte meow checksum of it, and all
// TwigMtFullLength entry-hash subtree nodes (root, interior and leaves) at
// 32 bytes each.
//
// The teacher's twigmtfile.go skips persisting levels 4-7 of each twig
// (re-deriving them on read from the leaf level to save disk space); we
// store them directly instead. That on-disk compression depended on the
// teacher's HPFile multi-segment ReadAt semantics, which are not part of
// this repo's EntryFile-style segment layer, and the space saved (roughly
// 6% of each twig record) is not worth reproducing that complexity for.
const recordSize = 8 + 4 + TwigMtFullLength*32

// TwigFile stores, for every sealed twig, its FirstEntryPos and every node
// of its entry-hash subtree, as needed to answer proof queries without
// re-reading every entry in the twig (§4.3.2).
type TwigFile struct {
	mu sync.Mutex

	dir      string
	perSeg   int64 // twig records per segment file
	segments []*twigSegment
	cur      *twigSegment
	count    int64 // number of twig records appended so far
	baseTwig int64 // lowest twig ID still present (after PruneHead)
}

type twigSegment struct {
	startTwig int64
	path      string
	f         *os.File
	count     int64
}

func twigSegmentName(startTwig int64) string {
	return fmt.Sprintf("%016x.twg", startTwig)
}

// OpenTwigFile opens or creates the twig-node store under dir. segmentSize
// is translated into a whole number of twig records per segment file.
func OpenTwigFile(dir string, segmentSize int) (*TwigFile, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	perSeg := int64(segmentSize) / int64(recordSize)
	if perSeg < 1 {
		perSeg = 1
	}
	tf := &TwigFile{dir: dir, perSeg: perSeg}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".twg" {
			continue
		}
		var startTwig int64
		if _, err := fmt.Sscanf(e.Name(), "%016x.twg", &startTwig); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(dir, e.Name()), os.O_RDWR, 0600)
		if err != nil {
			return nil, err
		}
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		tf.segments = append(tf.segments, &twigSegment{
			startTwig: startTwig, path: f.Name(), f: f, count: fi.Size() / int64(recordSize),
		})
	}
	if len(tf.segments) == 0 {
		seg, err := tf.newSegment(0)
		if err != nil {
			return nil, err
		}
		tf.segments = append(tf.segments, seg)
	}
	sort.Slice(tf.segments, func(i, j int) bool { return tf.segments[i].startTwig < tf.segments[j].startTwig })
	tf.baseTwig = tf.segments[0].startTwig
	tf.cur = tf.segments[len(tf.segments)-1]
	tf.count = tf.cur.startTwig + tf.cur.count
	return tf, nil
}

func (tf *TwigFile) newSegment(startTwig int64) (*twigSegment, error) {
	path := filepath.Join(tf.dir, twigSegmentName(startTwig))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return &twigSegment{startTwig: startTwig, path: path, f: f}, nil
}

// AppendTwig writes one sealed twig's node dump and returns its twig ID.
func (tf *TwigFile) AppendTwig(nodes [TwigMtFullLength][32]byte, firstEntryPos int64) (int64, error) {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	if tf.cur.count >= tf.perSeg {
		seg, err := tf.newSegment(tf.cur.startTwig + tf.cur.count)
		if err != nil {
			return 0, err
		}
		tf.segments = append(tf.segments, seg)
		tf.cur = seg
	}

	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(buf[:8], uint64(firstEntryPos))
	h := meow.New32(0)
	_, _ = h.Write(buf[:8])
	copy(buf[8:12], h.Sum(nil))
	for i, node := range nodes {
		copy(buf[12+i*32:12+i*32+32], node[:])
	}
	off := tf.cur.count * int64(recordSize)
	if _, err := tf.cur.f.WriteAt(buf, off); err != nil {
		return 0, err
	}
	twigID := tf.cur.startTwig + tf.cur.count
	tf.cur.count++
	tf.count++
	return twigID, nil
}

func (tf *TwigFile) segmentFor(twigID int64) *twigSegment {
	idx := sort.Search(len(tf.segments), func(i int) bool { return tf.segments[i].startTwig > twigID }) - 1
	if idx < 0 || idx >= len(tf.segments) {
		return nil
	}
	return tf.segments[idx]
}

func (tf *TwigFile) readRecord(twigID int64) ([]byte, error) {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if twigID < tf.baseTwig {
		return nil, fmt.Errorf("merkle: twig %d already pruned (base %d)", twigID, tf.baseTwig)
	}
	seg := tf.segmentFor(twigID)
	if seg == nil {
		return nil, fmt.Errorf("merkle: twig %d out of range", twigID)
	}
	buf := make([]byte, recordSize)
	off := (twigID - seg.startTwig) * int64(recordSize)
	if _, err := seg.f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	h := meow.New32(0)
	_, _ = h.Write(buf[:8])
	if !equalBytes(buf[8:12], h.Sum(nil)) {
		return nil, fmt.Errorf("merkle: twig record checksum mismatch at twig %d: %w", twigID, ErrChecksumMismatch)
	}
	return buf, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GetFirstEntryPos returns the logical EntryFile offset of the twig's
// first entry.
func (tf *TwigFile) GetFirstEntryPos(twigID int64) (int64, error) {
	buf, err := tf.readRecord(twigID)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:8])), nil
}

// GetHashNode returns the hash stored at hashID (1..TwigMtFullLength) in
// the given twig's node dump.
func (tf *TwigFile) GetHashNode(twigID int64, hashID int) ([]byte, error) {
	if hashID <= 0 || hashID > TwigMtFullLength {
		return nil, fmt.Errorf("merkle: invalid hashID %d", hashID)
	}
	buf, err := tf.readRecord(twigID)
	if err != nil {
		return nil, err
	}
	off := 12 + (hashID-1)*32
	return buf[off : off+32], nil
}

// PruneHead removes every segment file entirely below twigID. twigID must
// fall exactly on a segment boundary.
func (tf *TwigFile) PruneHead(twigID int64) error {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	keepFrom := 0
	for i, seg := range tf.segments {
		if seg.startTwig == twigID {
			keepFrom = i
			break
		}
		if seg.startTwig > twigID {
			return ErrNotAtSegmentBoundary
		}
	}
	if keepFrom == 0 {
		return nil
	}
	for _, seg := range tf.segments[:keepFrom] {
		if seg != tf.cur {
			seg.f.Close()
		}
		if err := os.Remove(seg.path); err != nil {
			return err
		}
	}
	tf.segments = tf.segments[keepFrom:]
	tf.baseTwig = tf.segments[0].startTwig
	return nil
}

// TruncateToCount discards every twig record at or beyond twigCount,
// dropping trailing segments entirely and truncating the segment it lands
// in. Mirrors EntryFile.TruncateToSize; both are called together by
// Tree.TruncateToSizes during Engine recovery to roll back whatever a
// crash left durably on disk past the last MetaDB commit.
func (tf *TwigFile) TruncateToCount(twigCount int64) error {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if twigCount >= tf.count {
		return nil
	}
	if twigCount < tf.baseTwig {
		return fmt.Errorf("merkle: twig truncate target %d precedes pruned base %d", twigCount, tf.baseTwig)
	}

	idx := sort.Search(len(tf.segments), func(i int) bool { return tf.segments[i].startTwig > twigCount }) - 1
	seg := tf.segments[idx]
	relCount := twigCount - seg.startTwig
	if err := seg.f.Truncate(relCount * int64(recordSize)); err != nil {
		return err
	}
	seg.count = relCount

	for _, trailing := range tf.segments[idx+1:] {
		trailing.f.Close()
		if err := os.Remove(trailing.path); err != nil {
			return err
		}
	}
	tf.segments = tf.segments[:idx+1]
	tf.cur = seg
	tf.count = twigCount
	return nil
}

func (tf *TwigFile) Size() int64 {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return tf.count * int64(recordSize)
}

func (tf *TwigFile) Flush() error {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return tf.cur.f.Sync()
}

func (tf *TwigFile) Close() error {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	for _, seg := range tf.segments {
		seg.f.Close()
	}
	return nil
}
