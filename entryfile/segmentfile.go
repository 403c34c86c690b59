// Package entryfile implements the append-only, head-prunable log that
// backs the Twig Merkle Tree's leaves (spec §4.1). Its wire format is the
// spec's literal one rather than the teacher's magic-byte recovery scheme,
// because the teacher's own HPFile base implementation is not part of the
// retrieved example pack (see DESIGN.md).
package entryfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	lengthPrefixSize = 4
	checksumSize     = 4
	recordOverhead   = lengthPrefixSize + checksumSize
)

// segment is one on-disk file holding a contiguous run of records. Its
// name encodes the logical offset of its first byte, so segments can be
// identified and pruned without consulting an index.
type segment struct {
	startOffset int64
	path        string
	f           *os.File
	size        int64 // bytes currently written, relative to startOffset
}

// EntryFile is an append-only log of length-prefixed, checksummed records,
// split into fixed-size segment files so whole segments can be dropped
// from the head once every record in them has been superseded.
type EntryFile struct {
	mu sync.Mutex

	dir         string
	segmentSize int

	segments []*segment // ascending by startOffset; always non-empty once Open succeeds
	cur      *segment
	w        *bufio.Writer

	baseOffset int64 // smallest offset still readable (after PruneHead)
	size       int64 // logical end offset, i.e. total bytes ever appended
}

func segmentName(startOffset int64) string {
	return fmt.Sprintf("%016x.dat", startOffset)
}

// Open creates dir if needed and opens (or creates) the EntryFile's
// segment chain, replaying any truncated tail left by a crash.
func Open(dir string, segmentSize, bufferSize int) (*EntryFile, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	ef := &EntryFile{dir: dir, segmentSize: segmentSize}

	names, err := listSegmentFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		if err := ef.openNewSegment(0); err != nil {
			return nil, err
		}
		ef.w = bufio.NewWriterSize(ef.cur.f, bufferSize)
		return ef, nil
	}

	for _, name := range names {
		off, err := parseSegmentOffset(name)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR, 0600)
		if err != nil {
			return nil, err
		}
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		seg := &segment{startOffset: off, path: f.Name(), f: f, size: fi.Size()}
		ef.segments = append(ef.segments, seg)
	}
	sort.Slice(ef.segments, func(i, j int) bool { return ef.segments[i].startOffset < ef.segments[j].startOffset })
	ef.baseOffset = ef.segments[0].startOffset
	ef.cur = ef.segments[len(ef.segments)-1]

	validSize, err := scanValidTail(ef.cur)
	if err != nil {
		return nil, err
	}
	if validSize != ef.cur.size {
		if err := ef.cur.f.Truncate(validSize); err != nil {
			return nil, err
		}
		ef.cur.size = validSize
	}
	ef.size = ef.cur.startOffset + ef.cur.size

	if _, err := ef.cur.f.Seek(0, os.SEEK_END); err != nil {
		return nil, err
	}
	ef.w = bufio.NewWriterSize(ef.cur.f, bufferSize)
	return ef, nil
}

func listSegmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".dat" {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func parseSegmentOffset(name string) (int64, error) {
	var off int64
	_, err := fmt.Sscanf(name, "%016x.dat", &off)
	return off, err
}

// scanValidTail walks a segment from its start, decoding records until it
// finds a short read or a checksum mismatch, and returns the size of the
// longest valid prefix. This is what lets Open recover cleanly from a
// crash that left a partially-written record at the end of the file.
func scanValidTail(seg *segment) (int64, error) {
	if seg.size == 0 {
		return 0, nil
	}
	buf := make([]byte, seg.size)
	if _, err := seg.f.ReadAt(buf, 0); err != nil {
		return 0, err
	}
	var pos int64
	for pos < int64(len(buf)) {
		if pos+lengthPrefixSize > int64(len(buf)) {
			break
		}
		payloadLen := int64(binary.LittleEndian.Uint32(buf[pos : pos+lengthPrefixSize]))
		recordLen := lengthPrefixSize + payloadLen + checksumSize
		if pos+recordLen > int64(len(buf)) {
			break
		}
		payload := buf[pos+lengthPrefixSize : pos+lengthPrefixSize+payloadLen]
		wantCRC := binary.LittleEndian.Uint32(buf[pos+lengthPrefixSize+payloadLen : pos+recordLen])
		if crc32.ChecksumIEEE(payload) != wantCRC {
			break
		}
		pos += recordLen
	}
	return pos, nil
}

func (ef *EntryFile) openNewSegment(startOffset int64) error {
	path := filepath.Join(ef.dir, segmentName(startOffset))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	ef.cur = &segment{startOffset: startOffset, path: path, f: f}
	ef.segments = append(ef.segments, ef.cur)
	return nil
}

// Append writes payload as one record and returns its logical offset.
// Callers pass the result of EncodeEntry.
func (ef *EntryFile) Append(payload []byte) (int64, error) {
	ef.mu.Lock()
	defer ef.mu.Unlock()

	recordLen := int64(lengthPrefixSize + len(payload) + checksumSize)
	if ef.cur.size > 0 && ef.cur.size+recordLen > int64(ef.segmentSize) {
		if err := ef.rotate(); err != nil {
			return 0, err
		}
	}

	var hdr [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := ef.w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := ef.w.Write(payload); err != nil {
		return 0, err
	}
	var crc [checksumSize]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(payload))
	if _, err := ef.w.Write(crc[:]); err != nil {
		return 0, err
	}

	pos := ef.cur.startOffset + ef.cur.size
	ef.cur.size += recordLen
	ef.size += recordLen
	return pos, nil
}

func (ef *EntryFile) rotate() error {
	bufSize := ef.w.Size()
	if err := ef.w.Flush(); err != nil {
		return err
	}
	if err := ef.openNewSegment(ef.cur.startOffset + ef.cur.size); err != nil {
		return err
	}
	ef.w = bufio.NewWriterSize(ef.cur.f, bufSize)
	return nil
}

// ReadAt decodes the record whose header starts at the given logical
// offset, returning its payload and the offset of the following record.
func (ef *EntryFile) ReadAt(off int64) (payload []byte, nextOff int64, err error) {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	if off < ef.baseOffset {
		return nil, 0, fmt.Errorf("entryfile: offset %d already pruned (base %d)", off, ef.baseOffset)
	}
	seg := ef.segmentFor(off)
	if seg == nil {
		return nil, 0, fmt.Errorf("entryfile: offset %d out of range", off)
	}
	if seg == ef.cur {
		if err := ef.w.Flush(); err != nil {
			return nil, 0, err
		}
	}
	rel := off - seg.startOffset
	var hdr [lengthPrefixSize]byte
	if _, err := seg.f.ReadAt(hdr[:], rel); err != nil {
		return nil, 0, err
	}
	payloadLen := int64(binary.LittleEndian.Uint32(hdr[:]))
	buf := make([]byte, payloadLen+checksumSize)
	if _, err := seg.f.ReadAt(buf, rel+lengthPrefixSize); err != nil {
		return nil, 0, err
	}
	payload = buf[:payloadLen]
	wantCRC := binary.LittleEndian.Uint32(buf[payloadLen:])
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, 0, fmt.Errorf("entryfile: checksum mismatch at offset %d: %w", off, ErrChecksumMismatch)
	}
	nextOff = off + lengthPrefixSize + payloadLen + checksumSize
	return payload, nextOff, nil
}

func (ef *EntryFile) segmentFor(off int64) *segment {
	idx := sort.Search(len(ef.segments), func(i int) bool { return ef.segments[i].startOffset > off }) - 1
	if idx < 0 || idx >= len(ef.segments) {
		return nil
	}
	return ef.segments[idx]
}

// Size returns the logical end offset, i.e. the offset the next Append
// will return.
func (ef *EntryFile) Size() int64 {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	return ef.size
}

// Flush flushes buffered writes and fsyncs the active segment. The
// pipeline's Flusher stage calls this once per block, before committing
// MetaDB, per §4.6's linearization-point ordering.
func (ef *EntryFile) Flush() error {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	if err := ef.w.Flush(); err != nil {
		return err
	}
	return ef.cur.f.Sync()
}

// PruneHead deletes every segment entirely below off. off must land
// exactly on a segment boundary: pruning operates only at segment
// granularity.
func (ef *EntryFile) PruneHead(off int64) error {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	keepFrom := 0
	for i, seg := range ef.segments {
		if seg.startOffset == off {
			keepFrom = i
			break
		}
		if seg.startOffset > off {
			return ErrNotAtSegmentBoundary
		}
	}
	if keepFrom == 0 {
		return nil
	}
	for _, seg := range ef.segments[:keepFrom] {
		if seg != ef.cur {
			seg.f.Close()
		}
		if err := os.Remove(seg.path); err != nil {
			return err
		}
	}
	ef.segments = ef.segments[keepFrom:]
	ef.baseOffset = ef.segments[0].startOffset
	return nil
}

// TruncateToSize discards every record at or beyond logical offset size,
// dropping trailing segments entirely and truncating the segment size lands
// in. Used during Engine recovery to roll back entries a crash left
// durably on disk but MetaDB never committed past (§4.6/§7): a clean
// Flush can leave valid, checksummed records on disk that the aborted
// block's MetaDB commit never happened for, and scanValidTail's
// checksum-based recovery alone would not detect or remove them since
// they are not corrupt, only uncommitted.
func (ef *EntryFile) TruncateToSize(size int64) error {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	if size >= ef.size {
		return nil
	}
	if size < ef.baseOffset {
		return fmt.Errorf("entryfile: truncate target %d precedes pruned base %d", size, ef.baseOffset)
	}
	if err := ef.w.Flush(); err != nil {
		return err
	}

	idx := ef.segmentIndexFor(size)
	seg := ef.segments[idx]
	relSize := size - seg.startOffset
	if err := seg.f.Truncate(relSize); err != nil {
		return err
	}
	seg.size = relSize

	for _, trailing := range ef.segments[idx+1:] {
		trailing.f.Close()
		if err := os.Remove(trailing.path); err != nil {
			return err
		}
	}
	ef.segments = ef.segments[:idx+1]
	ef.cur = seg
	ef.size = size

	if _, err := ef.cur.f.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	ef.w = bufio.NewWriterSize(ef.cur.f, ef.w.Size())
	return nil
}

func (ef *EntryFile) segmentIndexFor(off int64) int {
	return sort.Search(len(ef.segments), func(i int) bool { return ef.segments[i].startOffset > off }) - 1
}

func (ef *EntryFile) Close() error {
	ef.mu.Lock()
	defer ef.mu.Unlock()
	if err := ef.w.Flush(); err != nil {
		return err
	}
	for _, seg := range ef.segments {
		seg.f.Close()
	}
	return nil
}
