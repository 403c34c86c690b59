package entryfile

import (
	"encoding/binary"

	"github.com/ardaglobal/qmdb/types"
)

// Entry wire format (spec §6): a payload of
//
//	1B   deactivated-SN count
//	4B+k key length + key bytes
//	4B+k value length + value bytes
//	4B+k nextKey length + nextKey bytes
//	8B   Height
//	8B   LastHeight
//	8B   SerialNum
//	8B * count  deactivated serial numbers
//
// wrapped by the segment layer as u32(len(payload)) || payload || u32 crc32.
// All integers are little-endian.

// NullEntry is the sentinel entry used to seed an empty tree's leaves.
func NullEntry() types.Entry {
	return types.Entry{
		Key: []byte{}, Value: []byte{}, NextKey: []byte{},
		Height: -1, LastHeight: -1, SerialNum: -1,
	}
}

// DummyEntry carries no key material; it exists solely to flush a pending
// deactivated-serial-number list to disk when too many deactivations have
// accumulated since the last real append (SPEC_FULL §3).
func DummyEntry(sn int64) *types.Entry {
	return &types.Entry{
		Key: []byte("\x00dummy"), Value: nil, NextKey: []byte("\x00dummy"),
		Height: -2, LastHeight: -2, SerialNum: sn,
	}
}

func IsDummy(e *types.Entry) bool {
	return e.Height == -2
}

// EncodeEntry serializes entry together with the serial numbers it
// deactivated (flushed alongside it per the teacher's dummy-entry scheme).
func EncodeEntry(entry types.Entry, deactivatedSNs []int64) []byte {
	if len(deactivatedSNs) > 255 {
		panic("too many deactivated serial numbers for one entry, flush a dummy entry first")
	}
	size := 1 + 4 + len(entry.Key) + 4 + len(entry.Value) + 4 + len(entry.NextKey) + 8*3 + 8*len(deactivatedSNs)
	b := make([]byte, size)
	i := 0
	b[i] = byte(len(deactivatedSNs))
	i++
	i = putBytes(b, i, entry.Key)
	i = putBytes(b, i, entry.Value)
	i = putBytes(b, i, entry.NextKey)
	binary.LittleEndian.PutUint64(b[i:i+8], uint64(entry.Height))
	i += 8
	binary.LittleEndian.PutUint64(b[i:i+8], uint64(entry.LastHeight))
	i += 8
	binary.LittleEndian.PutUint64(b[i:i+8], uint64(entry.SerialNum))
	i += 8
	for _, sn := range deactivatedSNs {
		binary.LittleEndian.PutUint64(b[i:i+8], uint64(sn))
		i += 8
	}
	return b
}

func putBytes(b []byte, i int, v []byte) int {
	binary.LittleEndian.PutUint32(b[i:i+4], uint32(len(v)))
	i += 4
	copy(b[i:], v)
	return i + len(v)
}

// DecodeEntry parses a payload produced by EncodeEntry, returning fresh
// slices so the caller can retain them past the lifetime of the read
// buffer.
func DecodeEntry(b []byte) (entry *types.Entry, deactivatedSNs []int64) {
	entry = &types.Entry{}
	i := 0
	snCount := int(b[i])
	i++
	entry.Key, i = getBytes(b, i)
	entry.Value, i = getBytes(b, i)
	entry.NextKey, i = getBytes(b, i)
	entry.Height = int64(binary.LittleEndian.Uint64(b[i : i+8]))
	i += 8
	entry.LastHeight = int64(binary.LittleEndian.Uint64(b[i : i+8]))
	i += 8
	entry.SerialNum = int64(binary.LittleEndian.Uint64(b[i : i+8]))
	i += 8
	if snCount == 0 {
		return entry, nil
	}
	deactivatedSNs = make([]int64, snCount)
	for j := range deactivatedSNs {
		deactivatedSNs[j] = int64(binary.LittleEndian.Uint64(b[i : i+8]))
		i += 8
	}
	return entry, deactivatedSNs
}

func getBytes(b []byte, i int) ([]byte, int) {
	n := int(binary.LittleEndian.Uint32(b[i : i+4]))
	i += 4
	v := append([]byte{}, b[i:i+n]...)
	return v, i + n
}
