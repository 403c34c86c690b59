package merkle

import (
	"encoding/binary"

	"github.com/ardaglobal/qmdb/types"
)

// edgeNodesToBytes serializes the upper-tree frontier nodes MetaDB must
// persist so pruning survives a restart (SUPPLEMENTED FEATURES §4).
func edgeNodesToBytes(edges []types.EdgeNode) []byte {
	buf := make([]byte, 0, 4+len(edges)*(8+4+32))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(edges)))
	buf = append(buf, n[:]...)
	for _, e := range edges {
		var posBuf [8]byte
		binary.LittleEndian.PutUint64(posBuf[:], uint64(e.Pos))
		buf = append(buf, posBuf[:]...)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(e.Value)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, e.Value...)
	}
	return buf
}

// BytesToEdgeNodes decodes what edgeNodesToBytes produced. Exported so the
// Engine can feed MetaDB's persisted edge nodes back into Tree.RecoverState
// on Open.
func BytesToEdgeNodes(bz []byte) []types.EdgeNode {
	if len(bz) < 4 {
		return nil
	}
	count := int(binary.LittleEndian.Uint32(bz[:4]))
	bz = bz[4:]
	edges := make([]types.EdgeNode, 0, count)
	for i := 0; i < count; i++ {
		pos := int64(binary.LittleEndian.Uint64(bz[:8]))
		bz = bz[8:]
		n := int(binary.LittleEndian.Uint32(bz[:4]))
		bz = bz[4:]
		val := append([]byte{}, bz[:n]...)
		bz = bz[n:]
		edges = append(edges, types.EdgeNode{Pos: pos, Value: val})
	}
	return edges
}
