package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ardaglobal/qmdb/types"
)

func TestEdgeNodesRoundTrip(t *testing.T) {
	edges := []types.EdgeNode{
		{Pos: int64(Pos(13, 0)), Value: []byte("0123456789012345678901234567890a")[:32]},
		{Pos: int64(Pos(14, 0)), Value: []byte("abcdefghijklmnopqrstuvwxyz012345")[:32]},
	}
	bz := edgeNodesToBytes(edges)
	got := BytesToEdgeNodes(bz)
	assert.Equal(t, edges, got)
}

func TestBytesToEdgeNodesEmpty(t *testing.T) {
	assert.Nil(t, BytesToEdgeNodes(nil))
	assert.Nil(t, BytesToEdgeNodes([]byte{1, 2}))
}
