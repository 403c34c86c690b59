package merkle

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ProofNode is one sibling pair along a Merkle path.
type ProofNode struct {
	SelfHash   [32]byte
	PeerHash   [32]byte
	PeerAtLeft bool
}

// ProofPath is an inclusion proof for the entry with the given serial
// number: its path through the entry-hash leaves (LeftOfTwig), the
// active-bit subtree (RightOfTwig), and the upper tree (UpperPath), up to
// Root.
type ProofPath struct {
	LeftOfTwig  [11]ProofNode
	RightOfTwig [3]ProofNode
	UpperPath   []ProofNode
	SerialNum   int64
	Root        [32]byte
}

const otherNodeCount = 1 + 11 + 1 + 3 + 1

func (pp *ProofPath) ToBytes() []byte {
	res := make([]byte, 0, 8+(len(pp.UpperPath)+otherNodeCount)*32)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(pp.SerialNum))
	res = append(res, buf[:]...)
	res = append(res, pp.LeftOfTwig[0].SelfHash[:]...)
	for i := range pp.LeftOfTwig {
		res = append(res, pp.LeftOfTwig[i].PeerHash[:]...)
	}
	res = append(res, pp.RightOfTwig[0].SelfHash[:]...)
	for i := range pp.RightOfTwig {
		res = append(res, pp.RightOfTwig[i].PeerHash[:]...)
	}
	for i := range pp.UpperPath {
		res = append(res, pp.UpperPath[i].PeerHash[:]...)
	}
	res = append(res, pp.Root[:]...)
	return res
}

func BytesToProofPath(bz []byte) (*ProofPath, error) {
	pp := &ProofPath{}
	n := len(bz) - 8
	upperCount := n/32 - otherNodeCount
	if n%32 != 0 || upperCount < 0 {
		return nil, fmt.Errorf("merkle: invalid proof byte length: %d", len(bz))
	}
	pp.UpperPath = make([]ProofNode, upperCount)
	pp.SerialNum = int64(binary.LittleEndian.Uint64(bz[:8]))
	bz = bz[8:]
	copy(pp.LeftOfTwig[0].SelfHash[:], bz[:32])
	bz = bz[32:]
	for i := range pp.LeftOfTwig {
		copy(pp.LeftOfTwig[i].PeerHash[:], bz[:32])
		pp.LeftOfTwig[i].PeerAtLeft = (pp.SerialNum>>i)&1 == 1
		bz = bz[32:]
	}
	copy(pp.RightOfTwig[0].SelfHash[:], bz[:32])
	bz = bz[32:]
	for i := range pp.RightOfTwig {
		copy(pp.RightOfTwig[i].PeerHash[:], bz[:32])
		pp.RightOfTwig[i].PeerAtLeft = (pp.SerialNum>>(8+i))&1 == 1
		bz = bz[32:]
	}
	for i := range pp.UpperPath {
		copy(pp.UpperPath[i].PeerHash[:], bz[:32])
		pp.UpperPath[i].PeerAtLeft = (pp.SerialNum>>(FirstLevelAboveTwig-2+i))&1 == 1
		bz = bz[32:]
	}
	copy(pp.Root[:], bz[:32])
	return pp, nil
}

// Check verifies the proof path against its own stored hashes. When
// complete is true it instead recomputes each level's SelfHash from the
// children below, used right after GetProof to sanity-check the structure
// it just built.
func (pp *ProofPath) Check(complete bool) error {
	for i := 0; i < len(pp.LeftOfTwig)-1; i++ {
		res := combine(byte(i), pp.LeftOfTwig[i])
		if complete {
			copy(pp.LeftOfTwig[i+1].SelfHash[:], res)
		} else if !bytes.Equal(res, pp.LeftOfTwig[i+1].SelfHash[:]) {
			return fmt.Errorf("merkle: mismatch on left path at level %d", i)
		}
	}
	leafMTRoot := combine(10, pp.LeftOfTwig[10])

	for i := 0; i < 2; i++ {
		res := combine(byte(i+8), pp.RightOfTwig[i])
		if complete {
			copy(pp.RightOfTwig[i+1].SelfHash[:], res)
		} else if !bytes.Equal(res, pp.RightOfTwig[i+1].SelfHash[:]) {
			return fmt.Errorf("merkle: mismatch on right path at level %d", i)
		}
	}
	activeBitsMTL3 := combine(10, pp.RightOfTwig[2])

	twigRoot := hashDomain(FirstLevelAboveTwig-2, leafMTRoot, activeBitsMTL3)
	if complete {
		if len(pp.UpperPath) == 0 {
			return fmt.Errorf("merkle: empty upper path")
		}
		copy(pp.UpperPath[0].SelfHash[:], twigRoot)
	} else if !bytes.Equal(twigRoot, pp.UpperPath[0].SelfHash[:]) {
		return fmt.Errorf("merkle: mismatch at twig top")
	}

	for i := range pp.UpperPath {
		level := FirstLevelAboveTwig - 1 + i
		res := combine(byte(level), pp.UpperPath[i])
		if i < len(pp.UpperPath)-1 {
			if complete {
				copy(pp.UpperPath[i+1].SelfHash[:], res)
			} else if !bytes.Equal(res, pp.UpperPath[i+1].SelfHash[:]) {
				return fmt.Errorf("merkle: mismatch on upper path at level %d", level)
			}
		} else if !bytes.Equal(res, pp.Root[:]) {
			return fmt.Errorf("merkle: mismatch at root")
		}
	}
	return nil
}

func combine(level byte, n ProofNode) []byte {
	if n.PeerAtLeft {
		return hashDomain(level, n.PeerHash[:], n.SelfHash[:])
	}
	return hashDomain(level, n.SelfHash[:], n.PeerHash[:])
}

// GetProof builds an inclusion proof for the entry with serial number sn.
// It returns nil if sn's twig has already been pruned off disk.
func (t *Tree) GetProof(sn int64) (*ProofPath, error) {
	twigID := sn >> TwigShift
	if twigID > t.youngestTwigID || twigID < 0 {
		return nil, fmt.Errorf("merkle: invalid serial number %d", sn)
	}
	path := &ProofPath{SerialNum: sn}
	upperPath, root, ok := t.getUpperPathAndRoot(twigID)
	if !ok {
		return nil, nil
	}
	path.UpperPath, path.Root = upperPath, root

	if twigID == t.youngestTwigID {
		path.LeftOfTwig = getLeftPathInMem(t.mtree4YoungestTwig, sn)
	} else {
		var err error
		path.LeftOfTwig, err = getLeftPathOnDisk(t.twigFile, twigID, sn)
		if err != nil {
			return nil, err
		}
	}
	if twig, ok := t.activeTwigs[twigID]; ok {
		path.RightOfTwig = getRightPath(twig, sn)
	} else {
		path.RightOfTwig = getRightPath(&nullTwig, sn)
	}
	return path, nil
}

func (t *Tree) getUpperPathAndRoot(twigID int64) (upperPath []ProofNode, root [32]byte, ok bool) {
	maxLevel := calcMaxLevel(t.youngestTwigID)
	peerHash, peerOk := t.getTwigRoot(twigID ^ 1)
	if !peerOk {
		peerHash = nullTwig.twigRoot
	}
	selfHash, ok := t.getTwigRoot(twigID)
	if !ok {
		return nil, root, false
	}
	upperPath = make([]ProofNode, 0, maxLevel-FirstLevelAboveTwig+1)
	upperPath = append(upperPath, ProofNode{SelfHash: selfHash, PeerHash: peerHash, PeerAtLeft: twigID&1 != 0})
	for level, n := FirstLevelAboveTwig, twigID/2; level < maxLevel; level, n = level+1, n/2 {
		upperPath = append(upperPath, ProofNode{
			SelfHash:   *t.nodes[Pos(level, n)],
			PeerHash:   *t.nodes[Pos(level, n^1)],
			PeerAtLeft: n&1 != 0,
		})
	}
	return upperPath, *t.nodes[Pos(maxLevel, 0)], true
}

func getRightPath(twig *Twig, sn int64) (right [3]ProofNode) {
	n := sn & TwigMask

	self := n / 256
	peer := self ^ 1
	copy(right[0].SelfHash[:], twig.activeBits[self*32:self*32+32])
	copy(right[0].PeerHash[:], twig.activeBits[peer*32:peer*32+32])
	right[0].PeerAtLeft = peer&1 == 0

	self = n / 512
	peer = self ^ 1
	right[1].SelfHash = twig.activeBitsMTL1[self]
	right[1].PeerHash = twig.activeBitsMTL1[peer]
	right[1].PeerAtLeft = peer&1 == 0

	self = n / 1024
	peer = self ^ 1
	right[2].SelfHash = twig.activeBitsMTL2[self]
	right[2].PeerHash = twig.activeBitsMTL2[peer]
	right[2].PeerAtLeft = peer&1 == 0
	return
}

func getLeftPath(sn int64, getHash func(int) [32]byte) (left [11]ProofNode) {
	n := sn & TwigMask
	for stripe, level := LeafCountInTwig, 0; level <= 10; stripe, level = stripe/2, level+1 {
		self := n >> level
		peer := self ^ 1
		left[level] = ProofNode{
			SelfHash:   getHash(stripe + int(self)),
			PeerHash:   getHash(stripe + int(peer)),
			PeerAtLeft: peer&1 == 0,
		}
	}
	return
}

func getLeftPathInMem(mt4twig [4096][32]byte, sn int64) [11]ProofNode {
	return getLeftPath(sn, func(i int) [32]byte { return mt4twig[i] })
}

func getLeftPathOnDisk(tf *TwigFile, twigID int64, sn int64) (left [11]ProofNode, err error) {
	left = getLeftPath(sn, func(i int) (res [32]byte) {
		node, e := tf.GetHashNode(twigID, i)
		if e != nil {
			err = e
			return
		}
		copy(res[:], node)
		return
	})
	return left, err
}
