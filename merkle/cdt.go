package merkle

import (
	"errors"

	"github.com/colorfulnotion/settle/common"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrNoLeaves      = errors.New("no leaves to construct the Merkle Tree")
	ErrIndexRange    = errors.New("index out of range")
	ErrPathMalformed = errors.New("justification length does not match tree depth")
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
	rootPrefix = 0x02
)

func bhash(prefix byte, parts ...[]byte) common.Hash {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{prefix})
	for _, p := range parts {
		h.Write(p)
	}
	return common.BytesToHash(h.Sum(nil))
}

// CDMerkleTree is a binary merkle tree over an ordered list of leaves. An odd
// node at the end of a level is paired with itself; the root commits to the
// leaf count so [a,b,c] and [a,b,c,c] differ.
type CDMerkleTree struct {
	levels [][]common.Hash // levels[0] are hashed leaves, last level is the root
}

// NewCDMerkleTree creates a new Merkle Tree with the given leaves
func NewCDMerkleTree(leaves [][]byte) (*CDMerkleTree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	level := make([]common.Hash, len(leaves))
	for i, l := range leaves {
		level[i] = bhash(leafPrefix, l)
	}
	tree := &CDMerkleTree{levels: [][]common.Hash{level}}
	for len(level) > 1 {
		level = parentLevel(level)
		tree.levels = append(tree.levels, level)
	}
	return tree, nil
}

// NewHashTree builds the tree over 32-byte hashes, e.g. transaction hashes.
func NewHashTree(hashes []common.Hash) (*CDMerkleTree, error) {
	leaves := make([][]byte, len(hashes))
	for i := range hashes {
		leaves[i] = hashes[i].Bytes()
	}
	return NewCDMerkleTree(leaves)
}

func parentLevel(level []common.Hash) []common.Hash {
	parents := make([]common.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		parents = append(parents, bhash(nodePrefix, level[i].Bytes(), right.Bytes()))
	}
	return parents
}

// Root returns the root of the Merkle Tree
func (mt *CDMerkleTree) Root() common.Hash {
	top := mt.levels[len(mt.levels)-1]
	return commit(mt.Length(), top[0])
}

func commit(count int, top common.Hash) common.Hash {
	return bhash(rootPrefix, common.Uint64ToBytes(uint64(count)), top.Bytes())
}

// depthFor is the number of levels above the leaves for count leaves.
func depthFor(count int) int {
	d := 0
	for n := count; n > 1; n = (n + 1) / 2 {
		d++
	}
	return d
}

func (mt *CDMerkleTree) Depth() int {
	return len(mt.levels) - 1
}

func (mt *CDMerkleTree) Length() int {
	return len(mt.levels[0])
}

// Justify returns the sibling path for a given index, leaf level first.
func (mt *CDMerkleTree) Justify(index int) ([]common.Hash, error) {
	if index < 0 || index >= mt.Length() {
		return nil, ErrIndexRange
	}
	justification := make([]common.Hash, mt.Depth())
	for d := 0; d < mt.Depth(); d++ {
		level := mt.levels[d]
		sibling := index ^ 1
		if sibling < len(level) {
			justification[d] = level[sibling]
		} else {
			justification[d] = level[index]
		}
		index /= 2
	}
	return justification, nil
}

// Verify checks that leaf sits at index of a count-leaf tree under root.
func Verify(root common.Hash, leaf []byte, index, count int, justification []common.Hash) bool {
	if index < 0 || index >= count || len(justification) != depthFor(count) {
		return false
	}
	node := bhash(leafPrefix, leaf)
	for _, sibling := range justification {
		if index%2 == 0 {
			node = bhash(nodePrefix, node.Bytes(), sibling.Bytes())
		} else {
			node = bhash(nodePrefix, sibling.Bytes(), node.Bytes())
		}
		index /= 2
	}
	return index == 0 && commit(count, node) == root
}

// RootOf is a convenience for callers that only need the commitment.
func RootOf(hashes []common.Hash) (common.Hash, error) {
	tree, err := NewHashTree(hashes)
	if err != nil {
		return common.Hash{}, err
	}
	return tree.Root(), nil
}
