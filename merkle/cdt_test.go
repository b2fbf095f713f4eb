package merkle

import (
	"fmt"
	"testing"

	"github.com/colorfulnotion/settle/common"
)

func testLeaves(n int) [][]byte {
	leaves := make([][]byte, n)
	for i := range leaves {
		leaves[i] = []byte(fmt.Sprintf("leaf-%d", i))
	}
	return leaves
}

func TestJustifyVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13, 1000} {
		leaves := testLeaves(n)
		tree, err := NewCDMerkleTree(leaves)
		if err != nil {
			t.Fatalf("NewCDMerkleTree(%d) failed: %v", n, err)
		}
		for i := 0; i < n; i++ {
			path, err := tree.Justify(i)
			if err != nil {
				t.Fatalf("Justify(%d) failed: %v", i, err)
			}
			if !Verify(tree.Root(), leaves[i], i, n, path) {
				t.Errorf("n=%d: leaf %d did not verify", n, i)
			}
			if Verify(tree.Root(), []byte("forged"), i, n, path) {
				t.Errorf("n=%d: forged leaf %d verified", n, i)
			}
		}
	}
}

func TestRootDependsOnOrder(t *testing.T) {
	a := []common.Hash{common.Blake2Hash([]byte("a")), common.Blake2Hash([]byte("b"))}
	b := []common.Hash{a[1], a[0]}
	ra, _ := RootOf(a)
	rb, _ := RootOf(b)
	if ra == rb {
		t.Errorf("expected different roots for reordered leaves")
	}
	again, _ := RootOf(a)
	if ra != again {
		t.Errorf("root not deterministic")
	}
}

func TestEmptyTree(t *testing.T) {
	if _, err := NewCDMerkleTree(nil); err != ErrNoLeaves {
		t.Errorf("Expected ErrNoLeaves, got %v", err)
	}
	tree, _ := NewCDMerkleTree(testLeaves(4))
	if _, err := tree.Justify(4); err != ErrIndexRange {
		t.Errorf("Expected ErrIndexRange, got %v", err)
	}
}

func TestRootCommitsToLeafCount(t *testing.T) {
	leaves := testLeaves(3)
	padded := append(testLeaves(3), leaves[2])
	three, _ := NewCDMerkleTree(leaves)
	four, _ := NewCDMerkleTree(padded)
	if three.Root() == four.Root() {
		t.Fatalf("duplicated last leaf produced the same root")
	}

	// the self-paired sibling of leaf 2 must not verify a phantom leaf 3
	path, err := three.Justify(2)
	if err != nil {
		t.Fatalf("Justify(2) failed: %v", err)
	}
	if Verify(three.Root(), leaves[2], 3, 3, path) {
		t.Errorf("index beyond the leaf count verified")
	}
	if Verify(three.Root(), leaves[2], 3, 4, path) {
		t.Errorf("inflated leaf count verified")
	}
	if Verify(three.Root(), leaves[2], 2, 3, path[:1]) {
		t.Errorf("truncated path verified")
	}
}
