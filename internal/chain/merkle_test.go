package chain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestBuildMerkleTreeEmptyUsesSentinel(t *testing.T) {
	root, levels := BuildMerkleTree(nil)
	require.Equal(t, sentinelLeaf, root)
	require.Len(t, levels, 1)
}

func TestBuildMerkleTreeOddNumberDuplicatesLast(t *testing.T) {
	leaves := []common.Hash{
		HashSHA3256([]byte("a")),
		HashSHA3256([]byte("b")),
		HashSHA3256([]byte("c")),
	}
	root, levels := BuildMerkleTree(leaves)
	require.NotEqual(t, common.Hash{}, root)
	require.Equal(t, leaves, levels[0])
	require.Equal(t, HashSHA3256(leaves[2][:], leaves[2][:]), levels[1][1])
	require.Equal(t, root, levels[len(levels)-1][0])
}

func TestNewTxMerkleAlwaysAppendsSentinel(t *testing.T) {
	m1 := NewTxMerkle(nil)
	m2 := NewTxMerkle([]common.Hash{HashSHA3256([]byte("tx1"))})
	require.NotEqual(t, m1.RootHash, m2.RootHash)
	require.Equal(t, m1.Tree[0][0], sentinelLeaf)
	require.Equal(t, m2.Tree[0][1], sentinelLeaf)
}

func TestHashSHA3256Deterministic(t *testing.T) {
	a := HashSHA3256([]byte("x"), []byte("y"))
	b := HashSHA3256([]byte("x"), []byte("y"))
	require.Equal(t, a, b)
	c := HashSHA3256([]byte("xy"))
	require.NotEqual(t, a, c)
}
