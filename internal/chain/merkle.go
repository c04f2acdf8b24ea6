package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// HashSHA3256 is the ledger's global hash function, grounded on
// original_source/src/common/mod.rs's hash_sha3_256 (distinct from
// Ethereum's Keccak256: this is the standardized SHA3-256, FIPS 202).
func HashSHA3256(chunks ...[]byte) common.Hash {
	h := sha3.New256()
	for _, c := range chunks {
		h.Write(c)
	}
	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// sentinelLeaf is appended to every block's leaves by NewTxMerkle (and is
// the lone leaf when BuildMerkleTree gets none), so the Merkle root always
// exists, grounded on StateBranch::commit's
// "tx_hashes_in_process.push(hash_sha3_256(&[&[]]))" guarantee.
var sentinelLeaf = HashSHA3256([]byte{})

// BuildMerkleTree builds a binary SHA3-256 Merkle tree over leaves (already
// guaranteed nonempty by the caller appending sentinelLeaf when needed) and
// returns every level, leaves first, root last.
func BuildMerkleTree(leaves []common.Hash) (root common.Hash, levels [][]common.Hash) {
	if len(leaves) == 0 {
		leaves = []common.Hash{sentinelLeaf}
	}
	level := append([]common.Hash(nil), leaves...)
	levels = append(levels, level)
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, HashSHA3256(level[i][:], level[i+1][:]))
			} else {
				next = append(next, HashSHA3256(level[i][:], level[i][:]))
			}
		}
		levels = append(levels, next)
		level = next
	}
	return level[0], levels
}

// NewTxMerkle computes the TxMerkle for a block's transaction hashes,
// appending the sentinel leaf to guarantee a nonempty tree exactly as
// StateBranch::commit does.
func NewTxMerkle(txHashes []common.Hash) TxMerkle {
	leaves := append(append([]common.Hash(nil), txHashes...), sentinelLeaf)
	root, levels := BuildMerkleTree(leaves)
	return TxMerkle{RootHash: root, Tree: levels}
}
