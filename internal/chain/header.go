package chain

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// rlpLog/rlpReceipt/rlpHeader are flattened, deterministically ordered
// mirrors of Log/Receipt/Header used only for canonical hashing: rlp.Encode
// cannot walk a Go map, and original_source hashes the header's receipts
// BTreeMap directly rather than reducing it to a receipts root, so we sort
// the map into a slice before encoding.
type rlpLog struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

type rlpReceipt struct {
	TxHash       common.Hash
	TxIndex      uint64
	From         common.Address
	HasTo        bool
	To           common.Address
	BlockGasUsed uint64
	TxGasUsed    uint64
	HasContract  bool
	ContractAddr common.Address
	StatusCode   bool
	Logs         []rlpLog
}

type rlpReceiptEntry struct {
	Key     common.Hash
	Receipt rlpReceipt
}

type rlpHeader struct {
	Height     uint64
	Proposer   common.Address
	Timestamp  uint64
	MerkleRoot common.Hash
	PrevHash   common.Hash
	Receipts   []rlpReceiptEntry
}

func toRLPReceipt(r Receipt) rlpReceipt {
	out := rlpReceipt{
		TxHash:       r.TxHash,
		TxIndex:      r.TxIndex,
		From:         r.From,
		BlockGasUsed: r.BlockGasUsed,
		TxGasUsed:    r.TxGasUsed,
		StatusCode:   r.StatusCode,
	}
	if r.To != nil {
		out.HasTo = true
		out.To = *r.To
	}
	if r.ContractAddr != nil {
		out.HasContract = true
		out.ContractAddr = *r.ContractAddr
	}
	for _, l := range r.Logs {
		out.Logs = append(out.Logs, rlpLog{Address: l.Address, Topics: l.Topics, Data: l.Data})
	}
	return out
}

// Hash computes the canonical header hash, grounded on
// original_source/src/ledger/mod.rs's BlockHeader::hash: SHA3-256 over a
// deterministic encoding of (height, proposer, timestamp, merkle_root,
// prev_hash, receipts).
func (h Header) Hash() common.Hash {
	keys := make([]common.Hash, 0, len(h.Receipts))
	for k := range h.Receipts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	rh := rlpHeader{
		Height:     h.Height,
		Proposer:   h.Proposer,
		Timestamp:  h.Timestamp,
		MerkleRoot: h.TxMerkle.RootHash,
		PrevHash:   h.PrevHash,
	}
	for _, k := range keys {
		rh.Receipts = append(rh.Receipts, rlpReceiptEntry{Key: k, Receipt: toRLPReceipt(h.Receipts[k])})
	}

	encoded, err := rlp.EncodeToBytes(rh)
	if err != nil {
		panic("chain: header must always be rlp-encodable: " + err.Error())
	}
	return HashSHA3256(encoded)
}
