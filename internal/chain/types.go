// Package chain assembles committed blocks: canonical header hashing, the
// transaction Merkle tree and Ethereum-standard receipt/bloom bookkeeping.
// Grounded on original_source/src/ledger/mod.rs (Block, BlockHeader, Receipt,
// Log) and original_source/src/common/mod.rs (hash_sha3_256, handle_bloom).
package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Log mirrors original_source's ledger::Log: an EVM log plus the hash of the
// transaction that produced it and its position within the block, resolved
// at append time so RPC consumers never need to cross-reference the
// transaction list.
type Log struct {
	Address         common.Address
	Topics          []common.Hash
	Data            []byte
	TxHash          common.Hash
	TxIndex         uint64
	LogIndexInBlock uint64
	LogIndexInTx    uint64
	Removed         bool
}

// NewLogFromEthLog converts a go-ethereum EVM log produced during execution
// into the ledger's persisted Log shape, grounded on
// original_source/src/ledger/mod.rs's Log::new_from_eth_log_and_tx_hash.
func NewLogFromEthLog(l *types.Log, txHash common.Hash) Log {
	return Log{
		Address: l.Address,
		Topics:  append([]common.Hash(nil), l.Topics...),
		Data:    append([]byte(nil), l.Data...),
		TxHash:  txHash,
	}
}

// Receipt mirrors original_source's ledger::Receipt.
type Receipt struct {
	TxHash       common.Hash
	TxIndex      uint64
	From         common.Address
	To           *common.Address
	BlockGasUsed uint64
	TxGasUsed    uint64
	ContractAddr *common.Address
	StatusCode   bool
	Logs         []Log
}

// AddLogs stamps each log with its position and appends them to the
// receipt, grounded on Receipt::add_logs.
func (r *Receipt) AddLogs(logs []Log) {
	for i := range logs {
		logs[i].TxIndex = r.TxIndex
		logs[i].LogIndexInTx = uint64(i)
	}
	r.Logs = append(r.Logs, logs...)
}

// TxMerkle is the transaction Merkle tree computed at commit time, grounded
// on ledger::TxMerkle. Tree holds every level, leaves first and the
// single-hash root level last; RootHash repeats the root for O(1) access,
// matching the original's split between root_hash and the serialized tree
// store.
type TxMerkle struct {
	RootHash common.Hash
	Tree     [][]common.Hash
}

// Header is the canonical block header, grounded on ledger::BlockHeader. The
// receipts map is part of the hashed contents directly (not reduced to a
// root hash) exactly as the original does, so header hashing depends on
// deterministic (sorted) receipt-map iteration.
type Header struct {
	Height    uint64
	Proposer  common.Address
	Timestamp uint64
	TxMerkle  TxMerkle
	PrevHash  common.Hash
	Receipts  map[common.Hash]Receipt
}

// NewBlock starts a fresh in-progress block, grounded on ledger::Block::new.
func NewBlock(height uint64, proposer common.Address, timestamp uint64, prevHash common.Hash) Block {
	return Block{
		Header: Header{
			Height:    height,
			Proposer:  proposer,
			Timestamp: timestamp,
			PrevHash:  prevHash,
			Receipts:  make(map[common.Hash]Receipt),
		},
	}
}

// Block is a committed block: header, its hash, the ordered transactions
// (kept as opaque wire-encoded bytes so this package stays independent of
// txpipeline's Tx/NativeTx shapes, mirroring ledger::Block's Vecx<Tx>) and
// the accrued bloom filter.
type Block struct {
	Header     Header
	HeaderHash common.Hash
	TxHashes   []common.Hash
	RawTxs     [][]byte
	Bloom      types.Bloom
}
