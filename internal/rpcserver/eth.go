package rpcserver

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"github.com/overeality/ovr/internal/ledger"
	"github.com/overeality/ovr/internal/rewind"
)

// errNoImpl is returned by the eth_* methods this core does not implement
// (eth_getTransactionReceipt, eth_getBlockByHash, eth_sendTransaction). The
// uncle, mining and hashrate methods, which have no meaning on this
// single-proposer-per-block chain, answer with empty values instead.
var errNoImpl = errors.New("rpcserver: method not implemented on this chain")

// EthService implements the eth_* namespace, registered by name "eth" so
// go-ethereum's reflection-based rpc.Server dispatches eth_getBalance to
// GetBalance, eth_sendRawTransaction to SendRawTransaction, and so on.
type EthService struct {
	ledger   *ledger.Ledger
	upstream *UpstreamClient
	log      log.Logger
}

// NewEthService builds the eth_* handler set over l, delegating broadcast
// and sync-status calls to upstream.
func NewEthService(l *ledger.Ledger, upstream *UpstreamClient) *EthService {
	return &EthService{ledger: l, upstream: upstream, log: log.New("module", "rpc-eth")}
}

// ChainId returns the configured chain ID, per spec.md §6.
func (e *EthService) ChainId() (hexutil.Uint64, error) {
	id, _, err := e.ledger.State().ChainID.Get(ledger.MainBranch)
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(id), nil
}

// GasPrice returns the configured minimum gas price.
func (e *EthService) GasPrice() (*hexutil.Big, error) {
	price, _, err := e.ledger.State().GasPrice.Get(ledger.MainBranch)
	if err != nil {
		return nil, err
	}
	if price == nil {
		price = new(uint256.Int)
	}
	return (*hexutil.Big)(price.ToBig()), nil
}

// BlockNumber returns Main's last-committed height.
func (e *EthService) BlockNumber() (hexutil.Uint64, error) {
	height, _ := e.ledger.Info()
	return hexutil.Uint64(height), nil
}

// Syncing reports the upstream consensus engine's catch-up status, per
// spec.md §6's eth_syncing row: false once caught up, an object while
// catching up.
func (e *EthService) Syncing() (interface{}, error) {
	catchingUp, latest, earliest, err := e.upstream.SyncStatus()
	if err != nil {
		return false, nil
	}
	if !catchingUp {
		return false, nil
	}
	return map[string]interface{}{
		"startingBlock": earliest,
		"currentBlock":  latest,
		"highestBlock":  latest,
	}, nil
}

// resolveHeight turns an eth_* block-number tag into a committed height:
// "earliest" -> 0, "latest"/"pending"/omitted -> Main's current tip, an
// explicit number is used as-is.
func (e *EthService) resolveHeight(bn *gethrpc.BlockNumber) uint64 {
	current, _ := e.ledger.Info()
	if bn == nil {
		return current
	}
	switch *bn {
	case gethrpc.EarliestBlockNumber:
		return 0
	case gethrpc.LatestBlockNumber, gethrpc.PendingBlockNumber:
		return current
	default:
		return uint64(bn.Int64())
	}
}

// queryAt resolves height into a rewind.Query: a cheap, non-forking
// rewind.DirectView at Main's current committed tip, or a genuine
// ephemeral fork via RollbackToHeight for any height behind the tip (see
// rewind.DirectView's doc comment for why the tip is special-cased). The
// returned release func must be called on every exit path.
func (e *EthService) queryAt(height uint64) (*rewind.Query, func(), error) {
	current, _ := e.ledger.Info()
	if height >= current {
		return rewind.NewQuery(e.ledger, rewind.DirectView(e.ledger, current)), func() {}, nil
	}
	branch, err := rewind.RollbackToHeight(e.ledger, height, "rpc_query")
	if err != nil {
		return nil, nil, err
	}
	return rewind.NewQuery(e.ledger, branch), branch.Release, nil
}

// GetBalance implements eth_getBalance, per spec.md §4.7.
func (e *EthService) GetBalance(addr common.Address, bn *gethrpc.BlockNumber) (*hexutil.Big, error) {
	q, release, err := e.queryAt(e.resolveHeight(bn))
	if err != nil {
		return nil, err
	}
	defer release()
	bal, err := q.Balance(addr)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(bal.ToBig()), nil
}

// GetTransactionCount implements eth_getTransactionCount.
func (e *EthService) GetTransactionCount(addr common.Address, bn *gethrpc.BlockNumber) (hexutil.Uint64, error) {
	q, release, err := e.queryAt(e.resolveHeight(bn))
	if err != nil {
		return 0, err
	}
	defer release()
	nonce, err := q.Nonce(addr)
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(nonce), nil
}

// GetCode implements eth_getCode.
func (e *EthService) GetCode(addr common.Address, bn *gethrpc.BlockNumber) (hexutil.Bytes, error) {
	q, release, err := e.queryAt(e.resolveHeight(bn))
	if err != nil {
		return nil, err
	}
	defer release()
	code, err := q.Code(addr)
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(code), nil
}

// GetStorageAt implements eth_getStorageAt.
func (e *EthService) GetStorageAt(addr common.Address, slot common.Hash, bn *gethrpc.BlockNumber) (hexutil.Bytes, error) {
	q, release, err := e.queryAt(e.resolveHeight(bn))
	if err != nil {
		return nil, err
	}
	defer release()
	value, err := q.StorageAt(addr, slot)
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(value[:]), nil
}

// callArgs mirrors go-ethereum's TransactionArgs subset this core honors for
// eth_call/eth_estimateGas, per spec.md §4.7's contract_handle parameters.
type callArgs struct {
	From     *common.Address `json:"from"`
	To       *common.Address `json:"to"`
	Gas      *hexutil.Uint64 `json:"gas"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
	Value    *hexutil.Big    `json:"value"`
	Data     *hexutil.Bytes  `json:"data"`
	Input    *hexutil.Bytes  `json:"input"`
}

func (a callArgs) toParams() rewind.CallParams {
	p := rewind.CallParams{To: a.To}
	if a.From != nil {
		p.From = *a.From
	}
	if a.Gas != nil {
		p.Gas = uint64(*a.Gas)
	}
	if a.GasPrice != nil {
		p.GasPrice, _ = uint256.FromBig(a.GasPrice.ToInt())
	}
	if a.Value != nil {
		p.Value, _ = uint256.FromBig(a.Value.ToInt())
	}
	switch {
	case a.Data != nil:
		p.Data = *a.Data
	case a.Input != nil:
		p.Data = *a.Input
	}
	return p
}

// Call implements eth_call: executes args transiently against an ephemeral
// fork of the requested height and returns the raw return data, reverting
// nothing on the live chain.
func (e *EthService) Call(args callArgs, bn *gethrpc.BlockNumber) (hexutil.Bytes, error) {
	height := e.resolveHeight(bn)
	branch, err := rewind.SnapshotAtHeight(e.ledger, height, "eth_call")
	if err != nil {
		return nil, err
	}
	defer branch.Release()

	res, err := rewind.NewQuery(e.ledger, branch).Call(args.toParams(), false)
	if err != nil {
		return nil, err
	}
	if res.VMErr != nil {
		return nil, fmt.Errorf("execution reverted: %w", res.VMErr)
	}
	return hexutil.Bytes(res.ReturnData), nil
}

// EstimateGas implements eth_estimateGas.
func (e *EthService) EstimateGas(args callArgs, bn *gethrpc.BlockNumber) (hexutil.Uint64, error) {
	height := e.resolveHeight(bn)
	branch, err := rewind.SnapshotAtHeight(e.ledger, height, "eth_estimate")
	if err != nil {
		return 0, err
	}
	defer branch.Release()

	gas, err := rewind.NewQuery(e.ledger, branch).EstimateGas(args.toParams())
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(gas), nil
}

// SendRawTransaction implements eth_sendRawTransaction: decodes raw just
// enough to compute the tx hash the caller expects back, then delegates the
// actual broadcast to the upstream consensus engine's broadcast_tx_sync,
// per spec.md §6.
func (e *EthService) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("rpcserver: invalid raw transaction: %w", err)
	}

	envelope := txEnvelopeWire{Evm: []byte(raw)}
	payload, err := envelope.marshal()
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := e.upstream.BroadcastTxSync(payload); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// rpcBlock is the JSON shape eth_getBlockByNumber/Hash returns, a reduced
// projection of internal/chain.Block onto the field names eth clients
// expect.
type rpcBlock struct {
	Number       hexutil.Uint64 `json:"number"`
	Hash         common.Hash    `json:"hash"`
	ParentHash   common.Hash    `json:"parentHash"`
	Miner        common.Address `json:"miner"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	Transactions []common.Hash  `json:"transactions"`
}

// GetBlockByNumber implements eth_getBlockByNumber. fullTx is accepted for
// signature parity but this core always returns tx hashes only, per
// spec.md §9's non-goal on full transaction objects in block responses.
func (e *EthService) GetBlockByNumber(bn gethrpc.BlockNumber, fullTx bool) (*rpcBlock, error) {
	// Blocks are looked up through vstore's own GetAt, which takes an
	// explicit version rather than reading a branch's latest one, so
	// DirectView is safe here at any height, unlike the account/storage
	// reads above.
	height := e.resolveHeight(&bn)
	block, ok, err := rewind.NewQuery(e.ledger, rewind.DirectView(e.ledger, height)).BlockByNumber(height)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &rpcBlock{
		Number:       hexutil.Uint64(block.Header.Height),
		Hash:         block.HeaderHash,
		ParentHash:   block.Header.PrevHash,
		Miner:        block.Header.Proposer,
		Timestamp:    hexutil.Uint64(block.Header.Timestamp),
		Transactions: block.TxHashes,
	}, nil
}

// GetBlockTransactionCountByNumber implements
// eth_getBlockTransactionCountByNumber.
func (e *EthService) GetBlockTransactionCountByNumber(bn gethrpc.BlockNumber) (hexutil.Uint64, error) {
	blk, err := e.GetBlockByNumber(bn, false)
	if err != nil || blk == nil {
		return 0, err
	}
	return hexutil.Uint64(len(blk.Transactions)), nil
}

// GetTransactionByBlockNumberAndIndex implements
// eth_getTransactionByBlockNumberAndIndex, returning only the tx hash since
// this core does not retain full transaction objects after DeliverTx, per
// spec.md §9.
func (e *EthService) GetTransactionByBlockNumberAndIndex(bn gethrpc.BlockNumber, index hexutil.Uint64) (*common.Hash, error) {
	blk, err := e.GetBlockByNumber(bn, false)
	if err != nil || blk == nil {
		return nil, err
	}
	if int(index) >= len(blk.Transactions) {
		return nil, nil
	}
	h := blk.Transactions[index]
	return &h, nil
}

// GetTransactionReceipt is intentionally unimplemented: receipts are keyed
// by block in this core's data model (internal/chain.Header.Receipts), not
// independently indexed by tx hash across the whole chain, per
// original_source's own lack of a global tx index.
func (e *EthService) GetTransactionReceipt(hash common.Hash) (interface{}, error) {
	return nil, errNoImpl
}

// GetBlockByHash is unimplemented: this core keeps no hash->height index,
// per spec.md §9's non-goal on secondary indices.
func (e *EthService) GetBlockByHash(hash common.Hash, fullTx bool) (interface{}, error) {
	return nil, errNoImpl
}

func (e *EthService) GetUncleByBlockHashAndIndex(hash common.Hash, index hexutil.Uint64) (interface{}, error) {
	return nil, nil
}

func (e *EthService) GetUncleByBlockNumberAndIndex(bn gethrpc.BlockNumber, index hexutil.Uint64) (interface{}, error) {
	return nil, nil
}

func (e *EthService) GetUncleCountByBlockNumber(bn gethrpc.BlockNumber) (hexutil.Uint64, error) {
	return 0, nil
}

// SendTransaction is unimplemented: this core never holds private keys, per
// spec.md §9's non-goal on wallet functionality.
func (e *EthService) SendTransaction(args callArgs) (common.Hash, error) {
	return common.Hash{}, errNoImpl
}

func (e *EthService) Mining() (bool, error) { return false, nil }

func (e *EthService) Hashrate() (hexutil.Uint64, error) { return 0, nil }

func (e *EthService) Accounts() ([]common.Address, error) { return []common.Address{}, nil }

func (e *EthService) ProtocolVersion() (hexutil.Uint, error) { return hexutil.Uint(66), nil }
