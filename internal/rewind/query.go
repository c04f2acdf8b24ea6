package rewind

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"

	"github.com/overeality/ovr/internal/chain"
	"github.com/overeality/ovr/internal/evmadapter"
	"github.com/overeality/ovr/internal/ledger"
	"github.com/overeality/ovr/internal/vstore"
)

// Query bundles the read-only accessors spec.md §4.7 lists for RPC handlers
// that pin a historical view: balance, storage_at, code_at,
// transaction_count, block_by_number and friends. Every constructor call
// site is expected to Release the underlying Branch on all exit paths.
type Query struct {
	ledger *ledger.Ledger
	branch *Branch
}

// NewQuery wraps a ledger and an already-created ephemeral Branch.
func NewQuery(l *ledger.Ledger, b *Branch) *Query {
	return &Query{ledger: l, branch: b}
}

func (q *Query) name() vstore.BranchName { return q.branch.Name }

// Balance returns an address's balance as of the ephemeral branch's pinned
// version.
func (q *Query) Balance(addr common.Address) (*uint256.Int, error) {
	acct, err := evmadapter.GetAccount(q.ledger.Store(), q.name(), addr)
	if err != nil {
		return nil, err
	}
	return acct.Balance, nil
}

// Nonce returns an address's transaction count as of the pinned version,
// backing eth_getTransactionCount.
func (q *Query) Nonce(addr common.Address) (uint64, error) {
	acct, err := evmadapter.GetAccount(q.ledger.Store(), q.name(), addr)
	if err != nil {
		return 0, err
	}
	return acct.Nonce, nil
}

// Code returns the contract code stored at addr as of the pinned version.
func (q *Query) Code(addr common.Address) ([]byte, error) {
	backend := evmadapter.NewBackend(q.ledger.Store(), q.name(), nil)
	return backend.GetCode(addr), nil
}

// StorageAt returns the value of a storage cell as of the pinned version.
func (q *Query) StorageAt(addr common.Address, slot common.Hash) (common.Hash, error) {
	backend := evmadapter.NewBackend(q.ledger.Store(), q.name(), nil)
	return backend.GetState(addr, slot), nil
}

// BlockByNumber returns the committed block at the requested height.
func (q *Query) BlockByNumber(height uint64) (chain.Block, bool, error) {
	return q.ledger.State().Blocks.GetAt(q.name(), q.branch.At, height)
}

// CallResult is the outcome of a transient eth_call/eth_estimateGas
// execution on an ephemeral branch, grounded on original_source's
// contract_handle.
type CallResult struct {
	ReturnData []byte
	GasUsed    uint64
	VMErr      error
	Logs       []*types.Log
}

// CallParams mirrors the subset of eth_call/eth_estimateGas's transaction
// object this core honors.
type CallParams struct {
	From     common.Address
	To       *common.Address
	Gas      uint64
	GasPrice *uint256.Int
	Value    *uint256.Int
	Data     []byte
}

// normalize applies original_source/src/ethvm/mod.rs:43's contract_handle
// defaulting: an omitted gas becomes math.MaxUint64, an omitted/zero gas
// price becomes 1 to avoid a division by zero downstream in fee reporting.
func (p *CallParams) normalize() {
	if p.Gas == 0 {
		p.Gas = ^uint64(0)
	}
	if p.GasPrice == nil || p.GasPrice.IsZero() {
		p.GasPrice = uint256.NewInt(1)
	}
	if p.Value == nil {
		p.Value = new(uint256.Int)
	}
}

// Call executes params transiently against the pinned branch with huge gas.
// EVM.Call/Create never apply gas refunds, in either mode; when estimate is
// true the EVM additionally runs with NoBaseFee set.
func (q *Query) Call(params CallParams, estimate bool) (*CallResult, error) {
	params.normalize()
	backend := evmadapter.NewBackend(q.ledger.Store(), q.name(), q.blockHashResolver)
	blockCtx, err := q.blockContext()
	if err != nil {
		return nil, err
	}

	cfg := vm.Config{}
	if estimate {
		cfg.NoBaseFee = true
	}
	txCtx := vm.TxContext{Origin: params.From, GasPrice: params.GasPrice.ToBig()}
	evm := vm.NewEVM(blockCtx, txCtx, backend, q.ledger.ChainConfig(), cfg)

	rules := q.ledger.ChainConfig().Rules(blockCtx.BlockNumber, blockCtx.Random != nil, blockCtx.Time)
	backend.Prepare(rules, params.From, blockCtx.Coinbase, params.To, evm.ActivePrecompiles(rules), nil)

	var (
		ret         []byte
		leftOverGas uint64
		vmErr       error
	)
	if params.To == nil {
		ret, _, leftOverGas, vmErr = evm.Create(vm.AccountRef(params.From), params.Data, params.Gas, params.Value)
	} else {
		ret, leftOverGas, vmErr = evm.Call(vm.AccountRef(params.From), *params.To, params.Data, params.Gas, params.Value)
	}

	return &CallResult{
		ReturnData: ret,
		GasUsed:    params.Gas - leftOverGas,
		VMErr:      vmErr,
		Logs:       backend.Logs(),
	}, nil
}

// EstimateGas reports the gas the call actually used plus a flat 21000 base,
// per spec.md §4.7's "estimate_gas reports used_gas + 21000 base".
func (q *Query) EstimateGas(params CallParams) (uint64, error) {
	res, err := q.Call(params, true)
	if err != nil {
		return 0, err
	}
	if res.VMErr != nil {
		return 0, fmt.Errorf("rewind: estimate gas: %w", res.VMErr)
	}
	return res.GasUsed + 21000, nil
}

func (q *Query) blockHashResolver(height uint64) common.Hash {
	h, ok, err := q.ledger.State().BlockHashes.GetAt(q.name(), q.branch.At, height)
	if err != nil || !ok {
		return common.Hash{}
	}
	return h
}

func (q *Query) blockContext() (vm.BlockContext, error) {
	height, block, ok, err := q.ledger.State().Blocks.Last(q.name())
	if err != nil {
		return vm.BlockContext{}, err
	}
	var (
		coinbase  common.Address
		timestamp uint64
	)
	if ok {
		coinbase = block.Header.Proposer
		timestamp = block.Header.Timestamp
	}
	gasLimit, _, _ := q.ledger.State().BlockGasLimit.Get(q.name())
	baseFee, _, _ := q.ledger.State().BlockBaseFeePerGas.Get(q.name())
	if baseFee == nil {
		baseFee = new(uint256.Int)
	}
	return vm.BlockContext{
		CanTransfer: evmadapter.CanTransfer,
		Transfer:    evmadapter.Transfer,
		GetHash:     q.blockHashResolver,
		Coinbase:    coinbase,
		GasLimit:    gasLimit,
		BlockNumber: new(uint256.Int).SetUint64(height).ToBig(),
		Time:        timestamp,
		Difficulty:  new(uint256.Int).ToBig(),
		BaseFee:     baseFee.ToBig(),
	}, nil
}
