// Package txpipeline implements the preflight-then-execute discipline every
// EVM transaction goes through before it can mutate a branch: minimum gas
// price, signature recovery, strict nonce match, checked balance, then
// execution via the go-ethereum EVM. Grounded on
// original_source/src/ethvm/tx/mod.rs (Tx::apply, pre_exec, exec).
package txpipeline

import (
	"errors"
	"fmt"

	"github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/overeality/ovr/internal/chain"
	"github.com/overeality/ovr/internal/evmadapter"
)

// DefaultMinGasPrice mirrors original_source's GAS_PRICE_MIN constant.
var DefaultMinGasPrice = uint256.NewInt(10)

var (
	ErrGasPriceTooLow      = errors.New("txpipeline: Gas price is too low")
	ErrInvalidSignature    = errors.New("txpipeline: invalid transaction signature")
	ErrInvalidNonce        = errors.New("txpipeline: Invalid nonce")
	ErrInsufficientBalance = errors.New("txpipeline: Insufficient balance")
	ErrZeroGasLimit        = errors.New("txpipeline: zero gas limit")
	ErrAmountOverflow      = errors.New("txpipeline: needed amount overflows u256")
)

// Engine is the short identifier this pipeline reports, grounded on
// clydemeng-bsc/core/tx_executor.go's TxExecutor.Engine() pattern.
const Engine = "ovr-evm"

// Pipeline applies EVM transactions against a Backend.
type Pipeline struct {
	ChainConfig *params.ChainConfig
	MinGasPrice *uint256.Int
	log         log.Logger
}

func New(chainConfig *params.ChainConfig, minGasPrice *uint256.Int) *Pipeline {
	if minGasPrice == nil {
		minGasPrice = DefaultMinGasPrice
	}
	return &Pipeline{ChainConfig: chainConfig, MinGasPrice: minGasPrice, log: log.New("module", "txpipeline")}
}

// EffectiveGasPrice returns the price used both for the minimum-price check
// and for fee accounting. Legacy/2930 transactions use their flat gas price;
// dynamic-fee (1559) transactions use the midpoint of tip and fee cap,
// matching original_source's TxCommonProperties simplification rather than
// go-ethereum's base-fee-aware effective price, since this core has no
// base-fee market of its own.
func EffectiveGasPrice(tx *types.Transaction) *uint256.Int {
	switch tx.Type() {
	case types.DynamicFeeTxType:
		tip, _ := uint256.FromBig(tx.GasTipCap())
		fee, _ := uint256.FromBig(tx.GasFeeCap())
		sum := new(uint256.Int).Add(tip, fee)
		return new(uint256.Int).Rsh(sum, 1)
	default:
		price, _ := uint256.FromBig(tx.GasPrice())
		return price
	}
}

// Preflight validates gas price, signature, nonce and balance without
// mutating the backend. It returns the recovered sender and the effective
// gas price on success.
func (p *Pipeline) Preflight(tx *types.Transaction, backend *evmadapter.Backend) (common.Address, *uint256.Int, error) {
	gasPrice := EffectiveGasPrice(tx)
	if gasPrice.Lt(p.MinGasPrice) {
		return common.Address{}, nil, ErrGasPriceTooLow
	}

	signer := types.LatestSignerForChainID(p.ChainConfig.ChainID)
	from, err := types.Sender(signer, tx)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	systemNonce := backend.GetNonce(from)
	if tx.Nonce() != systemNonce {
		return common.Address{}, nil, fmt.Errorf("%w: %d, should be: %d", ErrInvalidNonce, tx.Nonce(), systemNonce)
	}

	if tx.Gas() == 0 {
		return common.Address{}, nil, ErrZeroGasLimit
	}

	gasLimit := new(uint256.Int).SetUint64(tx.Gas())
	feeLimit, overflow := new(uint256.Int).MulOverflow(gasPrice, gasLimit)
	if overflow {
		return common.Address{}, nil, ErrAmountOverflow
	}
	value, overflow := uint256.FromBig(tx.Value())
	if overflow {
		return common.Address{}, nil, ErrAmountOverflow
	}
	needed, overflow := new(uint256.Int).AddOverflow(value, feeLimit)
	if overflow {
		return common.Address{}, nil, ErrAmountOverflow
	}

	balance := backend.GetBalance(from)
	if needed.Gt(balance) {
		return common.Address{}, nil, fmt.Errorf("%w, needed: %s, total: %s", ErrInsufficientBalance, needed, balance)
	}

	return from, gasPrice, nil
}

// Result is the Go analogue of original_source's ExecRet.
type Result struct {
	Success      bool
	GasUsed      uint64
	FeeUsed      *uint256.Int
	ReturnData   []byte
	VMErr        error
	Caller       common.Address
	To           *common.Address
	ContractAddr common.Address
	Logs         []*types.Log
}

// TouchedAccounts returns the set of addresses the execution touched
// (sender, recipient/created contract, and every logged address), grounded
// on clydemeng-bsc/core/revm_state_processor.go's touchedAccounts map. No
// other package in this module calls it.
func (r *Result) TouchedAccounts() mapset.Set[common.Address] {
	s := mapset.NewThreadUnsafeSet[common.Address]()
	s.Add(r.Caller)
	if r.To != nil {
		s.Add(*r.To)
	} else {
		s.Add(r.ContractAddr)
	}
	for _, l := range r.Logs {
		s.Add(l.Address)
	}
	return s
}

// Apply runs preflight then, on success, executes the transaction via the
// go-ethereum EVM against backend. The returned error is non-nil only when
// the transaction is rejected before execution (never included in a block);
// a Result with Success=false means the transaction was executed, charged a
// fee, and reverted.
func (p *Pipeline) Apply(tx *types.Transaction, backend *evmadapter.Backend, blockCtx vm.BlockContext, estimate bool) (*Result, error) {
	from, gasPrice, err := p.Preflight(tx, backend)
	if err != nil {
		return nil, err
	}

	backend.SetNonce(from, tx.Nonce()+1, tracing.NonceChangeEoACall)

	cfg := vm.Config{}
	if estimate {
		cfg.NoBaseFee = true
	}
	txCtx := vm.TxContext{Origin: from, GasPrice: gasPrice.ToBig()}
	evm := vm.NewEVM(blockCtx, txCtx, backend, p.ChainConfig, cfg)

	rules := p.ChainConfig.Rules(blockCtx.BlockNumber, blockCtx.Random != nil, blockCtx.Time)
	backend.Prepare(rules, from, blockCtx.Coinbase, tx.To(), evm.ActivePrecompiles(rules), tx.AccessList())

	value, _ := uint256.FromBig(tx.Value())
	var (
		retData      []byte
		leftOverGas  uint64
		vmErr        error
		contractAddr common.Address
	)
	if tx.To() == nil {
		var createdAddr common.Address
		retData, createdAddr, leftOverGas, vmErr = evm.Create(vm.AccountRef(from), tx.Data(), tx.Gas(), value)
		contractAddr = createdAddr
	} else {
		retData, leftOverGas, vmErr = evm.Call(vm.AccountRef(from), *tx.To(), tx.Data(), tx.Gas(), value)
		contractAddr = *tx.To()
	}

	// evm.Call/evm.Create only account for opcode execution, not the
	// intrinsic transaction cost (21000 base + calldata/access-list/create
	// cost) go-ethereum's own state transition normally deducts up front;
	// original_source's SputnikVM-backed executor folds that cost into
	// used_gas itself, so it must be added back in here to match.
	intrinsicGas, err := core.IntrinsicGas(tx.Data(), tx.AccessList(), tx.To() == nil, rules.IsHomestead, rules.IsIstanbul, rules.IsShanghai)
	if err != nil {
		return nil, fmt.Errorf("txpipeline: intrinsic gas: %w", err)
	}
	gasUsed := intrinsicGas + (tx.Gas() - leftOverGas)
	fee := new(uint256.Int).Mul(gasPrice, new(uint256.Int).SetUint64(gasUsed))

	res := &Result{
		Success:      vmErr == nil,
		GasUsed:      gasUsed,
		FeeUsed:      fee,
		ReturnData:   retData,
		VMErr:        vmErr,
		Caller:       from,
		To:           tx.To(),
		ContractAddr: contractAddr,
		Logs:         backend.Logs(),
	}

	// A reverted execution leaves the branch untouched (the sender's nonce
	// included); only the fee, charged by the caller, persists.
	if res.Success {
		if err := backend.Flush(true); err != nil {
			return nil, fmt.Errorf("txpipeline: flush backend: %w", err)
		}
	}

	p.log.Debug("tx applied", "from", from, "to", tx.To(), "success", res.Success, "gasUsed", gasUsed)
	return res, nil
}

// GenReceipt mirrors original_source's ExecRet::gen_receipt.
func (r *Result) GenReceipt(txHash common.Hash, txIndex uint64) chain.Receipt {
	var contractAddr *common.Address
	if r.To == nil {
		addr := r.ContractAddr
		contractAddr = &addr
	}
	return chain.Receipt{
		TxHash:       txHash,
		TxIndex:      txIndex,
		From:         r.Caller,
		To:           r.To,
		TxGasUsed:    r.GasUsed,
		ContractAddr: contractAddr,
		StatusCode:   r.Success,
	}
}

// GenLogs converts the execution's EVM logs into ledger logs stamped with
// the owning transaction's hash, mirroring ExecRet::gen_logs.
func (r *Result) GenLogs(txHash common.Hash) []chain.Log {
	out := make([]chain.Log, 0, len(r.Logs))
	for _, l := range r.Logs {
		out = append(out, chain.NewLogFromEthLog(l, txHash))
	}
	return out
}

// RecoverSigner exposes signature recovery independent of Preflight, for
// callers that need the sender without re-running the full preflight
// discipline.
func RecoverSigner(chainID *uint256.Int, tx *types.Transaction) (common.Address, error) {
	signer := types.LatestSignerForChainID(chainID.ToBig())
	return types.Sender(signer, tx)
}

// CreateAddressLegacy derives a contract address the way original_source's
// CreateScheme::Legacy does: keccak256(rlp([sender, nonce]))[12:].
func CreateAddressLegacy(sender common.Address, nonce uint64) common.Address {
	return crypto.CreateAddress(sender, nonce)
}

// CreateAddress2 derives a CREATE2 contract address, the same derivation
// evm.Create2 applies inside internal/ledger.DeployGenesisContract.
func CreateAddress2(sender common.Address, salt [32]byte, codeHash common.Hash) common.Address {
	return crypto.CreateAddress2(sender, salt, codeHash[:])
}
