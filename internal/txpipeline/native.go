package txpipeline

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/holiman/uint256"

	"github.com/overeality/ovr/internal/evmadapter"
)

// NativeTx is a lightweight non-EVM transfer, the wire variant spec.md names
// as Tx::Native without defining its semantics. Supplemented here from the
// absence of an EVM invocation path in original_source's ledger::Tx::Native
// arm: a native transfer simply moves OFUEL balance and bumps the sender's
// nonce, charged at a flat fee equivalent to a 21000-gas EVM transfer.
type NativeTx struct {
	From  common.Address
	To    common.Address
	Value *uint256.Int
	Nonce uint64
}

// NativeTransferGas is the flat gas cost charged for a native transfer,
// matching Ethereum's base Call gas cost for a plain value transfer.
const NativeTransferGas = 21000

// ApplyNative performs preflight (nonce, balance) and the transfer itself,
// reusing the same strict-nonce and checked-balance discipline as the EVM
// pipeline but skipping EVM execution entirely.
func (p *Pipeline) ApplyNative(tx NativeTx, backend *evmadapter.Backend, gasPrice *uint256.Int) (*Result, error) {
	if gasPrice == nil {
		gasPrice = p.MinGasPrice
	}
	if gasPrice.Lt(p.MinGasPrice) {
		return nil, ErrGasPriceTooLow
	}

	systemNonce := backend.GetNonce(tx.From)
	if tx.Nonce != systemNonce {
		return nil, fmt.Errorf("%w: %d, should be: %d", ErrInvalidNonce, tx.Nonce, systemNonce)
	}

	fee := new(uint256.Int).Mul(gasPrice, uint256.NewInt(NativeTransferGas))
	needed, overflow := new(uint256.Int).AddOverflow(tx.Value, fee)
	if overflow {
		return nil, ErrAmountOverflow
	}
	balance := backend.GetBalance(tx.From)
	if needed.Gt(balance) {
		return nil, fmt.Errorf("%w, needed: %s, total: %s", ErrInsufficientBalance, needed, balance)
	}

	backend.SetNonce(tx.From, tx.Nonce+1, tracing.NonceChangeEoACall)
	backend.SubBalance(tx.From, tx.Value, tracing.BalanceChangeTransfer)
	backend.AddBalance(tx.To, tx.Value, tracing.BalanceChangeTransfer)

	if err := backend.Flush(true); err != nil {
		return nil, fmt.Errorf("txpipeline: flush native transfer: %w", err)
	}

	return &Result{
		Success:      true,
		GasUsed:      NativeTransferGas,
		FeeUsed:      fee,
		Caller:       tx.From,
		To:           &tx.To,
		ContractAddr: tx.To,
	}, nil
}
