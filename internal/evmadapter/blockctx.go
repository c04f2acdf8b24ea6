package evmadapter

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// CanTransfer and Transfer are the two vm.BlockContext callbacks every EVM
// invocation in this core shares; factored out so the live block-apply path
// (internal/ledger) and the transient historical-query path
// (internal/rewind) construct identical BlockContext semantics.
func CanTransfer(db vm.StateDB, addr common.Address, amount *uint256.Int) bool {
	return db.GetBalance(addr).Cmp(amount) >= 0
}

func Transfer(db vm.StateDB, sender, recipient common.Address, amount *uint256.Int) {
	db.SubBalance(sender, amount, 0)
	db.AddBalance(recipient, amount, 0)
}
