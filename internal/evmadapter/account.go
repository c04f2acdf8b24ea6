package evmadapter

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/overeality/ovr/internal/vstore"
)

// Account is the persisted shape of an account in the versioned store,
// grounded on original_source/src/ethvm/mod.rs's OvrAccount.
type Account struct {
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
}

// EmptyCodeHash is the keccak256 hash of an empty byte slice, matching
// go-ethereum's types.EmptyCodeHash convention for accounts without code.
var EmptyCodeHash = crypto.Keccak256Hash(nil)

func emptyAccount() Account {
	return Account{Balance: new(uint256.Int), Nonce: 0, CodeHash: EmptyCodeHash}
}

// Empty reports whether the account has no balance, no nonce activity and no
// code, i.e. it is eligible for pruning under EIP-161 semantics.
func (a Account) Empty() bool {
	return a.Nonce == 0 && (a.Balance == nil || a.Balance.IsZero()) && a.CodeHash == EmptyCodeHash
}

func encodeAccount(a Account) []byte {
	out := make([]byte, 0, 48)
	var balBytes [32]byte
	if a.Balance != nil {
		balBytes = a.Balance.Bytes32()
	}
	out = append(out, balBytes[:]...)
	var nonceBytes [8]byte
	n := a.Nonce
	for i := 7; i >= 0; i-- {
		nonceBytes[i] = byte(n)
		n >>= 8
	}
	out = append(out, nonceBytes[:]...)
	out = append(out, a.CodeHash[:]...)
	return out
}

func decodeAccount(b []byte) (Account, error) {
	if len(b) != 32+8+32 {
		return Account{}, errInvalidAccountEncoding
	}
	var a Account
	a.Balance = new(uint256.Int).SetBytes(b[:32])
	var n uint64
	for i := 0; i < 8; i++ {
		n = n<<8 | uint64(b[32+i])
	}
	a.Nonce = n
	copy(a.CodeHash[:], b[40:72])
	return a, nil
}

func addressKey(addr common.Address) []byte {
	out := make([]byte, 20)
	copy(out, addr[:])
	return out
}

// ChargeFee debits amount from addr's balance directly on branch, saturating
// at zero rather than underflowing. Grounded on
// original_source/src/ledger/mod.rs's StateBranch::charge_fee, which bypasses
// the per-transaction overlay entirely and writes straight to the branch
// since a fee is charged unconditionally, whether or not the transaction that
// earned it succeeded.
func ChargeFee(store *vstore.Store, branch vstore.BranchName, addr common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	key := accountStoreKey(addr)
	acct := emptyAccount()
	raw, ok, err := store.Get(branch, key)
	if err != nil {
		return err
	}
	if ok {
		acct, err = decodeAccount(raw)
		if err != nil {
			return err
		}
	}
	if acct.Balance.Cmp(amount) < 0 {
		acct.Balance = new(uint256.Int)
	} else {
		acct.Balance = new(uint256.Int).Sub(acct.Balance, amount)
	}
	return store.Put(branch, key, encodeAccount(acct))
}

// SetAccount writes acct directly to branch for addr, used by genesis
// initialization to fund premined balances before any block is applied.
func SetAccount(store *vstore.Store, branch vstore.BranchName, addr common.Address, acct Account) error {
	return store.Put(branch, accountStoreKey(addr), encodeAccount(acct))
}

// GetAccount reads addr's account directly from branch, used by read-only
// RPC queries that do not need a full Backend overlay.
func GetAccount(store *vstore.Store, branch vstore.BranchName, addr common.Address) (Account, error) {
	raw, ok, err := store.Get(branch, accountStoreKey(addr))
	if err != nil {
		return Account{}, err
	}
	if !ok {
		return emptyAccount(), nil
	}
	return decodeAccount(raw)
}
