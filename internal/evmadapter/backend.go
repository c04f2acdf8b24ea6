// Package evmadapter bridges a vstore branch to the go-ethereum EVM by
// implementing core/vm.StateDB. It never mutates the branch directly while a
// transaction is in flight: writes accumulate in an in-memory overlay (the
// pending journal) and are flushed to the branch only once the caller decides
// the transaction succeeded, mirroring clydemeng-bsc/revm_bridge/statedb.go's
// pendingBasic/pendingStorage overlay.
package evmadapter

import (
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/overeality/ovr/internal/vstore"
)

var errInvalidAccountEncoding = errors.New("evmadapter: invalid account encoding")

// BlockHashResolver returns the canonical block hash for a given height, used
// to answer the EVM's BLOCKHASH opcode. Backed, in internal/ledger, by the
// State.BlockHashes index written at each Main commit.
type BlockHashResolver func(height uint64) common.Hash

type accountObject struct {
	addr     common.Address
	acct     Account
	dirty    bool
	code     []byte
	hasCode  bool
	suicided bool
	storage  map[common.Hash]common.Hash
}

type revision struct {
	id          int
	journalSize int
}

// Backend is a vstore-backed implementation of core/vm.StateDB for one
// branch. It is not safe for concurrent use; the ledger's per-branch mutex
// (internal/ledger.StateBranch) owns serialization.
type Backend struct {
	store  *vstore.Store
	branch vstore.BranchName

	accounts  map[common.Address]*accountObject
	codeCache map[common.Hash][]byte

	journal        []journalEntry
	validRevisions []revision
	nextRevision   int

	refund uint64

	logs    []*types.Log
	logSize uint

	accessList *accessList
	transient  map[common.Address]map[common.Hash]common.Hash

	blockHash BlockHashResolver

	log log.Logger
}

func NewBackend(store *vstore.Store, branch vstore.BranchName, blockHash BlockHashResolver) *Backend {
	return &Backend{
		store:      store,
		branch:     branch,
		accounts:   make(map[common.Address]*accountObject),
		codeCache:  make(map[common.Hash][]byte),
		accessList: newAccessList(),
		transient:  make(map[common.Address]map[common.Hash]common.Hash),
		blockHash:  blockHash,
		log:        log.New("module", "evmadapter", "branch", string(branch)),
	}
}

func (b *Backend) object(addr common.Address) *accountObject {
	if obj, ok := b.accounts[addr]; ok {
		return obj
	}
	obj := &accountObject{addr: addr, acct: emptyAccount(), storage: make(map[common.Hash]common.Hash)}
	raw, ok, err := b.store.Get(b.branch, accountStoreKey(addr))
	if err != nil {
		b.log.Error("read account", "addr", addr, "err", err)
	} else if ok {
		if acct, derr := decodeAccount(raw); derr == nil {
			obj.acct = acct
		}
	}
	b.accounts[addr] = obj
	return obj
}

func accountStoreKey(addr common.Address) []byte {
	return append([]byte("acct/"), addressKey(addr)...)
}

func storageStoreKey(addr common.Address, slot common.Hash) []byte {
	out := make([]byte, 0, 5+20+32)
	out = append(out, "stor/"...)
	out = append(out, addr[:]...)
	out = append(out, slot[:]...)
	return out
}

func codeStoreKey(codeHash common.Hash) []byte {
	return append([]byte("code/"), codeHash[:]...)
}

// --- journal --------------------------------------------------------------

type journalEntry interface{ revert(*Backend) }

type balanceChange struct {
	addr common.Address
	prev *uint256.Int
}

func (c balanceChange) revert(b *Backend) { b.object(c.addr).acct.Balance = c.prev }

type nonceChange struct {
	addr common.Address
	prev uint64
}

func (c nonceChange) revert(b *Backend) { b.object(c.addr).acct.Nonce = c.prev }

type codeChange struct {
	addr         common.Address
	prevHash     common.Hash
	prevCode     []byte
	prevHasCode  bool
}

func (c codeChange) revert(b *Backend) {
	obj := b.object(c.addr)
	obj.acct.CodeHash = c.prevHash
	obj.code = c.prevCode
	obj.hasCode = c.prevHasCode
}

type storageChange struct {
	addr common.Address
	slot common.Hash
	prev common.Hash
}

func (c storageChange) revert(b *Backend) { b.object(c.addr).storage[c.slot] = c.prev }

type suicideChange struct {
	addr           common.Address
	prevSuicided   bool
	prevBalance    *uint256.Int
}

func (c suicideChange) revert(b *Backend) {
	obj := b.object(c.addr)
	obj.suicided = c.prevSuicided
	obj.acct.Balance = c.prevBalance
}

type refundChange struct{ prev uint64 }

func (c refundChange) revert(b *Backend) { b.refund = c.prev }

type addLogChange struct{}

func (c addLogChange) revert(b *Backend) { b.logs = b.logs[:len(b.logs)-1] }

type createObjectChange struct{ addr common.Address }

func (c createObjectChange) revert(b *Backend) { delete(b.accounts, c.addr) }

func (b *Backend) append_(e journalEntry) { b.journal = append(b.journal, e) }

// --- core/vm.StateDB --------------------------------------------------------

func (b *Backend) CreateAccount(addr common.Address) {
	_, existed := b.accounts[addr]
	prev := emptyAccount()
	if existed {
		prev = b.accounts[addr].acct
	}
	b.append_(createObjectChange{addr: addr})
	obj := &accountObject{addr: addr, acct: Account{Balance: prev.Balance, Nonce: 0, CodeHash: EmptyCodeHash}, storage: make(map[common.Hash]common.Hash)}
	b.accounts[addr] = obj
}

func (b *Backend) SubBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) {
	if amount.IsZero() {
		return
	}
	obj := b.object(addr)
	b.append_(balanceChange{addr: addr, prev: obj.acct.Balance.Clone()})
	obj.acct.Balance = new(uint256.Int).Sub(obj.acct.Balance, amount)
}

func (b *Backend) AddBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) {
	if amount.IsZero() {
		return
	}
	obj := b.object(addr)
	b.append_(balanceChange{addr: addr, prev: obj.acct.Balance.Clone()})
	obj.acct.Balance = new(uint256.Int).Add(obj.acct.Balance, amount)
}

func (b *Backend) GetBalance(addr common.Address) *uint256.Int {
	return b.object(addr).acct.Balance.Clone()
}

func (b *Backend) GetNonce(addr common.Address) uint64 {
	return b.object(addr).acct.Nonce
}

func (b *Backend) SetNonce(addr common.Address, nonce uint64, reason tracing.NonceChangeReason) {
	obj := b.object(addr)
	b.append_(nonceChange{addr: addr, prev: obj.acct.Nonce})
	obj.acct.Nonce = nonce
}

func (b *Backend) GetCodeHash(addr common.Address) common.Hash {
	obj := b.object(addr)
	if obj.acct.CodeHash == (common.Hash{}) {
		return EmptyCodeHash
	}
	return obj.acct.CodeHash
}

func (b *Backend) GetCode(addr common.Address) []byte {
	obj := b.object(addr)
	if obj.hasCode {
		return obj.code
	}
	if obj.acct.CodeHash == EmptyCodeHash || obj.acct.CodeHash == (common.Hash{}) {
		return nil
	}
	if c, ok := b.codeCache[obj.acct.CodeHash]; ok {
		return c
	}
	raw, ok, err := b.store.Get(b.branch, codeStoreKey(obj.acct.CodeHash))
	if err != nil || !ok {
		return nil
	}
	b.codeCache[obj.acct.CodeHash] = raw
	return raw
}

func (b *Backend) SetCode(addr common.Address, code []byte) {
	obj := b.object(addr)
	hash := codeHash(code)
	b.append_(codeChange{addr: addr, prevHash: obj.acct.CodeHash, prevCode: obj.code, prevHasCode: obj.hasCode})
	obj.acct.CodeHash = hash
	obj.code = code
	obj.hasCode = true
	b.codeCache[hash] = code
}

func (b *Backend) GetCodeSize(addr common.Address) int {
	return len(b.GetCode(addr))
}

func (b *Backend) AddRefund(gas uint64) {
	b.append_(refundChange{prev: b.refund})
	b.refund += gas
}

func (b *Backend) SubRefund(gas uint64) {
	b.append_(refundChange{prev: b.refund})
	if gas > b.refund {
		panic("evmadapter: refund counter below zero")
	}
	b.refund -= gas
}

func (b *Backend) GetRefund() uint64 { return b.refund }

func (b *Backend) GetCommittedState(addr common.Address, slot common.Hash) common.Hash {
	raw, ok, err := b.store.Get(b.branch, storageStoreKey(addr, slot))
	if err != nil || !ok {
		return common.Hash{}
	}
	var h common.Hash
	copy(h[:], raw)
	return h
}

func (b *Backend) GetState(addr common.Address, slot common.Hash) common.Hash {
	obj := b.object(addr)
	if v, ok := obj.storage[slot]; ok {
		return v
	}
	return b.GetCommittedState(addr, slot)
}

func (b *Backend) SetState(addr common.Address, slot, value common.Hash) {
	obj := b.object(addr)
	prev := b.GetState(addr, slot)
	if prev == value {
		return
	}
	b.append_(storageChange{addr: addr, slot: slot, prev: prev})
	obj.storage[slot] = value
}

func (b *Backend) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	if m, ok := b.transient[addr]; ok {
		return m[key]
	}
	return common.Hash{}
}

func (b *Backend) SetTransientState(addr common.Address, key, value common.Hash) {
	if b.transient[addr] == nil {
		b.transient[addr] = make(map[common.Hash]common.Hash)
	}
	b.transient[addr][key] = value
}

func (b *Backend) SelfDestruct(addr common.Address) {
	obj := b.object(addr)
	b.append_(suicideChange{addr: addr, prevSuicided: obj.suicided, prevBalance: obj.acct.Balance.Clone()})
	obj.suicided = true
	obj.acct.Balance = new(uint256.Int)
}

func (b *Backend) HasSelfDestructed(addr common.Address) bool {
	return b.object(addr).suicided
}

func (b *Backend) Selfdestruct6780(addr common.Address) {
	// EIP-6780: only effective for accounts created in the current transaction.
	// This backend does not track per-tx creation provenance across calls at
	// this layer (the pipeline resets the Backend per transaction), so a
	// SelfDestruct within the same transaction is always honored.
	b.SelfDestruct(addr)
}

func (b *Backend) Exist(addr common.Address) bool {
	if obj, ok := b.accounts[addr]; ok {
		return !obj.acct.Empty() || obj.hasCode || len(obj.storage) > 0 || obj.dirty
	}
	_, ok, _ := b.store.Get(b.branch, accountStoreKey(addr))
	return ok
}

func (b *Backend) Empty(addr common.Address) bool {
	return b.object(addr).acct.Empty()
}

func (b *Backend) AddressInAccessList(addr common.Address) bool {
	return b.accessList.containsAddress(addr)
}

func (b *Backend) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	return b.accessList.contains(addr, slot)
}

func (b *Backend) AddAddressToAccessList(addr common.Address) {
	if b.accessList.addAddress(addr) {
		b.append_(accessListAddAccountChange{addr: addr})
	}
}

func (b *Backend) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	addrMod, slotMod := b.accessList.addSlot(addr, slot)
	if addrMod {
		b.append_(accessListAddAccountChange{addr: addr})
	}
	if slotMod {
		b.append_(accessListAddSlotChange{addr: addr, slot: slot})
	}
}

func (b *Backend) Prepare(rules params.Rules, sender, coinbase common.Address, dst *common.Address, precompiles []common.Address, list types.AccessList) {
	b.accessList = newAccessList()
	if rules.IsBerlin {
		b.AddAddressToAccessList(sender)
		if dst != nil {
			b.AddAddressToAccessList(*dst)
		}
		for _, addr := range precompiles {
			b.AddAddressToAccessList(addr)
		}
		for _, el := range list {
			b.AddAddressToAccessList(el.Address)
			for _, key := range el.StorageKeys {
				b.AddSlotToAccessList(el.Address, key)
			}
		}
		if rules.IsShanghai {
			b.AddAddressToAccessList(coinbase)
		}
	}
}

func (b *Backend) RevertToSnapshot(id int) {
	idx := sort.Search(len(b.validRevisions), func(i int) bool { return b.validRevisions[i].id >= id })
	if idx == len(b.validRevisions) || b.validRevisions[idx].id != id {
		panic("evmadapter: revision id not found")
	}
	snapshot := b.validRevisions[idx].journalSize
	for i := len(b.journal) - 1; i >= snapshot; i-- {
		b.journal[i].revert(b)
	}
	b.journal = b.journal[:snapshot]
	b.validRevisions = b.validRevisions[:idx]
}

func (b *Backend) Snapshot() int {
	id := b.nextRevision
	b.nextRevision++
	b.validRevisions = append(b.validRevisions, revision{id: id, journalSize: len(b.journal)})
	return id
}

func (b *Backend) AddLog(l *types.Log) {
	l.TxIndex = uint(b.logSize)
	b.logs = append(b.logs, l)
	b.append_(addLogChange{})
}

func (b *Backend) Logs() []*types.Log { return b.logs }

func (b *Backend) AddPreimage(common.Hash, []byte) {
	// Preimage recording is a debug/tracing aid upstream geth keeps behind a
	// flag; this core never serves eth_getStorageAt-by-preimage, so this is
	// intentionally a no-op.
}

func (b *Backend) GetBalanceBig(addr common.Address) *big.Int {
	return b.GetBalance(addr).ToBig()
}

func codeHash(code []byte) common.Hash {
	if len(code) == 0 {
		return EmptyCodeHash
	}
	return crypto.Keccak256Hash(code)
}
