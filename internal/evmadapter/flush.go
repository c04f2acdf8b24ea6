package evmadapter

import "github.com/ethereum/go-ethereum/common"

// Flush writes every account the Backend has loaded or created, with its
// code (if any) and storage cells, into
// the branch's currently open version. Callers invoke this only after a
// transaction has been judged successful; on failure the Backend is simply
// discarded and nothing it touched ever reaches the branch, the Go analogue
// of vstore's version_pop_on.
func (b *Backend) Flush(deleteEmpty bool) error {
	for addr, obj := range b.accounts {
		if obj.suicided || (deleteEmpty && obj.acct.Empty()) {
			if err := b.store.Delete(b.branch, accountStoreKey(addr)); err != nil {
				return err
			}
			for slot := range obj.storage {
				if err := b.store.Delete(b.branch, storageStoreKey(addr, slot)); err != nil {
					return err
				}
			}
			continue
		}
		if err := b.store.Put(b.branch, accountStoreKey(addr), encodeAccount(obj.acct)); err != nil {
			return err
		}
		if obj.hasCode {
			if err := b.store.Put(b.branch, codeStoreKey(obj.acct.CodeHash), obj.code); err != nil {
				return err
			}
		}
		for slot, val := range obj.storage {
			if val == (common.Hash{}) {
				if err := b.store.Delete(b.branch, storageStoreKey(addr, slot)); err != nil {
					return err
				}
				continue
			}
			if err := b.store.Put(b.branch, storageStoreKey(addr, slot), val[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset clears all in-memory state, preparing the Backend for the next
// transaction on the same branch while keeping the code cache warm.
func (b *Backend) Reset() {
	b.accounts = make(map[common.Address]*accountObject)
	b.journal = nil
	b.validRevisions = nil
	b.nextRevision = 0
	b.refund = 0
	b.logs = nil
	b.logSize = 0
	b.accessList = newAccessList()
	b.transient = make(map[common.Address]map[common.Hash]common.Hash)
}

// GetHash resolves a historical block hash for the BLOCKHASH opcode.
func (b *Backend) GetHash(height uint64) common.Hash {
	if b.blockHash == nil {
		return common.Hash{}
	}
	return b.blockHash(height)
}
