package evmadapter

import "github.com/ethereum/go-ethereum/common"

// accessList tracks the EIP-2929/2930 warm address/slot set for the
// transaction currently executing against this Backend.
type accessList struct {
	addresses map[common.Address]int
	slots     []map[common.Hash]struct{}
}

func newAccessList() *accessList {
	return &accessList{addresses: make(map[common.Address]int)}
}

func (al *accessList) containsAddress(addr common.Address) bool {
	_, ok := al.addresses[addr]
	return ok
}

func (al *accessList) contains(addr common.Address, slot common.Hash) (addressOk bool, slotOk bool) {
	idx, ok := al.addresses[addr]
	if !ok {
		return false, false
	}
	if idx < 0 {
		return true, false
	}
	_, slotPresent := al.slots[idx][slot]
	return true, slotPresent
}

// addAddress returns true if addr was not already present.
func (al *accessList) addAddress(addr common.Address) bool {
	if al.containsAddress(addr) {
		return false
	}
	al.addresses[addr] = -1
	return true
}

// addSlot returns (addrAdded, slotAdded).
func (al *accessList) addSlot(addr common.Address, slot common.Hash) (bool, bool) {
	idx, ok := al.addresses[addr]
	addrAdded := false
	if !ok || idx == -1 {
		if !ok {
			addrAdded = true
		}
		al.slots = append(al.slots, map[common.Hash]struct{}{})
		idx = len(al.slots) - 1
		al.addresses[addr] = idx
	}
	if _, ok := al.slots[idx][slot]; ok {
		return addrAdded, false
	}
	al.slots[idx][slot] = struct{}{}
	return addrAdded, true
}

type accessListAddAccountChange struct{ addr common.Address }

func (c accessListAddAccountChange) revert(b *Backend) {
	delete(b.accessList.addresses, c.addr)
}

type accessListAddSlotChange struct {
	addr common.Address
	slot common.Hash
}

func (c accessListAddSlotChange) revert(b *Backend) {
	idx, ok := b.accessList.addresses[c.addr]
	if !ok || idx < 0 {
		return
	}
	delete(b.accessList.slots[idx], c.slot)
}
