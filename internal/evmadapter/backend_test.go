package evmadapter

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/overeality/ovr/internal/vstore"
)

func newTestBackend(t *testing.T) (*vstore.Store, *Backend) {
	t.Helper()
	store := vstore.NewStore(nil)
	require.NoError(t, store.BranchCreate("main"))
	require.NoError(t, store.VersionCreateOn("main", vstore.Version{Height: 1}))
	return store, NewBackend(store, "main", nil)
}

func TestBalanceAddSubAndSnapshotRevert(t *testing.T) {
	_, b := newTestBackend(t)
	addr := common.HexToAddress("0x1")

	b.AddBalance(addr, uint256.NewInt(100), tracing.BalanceChangeUnspecified)
	require.Equal(t, uint64(100), b.GetBalance(addr).Uint64())

	snap := b.Snapshot()
	b.SubBalance(addr, uint256.NewInt(40), tracing.BalanceChangeUnspecified)
	require.Equal(t, uint64(60), b.GetBalance(addr).Uint64())

	b.RevertToSnapshot(snap)
	require.Equal(t, uint64(100), b.GetBalance(addr).Uint64())
}

func TestStorageSetGetAndRevert(t *testing.T) {
	_, b := newTestBackend(t)
	addr := common.HexToAddress("0x2")
	slot := common.HexToHash("0x1")
	val := common.HexToHash("0x42")

	snap := b.Snapshot()
	b.SetState(addr, slot, val)
	require.Equal(t, val, b.GetState(addr, slot))

	b.RevertToSnapshot(snap)
	require.Equal(t, common.Hash{}, b.GetState(addr, slot))
}

func TestFlushPersistsToVstoreBranch(t *testing.T) {
	store, b := newTestBackend(t)
	addr := common.HexToAddress("0x3")
	b.AddBalance(addr, uint256.NewInt(1000), tracing.BalanceChangeUnspecified)
	b.SetNonce(addr, 5, tracing.NonceChangeUnspecified)

	require.NoError(t, b.Flush(true))

	b2 := NewBackend(store, "main", nil)
	require.Equal(t, uint64(1000), b2.GetBalance(addr).Uint64())
	require.Equal(t, uint64(5), b2.GetNonce(addr))
}

func TestSelfDestructZeroesBalanceAndDeletesOnFlush(t *testing.T) {
	store, b := newTestBackend(t)
	addr := common.HexToAddress("0x4")
	b.AddBalance(addr, uint256.NewInt(1), tracing.BalanceChangeUnspecified)
	require.NoError(t, b.Flush(false))

	b2 := NewBackend(store, "main", nil)
	b2.SelfDestruct(addr)
	require.NoError(t, b2.Flush(true))

	b3 := NewBackend(store, "main", nil)
	require.False(t, b3.Exist(addr))
}

func TestAccessListWarming(t *testing.T) {
	_, b := newTestBackend(t)
	addr := common.HexToAddress("0x5")
	slot := common.HexToHash("0x9")

	require.False(t, b.AddressInAccessList(addr))
	b.AddAddressToAccessList(addr)
	require.True(t, b.AddressInAccessList(addr))

	addrOk, slotOk := b.SlotInAccessList(addr, slot)
	require.True(t, addrOk)
	require.False(t, slotOk)

	b.AddSlotToAccessList(addr, slot)
	_, slotOk = b.SlotInAccessList(addr, slot)
	require.True(t, slotOk)
}
