package rewind

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/overeality/ovr/internal/ledger"
	"github.com/overeality/ovr/internal/vstore"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	store := vstore.NewStore(nil)
	chainConfig := &params.ChainConfig{ChainID: big.NewInt(1)}
	l, err := ledger.New(store, chainConfig, uint256.NewInt(1), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.InitGenesis(1, "test", "v1", uint256.NewInt(1), ^uint64(0), nil))
	return l
}

func commitBlock(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	require.NoError(t, l.BeginBlock([]byte{1}, 1))
	l.Commit()
}

func TestRollbackToHeightRejectsGenesis(t *testing.T) {
	l := newTestLedger(t)
	_, err := RollbackToHeight(l, 0, "rb")
	require.ErrorIs(t, err, ErrGenesisHeight)
}

func TestRollbackToHeightReadsBalanceAsOfThatHeight(t *testing.T) {
	l := newTestLedger(t)
	addr := common.HexToAddress("0x00000000000000000000000000000000000020")

	require.NoError(t, l.FundGenesisAccount(addr, uint256.NewInt(1000)))
	commitBlock(t, l) // height 1, balance 1000 as of this height

	require.NoError(t, l.BeginBlock([]byte{1}, 1))
	require.NoError(t, l.FundGenesisAccount(addr, uint256.NewInt(500)))
	l.Commit() // height 2, balance overwritten to 500

	b1, err := RollbackToHeight(l, 1, "rb")
	require.NoError(t, err)
	defer b1.Release()

	q1 := NewQuery(l, b1)
	bal1, err := q1.Balance(addr)
	require.NoError(t, err)
	require.True(t, bal1.Eq(uint256.NewInt(1000)), "got %s", bal1)

	current, _ := l.Info()
	require.Equal(t, uint64(2), current)
}

func TestSnapshotAtHeightBranchesAreReleasedAndDoNotCollide(t *testing.T) {
	l := newTestLedger(t)
	commitBlock(t, l)

	b1, err := SnapshotAtHeight(l, 1, "snap")
	require.NoError(t, err)
	b2, err := SnapshotAtHeight(l, 1, "snap")
	require.NoError(t, err)
	require.NotEqual(t, b1.Name, b2.Name)

	b1.Release()
	require.False(t, l.Store().BranchExists(b1.Name))
	b2.Release()
	require.False(t, l.Store().BranchExists(b2.Name))
}

func TestSweepPrefixRemovesLeakedBranches(t *testing.T) {
	l := newTestLedger(t)
	commitBlock(t, l)

	b, err := SnapshotAtHeight(l, 1, "leaked")
	require.NoError(t, err)
	_ = b // simulate a crash before Release is called

	removed := SweepPrefix(l, "leaked")
	require.Equal(t, 1, removed)
	require.False(t, l.Store().BranchExists(b.Name))
}

func TestDirectViewReadsThroughMainWithoutForking(t *testing.T) {
	l := newTestLedger(t)
	addr := common.HexToAddress("0x00000000000000000000000000000000000030")
	require.NoError(t, l.FundGenesisAccount(addr, uint256.NewInt(42)))
	commitBlock(t, l)

	branch := DirectView(l, 1)
	q := NewQuery(l, branch)
	bal, err := q.Balance(addr)
	require.NoError(t, err)
	require.True(t, bal.Eq(uint256.NewInt(42)))

	// No fork was created; releasing it is a safe no-op.
	branch.Release()
}
