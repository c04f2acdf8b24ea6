package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/overeality/ovr/internal/txpipeline"
	"github.com/overeality/ovr/internal/vstore"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	store := vstore.NewStore(nil)
	chainConfig := &params.ChainConfig{ChainID: big.NewInt(7)}
	l, err := New(store, chainConfig, uint256.NewInt(1), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.InitGenesis(7, "test-chain", "v1", uint256.NewInt(1), ^uint64(0), nil))
	return l
}

func TestInitGenesisCreatesAllThreeBranches(t *testing.T) {
	l := newTestLedger(t)
	require.True(t, l.Store().BranchExists(MainBranch))
	require.True(t, l.Store().BranchExists(DeliverTxBranch))
	require.True(t, l.Store().BranchExists(CheckTxBranch))
}

func TestCommitCycleAdvancesMainAndFoldsDeliverTx(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.BeginBlock([]byte{1}, 1000))
	height, _ := l.Info()
	require.Equal(t, uint64(0), height, "Info reports the last COMMITTED height, not the in-process one")

	hash := l.Commit()
	require.NotEqual(t, common.Hash{}, hash)
	require.False(t, l.Store().BranchExists(DeliverTxBranch), "Commit merges DeliverTx into Main and removes it")

	newHeight, newHash := l.Info()
	require.Equal(t, uint64(1), newHeight)
	require.Equal(t, hash, newHash)
}

func TestCheckTxRejectsUnfundedNativeSender(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.BeginBlock([]byte{1}, 1000))

	// An unfunded sender must fail CheckTx's preflight balance check.
	from := common.HexToAddress("0x00000000000000000000000000000000000010")
	to := common.HexToAddress("0x00000000000000000000000000000000000011")
	native := &txpipeline.NativeTx{From: from, To: to, Value: uint256.NewInt(1), Nonce: 0}
	ok, msg := l.CheckTx(Tx{Kind: TxKindNative, Native: native})
	require.False(t, ok)
	require.NotEmpty(t, msg)
}

func TestRefreshBranchesRederivesTransientBranchesFromMainTip(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.BeginBlock([]byte{1}, 1000))
	_ = l.Commit()

	require.NoError(t, l.BeginBlock([]byte{2}, 2000))
	height, _ := l.Info()
	require.Equal(t, uint64(1), height)
	require.Equal(t, uint64(2), l.deliver.BlockInProcess().Header.Height)
	require.Equal(t, uint64(2), l.check.BlockInProcess().Header.Height)
}
