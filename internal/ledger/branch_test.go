package ledger

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/overeality/ovr/internal/evmadapter"
	"github.com/overeality/ovr/internal/txpipeline"
	"github.com/overeality/ovr/internal/vstore"
)

func newMainBranch(t *testing.T) (*vstore.Store, *StateBranch) {
	t.Helper()
	store := vstore.NewStore(nil)
	state := NewState(store)
	require.NoError(t, store.BranchCreate(MainBranch))
	chainConfig := &params.ChainConfig{ChainID: big.NewInt(1)}
	pipeline := txpipeline.New(chainConfig, uint256.NewInt(1))
	sb := newStateBranch(MainBranch, state, chainConfig, pipeline)
	return store, sb
}

func senderKey(b byte) []byte {
	k := make([]byte, 32)
	k[31] = b
	return k
}

func mustPriv(t *testing.T, key []byte) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := crypto.ToECDSA(key)
	require.NoError(t, err)
	return priv
}

func signedTx(t *testing.T, key []byte, nonce uint64, to *common.Address, value *big.Int, gasPrice *big.Int) *types.Transaction {
	t.Helper()
	priv := mustPriv(t, key)
	tx := types.NewTx(&types.LegacyTx{Nonce: nonce, To: to, Value: value, Gas: 100000, GasPrice: gasPrice})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(1)), priv)
	require.NoError(t, err)
	return signed
}

func TestPrepareNextBlockOpensVersionAndAdvancesHeight(t *testing.T) {
	_, sb := newMainBranch(t)

	require.NoError(t, sb.PrepareNextBlock([]byte{1, 2, 3}, 1000))
	require.Equal(t, uint64(1), sb.BlockInProcess().Header.Height)

	block, err := sb.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(1), block.Header.Height)

	require.NoError(t, sb.PrepareNextBlock([]byte{1, 2, 3}, 2000))
	require.Equal(t, uint64(2), sb.BlockInProcess().Header.Height)
	require.Equal(t, block.HeaderHash, sb.BlockInProcess().Header.PrevHash)
}

func TestApplyTxChargesFeeOnSuccessAndRecordsReceipt(t *testing.T) {
	store, sb := newMainBranch(t)
	require.NoError(t, sb.PrepareNextBlock([]byte{9}, 1))

	from := crypto.PubkeyToAddress(mustPriv(t, senderKey(1)).PublicKey)
	require.NoError(t, sb.SetAccount(from, uint256.NewInt(1_000_000_000), 0))

	to := common.HexToAddress("0x00000000000000000000000000000000000002")
	tx := signedTx(t, senderKey(1), 0, &to, big.NewInt(100), big.NewInt(1))

	result, err := sb.ApplyTx(Tx{Kind: TxKindEVM, Evm: tx})
	require.NoError(t, err)
	require.True(t, result.Receipt.StatusCode)
	require.Equal(t, tx.Hash(), result.TxHash)
	require.Len(t, sb.txHashesInProcess, 1)

	acct, err := evmadapter.GetAccount(store, MainBranch, from)
	require.NoError(t, err)
	require.Equal(t, uint64(1), acct.Nonce)
	require.True(t, acct.Balance.Lt(uint256.NewInt(1_000_000_000)), "fee and value must have been debited")
}

func TestApplyTxRejectsAndRollsBackOnPreflightFailure(t *testing.T) {
	_, sb := newMainBranch(t)
	require.NoError(t, sb.PrepareNextBlock([]byte{9}, 1))

	// No balance funded: any nonzero-value transfer must fail preflight.
	to := common.HexToAddress("0x00000000000000000000000000000000000003")
	tx := signedTx(t, senderKey(2), 0, &to, big.NewInt(100), big.NewInt(1))

	_, err := sb.ApplyTx(Tx{Kind: TxKindEVM, Evm: tx})
	require.ErrorIs(t, err, ErrPreflightRejected)

	// The version the rejected tx opened must have been popped: the branch's
	// tx-hash list stays empty.
	require.Empty(t, sb.txHashesInProcess)
}
