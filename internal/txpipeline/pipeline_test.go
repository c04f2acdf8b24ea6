package txpipeline

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/overeality/ovr/internal/evmadapter"
	"github.com/overeality/ovr/internal/vstore"
)

func newBackend(t *testing.T) *evmadapter.Backend {
	t.Helper()
	store := vstore.NewStore(nil)
	require.NoError(t, store.BranchCreate("main"))
	require.NoError(t, store.VersionCreateOn("main", vstore.Version{Height: 1}))
	return evmadapter.NewBackend(store, "main", nil)
}

func signedLegacyTx(t *testing.T, key []byte, chainID *big.Int, nonce uint64, to *common.Address, value *big.Int, gasPrice *big.Int) *types.Transaction {
	t.Helper()
	priv, err := crypto.ToECDSA(key)
	require.NoError(t, err)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      100000,
		GasPrice: gasPrice,
	})
	signer := types.LatestSignerForChainID(chainID)
	signed, err := types.SignTx(tx, signer, priv)
	require.NoError(t, err)
	return signed
}

func testKey(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, 32)
	b[31] = 1
	return b
}

func TestPreflightRejectsGasPriceTooLow(t *testing.T) {
	backend := newBackend(t)
	chainID := big.NewInt(1)
	p := New(&params.ChainConfig{ChainID: chainID}, uint256.NewInt(10))

	tx := signedLegacyTx(t, testKey(t), chainID, 0, nil, big.NewInt(0), big.NewInt(1))
	_, _, err := p.Preflight(tx, backend)
	require.ErrorIs(t, err, ErrGasPriceTooLow)
}

func TestPreflightRejectsBadNonce(t *testing.T) {
	backend := newBackend(t)
	chainID := big.NewInt(1)
	p := New(&params.ChainConfig{ChainID: chainID}, uint256.NewInt(1))

	to := common.HexToAddress("0xaa")
	tx := signedLegacyTx(t, testKey(t), chainID, 5, &to, big.NewInt(0), big.NewInt(10))
	_, _, err := p.Preflight(tx, backend)
	require.ErrorIs(t, err, ErrInvalidNonce)
}

func TestPreflightRejectsInsufficientBalance(t *testing.T) {
	backend := newBackend(t)
	chainID := big.NewInt(1)
	p := New(&params.ChainConfig{ChainID: chainID}, uint256.NewInt(1))

	to := common.HexToAddress("0xaa")
	tx := signedLegacyTx(t, testKey(t), chainID, 0, &to, big.NewInt(100), big.NewInt(10))
	_, _, err := p.Preflight(tx, backend)
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPreflightAcceptsFundedSender(t *testing.T) {
	backend := newBackend(t)
	chainID := big.NewInt(1)
	p := New(&params.ChainConfig{ChainID: chainID}, uint256.NewInt(1))

	priv, err := crypto.ToECDSA(testKey(t))
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(priv.PublicKey)
	backend.AddBalance(from, uint256.NewInt(1_000_000_000_000), tracing.BalanceChangeUnspecified)

	to := common.HexToAddress("0xaa")
	tx := signedLegacyTx(t, testKey(t), chainID, 0, &to, big.NewInt(100), big.NewInt(10))
	gotFrom, gasPrice, err := p.Preflight(tx, backend)
	require.NoError(t, err)
	require.Equal(t, from, gotFrom)
	require.EqualValues(t, 10, gasPrice.Uint64())
}

func TestApplyNativeTransferMovesBalance(t *testing.T) {
	backend := newBackend(t)
	p := New(&params.ChainConfig{ChainID: big.NewInt(1)}, uint256.NewInt(1))

	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	backend.AddBalance(from, uint256.NewInt(1_000_000), tracing.BalanceChangeUnspecified)

	res, err := p.ApplyNative(NativeTx{From: from, To: to, Value: uint256.NewInt(1000), Nonce: 0}, backend, uint256.NewInt(1))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.EqualValues(t, 1000, backend.GetBalance(to).Uint64())
	require.EqualValues(t, 1, backend.GetNonce(from))
}
