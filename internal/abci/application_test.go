package abci

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
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

func TestDecodeTxRejectsMalformedEnvelope(t *testing.T) {
	_, err := decodeTx([]byte(`not json`))
	require.ErrorIs(t, err, errMalformedTx)

	_, err = decodeTx([]byte(`{}`))
	require.ErrorIs(t, err, errMalformedTx)
}

func TestDecodeTxParsesNativeEnvelope(t *testing.T) {
	env := txEnvelope{Native: &nativeTxEnvelope{
		From:  common.HexToAddress("0x1"),
		To:    common.HexToAddress("0x2"),
		Value: big.NewInt(100),
		Nonce: 0,
	}}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	tx, err := decodeTx(raw)
	require.NoError(t, err)
	require.Equal(t, ledger.TxKindNative, tx.Kind)
	require.NotNil(t, tx.Native)
	require.True(t, tx.Native.Value.Eq(uint256.NewInt(100)))
}

func TestDecodeTxParsesEvmEnvelope(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x3")
	tx := types.NewTransaction(0, to, big.NewInt(1), 21000, big.NewInt(1), nil)
	signed, err := types.SignTx(tx, types.HomesteadSigner{}, key)
	require.NoError(t, err)
	rlp, err := signed.MarshalBinary()
	require.NoError(t, err)

	env := txEnvelope{Evm: rlp}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := decodeTx(raw)
	require.NoError(t, err)
	require.Equal(t, ledger.TxKindEVM, decoded.Kind)
	require.Equal(t, signed.Hash(), decoded.Evm.Hash())
}

func TestInfoReportsGenesisBeforeAnyCommit(t *testing.T) {
	l := newTestLedger(t)
	app := New(l)
	resp := app.Info(abcitypes.RequestInfo{})
	require.EqualValues(t, 0, resp.LastBlockHeight)
	require.Empty(t, resp.LastBlockAppHash)
}

func TestCheckTxDeliverTxCommitCycle(t *testing.T) {
	l := newTestLedger(t)
	app := New(l)

	addr := common.HexToAddress("0x00000000000000000000000000000000000099")
	require.NoError(t, l.FundGenesisAccount(addr, uint256.NewInt(1_000_000)))

	env := txEnvelope{Native: &nativeTxEnvelope{
		From:  addr,
		To:    common.HexToAddress("0x00000000000000000000000000000000000098"),
		Value: big.NewInt(100),
		Nonce: 0,
	}}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	app.BeginBlock(abcitypes.RequestBeginBlock{})
	checkResp := app.CheckTx(abcitypes.RequestCheckTx{Tx: raw})
	require.Equal(t, CodeOK, checkResp.Code)

	deliverResp := app.DeliverTx(abcitypes.RequestDeliverTx{Tx: raw})
	require.Equal(t, CodeOK, deliverResp.Code)
	app.EndBlock(abcitypes.RequestEndBlock{})
	commitResp := app.Commit()
	require.NotEmpty(t, commitResp.Data)

	height, _ := l.Info()
	require.EqualValues(t, 1, height)
}

func TestDeliverTxRejectsMalformedPayload(t *testing.T) {
	l := newTestLedger(t)
	app := New(l)
	app.BeginBlock(abcitypes.RequestBeginBlock{})
	resp := app.DeliverTx(abcitypes.RequestDeliverTx{Tx: []byte("garbage")})
	require.Equal(t, CodeInvalid, resp.Code)
}

func TestEncodeTxToBase64RoundTrips(t *testing.T) {
	env := txEnvelope{Native: &nativeTxEnvelope{
		From:  common.HexToAddress("0x1"),
		To:    common.HexToAddress("0x2"),
		Value: big.NewInt(5),
		Nonce: 3,
	}}
	encoded, err := encodeTxToBase64(env)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	tx, err := decodeTx(raw)
	require.NoError(t, err)
	require.Equal(t, ledger.TxKindNative, tx.Kind)
	require.Equal(t, uint64(3), tx.Native.Nonce)
	require.True(t, tx.Native.Value.Eq(uint256.NewInt(5)))
}
