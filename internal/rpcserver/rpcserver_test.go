package rpcserver

import (
	"crypto/ecdsa"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/overeality/ovr/internal/ledger"
	"github.com/overeality/ovr/internal/vstore"
)

func rawLegacyTx(key *ecdsa.PrivateKey, to common.Address) (hexutil.Bytes, error) {
	tx := types.NewTransaction(0, to, big.NewInt(1), 21000, big.NewInt(1), nil)
	signed, err := types.SignTx(tx, types.HomesteadSigner{}, key)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(raw), nil
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	store := vstore.NewStore(nil)
	chainConfig := &params.ChainConfig{ChainID: big.NewInt(99)}
	l, err := ledger.New(store, chainConfig, uint256.NewInt(10), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.InitGenesis(99, "test", "v1", uint256.NewInt(10), ^uint64(0), nil))
	return l
}

func TestEthServiceChainIdAndGasPrice(t *testing.T) {
	l := newTestLedger(t)
	svc := NewEthService(l, NewUpstreamClient("http://127.0.0.1:0"))

	id, err := svc.ChainId()
	require.NoError(t, err)
	require.EqualValues(t, 99, id)

	price, err := svc.GasPrice()
	require.NoError(t, err)
	require.EqualValues(t, 10, price.ToInt().Uint64())
}

func TestEthServiceBlockNumberMatchesLedgerInfo(t *testing.T) {
	l := newTestLedger(t)
	svc := NewEthService(l, NewUpstreamClient("http://127.0.0.1:0"))

	n, err := svc.BlockNumber()
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	require.NoError(t, l.BeginBlock([]byte{1}, 1))
	l.Commit()

	n, err = svc.BlockNumber()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestEthServiceGetBalanceAtTipAndHistoricalHeight(t *testing.T) {
	l := newTestLedger(t)
	svc := NewEthService(l, NewUpstreamClient("http://127.0.0.1:0"))
	addr := common.HexToAddress("0x00000000000000000000000000000000000042")

	require.NoError(t, l.FundGenesisAccount(addr, uint256.NewInt(1000)))
	require.NoError(t, l.BeginBlock([]byte{1}, 1))
	l.Commit() // height 1, balance 1000 as of here

	require.NoError(t, l.BeginBlock([]byte{2}, 2))
	require.NoError(t, l.FundGenesisAccount(addr, uint256.NewInt(50)))
	l.Commit() // height 2, balance overwritten to 50

	latest := gethrpc.LatestBlockNumber
	bal, err := svc.GetBalance(addr, &latest)
	require.NoError(t, err)
	require.EqualValues(t, 50, bal.ToInt().Uint64())

	historical := gethrpc.BlockNumber(1)
	bal, err = svc.GetBalance(addr, &historical)
	require.NoError(t, err)
	require.EqualValues(t, 1000, bal.ToInt().Uint64())
}

func TestEthServiceSyncingFalseWhenUpstreamUnreachable(t *testing.T) {
	l := newTestLedger(t)
	svc := NewEthService(l, NewUpstreamClient("http://127.0.0.1:1")) // nothing listens here

	result, err := svc.Syncing()
	require.NoError(t, err)
	require.Equal(t, false, result)
}

func TestEthServiceSyncingReportsCatchUpObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"sync_info":{"catching_up":true,"latest_block_height":"5","earliest_block_height":"1"}}}`))
	}))
	defer server.Close()

	l := newTestLedger(t)
	svc := NewEthService(l, NewUpstreamClient(server.URL))

	result, err := svc.Syncing()
	require.NoError(t, err)
	status, ok := result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "5", status["currentBlock"])
}

func TestEthServiceSendRawTransactionDelegatesToUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"code":0,"hash":"ABCD"}}`))
	}))
	defer server.Close()

	l := newTestLedger(t)
	svc := NewEthService(l, NewUpstreamClient(server.URL))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x1")
	tx, err := rawLegacyTx(key, to)
	require.NoError(t, err)

	hash, err := svc.SendRawTransaction(tx)
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, hash)
}

func TestEthServiceSendRawTransactionPropagatesUpstreamRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"code":1,"log":"insufficient funds"}}`))
	}))
	defer server.Close()

	l := newTestLedger(t)
	svc := NewEthService(l, NewUpstreamClient(server.URL))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x1")
	tx, err := rawLegacyTx(key, to)
	require.NoError(t, err)

	_, err = svc.SendRawTransaction(tx)
	require.Error(t, err)
}

func TestEthServiceGetBlockByNumberReturnsCommittedBlock(t *testing.T) {
	l := newTestLedger(t)
	svc := NewEthService(l, NewUpstreamClient("http://127.0.0.1:0"))

	require.NoError(t, l.BeginBlock([]byte{7}, 123))
	l.Commit()

	bn := gethrpc.BlockNumber(1)
	blk, err := svc.GetBlockByNumber(bn, false)
	require.NoError(t, err)
	require.NotNil(t, blk)
	require.EqualValues(t, 1, blk.Number)
	require.EqualValues(t, 123, blk.Timestamp)
}

func TestEthServiceGetBlockByNumberMissingReturnsNil(t *testing.T) {
	l := newTestLedger(t)
	svc := NewEthService(l, NewUpstreamClient("http://127.0.0.1:0"))

	bn := gethrpc.BlockNumber(999)
	blk, err := svc.GetBlockByNumber(bn, false)
	require.NoError(t, err)
	require.Nil(t, blk)
}

func TestEthServiceNoImplMethods(t *testing.T) {
	l := newTestLedger(t)
	svc := NewEthService(l, NewUpstreamClient("http://127.0.0.1:0"))

	_, err := svc.GetTransactionReceipt(common.Hash{})
	require.ErrorIs(t, err, errNoImpl)

	_, err = svc.GetBlockByHash(common.Hash{}, false)
	require.ErrorIs(t, err, errNoImpl)

	_, err = svc.SendTransaction(callArgs{})
	require.ErrorIs(t, err, errNoImpl)
}

func TestNetServiceVersionAndPeerCount(t *testing.T) {
	l := newTestLedger(t)
	svc := NewNetService(l)

	v, err := svc.Version()
	require.NoError(t, err)
	require.Equal(t, "99", v)

	require.True(t, svc.Listening())
	require.Equal(t, "0x0", svc.PeerCount())
}

func TestWeb3ServiceClientVersionAndSha3(t *testing.T) {
	svc := NewWeb3Service()
	require.Equal(t, "overeality/ovr", svc.ClientVersion())

	got := svc.Sha3([]byte("hello"))
	want := crypto.Keccak256Hash([]byte("hello")).Hex()
	require.Equal(t, want, got)
}

func TestUpstreamClientBroadcastTxSync(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"code":0,"hash":"DEADBEEF"}}`))
	}))
	defer server.Close()

	client := NewUpstreamClient(server.URL)
	hash, err := client.BroadcastTxSync([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, "DEADBEEF", hash)
}

func TestUpstreamClientSyncStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		w.Write([]byte(`{"result":{"sync_info":{"catching_up":false,"latest_block_height":"10","earliest_block_height":"0"}}}`))
	}))
	defer server.Close()

	client := NewUpstreamClient(server.URL)
	catchingUp, latest, earliest, err := client.SyncStatus()
	require.NoError(t, err)
	require.False(t, catchingUp)
	require.Equal(t, "10", latest)
	require.Equal(t, "0", earliest)
}
