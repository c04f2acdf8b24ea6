// Package abci implements the ABCI Application this core exposes to an
// external BFT consensus engine (Tendermint/CometBFT-style), grounded on
// original_source/src/consensus/mod.rs's "impl Application for App".
package abci

import (
	"encoding/base64"
	"encoding/json"
	"math/big"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/overeality/ovr/internal/ledger"
	"github.com/overeality/ovr/internal/txpipeline"
)

// CodeOK and CodeInvalid are the two ABCI response codes this core ever
// returns, per spec.md §7's error table (no partial-success codes).
const (
	CodeOK      uint32 = 0
	CodeInvalid uint32 = 1
)

// txEnvelope is the wire shape a Tx arrives in over ABCI, per spec.md §6:
// `{"evm": "<base64 of the tx bytes>"}` or `{"native": {...}}`. JSON is the
// envelope transport; the inner EVM payload is the binary (RLP/typed) tx
// encoding, which encoding/json writes as a base64 string.
type txEnvelope struct {
	Evm    []byte            `json:"evm,omitempty"`
	Native *nativeTxEnvelope `json:"native,omitempty"`
}

type nativeTxEnvelope struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Nonce uint64         `json:"nonce"`
}

var errMalformedTx = jsonErr("abci: malformed tx envelope")

type jsonErr string

func (e jsonErr) Error() string { return string(e) }

// decodeTx parses an incoming ABCI tx payload (the JSON envelope spec.md §6
// describes) into a ledger.Tx.
func decodeTx(raw []byte) (ledger.Tx, error) {
	var env txEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ledger.Tx{}, errMalformedTx
	}
	switch {
	case len(env.Evm) > 0:
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(env.Evm); err != nil {
			return ledger.Tx{}, errMalformedTx
		}
		return ledger.Tx{Kind: ledger.TxKindEVM, Evm: tx}, nil
	case env.Native != nil:
		value, overflow := uint256.FromBig(env.Native.Value)
		if overflow {
			return ledger.Tx{}, errMalformedTx
		}
		return ledger.Tx{Kind: ledger.TxKindNative, Native: &txpipeline.NativeTx{
			From:  env.Native.From,
			To:    env.Native.To,
			Value: value,
			Nonce: env.Native.Nonce,
		}}, nil
	default:
		return ledger.Tx{}, errMalformedTx
	}
}

// Application implements abcitypes.Application over an internal/ledger.Ledger,
// method-for-method translated from original_source/src/consensus/mod.rs.
type Application struct {
	abcitypes.BaseApplication

	ledger *ledger.Ledger
	log    log.Logger
}

// New wraps l as an ABCI Application.
func New(l *ledger.Ledger) *Application {
	return &Application{ledger: l, log: log.New("module", "abci")}
}

// Info returns the last-committed height and header hash to the consensus
// engine, per spec.md §4.5's ABCI Info row.
func (a *Application) Info(req abcitypes.RequestInfo) abcitypes.ResponseInfo {
	height, hash := a.ledger.Info()
	appHash := hash[:]
	if height == 0 {
		appHash = []byte{}
	}
	return abcitypes.ResponseInfo{
		Data:             "overeality",
		LastBlockHeight:  int64(height),
		LastBlockAppHash: appHash,
	}
}

// InitChain is a no-op: genesis accounts and contracts are bootstrapped by
// cmd/ovrd before the ABCI server starts accepting connections, per spec.md
// §6's "InitChain (no-op)".
func (a *Application) InitChain(req abcitypes.RequestInitChain) abcitypes.ResponseInitChain {
	return abcitypes.ResponseInitChain{}
}

// CheckTx validates and applies tx against the CheckTx branch only, per
// spec.md §4.5.
func (a *Application) CheckTx(req abcitypes.RequestCheckTx) abcitypes.ResponseCheckTx {
	tx, err := decodeTx(req.Tx)
	if err != nil {
		return abcitypes.ResponseCheckTx{Code: CodeInvalid, Log: "Invalid format"}
	}
	ok, msg := a.ledger.CheckTx(tx)
	if !ok {
		return abcitypes.ResponseCheckTx{Code: CodeInvalid, Log: msg}
	}
	return abcitypes.ResponseCheckTx{Code: CodeOK}
}

// BeginBlock refreshes the three branches and opens a new in-process block
// on each, per spec.md §4.5.
func (a *Application) BeginBlock(req abcitypes.RequestBeginBlock) abcitypes.ResponseBeginBlock {
	proposer := req.Header.ProposerAddress
	ts := uint64(req.Header.Time.Unix())
	if err := a.ledger.BeginBlock(proposer, ts); err != nil {
		// An unrecoverable store failure during block setup is as fatal as a
		// broken commit, per spec.md §7's "Store mutation failure" row.
		panic("abci: begin block: " + err.Error())
	}
	return abcitypes.ResponseBeginBlock{}
}

// DeliverTx applies tx against the DeliverTx branch, per spec.md §4.5.
func (a *Application) DeliverTx(req abcitypes.RequestDeliverTx) abcitypes.ResponseDeliverTx {
	tx, err := decodeTx(req.Tx)
	if err != nil {
		return abcitypes.ResponseDeliverTx{Code: CodeInvalid, Log: "Invalid format"}
	}
	ok, msg := a.ledger.DeliverTx(tx)
	if !ok {
		return abcitypes.ResponseDeliverTx{Code: CodeInvalid, Log: msg}
	}
	return abcitypes.ResponseDeliverTx{Code: CodeOK}
}

// EndBlock is a no-op placeholder for staking, per spec.md §4.5.
func (a *Application) EndBlock(req abcitypes.RequestEndBlock) abcitypes.ResponseEndBlock {
	a.ledger.EndBlock()
	return abcitypes.ResponseEndBlock{}
}

// Commit commits the block and returns the new header hash as the app hash,
// per spec.md §6.
func (a *Application) Commit() abcitypes.ResponseCommit {
	hash := a.ledger.Commit()
	return abcitypes.ResponseCommit{Data: hash[:]}
}

// encodeTxToBase64 mirrors the RPC bridge's eth_sendRawTransaction encoding
// discipline (JSON-serialize the envelope, then base64 it) so tests in this
// package can construct ABCI requests the same way the RPC front end does.
func encodeTxToBase64(env txEnvelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
