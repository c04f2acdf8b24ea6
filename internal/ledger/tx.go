package ledger

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/overeality/ovr/internal/chain"
	"github.com/overeality/ovr/internal/txpipeline"
)

// TxKind discriminates the two wire variants a block can carry, mirroring
// the `enum Tx { Evm(..), Native(..) }` original_source/src/ledger/mod.rs
// dispatches on in apply_tx.
type TxKind uint8

const (
	TxKindEVM TxKind = iota
	TxKindNative
)

var ErrUnknownTxKind = errors.New("ledger: unknown tx wire kind")

// nativeTxWire is the RLP-encodable shape of a NativeTx, since
// txpipeline.NativeTx carries a *uint256.Int (not itself RLP-aware) rather
// than the *big.Int RLP expects.
type nativeTxWire struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Nonce uint64
}

// Tx is the wire envelope a block stores, one of Evm or Native set.
type Tx struct {
	Kind   TxKind
	Evm    *types.Transaction
	Native *txpipeline.NativeTx
}

// Hash returns the transaction's content hash. For EVM transactions this is
// go-ethereum's own signed-transaction hash; for native transfers it is the
// SHA3-256 ledger hash over the RLP-encoded transfer, since a native
// transfer carries no signature of its own at this layer.
func (t Tx) Hash() common.Hash {
	if t.Kind == TxKindEVM {
		return t.Evm.Hash()
	}
	body, _ := rlp.EncodeToBytes(nativeTxWire{
		From:  t.Native.From,
		To:    t.Native.To,
		Value: t.Native.Value.ToBig(),
		Nonce: t.Native.Nonce,
	})
	return chain.HashSHA3256(body)
}

// Encode produces the raw bytes stored in chain.Block.RawTxs: a one-byte
// kind tag followed by the RLP body, the same tag-then-payload shape
// go-ethereum's own EIP-2718 typed transactions use.
func (t Tx) Encode() ([]byte, error) {
	switch t.Kind {
	case TxKindEVM:
		body, err := t.Evm.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return append([]byte{byte(TxKindEVM)}, body...), nil
	case TxKindNative:
		body, err := rlp.EncodeToBytes(nativeTxWire{
			From:  t.Native.From,
			To:    t.Native.To,
			Value: t.Native.Value.ToBig(),
			Nonce: t.Native.Nonce,
		})
		if err != nil {
			return nil, err
		}
		return append([]byte{byte(TxKindNative)}, body...), nil
	default:
		return nil, ErrUnknownTxKind
	}
}

// DecodeTx parses a raw encoded Tx produced by Tx.Encode.
func DecodeTx(raw []byte) (Tx, error) {
	if len(raw) == 0 {
		return Tx{}, ErrUnknownTxKind
	}
	switch TxKind(raw[0]) {
	case TxKindEVM:
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw[1:]); err != nil {
			return Tx{}, err
		}
		return Tx{Kind: TxKindEVM, Evm: tx}, nil
	case TxKindNative:
		var w nativeTxWire
		if err := rlp.DecodeBytes(raw[1:], &w); err != nil {
			return Tx{}, err
		}
		value, overflow := uint256.FromBig(w.Value)
		if overflow {
			return Tx{}, txpipeline.ErrAmountOverflow
		}
		return Tx{Kind: TxKindNative, Native: &txpipeline.NativeTx{From: w.From, To: w.To, Value: value, Nonce: w.Nonce}}, nil
	default:
		return Tx{}, ErrUnknownTxKind
	}
}
