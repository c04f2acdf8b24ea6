// Package ledger coordinates the three-branch ledger discipline (Main,
// DeliverTx, CheckTx) over a vstore.Store and assembles committed blocks via
// internal/chain and internal/txpipeline. Grounded throughout on
// original_source/src/ledger/mod.rs.
package ledger

import (
	"encoding/binary"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/overeality/ovr/internal/chain"
	"github.com/overeality/ovr/internal/vstore"
)

const (
	MainBranch      vstore.BranchName = "main"
	DeliverTxBranch vstore.BranchName = "deliver-tx"
	CheckTxBranch   vstore.BranchName = "check-tx"
)

func uint64Codec() vstore.Codec[uint64] {
	return vstore.Codec[uint64]{
		Encode: func(v uint64) []byte { b := make([]byte, 8); binary.BigEndian.PutUint64(b, v); return b },
		Decode: func(b []byte) (uint64, error) { return binary.BigEndian.Uint64(b), nil },
	}
}

func stringCodec() vstore.Codec[string] {
	return vstore.Codec[string]{
		Encode: func(v string) []byte { return []byte(v) },
		Decode: func(b []byte) (string, error) { return string(b), nil },
	}
}

func uint256Codec() vstore.Codec[*uint256.Int] {
	return vstore.Codec[*uint256.Int]{
		Encode: func(v *uint256.Int) []byte {
			if v == nil {
				v = new(uint256.Int)
			}
			b := v.Bytes32()
			return b[:]
		},
		Decode: func(b []byte) (*uint256.Int, error) { return new(uint256.Int).SetBytes(b), nil },
	}
}

func hashCodec() vstore.Codec[common.Hash] {
	return vstore.Codec[common.Hash]{
		Encode: func(v common.Hash) []byte { return v[:] },
		Decode: func(b []byte) (common.Hash, error) { var h common.Hash; copy(h[:], b); return h, nil },
	}
}

// blockCodec serializes a committed block as JSON. common.Hash implements
// encoding.TextMarshaler, so Header.Receipts (keyed by common.Hash) round-
// trips through the standard map codec without custom handling.
func blockCodec() vstore.Codec[chain.Block] {
	return vstore.Codec[chain.Block]{
		Encode: func(v chain.Block) []byte { b, _ := json.Marshal(v); return b },
		Decode: func(b []byte) (chain.Block, error) {
			var blk chain.Block
			err := json.Unmarshal(b, &blk)
			return blk, err
		},
	}
}

// State holds every collection shared across Main/DeliverTx/CheckTx,
// grounded on original_source/src/ledger/mod.rs's State struct. Each
// collection is namespaced by key prefix within the single underlying
// vstore.Store and addressed per-call by branch name, so the three
// StateBranch values share one State without duplicating schema.
type State struct {
	store *vstore.Store

	ChainID      *vstore.Scalar[uint64]
	ChainName    *vstore.Scalar[string]
	ChainVersion *vstore.Scalar[string]

	GasPrice           *vstore.Scalar[*uint256.Int]
	BlockGasLimit      *vstore.Scalar[uint64]
	BlockBaseFeePerGas *vstore.Scalar[*uint256.Int]

	Blocks      *vstore.OrderedMap[uint64, chain.Block]
	BlockHashes *vstore.OrderedMap[uint64, common.Hash]

	log log.Logger
}

func NewState(store *vstore.Store) *State {
	return &State{
		store:              store,
		ChainID:            vstore.NewScalar(store, []byte("chain_id"), uint64Codec()),
		ChainName:          vstore.NewScalar(store, []byte("chain_name"), stringCodec()),
		ChainVersion:       vstore.NewScalar(store, []byte("chain_version"), stringCodec()),
		GasPrice:           vstore.NewScalar(store, []byte("evm/gas_price"), uint256Codec()),
		BlockGasLimit:      vstore.NewScalar(store, []byte("evm/block_gas_limit"), uint64Codec()),
		BlockBaseFeePerGas: vstore.NewScalar(store, []byte("evm/block_base_fee"), uint256Codec()),
		Blocks:             vstore.NewOrderedMap(store, []byte("blocks/"), uint64Codec(), blockCodec()),
		BlockHashes:        vstore.NewOrderedMap(store, []byte("block_hashes/"), uint64Codec(), hashCodec()),
		log:                log.New("module", "ledger"),
	}
}
