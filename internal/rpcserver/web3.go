package rpcserver

import (
	"github.com/ethereum/go-ethereum/crypto"
)

// Web3Service implements the web3_* namespace.
type Web3Service struct{}

// NewWeb3Service builds the web3_* handler set.
func NewWeb3Service() *Web3Service { return &Web3Service{} }

// ClientVersion reports this core's identity string.
func (w *Web3Service) ClientVersion() string { return "overeality/ovr" }

// Sha3 implements web3_sha3, hashing with Keccak256 per the JSON-RPC spec's
// own definition of the method (distinct from this core's internal
// SHA3-256 header hashing, which is a deliberate departure covered
// elsewhere).
func (w *Web3Service) Sha3(data []byte) string {
	return crypto.Keccak256Hash(data).Hex()
}
