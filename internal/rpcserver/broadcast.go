package rpcserver

import "encoding/json"

// txEnvelopeWire mirrors internal/abci's unexported txEnvelope wire shape so
// this package can build ABCI tx payloads without importing abci directly
// (abci already imports ledger/txpipeline; rpcserver stays a leaf package).
type txEnvelopeWire struct {
	Evm []byte `json:"evm,omitempty"`
}

func (e txEnvelopeWire) marshal() ([]byte, error) {
	return json.Marshal(e)
}
