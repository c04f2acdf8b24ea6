package rpcserver

import (
	"strconv"

	"github.com/overeality/ovr/internal/ledger"
)

// NetService implements the net_* namespace.
type NetService struct {
	ledger *ledger.Ledger
}

// NewNetService builds the net_* handler set over l.
func NewNetService(l *ledger.Ledger) *NetService {
	return &NetService{ledger: l}
}

// Version returns the configured chain ID as a decimal string, matching
// go-ethereum's net_version convention of a base-10 string rather than hex.
func (n *NetService) Version() (string, error) {
	id, _, err := n.ledger.State().ChainID.Get(ledger.MainBranch)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(id, 10), nil
}

// Listening is always true: this core's RPC front end is up whenever it can
// answer at all.
func (n *NetService) Listening() bool { return true }

// PeerCount is always zero: this core has no peer-to-peer networking of its
// own, consensus networking is the external engine's responsibility, per
// spec.md §9's non-goal on P2P.
func (n *NetService) PeerCount() string { return "0x0" }
