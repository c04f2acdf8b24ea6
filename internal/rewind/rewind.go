// Package rewind implements historical-query branches: ephemeral forks of
// Main rooted at an old version, used to answer balance/storage/call/
// estimate-gas queries at arbitrary heights without blocking the live chain.
// Grounded on original_source/src/common/mod.rs's rollback_to_height and
// original_source/src/ethvm/mod.rs's snapshot_at_height.
package rewind

import (
	"errors"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/overeality/ovr/internal/ledger"
	"github.com/overeality/ovr/internal/vstore"
)

var ErrGenesisHeight = errors.New("rewind: height 0 has no history to roll back to")

// counter is the process-wide monotone counter spec.md §9 requires for
// ephemeral-branch naming, so rapid-fire historical queries never collide
// even across concurrent RPC goroutines. Grounded on
// original_source/src/ethvm/mod.rs's TMP_ID atomic counter and
// clydemeng-bsc/revm_bridge/handles.go's atomic.AddUintptr registry idiom.
var counter uint64

func nextID() uint64 { return atomic.AddUint64(&counter, 1) }

// heightCache records, keyed by height, the Version each SnapshotAtHeight
// call forked at; nothing in this package reads it back.
var heightCache, _ = lru.New(4096)

// Branch is a handle to an ephemeral branch. Callers must call Release on
// every exit path (success or error) to honor spec.md §8 property 8 (no
// branch whose name starts with the call's prefix survives past the call).
type Branch struct {
	store *vstore.Store
	Name  vstore.BranchName
	At    vstore.Version
}

// Release removes the ephemeral branch. Safe to call more than once.
func (b *Branch) Release() {
	if b == nil || b.store == nil {
		return
	}
	_ = b.store.BranchRemove(b.Name)
	b.store = nil
}

// RollbackToHeight creates an ephemeral branch "{prefix}_{h+1}" as a child of
// Main forked at Version(h, MaxTxPosition), after every version of block h,
// so the branch's reads reflect the world as of the end of block h. The
// returned Branch's At is Version(h+1, 0); no version is opened on the
// branch itself. Fails if h == 0, per spec.md §4.7.
func RollbackToHeight(l *ledger.Ledger, h uint64, prefix string) (*Branch, error) {
	if h == 0 {
		return nil, ErrGenesisHeight
	}
	store := l.Store()
	name := vstore.BranchName(fmt.Sprintf("%s_%d", prefix, h+1))
	at := vstore.Version{Height: h, TxPosition: vstore.MaxTxPosition}
	if err := store.BranchCreateFrom(name, ledger.MainBranch, at); err != nil {
		return nil, fmt.Errorf("rewind: rollback to height %d: %w", h, err)
	}
	return &Branch{store: store, Name: name, At: vstore.Version{Height: h + 1, TxPosition: 0}}, nil
}

// SnapshotAtHeight forks Main at Version(h, MaxTxPosition) ("after all txs of
// block h") and stamps the branch name with a process-wide unique suffix, so
// concurrent eth_call/eth_estimateGas invocations at the same height never
// collide. Grounded on spec.md §4.7's snapshot_at_height, used by
// contract_handle (internal/rpcserver's eth_call/eth_estimateGas).
func SnapshotAtHeight(l *ledger.Ledger, h uint64, prefix string) (*Branch, error) {
	store := l.Store()
	id := nextID()
	name := vstore.BranchName(fmt.Sprintf("%s_%d_%d", prefix, h, id))
	at := vstore.Version{Height: h, TxPosition: vstore.MaxTxPosition}
	if err := store.BranchCreateFrom(name, ledger.MainBranch, at); err != nil {
		return nil, fmt.Errorf("rewind: snapshot at height %d: %w", h, err)
	}
	heightCache.Add(h, at)
	return &Branch{store: store, Name: name, At: at}, nil
}

// DirectView returns a Branch that reads straight through Main itself rather
// than forking, for read-only accessors (Balance, Nonce, Code, StorageAt,
// BlockByNumber) at Main's current committed tip. Release is a safe no-op
// since there is no fork to remove.
//
// This is only correct when h is Main's current committed height: the
// account/storage reads under internal/evmadapter resolve against a
// branch's latest version, not an arbitrary pinned one, so pointing this at
// a past height would silently return present-day state once Main advances
// past it. Callers asking for a height behind the tip must fork via
// RollbackToHeight instead, which captures the historical point by forking
// at it (nothing then writes through the fork, so its "latest version" stays
// pinned at the fork point for the query's lifetime).
func DirectView(l *ledger.Ledger, h uint64) *Branch {
	return &Branch{Name: ledger.MainBranch, At: vstore.Version{Height: h, TxPosition: vstore.MaxTxPosition}}
}

// SweepPrefix removes every branch whose name starts with prefix, a best-
// effort background cleanup for branches leaked by a crash mid-query.
// Spec.md §4.7 notes this is harmless to skip since the ledger never relies
// on ephemeral branches for correctness, so callers may run this
// periodically but do not have to.
func SweepPrefix(l *ledger.Ledger, prefix string) int {
	return l.Store().RemoveBranchesWithPrefix(prefix)
}
