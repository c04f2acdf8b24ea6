package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/overeality/ovr/internal/chain"
	"github.com/overeality/ovr/internal/txpipeline"
	"github.com/overeality/ovr/internal/vstore"
)

// LedgerSnapshotPath is the durable metadata file written at every Main
// commit, kept literally as original_source/src/ledger/mod.rs's
// LEDGER_SNAPSHOT_PATH so operators migrating data directories recognize it.
const LedgerSnapshotPath = "overeality/ledger/ledger.json"

// Ledger owns the three well-known branches and drives the ABCI lifecycle,
// grounded on original_source/src/ledger/mod.rs's Ledger.
type Ledger struct {
	store *vstore.Store
	state *State

	mainMu sync.RWMutex
	main   *StateBranch

	deliverMu sync.RWMutex
	deliver   *StateBranch

	checkMu sync.RWMutex
	check   *StateBranch

	chainConfig *params.ChainConfig
	pipeline    *txpipeline.Pipeline

	vsdbDir string
	log     log.Logger
}

// New constructs a Ledger over store without creating any branch. Callers
// follow with LoadOrInit and, when it finds no snapshot, InitGenesis.
func New(store *vstore.Store, chainConfig *params.ChainConfig, minGasPrice *uint256.Int, vsdbDir string) (*Ledger, error) {
	state := NewState(store)
	pipeline := txpipeline.New(chainConfig, minGasPrice)

	l := &Ledger{
		store:       store,
		state:       state,
		chainConfig: chainConfig,
		pipeline:    pipeline,
		vsdbDir:     vsdbDir,
		log:         log.New("module", "ledger"),
	}
	return l, nil
}

// snapshotPayload is the serialized shape of Main's StateBranch metadata, per
// spec.md §6's "Persisted state": in-progress block, tx hashes, branch name.
// The versioned store itself is not serialized here (§9's "cyclic
// ownership" design note): only Main's wrapper metadata is opaque-snapshotted.
type snapshotPayload struct {
	Branch            vstore.BranchName `json:"branch"`
	BlockInProcess    chain.Block        `json:"block_in_process"`
	TxHashesInProcess []common.Hash      `json:"tx_hashes_in_process"`
}

func (l *Ledger) snapshotFilePath() string {
	return filepath.Join(l.vsdbDir, LedgerSnapshotPath)
}

// InitGenesis creates the three well-known branches fresh (no snapshot to
// load), used on a brand-new chain's first start.
func (l *Ledger) InitGenesis(chainID uint64, chainName, chainVersion string, gasPrice *uint256.Int, blockGasLimit uint64, baseFee *uint256.Int) error {
	if err := l.store.BranchCreate(MainBranch); err != nil {
		return fmt.Errorf("ledger: init genesis: create main: %w", err)
	}
	// Genesis metadata (chain ID, gas parameters) is written before any block
	// exists, so it is stamped into the same pre-genesis Version{0,0} that
	// DeployGenesisContract/FundGenesisAccount bootstrap against.
	if err := l.store.VersionCreateOn(MainBranch, Version{Height: 0, TxPosition: 0}); err != nil {
		return fmt.Errorf("ledger: init genesis: open version: %w", err)
	}
	if err := l.state.ChainID.Set(MainBranch, chainID); err != nil {
		return err
	}
	if err := l.state.ChainName.Set(MainBranch, chainName); err != nil {
		return err
	}
	if err := l.state.ChainVersion.Set(MainBranch, chainVersion); err != nil {
		return err
	}
	if gasPrice == nil {
		gasPrice = txpipeline.DefaultMinGasPrice
	}
	if baseFee == nil {
		baseFee = new(uint256.Int)
	}
	if err := l.state.GasPrice.Set(MainBranch, gasPrice); err != nil {
		return err
	}
	if err := l.state.BlockGasLimit.Set(MainBranch, blockGasLimit); err != nil {
		return err
	}
	if err := l.state.BlockBaseFeePerGas.Set(MainBranch, baseFee); err != nil {
		return err
	}

	l.main = newStateBranch(MainBranch, l.state, l.chainConfig, l.pipeline)
	return l.refreshBranches()
}

// LoadOrInit loads a durable snapshot if one exists, wiring Main to it and
// re-deriving DeliverTx/CheckTx as fresh Main children; when no snapshot
// file exists it returns found=false and changes nothing.
// Grounded on spec.md §4.5's Startup description.
func (l *Ledger) LoadOrInit() (found bool, err error) {
	raw, err := os.ReadFile(l.snapshotFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("ledger: load snapshot: %w", err)
	}
	var payload snapshotPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false, fmt.Errorf("ledger: decode snapshot: %w", err)
	}

	l.main = newStateBranch(MainBranch, l.state, l.chainConfig, l.pipeline)
	l.main.blockInProcess = payload.BlockInProcess
	l.main.txHashesInProcess = payload.TxHashesInProcess

	if err := l.loadingRefresh(); err != nil {
		return false, err
	}
	return true, nil
}

// loadingRefresh pops any dangling "next-block" version left on Main by a
// crashed commit, then recreates the transient branches, without calling
// PrepareNextBlock (that happens at the next BeginBlock), per spec.md §4.5.
func (l *Ledger) loadingRefresh() error {
	if err := l.main.CleanUp(); err != nil {
		return fmt.Errorf("ledger: loading refresh: clean up main: %w", err)
	}
	return l.refreshBranches()
}

// refreshBranches deletes CheckTx/DeliverTx if present and recreates both as
// fresh children of Main at Main's current tip, so both transient branches
// see exactly Main's committed state. Takes the DeliverTx then CheckTx
// writers; BeginBlock already holds mainMu when it calls this, while
// InitGenesis and LoadOrInit call it at startup without mainMu.
func (l *Ledger) refreshBranches() error {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()
	l.checkMu.Lock()
	defer l.checkMu.Unlock()

	if l.store.BranchExists(CheckTxBranch) {
		_ = l.store.BranchRemove(CheckTxBranch)
	}
	if l.store.BranchExists(DeliverTxBranch) {
		_ = l.store.BranchRemove(DeliverTxBranch)
	}

	mainTip, hasTip := Version{}, false
	if v, err := l.store.LatestVersion(MainBranch); err == nil {
		mainTip, hasTip = v, true
	}
	if !hasTip {
		mainTip = Version{}
	}

	if err := l.store.BranchCreateFrom(DeliverTxBranch, MainBranch, mainTip); err != nil {
		return fmt.Errorf("ledger: refresh branches: fork deliver-tx: %w", err)
	}
	if err := l.store.BranchCreateFrom(CheckTxBranch, MainBranch, mainTip); err != nil {
		return fmt.Errorf("ledger: refresh branches: fork check-tx: %w", err)
	}

	l.deliver = newStateBranch(DeliverTxBranch, l.state, l.chainConfig, l.pipeline)
	l.check = newStateBranch(CheckTxBranch, l.state, l.chainConfig, l.pipeline)
	l.deliver.InheritVicinity(l.main.Vicinity())
	l.check.InheritVicinity(l.main.Vicinity())
	return nil
}

// Version is re-exported from vstore for callers of this package that do
// not want to import internal/vstore directly for the common case.
type Version = vstore.Version

// Info returns Main's last-committed height and header hash, for ABCI Info.
func (l *Ledger) Info() (uint64, common.Hash) {
	l.mainMu.RLock()
	defer l.mainMu.RUnlock()
	return l.main.LastCommittedHeightAndHash()
}

// CheckTx validates and applies tx against the CheckTx branch only,
// returning (ok, message) per spec.md §4.5's ABCI CheckTx row. Any state it
// writes is visible only on CheckTx until the next refresh discards it.
func (l *Ledger) CheckTx(tx Tx) (bool, string) {
	l.checkMu.Lock()
	defer l.checkMu.Unlock()
	if l.check.blockInProcess.Header.Receipts == nil {
		return false, "check-tx branch has no block in process"
	}
	if _, err := l.check.ApplyTx(tx); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// BeginBlock refreshes all three branches to Main's tip and opens a new
// in-process block on each, per spec.md §4.5's ABCI BeginBlock row.
func (l *Ledger) BeginBlock(proposer []byte, timestamp uint64) error {
	l.mainMu.Lock()
	defer l.mainMu.Unlock()

	if err := l.refreshBranches(); err != nil {
		return err
	}
	if err := l.main.PrepareNextBlock(proposer, timestamp); err != nil {
		return fmt.Errorf("ledger: begin block: main: %w", err)
	}

	l.deliverMu.Lock()
	if err := l.deliver.PrepareNextBlock(proposer, timestamp); err != nil {
		l.deliverMu.Unlock()
		return fmt.Errorf("ledger: begin block: deliver-tx: %w", err)
	}
	l.deliver.InheritVicinity(l.main.Vicinity())
	l.deliverMu.Unlock()

	l.checkMu.Lock()
	if err := l.check.PrepareNextBlock(proposer, timestamp); err != nil {
		l.checkMu.Unlock()
		return fmt.Errorf("ledger: begin block: check-tx: %w", err)
	}
	l.check.InheritVicinity(l.main.Vicinity())
	l.checkMu.Unlock()
	return nil
}

// DeliverTx applies tx against the DeliverTx branch, per spec.md §4.5's ABCI
// DeliverTx row.
func (l *Ledger) DeliverTx(tx Tx) (bool, string) {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()
	if _, err := l.deliver.ApplyTx(tx); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// EndBlock is a no-op placeholder for staking, per spec.md §4.5.
func (l *Ledger) EndBlock() {}

// Commit moves DeliverTx's in-progress block onto Main, merges DeliverTx's
// store diffs into Main, commits Main (Merkle/bloom/header-hash/indexing),
// durably snapshots Main's metadata, and returns the new header hash as the
// ABCI app hash. Grounded on spec.md §4.5's ABCI Commit row.
//
// A failure here is unrecoverable: spec.md §7 mandates that a broken commit
// panic the process rather than leave state partially applied.
func (l *Ledger) Commit() common.Hash {
	l.mainMu.Lock()
	defer l.mainMu.Unlock()
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()
	l.checkMu.Lock()
	defer l.checkMu.Unlock()

	l.main.SwapBlockInProcess(l.deliver)

	height := l.main.blockInProcess.Header.Height
	mergeVersion := Version{Height: height, TxPosition: vstore.MaxTxPosition}
	if err := l.store.BranchMergeToParent(DeliverTxBranch, mergeVersion); err != nil {
		panic(fmt.Sprintf("ledger: commit: merge deliver-tx into main: %v", err))
	}

	block, err := l.main.Commit()
	if err != nil {
		panic(fmt.Sprintf("ledger: commit: main commit: %v", err))
	}

	if err := l.saveSnapshot(); err != nil {
		panic(fmt.Sprintf("ledger: commit: save snapshot: %v", err))
	}

	l.log.Info("committed block", "height", block.Header.Height, "hash", block.HeaderHash, "txs", len(block.TxHashes))
	return block.HeaderHash
}

func (l *Ledger) saveSnapshot() error {
	payload := snapshotPayload{
		Branch:            MainBranch,
		BlockInProcess:    l.main.blockInProcess,
		TxHashesInProcess: l.main.txHashesInProcess,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	path := l.snapshotFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Store exposes the underlying versioned store, used by internal/rewind and
// internal/rpcserver to read through Main and to fork ephemeral branches.
func (l *Ledger) Store() *vstore.Store { return l.store }

// State exposes the shared collections, used by read-only RPC handlers.
func (l *Ledger) State() *State { return l.state }

// ChainConfig exposes the EVM chain configuration, used by RPC call/estimate
// handlers that build their own transient EVM.
func (l *Ledger) ChainConfig() *params.ChainConfig { return l.chainConfig }

// Pipeline exposes the shared tx pipeline, used by ephemeral-branch call/
// estimateGas execution in internal/rewind.
func (l *Ledger) Pipeline() *txpipeline.Pipeline { return l.pipeline }

// MainSnapshot returns a read-only StateBranch view bound to Main's current
// tip, used by RPC handlers that read the live (non-historical) chain.
func (l *Ledger) MainSnapshot() *StateBranch {
	l.mainMu.RLock()
	defer l.mainMu.RUnlock()
	return l.main
}

// DeployGenesisContract deploys bytecode via CREATE2 with a fixed salt
// directly on Main, outside the normal block lifecycle. Grounded on
// original_source/src/ethvm/tx/mod.rs:493's inital_create2, used only during
// genesis bootstrapping before the chain accepts its first block. The salt
// is Keccak256 (not this core's SHA3-256 header hashing), matching
// inital_create2's own hashing of the salt string exactly so genesis
// contracts land at the same address the original produces.
func (l *Ledger) DeployGenesisContract(from common.Address, saltString string, bytecode []byte) (common.Address, error) {
	l.mainMu.Lock()
	defer l.mainMu.Unlock()
	salt := crypto.Keccak256Hash([]byte(saltString))
	if !l.store.HasVersions(MainBranch) {
		if err := l.store.VersionCreateOn(MainBranch, Version{Height: 0, TxPosition: 0}); err != nil {
			return common.Address{}, err
		}
	}
	return l.main.DeployContract(from, (*[32]byte)(&salt), bytecode, nil)
}

// FundGenesisAccount credits balance directly on Main, used during genesis
// bootstrapping before the first block.
func (l *Ledger) FundGenesisAccount(addr common.Address, balance *uint256.Int) error {
	l.mainMu.Lock()
	defer l.mainMu.Unlock()
	if !l.store.HasVersions(MainBranch) {
		if err := l.store.VersionCreateOn(MainBranch, Version{Height: 0, TxPosition: 0}); err != nil {
			return err
		}
	}
	return l.main.SetAccount(addr, balance, 0)
}
