package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/overeality/ovr/internal/chain"
	"github.com/overeality/ovr/internal/evmadapter"
	"github.com/overeality/ovr/internal/txpipeline"
	"github.com/overeality/ovr/internal/vstore"
)

// Vicinity is the per-block read-only environment handed to the EVM,
// grounded on original_source/src/ethvm/mod.rs's OvrVicinity. Refreshed on
// Main at every PrepareNextBlock; DeliverTx/CheckTx inherit whatever Main's
// vicinity was at their last refresh (see Ledger.refreshBranches).
type Vicinity struct {
	GasPrice              *uint256.Int
	Origin                common.Address
	ChainID               *uint256.Int
	BlockNumber           *uint256.Int
	BlockCoinbase         common.Address
	BlockTimestamp        *uint256.Int
	BlockDifficulty       *uint256.Int
	BlockGasLimit         *uint256.Int
	BlockBaseFeePerGas    *uint256.Int
}

var (
	ErrNotMain           = errors.New("ledger: operation requires the Main branch")
	ErrNoBlockInProcess  = errors.New("ledger: no block in process")
	ErrPreflightRejected = errors.New("ledger: preflight rejected")
)

// proposerToAddress left-pads/truncates an arbitrary proposer identity (as
// ABCI hands it over, e.g. a validator's consensus address) into an H160,
// grounded on spec.md §4.4's prepare_next_block.
func proposerToAddress(proposer []byte) common.Address {
	var addr common.Address
	if len(proposer) >= common.AddressLength {
		copy(addr[:], proposer[len(proposer)-common.AddressLength:])
	} else {
		copy(addr[common.AddressLength-len(proposer):], proposer)
	}
	return addr
}

// StateBranch is a per-role wrapper around the shared State, bound to one of
// Main/DeliverTx/CheckTx, grounded on original_source/src/ledger/mod.rs's
// StateBranch.
type StateBranch struct {
	branch vstore.BranchName
	state  *State
	store  *vstore.Store

	chainConfig *params.ChainConfig
	pipeline    *txpipeline.Pipeline

	vicinity Vicinity

	blockInProcess    chain.Block
	txHashesInProcess []common.Hash

	log log.Logger
}

func newStateBranch(branch vstore.BranchName, state *State, chainConfig *params.ChainConfig, pipeline *txpipeline.Pipeline) *StateBranch {
	return &StateBranch{
		branch:      branch,
		state:       state,
		store:       state.store,
		chainConfig: chainConfig,
		pipeline:    pipeline,
		log:         log.New("module", "ledger", "branch", string(branch)),
	}
}

// Branch reports the vstore branch name this StateBranch is bound to.
func (sb *StateBranch) Branch() vstore.BranchName { return sb.branch }

// BlockInProcess returns the block currently being assembled on this branch.
func (sb *StateBranch) BlockInProcess() chain.Block { return sb.blockInProcess }

// Vicinity returns the EVM vicinity currently in effect on this branch.
func (sb *StateBranch) Vicinity() Vicinity { return sb.vicinity }

// blockHashResolver answers the EVM's BLOCKHASH opcode by reading Main's
// committed block-hash index, the "source of truth for the chain" per
// spec.md §3. DeliverTx/CheckTx branches share Main's index because a vstore
// branch read walks through its parent chain for keys it has not itself
// written, and the block-hash index is only ever written on Main.
func (sb *StateBranch) blockHashResolver(height uint64) common.Hash {
	h, ok, err := sb.state.BlockHashes.Get(sb.branch, height)
	if err != nil || !ok {
		return common.Hash{}
	}
	return h
}

// newBackend constructs a fresh evmadapter.Backend bound to this branch's
// current open version.
func (sb *StateBranch) newBackend() *evmadapter.Backend {
	return evmadapter.NewBackend(sb.store, sb.branch, sb.blockHashResolver)
}

// buildBlockContext converts this branch's Vicinity into the go-ethereum
// vm.BlockContext the EVM expects, grounded on original_source's
// get_backend_hdr vicinity-to-block-context translation.
func (sb *StateBranch) buildBlockContext() vm.BlockContext {
	return vm.BlockContext{
		CanTransfer: evmadapter.CanTransfer,
		Transfer:    evmadapter.Transfer,
		GetHash:     sb.blockHashResolver,
		Coinbase:    sb.vicinity.BlockCoinbase,
		GasLimit:    sb.vicinity.BlockGasLimit.Uint64(),
		BlockNumber: sb.vicinity.BlockNumber.ToBig(),
		Time:        sb.vicinity.BlockTimestamp.Uint64(),
		Difficulty:  sb.vicinity.BlockDifficulty.ToBig(),
		BaseFee:     sb.vicinity.BlockBaseFeePerGas.ToBig(),
	}
}

// PrepareNextBlock clears in-process state, reads the last committed block
// (if any) for height/prev_hash, opens a fresh Version(height, 0)
// on this branch, and, for Main, refreshes the vicinity from chainID,
// proposer and timestamp. Grounded on spec.md §4.4.
func (sb *StateBranch) PrepareNextBlock(proposer []byte, timestamp uint64) error {
	height := uint64(1)
	prevHash := common.Hash{}
	if sb.branch == MainBranch {
		if lastHeight, lastBlock, ok, err := sb.lastBlock(); err != nil {
			return err
		} else if ok {
			height = lastHeight + 1
			prevHash = lastBlock.HeaderHash
		}
	} else {
		// DeliverTx/CheckTx fork from Main and never own blocks themselves;
		// their notion of "next height" tracks whatever Main's tip height is
		// via their own block_hashes read (inherited through the branch
		// parent chain), mirroring original_source where every StateBranch
		// independently maintains block_in_process but reads height through
		// the shared vsdb Main branch.
		if lastHeight, lastBlock, ok, err := sb.lastBlock(); err != nil {
			return err
		} else if ok {
			height = lastHeight + 1
			prevHash = lastBlock.HeaderHash
		}
	}

	addr := proposerToAddress(proposer)
	sb.blockInProcess = chain.NewBlock(height, addr, timestamp, prevHash)
	sb.txHashesInProcess = nil

	if err := sb.store.VersionCreateOn(sb.branch, vstore.Version{Height: height, TxPosition: 0}); err != nil {
		return fmt.Errorf("ledger: prepare next block: %w", err)
	}

	if sb.branch == MainBranch {
		chainID, _, _ := sb.state.ChainID.Get(sb.branch)
		gasPrice, _, _ := sb.state.GasPrice.Get(sb.branch)
		gasLimit, _, _ := sb.state.BlockGasLimit.Get(sb.branch)
		baseFee, _, _ := sb.state.BlockBaseFeePerGas.Get(sb.branch)
		if gasPrice == nil {
			gasPrice = txpipeline.DefaultMinGasPrice
		}
		if baseFee == nil {
			baseFee = new(uint256.Int)
		}
		sb.vicinity = Vicinity{
			GasPrice:           gasPrice,
			Origin:             common.Address{},
			ChainID:            uint256.NewInt(chainID),
			BlockNumber:        uint256.NewInt(height),
			BlockCoinbase:      addr,
			BlockTimestamp:     uint256.NewInt(timestamp),
			BlockDifficulty:    new(uint256.Int),
			BlockGasLimit:      uint256.NewInt(gasLimit),
			BlockBaseFeePerGas: baseFee,
		}
	}
	return nil
}

// InheritVicinity copies Main's vicinity onto sb, used by
// Ledger.refreshBranches to give freshly re-forked DeliverTx/CheckTx
// branches the same read-only block environment Main has at the moment of
// the fork.
func (sb *StateBranch) InheritVicinity(v Vicinity) { sb.vicinity = v }

func (sb *StateBranch) lastBlock() (uint64, chain.Block, bool, error) {
	height, block, ok, err := sb.state.Blocks.Last(sb.branch)
	if err != nil {
		return 0, chain.Block{}, false, err
	}
	return height, block, ok, nil
}

// ApplyTxResult carries the outcome apply_tx returns to its caller, enough
// for CheckTx (which discards state) and DeliverTx (which needs the receipt
// for block assembly) to share one code path.
type ApplyTxResult struct {
	Receipt chain.Receipt
	TxHash  common.Hash
}

// ApplyTx dispatches tx (EVM or native) against this branch, grounded on
// spec.md §4.4's apply_tx. Each attempt opens its own version. An executed
// transaction, successful or reverted, keeps that version: the fee is
// charged into it (§7's "fee on revert" policy), the tx and its hash are
// appended and the receipt is recorded. A transaction rejected in preflight
// has its version popped and is charged nothing; if that leaves the branch
// with no version, a placeholder Version(height, 0) is opened in its place.
func (sb *StateBranch) ApplyTx(tx Tx) (ApplyTxResult, error) {
	if sb.blockInProcess.Header.Receipts == nil {
		return ApplyTxResult{}, ErrNoBlockInProcess
	}

	height := sb.blockInProcess.Header.Height
	txPos := uint64(1 + len(sb.txHashesInProcess))
	if err := sb.store.VersionCreateOn(sb.branch, vstore.Version{Height: height, TxPosition: txPos}); err != nil {
		return ApplyTxResult{}, fmt.Errorf("ledger: apply tx: open version: %w", err)
	}

	result, execErr := sb.execute(tx)
	if execErr != nil {
		// Preflight rejection: nothing was written (native path never wrote,
		// EVM path's Backend is discarded before any Flush). Pop the version
		// so this branch reads exactly as it did before the call.
		if popErr := sb.store.VersionPopOn(sb.branch); popErr != nil {
			sb.log.Error("pop version after preflight rejection", "err", popErr)
		}
		if !sb.store.HasVersions(sb.branch) {
			// Open Question #1 (spec.md §9, resolved in DESIGN.md): recreate
			// with the correct block height rather than Version::default(),
			// since height 0 is reserved and would collide across blocks.
			if err := sb.store.VersionCreateOn(sb.branch, vstore.Version{Height: height, TxPosition: 0}); err != nil {
				return ApplyTxResult{}, fmt.Errorf("ledger: recreate placeholder version: %w", err)
			}
		}
		return ApplyTxResult{}, fmt.Errorf("%w: %v", ErrPreflightRejected, execErr)
	}

	// Execution was attempted (success or revert): charge the fee
	// unconditionally now, never popping the version, since the fee debit
	// must persist even when the transaction reverted.
	from := result.Caller
	if err := evmadapter.ChargeFee(sb.store, sb.branch, from, result.FeeUsed); err != nil {
		return ApplyTxResult{}, fmt.Errorf("ledger: charge fee: %w", err)
	}

	txHash := tx.Hash()
	sb.txHashesInProcess = append(sb.txHashesInProcess, txHash)

	receipt := result.GenReceipt(txHash, txPos-1)
	if result.Success {
		logs := result.GenLogs(txHash)
		var logsBefore uint64
		for _, r := range sb.blockInProcess.Header.Receipts {
			logsBefore += uint64(len(r.Logs))
		}
		for i := range logs {
			logs[i].LogIndexInBlock = logsBefore + uint64(i)
		}
		receipt.AddLogs(logs)
		// Logs of failed transactions carry none, per spec.md §4.3 step 6 and
		// §9's confirmed-as-intentional design note.
	}
	sb.blockInProcess.Header.Receipts[txHash] = receipt
	sb.blockInProcess.TxHashes = append(sb.blockInProcess.TxHashes, txHash)
	if raw, err := tx.Encode(); err == nil {
		sb.blockInProcess.RawTxs = append(sb.blockInProcess.RawTxs, raw)
	}

	return ApplyTxResult{Receipt: receipt, TxHash: txHash}, nil
}

func (sb *StateBranch) execute(tx Tx) (*txpipeline.Result, error) {
	switch tx.Kind {
	case TxKindEVM:
		backend := sb.newBackend()
		blockCtx := sb.buildBlockContext()
		return sb.pipeline.Apply(tx.Evm, backend, blockCtx, false)
	case TxKindNative:
		backend := sb.newBackend()
		gasPrice := sb.vicinity.GasPrice
		return sb.pipeline.ApplyNative(*tx.Native, backend, gasPrice)
	default:
		return nil, ErrUnknownTxKind
	}
}

// CleanUp pops a dangling "next-block" version left by a crash between
// PrepareNextBlock and Commit, grounded on spec.md §4.4's clean_up.
func (sb *StateBranch) CleanUp() error {
	lastHeight, _, ok, err := sb.lastBlock()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	dangling := vstore.Version{Height: lastHeight + 1, TxPosition: 0}
	if sb.store.VersionExistsOn(sb.branch, dangling) {
		if latest, err := sb.store.LatestVersion(sb.branch); err == nil && latest == dangling {
			return sb.store.VersionPopOn(sb.branch)
		}
	}
	return nil
}

// Commit finalizes the block in process onto Main: builds the tx Merkle
// tree (sentinel-included), fills per-block gas totals into every receipt,
// accrues the bloom filter from a fresh zero value (spec.md §9's "start from
// zero" fix), computes the header hash, and indexes the block and its hash
// by height. Main only.
func (sb *StateBranch) Commit() (chain.Block, error) {
	if sb.branch != MainBranch {
		return chain.Block{}, ErrNotMain
	}

	// NewTxMerkle appends the sentinel leaf itself, guaranteeing the tree
	// (and therefore tx_merkle.root_hash) is never empty, per spec.md §4.4
	// and the nonemptiness invariant in §8.
	merkle := chain.NewTxMerkle(sb.txHashesInProcess)

	var totalGas uint64
	for _, r := range sb.blockInProcess.Header.Receipts {
		totalGas += r.TxGasUsed
	}
	for k, r := range sb.blockInProcess.Header.Receipts {
		r.BlockGasUsed = totalGas
		sb.blockInProcess.Header.Receipts[k] = r
	}

	bloom := types.Bloom{}
	for _, r := range sb.blockInProcess.Header.Receipts {
		chain.AccrueBloom(&bloom, r.Logs)
	}

	sb.blockInProcess.Header.TxMerkle = merkle
	headerHash := sb.blockInProcess.Header.Hash()
	sb.blockInProcess.HeaderHash = headerHash
	sb.blockInProcess.Bloom = bloom
	sb.blockInProcess.TxHashes = append([]common.Hash(nil), sb.txHashesInProcess...)

	height := sb.blockInProcess.Header.Height
	if err := sb.state.BlockHashes.Insert(sb.branch, height, headerHash); err != nil {
		return chain.Block{}, fmt.Errorf("ledger: commit: index block hash: %w", err)
	}
	if err := sb.state.Blocks.Insert(sb.branch, height, sb.blockInProcess); err != nil {
		return chain.Block{}, fmt.Errorf("ledger: commit: index block: %w", err)
	}

	return sb.blockInProcess, nil
}

// SwapBlockInProcess transplants src's in-progress block and tx-hash list
// onto sb, used by Ledger.Commit to move DeliverTx's assembled block onto
// Main before merging DeliverTx's store diffs, grounded on spec.md §4.5's
// Commit action ("Move DeliverTx's block_in_process ... into Main by swap").
func (sb *StateBranch) SwapBlockInProcess(src *StateBranch) {
	sb.blockInProcess, src.blockInProcess = src.blockInProcess, sb.blockInProcess
	sb.txHashesInProcess, src.txHashesInProcess = src.txHashesInProcess, sb.txHashesInProcess
}

// LastCommittedHeightAndHash reports Main's tip, used by ABCI Info.
func (sb *StateBranch) LastCommittedHeightAndHash() (uint64, common.Hash) {
	height, block, ok, err := sb.lastBlock()
	if err != nil || !ok {
		return 0, common.Hash{}
	}
	return height, block.HeaderHash
}

// ChargeFee is exposed for native-genesis and tooling paths that need a
// direct debit outside the tx pipeline.
func (sb *StateBranch) ChargeFee(addr common.Address, amount *uint256.Int) error {
	return evmadapter.ChargeFee(sb.store, sb.branch, addr, amount)
}

// SetAccount funds addr directly, used by genesis initialization.
func (sb *StateBranch) SetAccount(addr common.Address, balance *uint256.Int, nonce uint64) error {
	return evmadapter.SetAccount(sb.store, sb.branch, addr, evmadapter.Account{
		Balance:  balance,
		Nonce:    nonce,
		CodeHash: evmadapter.EmptyCodeHash,
	})
}

// DeployContract runs a CREATE/CREATE2 deployment directly against this
// branch outside the normal tx pipeline (no nonce/balance preflight),
// grounded on original_source's inital_create2 genesis bootstrap path.
func (sb *StateBranch) DeployContract(from common.Address, salt *[32]byte, bytecode []byte, value *uint256.Int) (common.Address, error) {
	backend := sb.newBackend()
	blockCtx := sb.buildBlockContext()
	txCtx := vm.TxContext{Origin: from, GasPrice: big.NewInt(0)}
	evm := vm.NewEVM(blockCtx, txCtx, backend, sb.chainConfig, vm.Config{})

	if value == nil {
		value = new(uint256.Int)
	}
	var (
		ret  []byte
		addr common.Address
		err  error
	)
	const genesisDeployGas = 10_000_000
	if salt != nil {
		ret, addr, _, err = evm.Create2(vm.AccountRef(from), bytecode, genesisDeployGas, value, new(uint256.Int).SetBytes(salt[:]))
	} else {
		ret, addr, _, err = evm.Create(vm.AccountRef(from), bytecode, genesisDeployGas, value)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: deploy contract: %w: %s", err, ret)
	}
	if ferr := backend.Flush(true); ferr != nil {
		return common.Address{}, fmt.Errorf("ledger: deploy contract: flush: %w", ferr)
	}
	return addr, nil
}
