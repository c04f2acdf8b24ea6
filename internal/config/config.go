// Package config loads the core's TOML configuration file and layers CLI
// flag overrides on top of it, following go-ethereum's own cmd/geth
// flag-then-TOML merge convention (the teacher's idiom, reused in pattern
// rather than copied file-for-file since cmd/ was not part of the retrieved
// pack). Grounded on spec.md §6's "Environment / config" list.
package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/naoina/toml"
)

// Config is the core's full environment, spec.md §6's field list plus the
// listen addresses SPEC_FULL.md §4.3 adds for the ABCI/RPC front ends.
type Config struct {
	ChainID      uint64 `toml:"chain_id"`
	ChainName    string `toml:"chain_name"`
	ChainVersion string `toml:"chain_version"`

	GasPrice           uint64 `toml:"gas_price"`
	BlockGasLimit      uint64 `toml:"block_gas_limit"`
	BlockBaseFeePerGas uint64 `toml:"block_base_fee_per_gas"`

	Upstream string `toml:"upstream"`
	VsdbDir  string `toml:"vsdb_dir"`

	RPCListenAddr  string `toml:"rpc_listen_addr"`
	ABCIListenAddr string `toml:"abci_listen_addr"`

	// JWTSecretPath, when non-empty, requires every RPC request to carry a
	// valid HS256-signed bearer token (internal/rpcserver's admin-auth
	// supplement). Empty leaves the RPC surface unauthenticated.
	JWTSecretPath string `toml:"jwt_secret_path"`
}

// Default returns the configuration defaults spec.md §6 names explicitly
// (gas_price=10, block_gas_limit=MaxUint64, block_base_fee_per_gas=0) plus a
// default chain name and version, data directory and listen addresses; the
// fields it leaves unset (chain ID, upstream URL, JWT secret path) come from
// the TOML file or CLI flags.
func Default() Config {
	return Config{
		ChainName:          "overeality",
		ChainVersion:       "v1",
		GasPrice:           10,
		BlockGasLimit:      ^uint64(0),
		BlockBaseFeePerGas: 0,
		VsdbDir:            "./data",
		RPCListenAddr:      "127.0.0.1:8545",
		ABCIListenAddr:     "tcp://127.0.0.1:26658",
	}
}

// Load reads a TOML file at path into a copy of Default(), leaving fields
// the file omits at their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher optionally hot-reloads gas_price/block_gas_limit from the config
// file without a restart, a supplement beyond spec.md's static config model
// (SPEC_FULL.md §5); off unless a caller starts it explicitly.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onChange func(Config)
}

// NewWatcher opens an fsnotify watch on path. Call Close when done.
func NewWatcher(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w := &Watcher{path: path, watcher: fw, onChange: onChange}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				continue
			}
			w.onChange(cfg)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watch.
func (w *Watcher) Close() error { return w.watcher.Close() }
