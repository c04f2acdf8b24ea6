// Command ovrd is the core's process entrypoint: it loads configuration,
// opens the versioned store, brings up (or resumes) the ledger, and serves
// both the ABCI socket and the JSON-RPC HTTP front end until signaled to
// stop. Grounded on go-ethereum's cmd/geth main.go structure (urfave/cli
// app, config-then-flags, automaxprocs) and original_source's own
// top-level wiring in src/main.rs.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	abciserver "github.com/cometbft/cometbft/abci/server"
	tmlog "github.com/cometbft/cometbft/libs/log"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/overeality/ovr/internal/abci"
	"github.com/overeality/ovr/internal/config"
	"github.com/overeality/ovr/internal/ledger"
	"github.com/overeality/ovr/internal/rpcserver"
	"github.com/overeality/ovr/internal/vstore"
)

var (
	configFlag = &cli.StringFlag{Name: "config", Usage: "path to the TOML configuration file", Value: "ovrd.toml"}

	rpcListenFlag  = &cli.StringFlag{Name: "rpc-listen-addr", Usage: "overrides rpc_listen_addr"}
	abciListenFlag = &cli.StringFlag{Name: "abci-listen-addr", Usage: "overrides abci_listen_addr"}
	upstreamFlag   = &cli.StringFlag{Name: "upstream", Usage: "overrides upstream"}
	vsdbDirFlag    = &cli.StringFlag{Name: "vsdb-dir", Usage: "overrides vsdb_dir"}
	jwtSecretFlag  = &cli.StringFlag{Name: "jwt-secret-path", Usage: "overrides jwt_secret_path; enables bearer-auth on the RPC surface when set"}
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {})); err != nil {
		log.Warn("failed to set GOMAXPROCS", "err", err)
	}

	app := &cli.App{
		Name:  "ovrd",
		Usage: "overeality EVM-compatible ledger core",
		Flags: []cli.Flag{configFlag, rpcListenFlag, abciListenFlag, upstreamFlag, vsdbDirFlag, jwtSecretFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("ovrd: fatal", "err", err)
	}
}

func loadConfig(c *cli.Context) config.Config {
	cfg := config.Default()
	if path := c.String(configFlag.Name); path != "" {
		if loaded, err := config.Load(path); err == nil {
			cfg = loaded
		} else {
			log.Warn("ovrd: config file not loaded, using defaults", "path", path, "err", err)
		}
	}
	if v := c.String(rpcListenFlag.Name); v != "" {
		cfg.RPCListenAddr = v
	}
	if v := c.String(abciListenFlag.Name); v != "" {
		cfg.ABCIListenAddr = v
	}
	if v := c.String(upstreamFlag.Name); v != "" {
		cfg.Upstream = v
	}
	if v := c.String(vsdbDirFlag.Name); v != "" {
		cfg.VsdbDir = v
	}
	if v := c.String(jwtSecretFlag.Name); v != "" {
		cfg.JWTSecretPath = v
	}
	return cfg
}

func run(c *cli.Context) error {
	cfg := loadConfig(c)

	backing, err := vstore.OpenPebbleBacking(cfg.VsdbDir)
	if err != nil {
		return fmt.Errorf("ovrd: open pebble backing: %w", err)
	}
	cached := vstore.NewCachedBacking(backing, 64<<20)
	store := vstore.NewStore(cached)

	chainConfig := &params.ChainConfig{ChainID: new(big.Int).SetUint64(cfg.ChainID)}
	l, err := ledger.New(store, chainConfig, uint256.NewInt(cfg.GasPrice), cfg.VsdbDir)
	if err != nil {
		return fmt.Errorf("ovrd: construct ledger: %w", err)
	}

	found, err := l.LoadOrInit()
	if err != nil {
		return fmt.Errorf("ovrd: load or init ledger: %w", err)
	}
	if !found {
		baseFee := new(uint256.Int)
		if err := l.InitGenesis(cfg.ChainID, cfg.ChainName, cfg.ChainVersion, uint256.NewInt(cfg.GasPrice), cfg.BlockGasLimit, baseFee); err != nil {
			return fmt.Errorf("ovrd: init genesis: %w", err)
		}
		log.Info("ovrd: initialized fresh chain", "chain_id", cfg.ChainID, "chain_name", cfg.ChainName)
	} else {
		log.Info("ovrd: resumed chain from snapshot")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	application := abci.New(l)
	socketServer := abciserver.NewSocketServer(cfg.ABCIListenAddr, application)
	socketServer.SetLogger(cometLoggerAdapter{log: log.New("module", "abci-server")})
	if err := socketServer.Start(); err != nil {
		return fmt.Errorf("ovrd: start abci server: %w", err)
	}
	defer socketServer.Stop() //nolint:errcheck

	var jwtSecret *[32]byte
	if cfg.JWTSecretPath != "" {
		secret, err := rpcserver.LoadOrCreateJWTSecret(cfg.JWTSecretPath)
		if err != nil {
			return fmt.Errorf("ovrd: load jwt secret: %w", err)
		}
		jwtSecret = &secret
		log.Info("ovrd: rpc surface requires bearer auth", "jwt_secret_path", cfg.JWTSecretPath)
	}

	rpc, err := rpcserver.New(l, cfg.Upstream, jwtSecret)
	if err != nil {
		return fmt.Errorf("ovrd: construct rpc server: %w", err)
	}

	log.Info("ovrd: listening", "abci", cfg.ABCIListenAddr, "rpc", cfg.RPCListenAddr)
	return rpc.ListenAndServe(ctx, cfg.RPCListenAddr)
}

// cometLoggerAdapter bridges go-ethereum's log.Logger to cometbft's
// tmlog.Logger interface so the ABCI socket server logs through the same
// sink as the rest of this core.
type cometLoggerAdapter struct {
	log log.Logger
}

func (a cometLoggerAdapter) Debug(msg string, keyvals ...interface{}) { a.log.Debug(msg, keyvals...) }
func (a cometLoggerAdapter) Info(msg string, keyvals ...interface{})  { a.log.Info(msg, keyvals...) }
func (a cometLoggerAdapter) Error(msg string, keyvals ...interface{}) { a.log.Error(msg, keyvals...) }

func (a cometLoggerAdapter) With(keyvals ...interface{}) tmlog.Logger {
	return cometLoggerAdapter{log: a.log.New(keyvals...)}
}
