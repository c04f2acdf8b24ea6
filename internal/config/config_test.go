package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	require.EqualValues(t, 10, cfg.GasPrice)
	require.Equal(t, ^uint64(0), cfg.BlockGasLimit)
	require.EqualValues(t, 0, cfg.BlockBaseFeePerGas)
}

func TestLoadOverridesDefaultsFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ovrd.toml")
	body := `
chain_id = 42
chain_name = "testnet"
gas_price = 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 42, cfg.ChainID)
	require.Equal(t, "testnet", cfg.ChainName)
	require.EqualValues(t, 5, cfg.GasPrice)
	// Fields the file omits keep their defaults.
	require.Equal(t, "v1", cfg.ChainVersion)
	require.Equal(t, "127.0.0.1:8545", cfg.RPCListenAddr)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ovrd.toml")
	require.NoError(t, os.WriteFile(path, []byte("gas_price = 1\n"), 0o644))

	changed := make(chan Config, 1)
	w, err := NewWatcher(path, func(c Config) { changed <- c })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("gas_price = 99\n"), 0o644))

	select {
	case c := <-changed:
		require.EqualValues(t, 99, c.GasPrice)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not observe config change in time")
	}
}
