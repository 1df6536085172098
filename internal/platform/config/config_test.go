package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresKeystoreSeed(t *testing.T) {
	t.Setenv("WAVS_KEYSTORE_SEED", "")
	t.Setenv("WAVS_CONFIG_FILE", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("WAVS_KEYSTORE_SEED", "deadbeef")
	t.Setenv("WAVS_ENGINE_WORKERS", "8")
	t.Setenv("WAVS_CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Engine.Workers)
	require.Equal(t, "deadbeef", cfg.Keystore.Seed)
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  - id: eth-mainnet\n    kind: evm\n"), 0o644))

	t.Setenv("WAVS_KEYSTORE_SEED", "deadbeef")
	t.Setenv("WAVS_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 1)
	require.Equal(t, "eth-mainnet", cfg.Chains[0].ID)
}

func TestValidate_DuplicateChainID(t *testing.T) {
	cfg := New()
	cfg.Keystore.Seed = "x"
	cfg.Chains = []ChainConfig{{ID: "a"}, {ID: "a"}}
	require.Error(t, cfg.validate())
}
