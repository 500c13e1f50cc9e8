package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_TrustValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Trust.Validate())
	assert.GreaterOrEqual(t, cfg.Pool.Size, 1)
}

func TestTrustConfig_Validate_UnknownSigner(t *testing.T) {
	tc := TrustConfig{
		Mode:           TrustVaultSignedOnly,
		SignerKeys:     map[string]string{"root": "AAAA"},
		AllowedSigners: []string{"root", "ghost"},
	}
	require.Error(t, tc.Validate())
}

func TestTrustConfig_Validate_BadMode(t *testing.T) {
	tc := TrustConfig{Mode: "bogus"}
	require.Error(t, tc.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, TrustAllowUnsignedNative, cfg.Trust.Mode)
}

func TestLoad_EnvOverridesPoolSize(t *testing.T) {
	t.Setenv("CASPARIAN_POOL_SIZE", "7")
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pool.Size)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bogus_top_level_key: true\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_ParsesTrustSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
trust:
  mode: vault_signed_only
  signer_keys:
    casparian_root_2026: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
  allowed_signers:
    - casparian_root_2026
pool:
  size: 3
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TrustVaultSignedOnly, cfg.Trust.Mode)
	assert.Equal(t, 3, cfg.Pool.Size)
	assert.Contains(t, cfg.Trust.AllowedSigners, "casparian_root_2026")
}
