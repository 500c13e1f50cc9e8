// Package config holds the single process-wide configuration for the
// Sentinel: trust policy, worker pool sizing, dispatch timing, the shim
// interpreter, and storage location. It is loaded once at startup and
// passed explicitly rather than read from globals.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"casparian/internal/errs"
)

// TrustMode governs whether unsigned native bundles may execute.
type TrustMode string

const (
	// TrustVaultSignedOnly requires signature_verified=true and a known signer.
	TrustVaultSignedOnly TrustMode = "vault_signed_only"
	// TrustAllowUnsignedNative is a local-dev override.
	TrustAllowUnsignedNative TrustMode = "allow_unsigned_native"
)

// TrustConfig is process-wide native-execution trust policy.
type TrustConfig struct {
	Mode           TrustMode         `yaml:"mode"`
	SignerKeys     map[string]string `yaml:"signer_keys"`     // name -> base64 ed25519 public key
	AllowedSigners []string          `yaml:"allowed_signers"` // subset of SignerKeys names
}

// Validate checks that every allowed_signer resolves to a known key and the
// mode is recognized. Construction of a Config fails if this does not hold.
func (t TrustConfig) Validate() error {
	switch t.Mode {
	case TrustVaultSignedOnly, TrustAllowUnsignedNative:
	default:
		return errs.WithDetail(errs.ErrTrustModeInvalid, "mode=%q", t.Mode)
	}
	for _, name := range t.AllowedSigners {
		if _, ok := t.SignerKeys[name]; !ok {
			return errs.WithDetail(errs.ErrTrustKeyUnknown, "allowed_signer=%q", name)
		}
	}
	return nil
}

// PoolConfig sizes the dispatcher's concurrent worker slots.
type PoolConfig struct {
	Size int `yaml:"size"`
}

// DispatchConfig controls per-job timing.
type DispatchConfig struct {
	MaxJobDuration time.Duration `yaml:"max_job_duration"`
	HelloTimeout   time.Duration `yaml:"hello_timeout"`
	CancelGrace    time.Duration `yaml:"cancel_grace"`
	TickInterval   time.Duration `yaml:"tick_interval"`
}

// ShimConfig locates the embedded-interpreter bridge.
type ShimConfig struct {
	BridgeListenAddr string `yaml:"bridge_listen_addr"` // "" => OS-assigned loopback port
}

// StoreConfig locates the persisted state file.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RegistryConfig locates the plugin install directory and optional bundle
// drop directory watched for auto-import.
type RegistryConfig struct {
	InstallDir string `yaml:"install_dir"`
	DropDir    string `yaml:"drop_dir"` // "" disables the watch
}

// LoggingConfig controls the ambient zap logger.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
	JSON  bool `yaml:"json"`
}

// Config is the single process-wide Sentinel configuration.
type Config struct {
	Trust    TrustConfig    `yaml:"trust"`
	Pool     PoolConfig     `yaml:"pool"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Shim     ShimConfig     `yaml:"shim"`
	Store    StoreConfig    `yaml:"store"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns sensible defaults: local-dev trust, CPU-1 pool, 30 minute
// job deadline, 5 second hello timeout and cancel grace.
func Default() *Config {
	poolSize := runtime.NumCPU() - 1
	if poolSize < 1 {
		poolSize = 1
	}
	home, _ := os.UserHomeDir()
	return &Config{
		Trust: TrustConfig{
			Mode:       TrustAllowUnsignedNative,
			SignerKeys: map[string]string{},
		},
		Pool: PoolConfig{Size: poolSize},
		Dispatch: DispatchConfig{
			MaxJobDuration: 30 * time.Minute,
			HelloTimeout:   5 * time.Second,
			CancelGrace:    5 * time.Second,
			TickInterval:   250 * time.Millisecond,
		},
		Store: StoreConfig{
			Path: filepath.Join(home, ".casparian", "state.db"),
		},
		Registry: RegistryConfig{
			InstallDir: filepath.Join(home, ".casparian", "plugins"),
		},
		Logging: LoggingConfig{Debug: false, JSON: true},
	}
}

// Load reads YAML from path (if it exists), falls back to defaults
// otherwise, then applies environment overrides. Unknown top-level keys in
// the YAML are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Trust.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Trust.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies CASPARIAN_-prefixed environment overrides.
// Precedence: env > file > default.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CASPARIAN_TRUST_MODE"); v != "" {
		c.Trust.Mode = TrustMode(v)
	}
	if v := os.Getenv("CASPARIAN_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pool.Size = n
		}
	}
	if v := os.Getenv("CASPARIAN_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("CASPARIAN_REGISTRY_INSTALL_DIR"); v != "" {
		c.Registry.InstallDir = v
	}
	if v := os.Getenv("CASPARIAN_REGISTRY_DROP_DIR"); v != "" {
		c.Registry.DropDir = v
	}
	if v := os.Getenv("CASPARIAN_MAX_JOB_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Dispatch.MaxJobDuration = d
		}
	}
	if v := os.Getenv("CASPARIAN_HELLO_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Dispatch.HelloTimeout = d
		}
	}
	if v := os.Getenv("CASPARIAN_LOG_DEBUG"); v != "" {
		c.Logging.Debug = v == "1" || v == "true"
	}
}
