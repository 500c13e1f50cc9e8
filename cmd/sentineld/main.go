// Command sentineld is the Casparian Flow plugin execution daemon: it loads
// configuration, opens the persisted store, rebuilds the in-memory registry
// and schema contracts from any auto-imported bundles, and runs the
// dispatcher's tick loop until interrupted.
//
// Grounded on cmd/nerd/main.go's cobra root-command build/run/teardown
// shape, trimmed of the interactive-chat default and TUI wiring this
// daemon has no equivalent of.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"casparian/internal/clock"
	"casparian/internal/config"
	"casparian/internal/dispatcher"
	"casparian/internal/logging"
	"casparian/internal/registry"
	"casparian/internal/schema"
	"casparian/internal/store"
	"casparian/internal/wire"
	"casparian/internal/worker"
	"casparian/internal/worker/native"
	"casparian/internal/worker/shim"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sentineld",
	Short: "Casparian Flow plugin execution daemon",
	Long: `sentineld dispatches deployed plugins against queued jobs, streams
their Arrow output into the landing store, and persists job state for
sentinelctl and other observers to poll.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the dispatch loop and block until interrupted",
	RunE:  runDaemon,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("sentineld dev")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to sentineld.yaml (default: ~/.casparian/sentineld.yaml)")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("sentineld: load config: %w", err)
	}

	if err := logging.Init(cfg.Logging.Debug, cfg.Logging.JSON); err != nil {
		return fmt.Errorf("sentineld: init logging: %w", err)
	}
	defer logging.Sync()
	log := logging.Get(logging.CategorySentinel)

	cl := clock.NewReal()
	st, err := store.Open(cfg.Store.Path, cl)
	if err != nil {
		return fmt.Errorf("sentineld: open store: %w", err)
	}
	defer st.Close()

	schemas := schema.New()
	reg := registry.New(&cfg.Trust, schemas)

	if err := importInstalledBundles(reg, cfg.Registry.InstallDir, log); err != nil {
		log.Warn("reload installed bundles", zap.Error(err))
	}

	var dropWatcher *registry.DropWatcher
	if cfg.Registry.DropDir != "" {
		dropWatcher, err = registry.NewDropWatcher(cfg.Registry.DropDir, func(bundleDir string) error {
			return deployBundle(reg, bundleDir)
		}, logging.Get(logging.CategoryRegistry))
		if err != nil {
			return fmt.Errorf("sentineld: create drop watcher: %w", err)
		}
	}

	runtimes := map[wire.RuntimeKind]worker.Runtime{
		wire.RuntimePythonShim: shim.New(schemas, logging.Get(logging.CategoryWorkerShim)),
		wire.RuntimeNativeExec: native.New(cfg.Dispatch.HelloTimeout, cfg.Dispatch.CancelGrace, logging.Get(logging.CategoryWorkerNative)),
	}

	d := dispatcher.New(cfg, st, reg, schemas, runtimes, cl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dropWatcher != nil {
		if err := dropWatcher.Start(ctx); err != nil {
			return fmt.Errorf("sentineld: start drop watcher: %w", err)
		}
		defer dropWatcher.Stop()
	}

	log.Info("sentineld starting",
		zap.Int("pool_size", cfg.Pool.Size),
		zap.String("store_path", cfg.Store.Path),
		zap.String("trust_mode", string(cfg.Trust.Mode)))

	return d.Run(ctx)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return config.Default(), nil
	}
	return config.Load(home + "/.casparian/sentineld.yaml")
}

// importInstalledBundles re-registers every manifest.json found one level
// under installDir. Bundles auto-imported from the drop directory are
// registered where they lie and are not copied into installDir, so a
// restarted daemon recovers only the bundles placed under installDir.
func importInstalledBundles(reg *registry.Registry, installDir string, log *zap.Logger) error {
	entries, err := os.ReadDir(installDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read install dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		bundleDir := installDir + "/" + e.Name()
		if err := deployBundle(reg, bundleDir); err != nil {
			log.Warn("skip install dir entry", zap.String("dir", bundleDir), zap.Error(err))
		}
	}
	return nil
}

func deployBundle(reg *registry.Registry, bundleDir string) error {
	in, err := registry.LoadBundleDir(bundleDir)
	if err != nil {
		return err
	}
	_, err = reg.Deploy(in)
	return err
}
