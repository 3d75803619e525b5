// Command kiln is a content-addressed pipeline cache and runner: a DAG of
// computation units declared in kiln.yaml, fingerprinted from bodies and
// upstream results, with unchanged units satisfied from the artifact store
// instead of re-executed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kiln/internal/config"
	"kiln/internal/fingerprint"
	"kiln/internal/graph"
	"kiln/internal/logging"
	"kiln/internal/manifest"
	"kiln/internal/runner"
	"kiln/internal/scheduler"
	"kiln/internal/store"
)

var (
	// Global flags
	verbose      bool
	configPath   string
	manifestPath string
	cacheDir     string

	// Logger, initialized in PersistentPreRunE
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "kiln - content-addressed pipeline cache and runner",
	Long: `kiln executes a DAG of computation units declared in kiln.yaml.

Each unit is fingerprinted from its body, tracked input files, environment,
and the fingerprints of its upstream units. Units whose fingerprint already
has a stored artifact are satisfied from the cache instead of re-executed;
a change anywhere upstream re-executes exactly the affected closure.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Format)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kiln:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to kiln config")
	rootCmd.PersistentFlags().StringVar(&manifestPath, "manifest", "", "pipeline manifest (overrides config)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "artifact store root (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(watchCmd)
}

// loadConfig loads the tool config with CLI flag overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if manifestPath != "" {
		cfg.Manifest = manifestPath
	}
	if cacheDir != "" {
		cfg.CacheDir = cacheDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPipeline loads the manifest and builds the validated graph.
func loadPipeline(cfg *config.Config) (*manifest.Manifest, *graph.Graph, error) {
	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return nil, nil, err
	}
	g, err := m.Graph()
	if err != nil {
		return nil, nil, err
	}
	return m, g, nil
}

// openStore opens the file store at the configured cache dir.
func openStore(cfg *config.Config) (*store.FileStore, error) {
	return store.NewFileStore(cfg.CacheDir)
}

// newExecutor wires the scheduler for the current workspace.
func newExecutor(cfg *config.Config, g *graph.Graph, fs *store.FileStore) *scheduler.Executor {
	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}
	return scheduler.New(
		g,
		fingerprint.NewEngine(workDir),
		fs,
		runner.Defaults(workDir),
		fs.Index(),
		logger,
	)
}
