package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kiln/internal/scheduler"
	"kiln/internal/watch"
)

// watchCmd re-runs the pipeline whenever the manifest or a tracked input
// file changes.
var watchCmd = &cobra.Command{
	Use:   "watch [unit...]",
	Short: "Re-run the pipeline on manifest or input changes",
	Long: `Runs the pipeline once, then watches the manifest and every tracked
input file. A burst of changes triggers a single re-run after the configured
debounce interval. The manifest and graph are reloaded on each trigger, so
edits to the pipeline itself take effect without restarting.`,
	RunE: watchPipeline,
}

func watchPipeline(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	runOnce := func(ctx context.Context) {
		m, g, err := loadPipeline(cfg)
		if err != nil {
			logger.Error("pipeline reload failed", zap.Error(err))
			return
		}
		fs, err := openStore(cfg)
		if err != nil {
			logger.Error("store open failed", zap.Error(err))
			return
		}
		defer fs.Close()

		exec := newExecutor(cfg, g, fs)
		report, err := exec.Run(ctx, scheduler.Options{
			Pipeline: m.Pipeline,
			Workers:  cfg.Workers,
			Targets:  args,
		})
		if err != nil {
			logger.Error("run failed", zap.Error(err))
			return
		}
		fmt.Printf("run %s (%s)\n", report.RunID, m.Pipeline)
		fmt.Print(report.Summary())
	}

	runOnce(ctx)
	if ctx.Err() != nil {
		return nil
	}

	// Tracked paths come from the current manifest; a manifest edit that
	// adds inputs in new directories needs a watch restart to pick up the
	// new directories, but edits to already tracked files do not.
	m, _, err := loadPipeline(cfg)
	if err != nil {
		return err
	}
	paths := append([]string{cfg.Manifest}, m.InputFiles()...)

	w := watch.New(paths, cfg.GetDebounce(), logger, runOnce)
	logger.Info("watching for changes",
		zap.Int("paths", len(paths)),
		zap.Duration("debounce", cfg.GetDebounce()))

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
