package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kiln/internal/scheduler"
)

var (
	jobs    int
	noCache bool
)

// runCmd executes the pipeline (or the closure of the named units).
var runCmd = &cobra.Command{
	Use:   "run [unit...]",
	Short: "Execute the pipeline, reusing cached artifacts",
	Long: `Executes the pipeline in dependency order. Units whose fingerprint is
already realized in the artifact store are loaded from cache; the rest run
and their results are stored. A failing unit skips its downstream units and
the run completes with a partial report.

With unit arguments, only the named units and their upstream closure run:

  kiln run            # whole pipeline
  kiln run fit plot   # fit, plot, and everything they depend on`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "max concurrent units (0 = NumCPU)")
	runCmd.Flags().BoolVar(&noCache, "no-cache", false, "execute every unit even on cache hit")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, g, err := loadPipeline(cfg)
	if err != nil {
		return err
	}
	fs, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer fs.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workers := jobs
	if workers == 0 {
		workers = cfg.Workers
	}

	exec := newExecutor(cfg, g, fs)
	report, err := exec.Run(ctx, scheduler.Options{
		Pipeline: m.Pipeline,
		Workers:  workers,
		NoCache:  noCache,
		Targets:  args,
	})
	if err != nil {
		return err
	}

	fmt.Printf("run %s (%s)\n", report.RunID, m.Pipeline)
	fmt.Print(report.Summary())

	if report.Outcome != scheduler.OutcomeSuccess {
		return fmt.Errorf("run finished with outcome %s", report.Outcome)
	}
	return nil
}
