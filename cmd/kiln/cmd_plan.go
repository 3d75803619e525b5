package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kiln/internal/scheduler"
)

// planCmd shows what a run would do without executing anything.
var planCmd = &cobra.Command{
	Use:   "plan [unit...]",
	Short: "Show execution order and cache status without running",
	Long: `Resolves every unit's fingerprint in dependency order and probes the
artifact store. Nothing is executed; the output shows which units a run
would load from cache and which it would execute.`,
	RunE: showPlan,
}

// graphCmd emits the dependency graph as Graphviz dot.
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Emit the dependency DAG in dot format",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		m, g, err := loadPipeline(cfg)
		if err != nil {
			return err
		}
		fmt.Print(g.DOT(m.Pipeline))
		return nil
	},
}

func showPlan(cmd *cobra.Command, args []string) error {
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

	exec := newExecutor(cfg, g, fs)
	entries, err := exec.Plan(cmd.Context(), scheduler.Options{
		Pipeline: m.Pipeline,
		Targets:  args,
	})
	if err != nil {
		return err
	}

	fmt.Printf("plan for %s:\n", m.Pipeline)
	for _, e := range entries {
		switch {
		case e.Err != "":
			fmt.Printf("  %-20s ?        %s\n", e.ID, e.Err)
		case e.Cached:
			fmt.Printf("  %-20s cached   %s\n", e.ID, e.Fingerprint.Short())
		default:
			fmt.Printf("  %-20s execute  %s\n", e.ID, e.Fingerprint.Short())
		}
	}
	return nil
}
