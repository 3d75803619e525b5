package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/store"
)

var logLimit int

// logCmd shows the run ledger.
var logCmd = &cobra.Command{
	Use:   "log [run-id]",
	Short: "Show recent runs, or the unit outcomes of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fs, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer fs.Close()

		if len(args) == 1 {
			return showRun(cmd, fs.Index(), args[0])
		}
		return showRecentRuns(cmd, fs.Index())
	},
}

func showRecentRuns(cmd *cobra.Command, ix *store.Index) error {
	runs, err := ix.RecentRuns(cmd.Context(), logLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	for _, r := range runs {
		elapsed := "running"
		if !r.FinishedAt.IsZero() {
			elapsed = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Printf("%s  %-20s %-16s %s  %s\n",
			r.RunID, r.Pipeline, r.Outcome,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), elapsed)
	}
	return nil
}

func showRun(cmd *cobra.Command, ix *store.Index, runID string) error {
	units, err := ix.RunUnits(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return fmt.Errorf("no units recorded for run %s", runID)
	}
	for _, u := range units {
		hit := " "
		if u.CacheHit {
			hit = "*"
		}
		line := fmt.Sprintf("%s %-20s %-16s %-12s %s",
			hit, u.UnitID, u.Status, u.Duration.Round(time.Millisecond), u.Fingerprint.Short())
		if u.Error != "" {
			line += "  " + u.Error
		}
		fmt.Println(line)
	}
	return nil
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "max runs to list")
}
