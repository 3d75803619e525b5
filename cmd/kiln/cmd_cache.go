package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/fingerprint"
	"kiln/internal/store"
)

var (
	gcKeepRuns int
	gcMaxAge   string
)

// cacheCmd groups artifact store operations.
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the artifact store",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored artifacts, newest first",
	Args:  cobra.NoArgs,
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

		metas, err := fs.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Println("cache is empty")
			return nil
		}
		for _, m := range metas {
			fmt.Printf("%s  %-20s %8d bytes  %s\n",
				m.Fingerprint.Short(), m.UnitID, m.Size,
				m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var cacheRmCmd = &cobra.Command{
	Use:   "rm <fingerprint>...",
	Short: "Invalidate artifacts by fingerprint",
	Args:  cobra.MinimumNArgs(1),
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

		for _, arg := range args {
			if err := fs.Delete(cmd.Context(), fingerprint.Fingerprint(arg)); err != nil {
				return err
			}
			fmt.Printf("invalidated %s\n", arg)
		}
		return nil
	},
}

var cacheGcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Collect artifacts outside recent runs",
	Args:  cobra.NoArgs,
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

		opts := store.GCOptions{KeepRuns: cfg.GC.KeepRuns, MaxAge: cfg.GetGCMaxAge()}
		if cmd.Flags().Changed("keep-runs") {
			opts.KeepRuns = gcKeepRuns
		}
		if gcMaxAge != "" {
			d, err := time.ParseDuration(gcMaxAge)
			if err != nil {
				return fmt.Errorf("invalid --max-age: %w", err)
			}
			opts.MaxAge = d
		}

		removed, err := fs.GC(cmd.Context(), opts)
		if err != nil {
			return err
		}
		fmt.Printf("collected %d artifact(s)\n", removed)
		return nil
	},
}

var cacheRebuildCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild the metadata index from the blobs on disk",
	Args:  cobra.NoArgs,
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

		n, err := fs.RebuildIndex(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("indexed %d artifact(s)\n", n)
		return nil
	},
}

func init() {
	cacheGcCmd.Flags().IntVar(&gcKeepRuns, "keep-runs", 10, "pin artifacts touched by the most recent N runs")
	cacheGcCmd.Flags().StringVar(&gcMaxAge, "max-age", "", "collect only artifacts older than this (e.g. 720h)")

	cacheCmd.AddCommand(cacheLsCmd)
	cacheCmd.AddCommand(cacheRmCmd)
	cacheCmd.AddCommand(cacheGcCmd)
	cacheCmd.AddCommand(cacheRebuildCmd)
}
