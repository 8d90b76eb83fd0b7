package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendero/shopsync/internal/loadtest"
	"github.com/tendero/shopsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure Local Store read latency under concurrency",
	Long: `Seed a scratch store with several users' products and sales, then:

  1. Run concurrent readers and report read latency percentiles
  2. Run readers against a concurrent writer and check that no read ever
     returns another user's records

The scratch store lives in a temporary directory and is removed afterwards;
your own store is not touched.

Examples:
  shopsync bench
  shopsync bench --readers 50 --products 2000
  shopsync bench --json`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().Int("users", 5, "Number of users to seed")
	benchCmd.Flags().Int("products", 500, "Products per user")
	benchCmd.Flags().Int("readers", 20, "Number of concurrent readers")
	benchCmd.Flags().Int("reads", 10, "Reads per reader")
	benchCmd.Flags().Duration("isolation", 2*time.Second, "Duration of the isolation run (0 skips it)")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	users, _ := cmd.Flags().GetInt("users")
	products, _ := cmd.Flags().GetInt("products")
	readers, _ := cmd.Flags().GetInt("readers")
	reads, _ := cmd.Flags().GetInt("reads")
	isolation, _ := cmd.Flags().GetDuration("isolation")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if users <= 0 || products <= 0 || readers <= 0 || reads <= 0 {
		return errors.New("--users, --products, --readers and --reads must be positive")
	}

	dir, err := os.MkdirTemp("", "shopsync-bench-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	out := ui.New(cmd.OutOrStdout())
	if !jsonOutput {
		out.Title("Local Store benchmark")
		out.Dim("%d users, %d products each, %d readers x %d reads", users, products, readers, reads)
	}

	start := time.Now()
	ts, err := loadtest.CreateTestStore(filepath.Join(dir, "bench.db"), users, products)
	if err != nil {
		return err
	}
	defer ts.Close()
	seeded := time.Since(start)

	stats, readErr := ts.RunConcurrentReads(readers, reads)
	if stats == nil {
		return readErr
	}

	var isolationErr error
	if isolation > 0 {
		isolationErr = ts.VerifyIsolation(readers, isolation)
	}

	if jsonOutput {
		output := map[string]any{
			"config": map[string]any{
				"users":    users,
				"products": products,
				"readers":  readers,
				"reads":    reads,
			},
			"seed_ms": seeded.Milliseconds(),
			"latency": map[string]any{
				"min_us":  stats.Min.Microseconds(),
				"p50_us":  stats.P50.Microseconds(),
				"mean_us": stats.Mean.Microseconds(),
				"p95_us":  stats.P95.Microseconds(),
				"p99_us":  stats.P99.Microseconds(),
				"max_us":  stats.Max.Microseconds(),
			},
			"reads":     stats.TotalQueries,
			"errors":    stats.Errors,
			"isolation": isolationErr == nil,
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(output); err != nil {
			return err
		}
	} else {
		out.KV("Seeded in", seeded.Round(time.Millisecond))
		stats.WriteStats(cmd.OutOrStdout())
		switch {
		case isolation <= 0:
			out.Dim("Isolation run skipped")
		case isolationErr != nil:
			out.Error("Isolation: %v", isolationErr)
		default:
			out.Success("Isolation held for %s", isolation)
		}
	}

	if readErr != nil {
		return fmt.Errorf("reads failed: %w", readErr)
	}
	return isolationErr
}
