package crates

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/theseus-os/crateman/pkg/mm/swap"
)

var (
	swapNoPreload bool
)

var swapCmd = &cobra.Command{
	Use:   "swap <diff-file>",
	Short: "Apply a swap diff, replacing live crates with new versions",
	Long: `Parses a swap diff file and applies it to the namespace. The diff format is
newline-delimited:

  OLD -> NEW    replace crate OLD with the object file NEW
  + NEW         add NEW without replacing anything
  - OLD         remove OLD without a replacement
  @NAME         invoke NAME as a state-transfer function at the end

Old crates named by the diff are loaded from --dir first unless they are
already present (disable with --no-preload). After a successful swap the
displaced crates are retained; applying the inverse diff swaps them straight
back from the fingerprint cache.

Example:
  crateman crates --dir build/ swap sched-update.diff`,
	Args: cobra.ExactArgs(1),
	Run:  runSwap,
}

func init() {
	CratesCmd.AddCommand(swapCmd)
	swapCmd.Flags().BoolVar(&swapNoPreload, "no-preload", false, "Fail instead of loading old crates named by the diff")
}

func runSwap(cmd *cobra.Command, args []string) {
	env, err := buildEnvironment()
	if err != nil {
		colorError.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	f, err := os.Open(args[0])
	if err != nil {
		colorError.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	req, err := swap.ParseDiffFile(f)
	f.Close()
	if err != nil {
		colorError.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if !swapNoPreload {
		for _, entry := range req.Entries {
			if entry.IsAddition() {
				continue
			}
			if err := env.loadCrateByName(entry.OldCrateName); err != nil {
				colorError.Fprintf(os.Stderr, "Error preloading %s: %v\n", entry.OldCrateName, err)
				os.Exit(1)
			}
		}
	}

	engine := swap.NewEngine(&swap.Options{
		Loader:    env.ldr,
		Allocator: env.alloc,
	})

	start := time.Now()
	result, err := engine.SwapCrates(env.ns, req)
	elapsed := time.Since(start)
	if err != nil {
		colorError.Fprintln(os.Stderr, "Swap failed:", err)
		os.Exit(1)
	}

	printSwapResult(result, elapsed)
}

func printSwapResult(result *swap.Result, elapsed time.Duration) {
	header := color.New(color.FgWhite, color.Bold, color.Underline)
	header.Printf("Swap %s complete in %v\n", result.Fingerprint, elapsed)
	if result.CacheHit {
		colorGlobal.Println("reversal: crates restored from the fingerprint cache")
	}

	for _, replaced := range result.Replaced {
		fmt.Printf("  %s -> %s (%s dependents rewritten)\n",
			colorCrate.Sprint(replaced.OldName),
			colorCrate.Sprint(replaced.NewName),
			colorCount.Sprintf("%d", replaced.RewrittenDependents))
	}
	for _, added := range result.Added {
		fmt.Printf("  + %s\n", colorCrate.Sprint(added))
	}
	for _, removed := range result.Removed {
		fmt.Printf("  - %s\n", colorCrate.Sprint(removed))
	}

	if result.Downtime.Rewrites > 0 {
		fmt.Printf("downtime over %d rewrites: mean %s  p50 %s  p99 %s\n",
			result.Downtime.Rewrites,
			colorAddr.Sprint(time.Duration(result.Downtime.MeanNanos)),
			colorAddr.Sprint(time.Duration(result.Downtime.P50Nanos)),
			colorAddr.Sprint(time.Duration(result.Downtime.P99Nanos)))
	}
}
