package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/manu5703/concurrent-analytics-system/pkg/hostinfo"
	"github.com/manu5703/concurrent-analytics-system/pkg/metrics"
	"github.com/manu5703/concurrent-analytics-system/pkg/orchestrator"
	"github.com/manu5703/concurrent-analytics-system/pkg/render"
	"github.com/manu5703/concurrent-analytics-system/pkg/shutdown"
)

// compareCmd represents the compare command
var compareCmd = &cobra.Command{
	Use:   "compare <file>...",
	Short: "Run both strategies on the same files and compare throughput",
	Long: `Analyze the files sequentially, then submit them concurrently and wait until
every concurrent job has settled. Prints both wall times, the speedup and the
host the comparison ran on.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCompare,
}

func init() {
	rootCmd.AddCommand(compareCmd)
	compareCmd.Flags().DurationVar(&settleTimeout, "settle-timeout", 5*time.Minute, "how long to wait for concurrent jobs to settle")
}

func runCompare(cmd *cobra.Command, args []string) error {
	files, err := readFiles(args)
	if err != nil {
		return err
	}

	ctx, stop := shutdown.SignalContext(cmd.Context())
	defer stop()

	r := newRenderer(cmd)
	rt, err := setup(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.waitConnected(ctx); err != nil {
		return err
	}

	table := r.Format == render.FormatTable
	if table {
		r.Message(orchestrator.StartMessage(metrics.StrategySequential, len(files), cfg.PerFileCost))
	}
	seq, err := rt.dash.SubmitSequential(ctx, files)
	if err != nil {
		return err
	}
	if seq.Aborted {
		return fmt.Errorf("sequential run aborted: %s", seq.Message())
	}

	if table {
		r.Message(orchestrator.StartMessage(metrics.StrategyConcurrent, len(files), cfg.PerFileCost))
	}
	start := time.Now()
	conc, err := rt.dash.SubmitConcurrent(ctx, files)
	if err != nil {
		return err
	}
	if err := waitSettled(ctx, rt.dash, conc.JobIDs); err != nil {
		return fmt.Errorf("concurrent run did not settle: %w", err)
	}
	settled := time.Since(start)

	return r.Comparison(&render.Comparison{
		Files:             len(files),
		Sequential:        seq,
		Concurrent:        conc,
		ConcurrentSettled: settled,
		Host:              hostinfo.Detect(ctx),
	})
}
