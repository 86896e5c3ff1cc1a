package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/manu5703/concurrent-analytics-system/pkg/dashboard"
	"github.com/manu5703/concurrent-analytics-system/pkg/metrics"
	"github.com/manu5703/concurrent-analytics-system/pkg/models"
	"github.com/manu5703/concurrent-analytics-system/pkg/orchestrator"
	"github.com/manu5703/concurrent-analytics-system/pkg/render"
	"github.com/manu5703/concurrent-analytics-system/pkg/session"
	"github.com/manu5703/concurrent-analytics-system/pkg/shutdown"
)

var (
	submitMode     string
	submitFollow   bool
	submitNoWait   bool
	settleTimeout  time.Duration
	refreshEvery   time.Duration
	errBatchFailed = errors.New("batch did not fully succeed")
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit <file>...",
	Short: "Submit files for analysis",
	Long: `Submit one or more files for analysis.

In concurrent mode every file is submitted at once and progress arrives on the
push channel. In sequential mode each file blocks until its analysis is done
and the batch stops at the first failure.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitMode, "mode", "m", metrics.StrategyConcurrent, "submission strategy: concurrent or sequential")
	submitCmd.Flags().BoolVarP(&submitFollow, "follow", "f", false, "show a live job table until every job has settled")
	submitCmd.Flags().BoolVar(&submitNoWait, "no-wait", false, "return right after submitting, without waiting for results")
	submitCmd.Flags().DurationVar(&settleTimeout, "settle-timeout", 5*time.Minute, "how long to wait for concurrent jobs to settle")
	submitCmd.Flags().DurationVar(&refreshEvery, "refresh", 250*time.Millisecond, "minimum interval between table refreshes in follow mode")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if submitMode != metrics.StrategyConcurrent && submitMode != metrics.StrategySequential {
		return fmt.Errorf("invalid --mode %q: must be concurrent or sequential", submitMode)
	}

	files, err := readFiles(args)
	if err != nil {
		return err
	}

	ctx, stop := shutdown.SignalContext(cmd.Context())
	defer stop()

	r := newRenderer(cmd)
	rt, err := setup(ctx, bannerFor(r))
	if err != nil {
		return err
	}
	defer rt.Close()

	if submitMode == metrics.StrategyConcurrent {
		if err := rt.waitConnected(ctx); err != nil {
			return err
		}
	}

	if r.Format == render.FormatTable {
		r.Message(orchestrator.StartMessage(submitMode, len(files), cfg.PerFileCost))
	}

	var res *orchestrator.BatchResult
	if submitMode == metrics.StrategySequential {
		res, err = rt.dash.SubmitSequential(ctx, files)
	} else {
		res, err = rt.dash.SubmitConcurrent(ctx, files)
	}
	if err != nil {
		return err
	}

	if submitMode == metrics.StrategyConcurrent && !submitNoWait && len(res.JobIDs) > 0 {
		if submitFollow && r.Format == render.FormatTable {
			err = follow(ctx, rt.dash, r, res.JobIDs)
		} else {
			err = waitSettled(ctx, rt.dash, res.JobIDs)
		}
		if err != nil {
			logger.Warn("Stopped waiting for results", map[string]interface{}{"error": err.Error()})
		}
	}

	if err := r.Report(res, rt.dash.Snapshot()); err != nil {
		return err
	}
	r.Summary(rt.dash.Store().CountByStatus(), rt.dash.Store().Pending())
	if !res.AllSucceeded() {
		return errBatchFailed
	}
	return nil
}

// readFiles loads the selected files in the given order
func readFiles(paths []string) ([]models.File, error) {
	files := make([]models.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		files = append(files, models.File{Name: filepath.Base(p), Data: data})
	}
	return files, nil
}

// bannerFor prints the session line on every connect and disconnect
func bannerFor(r *render.Renderer) func(*dashboard.Dashboard) {
	return func(d *dashboard.Dashboard) {
		if r.Format != render.FormatTable {
			return
		}
		d.Session().Subscribe(func(state session.SessionState) {
			r.Banner(d.UserID(), state)
		})
	}
}

func waitSettled(ctx context.Context, d *dashboard.Dashboard, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	return d.WaitSettled(ctx, ids)
}

// follow re-renders the job table as push updates arrive, at most once per
// refresh interval, until the given jobs have settled
func follow(ctx context.Context, d *dashboard.Dashboard, r *render.Renderer, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(refreshEvery), 1)
	settled := make(chan error, 1)
	go func() { settled <- d.WaitSettled(ctx, ids) }()

	draw := func() {
		r.Clear()
		r.Banner(d.UserID(), d.Session().State())
		_ = r.Jobs(d.Snapshot())
		r.Summary(d.Store().CountByStatus(), d.Store().Pending())
	}
	draw()

	for {
		select {
		case err := <-settled:
			draw()
			return err
		case <-d.Store().Changes():
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			draw()
		}
	}
}
