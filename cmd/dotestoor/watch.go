package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/dotestoor/pkg/discovery"
	"github.com/ethpandaops/dotestoor/pkg/runner"
	"github.com/ethpandaops/dotestoor/pkg/watch"
	"github.com/spf13/cobra"
)

var (
	watchDebounce   time.Duration
	watchInitialRun bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rerun child tests when they change",
	Long: `Watch the suite source directory and run every created or modified child
test. Each debounced batch of changes becomes its own run.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addSuiteFlags(watchCmd)
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDebounce,
		"Quiet period before a batch of changes runs")
	watchCmd.Flags().BoolVar(&watchInitialRun, "initial-run", false,
		"Run the whole suite once before watching")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cmd.SetContext(ctx)

	r, cfg, cleanup, err := newRunner(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if watchInitialRun {
		summary, err := r.Run(ctx, runner.RunOptions{Filter: cfg.Suite.Filter})
		if err != nil {
			return fmt.Errorf("running suite: %w", err)
		}

		printSummary(summary)
	}

	keep, err := discovery.Filter(cfg.Suite.Filter)
	if err != nil {
		return err
	}

	w := watch.New(log, watch.Config{
		Root:      cfg.Suite.SourceDir,
		Discovery: discoveryConfig(&cfg.Suite),
		Keep:      keep,
		Debounce:  watchDebounce,
	}, func(ctx context.Context, tests []discovery.TestCase) {
		summary, err := r.Run(ctx, runner.RunOptions{Tests: tests})
		if err != nil {
			log.WithError(err).Error("Run failed")

			return
		}

		printSummary(summary)
	})

	return w.Run(ctx)
}
