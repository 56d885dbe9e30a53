package main

import (
	"fmt"

	"github.com/ethpandaops/dotestoor/pkg/fsutil"
	"github.com/ethpandaops/dotestoor/pkg/results"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var suiteStatsResultsDir string

var suiteStatsFileCmd = &cobra.Command{
	Use:   "generate-suite-stats-file",
	Short: "Generate stats.json for each suite from all runs",
	Long: `Scan all runs, group them by suite hash, and write per-test verdict
history to suites/<hash>/stats.json. Tests that produced more than one verdict
for the same suite are marked flaky.`,
	RunE: runSuiteStatsFile,
}

func init() {
	rootCmd.AddCommand(suiteStatsFileCmd)
	suiteStatsFileCmd.Flags().StringVar(
		&suiteStatsResultsDir, "results-dir", "",
		"Path to the results directory (default: results.dir)",
	)
}

func runSuiteStatsFile(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dir := suiteStatsResultsDir
	if dir == "" {
		dir = cfg.Results.Dir
	}

	owner, err := fsutil.ParseOwner(cfg.Results.Owner)
	if err != nil {
		return fmt.Errorf("parsing results.owner: %w", err)
	}

	log.WithField("results_dir", dir).Info("Generating suite stats from local results")

	stats, err := results.GenerateSuiteStats(dir)
	if err != nil {
		return fmt.Errorf("generating suite stats: %w", err)
	}

	if err := results.WriteSuiteStats(dir, stats, owner); err != nil {
		return err
	}

	var flaky int

	for _, s := range stats {
		for _, ts := range s.Tests {
			if ts.Flaky {
				flaky++
			}
		}
	}

	log.WithFields(logrus.Fields{
		"suites": len(stats),
		"flaky":  flaky,
	}).Info("Suite stats generated successfully")

	return nil
}
