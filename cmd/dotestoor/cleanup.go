package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethpandaops/dotestoor/pkg/fsutil"
	"github.com/ethpandaops/dotestoor/pkg/results"
	"github.com/spf13/cobra"
)

var (
	forceCleanup     bool
	cleanupDir       string
	cleanupKeep      int
	cleanupOlderThan time.Duration
	cleanupBroken    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old or broken run directories from the results directory",
	Long: `Remove run directories under results_dir/runs and regenerate index.json.

Runs are selected by:
  - --keep N: everything but the newest N runs
  - --older-than D: runs started more than D ago
  - --broken: directories without a readable config.json (killed runs)

Runs still marked running are never removed.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().StringVar(&cleanupDir, "results-dir", "", "Path to the results directory (default: results.dir)")
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 0, "Keep only the newest N runs")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Remove runs older than this duration")
	cleanupCmd.Flags().BoolVar(&cleanupBroken, "broken", false, "Remove run directories without config.json")
}

func runCleanup(_ *cobra.Command, _ []string) error {
	if cleanupKeep <= 0 && cleanupOlderThan <= 0 && !cleanupBroken {
		return fmt.Errorf("one of --keep, --older-than or --broken is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dir := cleanupDir
	if dir == "" {
		dir = cfg.Results.Dir
	}

	owner, err := fsutil.ParseOwner(cfg.Results.Owner)
	if err != nil {
		return fmt.Errorf("parsing results.owner: %w", err)
	}

	stale, err := results.FindStaleRuns(dir, results.PruneOptions{
		Keep:      cleanupKeep,
		OlderThan: cleanupOlderThan,
		Broken:    cleanupBroken,
	})
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	if len(stale) == 0 {
		log.Info("No runs to remove")

		return nil
	}

	fmt.Printf("\nRuns to be removed (%d):\n", len(stale))

	for _, r := range stale {
		fmt.Printf("  - %s (%s)\n", r.RunID, r.Reason)
	}

	fmt.Println()

	if !forceCleanup {
		fmt.Print("Are you sure you want to remove these runs? [y/N] ")

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	if err := results.RemoveRuns(stale); err != nil {
		return err
	}

	if _, err := results.RegenerateIndex(dir, owner); err != nil {
		log.WithError(err).Warn("Failed to regenerate index")
	}

	log.WithField("removed", len(stale)).Info("Cleanup completed")

	return nil
}
