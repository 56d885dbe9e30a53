package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/dotestoor/pkg/results"
	"github.com/ethpandaops/dotestoor/pkg/runner"
	"github.com/spf13/cobra"
)

var generateMarkdownSummaryCmd = &cobra.Command{
	Use:   "generate-markdown-summary",
	Short: "Generate a markdown summary from a run directory",
	Long:  `Reads config.json and result.json from a run directory and produces a markdown summary file.`,
	RunE:  runGenerateMarkdownSummary,
}

var (
	runToMdRunDir   string
	runToMdOutput   string
	runToMdMaxChars int
)

func init() {
	rootCmd.AddCommand(generateMarkdownSummaryCmd)
	generateMarkdownSummaryCmd.Flags().StringVar(&runToMdRunDir, "run-dir", "",
		"Path to the run directory")
	generateMarkdownSummaryCmd.Flags().StringVar(&runToMdOutput, "output", "",
		"Output file path (default: summary-<run_id>.md, - for stdout)")
	generateMarkdownSummaryCmd.Flags().IntVar(&runToMdMaxChars, "max-chars", runner.DefaultMaxSummaryChars,
		"Cap the summary at this many characters (0 for no cap)")

	if err := generateMarkdownSummaryCmd.MarkFlagRequired("run-dir"); err != nil {
		panic(err)
	}
}

func runGenerateMarkdownSummary(_ *cobra.Command, _ []string) error {
	runID := filepath.Base(filepath.Clean(runToMdRunDir))

	log.WithField("run_dir", runToMdRunDir).
		Debug("Generating markdown summary")

	md, err := results.GenerateRunMarkdown(runToMdRunDir, runID, runToMdMaxChars)
	if err != nil {
		return fmt.Errorf("generating markdown: %w", err)
	}

	if runToMdOutput == "-" {
		_, err := fmt.Fprint(os.Stdout, md)

		return err
	}

	output := runToMdOutput
	if output == "" {
		output = fmt.Sprintf("summary-%s.md", runID)
	}

	if err := os.WriteFile(output, []byte(md), 0644); err != nil {
		return fmt.Errorf("writing output file: %w", err)
	}

	log.WithField("output", output).
		Info("Markdown summary generated successfully")

	return nil
}
