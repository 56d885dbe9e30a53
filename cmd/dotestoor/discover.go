package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethpandaops/dotestoor/pkg/discovery"
	"github.com/spf13/cobra"
)

var discoverJSON bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the child tests of the suite",
	Long:  `Walk the suite source directory and print the ID of every child test that would run.`,
	RunE:  runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	addSuiteFlags(discoverCmd)
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false,
		"Print tests as a JSON array")
}

type discoveredTest struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Unsupported bool   `json:"unsupported,omitempty"`
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	applyFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	keep, err := discovery.Filter(cfg.Suite.Filter)
	if err != nil {
		return err
	}

	dc := discoveryConfig(&cfg.Suite)

	tests, err := discovery.Collect(discovery.Walk(cfg.Suite.SourceDir, dc), keep)
	if err != nil {
		return fmt.Errorf("discovering tests: %w", err)
	}

	if discoverJSON {
		out := make([]discoveredTest, 0, len(tests))
		for _, tc := range tests {
			out = append(out, discoveredTest{
				ID:          tc.ID(),
				Path:        tc.Path(),
				Unsupported: dc.ForDir(tc.RelDir).Unsupported,
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	for _, tc := range tests {
		fmt.Println(tc.ID())
	}

	log.WithField("tests", len(tests)).Debug("Discovery finished")

	return nil
}
