package main

import (
	"encoding/json"
	"fmt"

	"github.com/ethpandaops/dotestoor/pkg/fsutil"
	"github.com/ethpandaops/dotestoor/pkg/results"
	"github.com/ethpandaops/dotestoor/pkg/store"
	"github.com/spf13/cobra"
)

var (
	indexResultsDir string
	indexUpload     bool
	indexDatabase   bool
)

var indexFileCmd = &cobra.Command{
	Use:   "generate-index-file",
	Short: "Generate index.json from all runs in results directory",
	Long: `Scan all runs/*/config.json and result.json files to generate
an index.json summary. Optionally upload it to S3 and import the runs into
the history database.`,
	RunE: runIndexFile,
}

func init() {
	rootCmd.AddCommand(indexFileCmd)
	indexFileCmd.Flags().StringVar(
		&indexResultsDir, "results-dir", "",
		"Path to the results directory (default: results.dir)",
	)
	indexFileCmd.Flags().BoolVar(
		&indexUpload, "upload", false,
		"Upload index.json using results.upload.s3",
	)
	indexFileCmd.Flags().BoolVar(
		&indexDatabase, "database", false,
		"Import all runs into the configured database",
	)
}

func runIndexFile(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resultsDir := indexResultsDir
	if resultsDir == "" {
		resultsDir = cfg.Results.Dir
	}

	owner, err := fsutil.ParseOwner(cfg.Results.Owner)
	if err != nil {
		return fmt.Errorf("parsing results.owner: %w", err)
	}

	log.WithField("results_dir", resultsDir).
		Info("Generating index.json from local results")

	index, err := results.RegenerateIndex(resultsDir, owner)
	if err != nil {
		return fmt.Errorf("generating index: %w", err)
	}

	log.WithField("entries_count", len(index.Entries)).
		Info("index.json generated successfully")

	ctx := cmd.Context()

	if indexUpload {
		uploader, err := newUploader(cfg)
		if err != nil {
			return err
		}

		if uploader == nil {
			return fmt.Errorf("S3 upload is not configured or not enabled in config")
		}

		data, err := json.MarshalIndent(index, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling index: %w", err)
		}

		if err := uploader.UploadIndex(ctx, data); err != nil {
			return fmt.Errorf("uploading index.json: %w", err)
		}

		log.Info("index.json uploaded")
	}

	if indexDatabase {
		if !cfg.Database.Enabled {
			return fmt.Errorf("database is not enabled in config")
		}

		st, err := newStore(ctx, cfg)
		if err != nil {
			return err
		}

		defer func() {
			if err := st.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop store")
			}
		}()

		n, err := store.ImportRuns(ctx, st, resultsDir)
		if err != nil {
			return fmt.Errorf("importing runs: %w", err)
		}

		log.WithField("runs", n).Info("Runs imported into database")
	}

	return nil
}
