package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var uploadRunDir string

var uploadResultsCmd = &cobra.Command{
	Use:   "upload-results",
	Short: "Upload a run directory to remote storage",
	Long:  `Upload a local run directory to S3-compatible storage using the config file settings.`,
	RunE:  runUploadResults,
}

func init() {
	rootCmd.AddCommand(uploadResultsCmd)
	uploadResultsCmd.Flags().StringVar(&uploadRunDir, "run-dir", "",
		"Path to the run directory to upload (results_dir/runs/<run_id>)")

	_ = uploadResultsCmd.MarkFlagRequired("run-dir")
}

func runUploadResults(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	uploader, err := newUploader(cfg)
	if err != nil {
		return err
	}

	if uploader == nil {
		return fmt.Errorf("S3 upload is not configured or not enabled in config")
	}

	ctx := cmd.Context()

	if err := uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("upload preflight: %w", err)
	}

	log.WithField("dir", uploadRunDir).Info("Uploading results")

	if err := uploader.Upload(ctx, uploadRunDir); err != nil {
		return fmt.Errorf("uploading results: %w", err)
	}

	log.Info("Upload completed successfully")

	return nil
}
