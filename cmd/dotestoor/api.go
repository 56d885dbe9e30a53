package main

import (
	"fmt"

	"github.com/ethpandaops/dotestoor/pkg/api"
	"github.com/ethpandaops/dotestoor/pkg/store"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Serve run history, per-test verdicts and transcripts over HTTP.`,
	RunE:  runAPI,
}

var apiImport bool

func init() {
	rootCmd.AddCommand(apiCmd)
	apiCmd.Flags().BoolVar(&apiImport, "import", false,
		"Import runs found in results.dir into the database before serving")
}

func runAPI(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("validating api config: %w", err)
	}

	if err := applyConfigLogLevel(cmd, cfg); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	if apiImport {
		n, err := store.ImportRuns(ctx, st, cfg.Results.Dir)
		if err != nil {
			return fmt.Errorf("importing runs: %w", err)
		}

		log.WithField("runs", n).Info("Imported runs")
	}

	srv := api.NewServer(log, &cfg.API, st, cfg.Results.Dir)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	log.Info("Shutting down API server")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
