package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ethpandaops/dotestoor/pkg/config"
	"github.com/ethpandaops/dotestoor/pkg/discovery"
	"github.com/ethpandaops/dotestoor/pkg/executor"
	"github.com/ethpandaops/dotestoor/pkg/sandbox"
	"github.com/ethpandaops/dotestoor/pkg/store"
	"github.com/ethpandaops/dotestoor/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// loadConfig loads the --config files. With no files, defaults and
// environment overrides still apply.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// discoveryConfig converts the suite section into discovery settings.
func discoveryConfig(suite *config.SuiteConfig) discovery.Config {
	dc := discovery.Config{
		Excludes:    suite.Excludes,
		Suffixes:    suite.Suffixes,
		Unsupported: suite.Unsupported,
		Overrides:   make([]discovery.Override, 0, len(suite.Directories)),
	}

	for _, d := range suite.Directories {
		dc.Overrides = append(dc.Overrides, discovery.Override{
			Path:        d.Path,
			Excludes:    d.Excludes,
			Suffixes:    d.Suffixes,
			Unsupported: d.Unsupported,
		})
	}

	return dc
}

// newExecutor builds and starts the test executor.
func newExecutor(ctx context.Context, cfg *config.Config) (executor.Executor, error) {
	maxOutput, err := cfg.MaxOutputBytes()
	if err != nil {
		return nil, err
	}

	env, err := cfg.EnvironmentMap()
	if err != nil {
		return nil, err
	}

	exec := executor.NewExecutor(log, &executor.Config{
		Interpreter:          cfg.Suite.Interpreter,
		BaseArgs:             cfg.Suite.DotestArgs,
		Env:                  env,
		Timeout:              cfg.Suite.Timeout,
		MaxOutput:            maxOutput,
		NoExecute:            cfg.Suite.NoExecute,
		Capabilities:         cfg.Suite.Capabilities,
		RequiredCapabilities: cfg.Suite.RequiredCapabilities,
		Discovery:            discoveryConfig(&cfg.Suite),
		Sandbox:              sandbox.ForPlatform(runtime.GOOS, log),
	})

	if err := exec.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting executor: %w", err)
	}

	return exec, nil
}

// newStore starts the history store, or returns nil when disabled.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if !cfg.Database.Enabled {
		return nil, nil
	}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	return st, nil
}

// newUploader returns the S3 uploader, or nil when upload is disabled.
func newUploader(cfg *config.Config) (upload.Uploader, error) {
	s3Cfg := cfg.Results.Upload.S3
	if s3Cfg == nil || !s3Cfg.Enabled {
		return nil, nil
	}

	uploader, err := upload.NewS3Uploader(log, s3Cfg)
	if err != nil {
		return nil, fmt.Errorf("creating S3 uploader: %w", err)
	}

	return uploader, nil
}

// applyConfigLogLevel uses global.log_level unless --log-level was given.
func applyConfigLogLevel(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("log-level") {
		return nil
	}

	level, err := logrus.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
	}

	log.SetLevel(level)

	return nil
}
