package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpadapter "govcheck/internal/adapters/http"
	"govcheck/internal/api"
	"govcheck/internal/config"
	"govcheck/internal/domain"
	"govcheck/internal/logging"
	"govcheck/internal/workers/analysisrunner"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "govcheck",
		Short:         "Compliance audits for government websites",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API server and background workers",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context())
			},
		},
		analyzeCmd(),
		&cobra.Command{
			Use:   "run <analysis-id>",
			Short: "Execute one queued analysis in the foreground",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runQueued(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func analyzeCmd() *cobra.Command {
	var categories []string
	cmd := &cobra.Command{
		Use:   "analyze <url>",
		Short: "Audit one URL synchronously and print the detailed result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return analyze(cmd.Context(), args[0], categories)
		},
	}
	cmd.Flags().StringSliceVarP(&categories, "category", "c", nil, "categories to run (default: all)")
	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	logging.New(cfg.LogFormat, cfg.LogLevel)
	return cfg, nil
}

func serve(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.store.Migrate(ctx, a.log); err != nil {
		return err
	}
	if cfg.RecoverAbandoned {
		if _, err := analysisrunner.Recover(ctx, a.store, a.clock, a.log); err != nil {
			return fmt.Errorf("recover abandoned analyses: %w", err)
		}
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		analysisrunner.Run(ctx, a.store, a.orch, analysisrunner.Options{
			Concurrency:  cfg.AnalysisWorkers,
			PollInterval: cfg.PollInterval,
			Wake:         a.analyses.Wakeups(),
			Clock:        a.clock,
			Logger:       a.log,
		})
	}()
	a.log.Info("analysis workers started", "count", cfg.AnalysisWorkers)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpadapter.New(httpadapter.Config{
			Analyses: a.analyses,
			Profiles: a.profiles,
			Gatherer: a.gatherer,
			Logger:   a.log,
		}).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("listening", "addr", cfg.ListenAddr, "env", cfg.Env, "db_driver", cfg.DBDriver)

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", "err", err)
	}
	stop()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.log.Warn("workers still running at shutdown")
	}
	return nil
}

func migrate(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return a.store.Migrate(ctx, a.log)
}

func analyze(ctx context.Context, target string, categories []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.store.Migrate(ctx, a.log); err != nil {
		return err
	}
	view, err := a.analyses.AnalyzeInline(ctx, target, categories)
	if err != nil {
		return err
	}
	return a.printDetails(ctx, view.ID, view.Status)
}

func runQueued(ctx context.Context, id string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	view, err := a.analyses.RunQueued(ctx, id)
	if err != nil {
		return err
	}
	return a.printDetails(ctx, view.ID, view.Status)
}

func (a *app) printDetails(ctx context.Context, id string, status domain.RunStatus) error {
	det, err := a.analyses.GetDetailedResult(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(api.NewDetailedResult(det)); err != nil {
		return err
	}
	if status == domain.RunFailed {
		return fmt.Errorf("analysis %s failed: %s", id, det.Run.Error)
	}
	return nil
}
