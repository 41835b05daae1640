package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voyagekit/sagaflow"
	"github.com/voyagekit/sagaflow/httpapi"
	"github.com/voyagekit/sagaflow/travel"
)

// serveOptions holds flags for the serve command.
type serveOptions struct {
	*rootOptions
	Addr            string
	Database        string
	DecisionWorkers int
	ActivityWorkers int
	DeclineRate     float64
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the engine behind an HTTP API",
		Long: `Start the orchestration engine with the travel-booking sagas registered
and serve the instance API.

Example:
  sagaflow serve --db ./sagaflow.db --addr :8080
  sagaflow serve --addr :8080 --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite history database (empty for in-memory)")
	cmd.Flags().IntVar(&opts.DecisionWorkers, "decision-workers", 2, "goroutines running decision passes")
	cmd.Flags().IntVar(&opts.ActivityWorkers, "activity-workers", 4, "goroutines executing activities")
	cmd.Flags().Float64Var(&opts.DeclineRate, "decline-rate", 0.10, "simulated payment decline probability")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	logger := slog.Default()

	store, closeStore, err := openStore(opts.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := sagaflow.NewEngine(store, sagaflow.Options{
		Logger:          logger,
		DecisionWorkers: opts.DecisionWorkers,
		ActivityWorkers: opts.ActivityWorkers,
	})

	vendor := travel.NewSimulatedVendor(travel.DefaultVendorConfig())
	payments := travel.NewSimulatedPayments(opts.DeclineRate, time.Now().UnixNano())
	if err := travel.Register(engine, vendor, payments, logger); err != nil {
		return err
	}

	engine.Start(ctx)
	if err := engine.Recover(ctx); err != nil {
		return err
	}

	handler := httpapi.NewHandler(sagaflow.NewClient(engine))
	server := &http.Server{
		Addr:         opts.Addr,
		Handler:      httpapi.NewRouter(handler, engine.Metrics()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", opts.Addr)
		errCh <- server.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-sigCtx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	return engine.Shutdown(shutdownCtx)
}

// openStore picks the history store: SQLite when a path is given, in-memory
// otherwise.
func openStore(path string, logger *slog.Logger) (sagaflow.HistoryStore, func(), error) {
	if path == "" {
		logger.Warn("no --db given, history will not survive a restart")
		return sagaflow.NewMemoryHistoryStore(), func() {}, nil
	}

	store, err := sagaflow.OpenSQLiteHistoryStore(path)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("history store opened", "path", path)
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("close history store failed", "error", err)
		}
	}, nil
}
