package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/voyagekit/sagaflow"
	"github.com/voyagekit/sagaflow/travel"
)

// bookOptions holds flags for the book command.
type bookOptions struct {
	*rootOptions
	Destination string
	Nights      int
	TravelDate  string
	Seed        int64
	DeclineRate float64
	Timeout     time.Duration
}

func newBookCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &bookOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "book",
		Short: "Run one trip booking in-process and print the result",
		Long: `Run the composite travel-booking saga against an in-memory engine.

Example:
  sagaflow book --destination Paris --nights 5
  sagaflow book --destination Atlantis --seed 42`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBook(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Destination, "destination", "Paris", "trip destination")
	cmd.Flags().IntVar(&opts.Nights, "nights", 3, "nights of hotel stay (and days of car hire)")
	cmd.Flags().StringVar(&opts.TravelDate, "date", "", "travel date, e.g. 2026-10-01")
	cmd.Flags().Int64Var(&opts.Seed, "seed", time.Now().UnixNano(), "random seed for the simulated vendor")
	cmd.Flags().Float64Var(&opts.DeclineRate, "decline-rate", 0.10, "simulated payment decline probability")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "how long to wait for the trip to finish")

	return cmd
}

func runBook(ctx context.Context, opts *bookOptions) error {
	logger := slog.Default()

	engine := sagaflow.NewEngine(sagaflow.NewMemoryHistoryStore(), sagaflow.Options{Logger: logger})

	cfg := travel.DefaultVendorConfig()
	cfg.Seed = opts.Seed
	vendor := travel.NewSimulatedVendor(cfg)
	payments := travel.NewSimulatedPayments(opts.DeclineRate, opts.Seed)
	if err := travel.Register(engine, vendor, payments, logger); err != nil {
		return err
	}

	engine.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(shutdownCtx)
	}()

	client := sagaflow.NewClient(engine)
	req := travel.TripRequest{
		Destination: opts.Destination,
		Nights:      opts.Nights,
		TravelDate:  opts.TravelDate,
	}

	instanceID, err := client.ScheduleNewOrchestration(ctx, travel.OrchestratorTravelBooking, req, sagaflow.ScheduleOptions{})
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	state, err := client.WaitForCompletion(waitCtx, instanceID)
	if err != nil {
		return fmt.Errorf("trip %s did not finish: %w", instanceID, err)
	}

	var pretty json.RawMessage = state.Output
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		out = state.Output
	}
	fmt.Printf("instance: %s\nstatus:   %s\nresult:\n%s\n", state.ID, state.Status, out)
	return nil
}
