package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/aegis/internal/simulator"
	"github.com/okian/aegis/pkg/logger"
)

const defaultSimulationTimeout = 10 * time.Minute

func newSimulateCmd() *cobra.Command {
	sim := simulator.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a running node with synthetic frames and a reconnect",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := logger.Init(logger.WithOutput(cmd.ErrOrStderr())); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(commandContext(cmd), defaultSimulationTimeout)
			defer cancel()

			rep, err := simulator.Run(ctx, sim)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(rep); encErr != nil && err == nil {
				err = encErr
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&sim.BaseURL, "url", sim.BaseURL, "Base URL of the node")
	f.IntVar(&sim.Frames, "frames", sim.Frames, "Number of frames to submit")
	f.IntVar(&sim.Workers, "workers", sim.Workers, "Number of concurrent submitters")
	f.DurationVar(&sim.Timeout, "timeout", sim.Timeout, "HTTP request timeout")
	f.IntVar(&sim.RetryMax, "retries", sim.RetryMax, "Retries per request")
	f.DurationVar(&sim.Settle, "settle", sim.Settle, "Wait after submission before reconnecting")
	f.DurationVar(&sim.SyncDeadline, "sync-deadline", sim.SyncDeadline, "How long to wait for pending logs to drain")
	f.Int64Var(&sim.Seed, "seed", 0, "Generator seed (0 uses the clock)")
	f.Float64Var(&sim.Unmapped, "unmapped", sim.Unmapped, "Fraction of detections outside the taxonomy")
	return cmd
}
