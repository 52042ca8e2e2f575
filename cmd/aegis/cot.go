package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/aegis/internal/domain/cot"
	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/internal/domain/taxonomy"
)

func newCoTCmd() *cobra.Command {
	var (
		label      string
		confidence float64
		at         string
		device     string
		stale      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cot",
		Short: "Render one detection as a CoT 2.0 event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tactical, ok := taxonomy.Map(label)
			if !ok {
				return fmt.Errorf("label %q is not in the tactical taxonomy %v", label, taxonomy.Labels())
			}
			ts := time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339Nano, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				ts = parsed.UTC()
			}
			xml, err := cot.New(device, cot.WithStale(stale)).Serialize(model.ThreatLogEntry{
				Label:      string(tactical),
				Confidence: confidence,
				Timestamp:  ts,
				Status:     model.StatusDetected,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), xml)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&label, "label", "", "Raw classifier label, e.g. car")
	f.Float64Var(&confidence, "confidence", 0.5, "Detection confidence in [0,1]")
	f.StringVar(&at, "at", "", "Capture time, RFC3339 (default now)")
	f.StringVar(&device, "device", "Aegis-Unit-1", "Device id used as callsign and uid prefix")
	f.DurationVar(&stale, "stale", 10*time.Minute, "Validity horizon")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

// commandContext returns the context passed to ExecuteContext, if any.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
