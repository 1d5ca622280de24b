package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/spoptimize/internal/spot"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status SPOT-REQUEST-ID",
	Short: "Show the state of a spot request",
	Long: `Show where a spot instance request is in its lifecycle.

Prints the instance id once the request is active, "pending" while EC2 is
still working on it and "failure" when the request was closed, cancelled,
failed or no longer exists.`,
	Example: `  spoptimize status sir-abc12345`,
	Args:    cobra.ExactArgs(1),
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusChecker is the part of spot.Service the status commands need.
type statusChecker interface {
	GetSpotRequestStatus(ctx context.Context, requestID string) (spot.Status, error)
}

func runStatus(cmd *cobra.Command, args []string) error {
	spotSvc, _, err := clients(cmd.Context())
	if err != nil {
		return err
	}

	status, err := checkStatus(cmd.Context(), spotSvc, args[0])
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), status.String())
	return nil
}

// checkStatus performs one status lookup and records it.
func checkStatus(ctx context.Context, c statusChecker, requestID string) (spot.Status, error) {
	start := time.Now()
	status, err := c.GetSpotRequestStatus(ctx, requestID)

	result := status.Kind.String()
	if err != nil {
		result = "error"
	}
	if telemetryProvider != nil {
		telemetryProvider.RecordStatus(ctx, cfg.AWS.Region, result, time.Since(start))
	}

	return status, err
}
