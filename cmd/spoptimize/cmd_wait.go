package main

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/spoptimize/internal/spot"
)

var (
	waitInterval time.Duration
	waitTimeout  time.Duration
)

// waitCmd represents the wait command
var waitCmd = &cobra.Command{
	Use:   "wait SPOT-REQUEST-ID",
	Short: "Poll a spot request until it is active or failed",
	Long: `Poll a spot instance request until it reaches a terminal state.

Prints the instance id and exits 0 when the request becomes active. Exits
non-zero when the request fails, the timeout expires or the command is
interrupted.`,
	Example: `  spoptimize wait sir-abc12345
  spoptimize wait sir-abc12345 --interval 5s --timeout 3m`,
	Args: cobra.ExactArgs(1),
	RunE: runWait,
}

func init() {
	rootCmd.AddCommand(waitCmd)

	waitCmd.Flags().DurationVar(&waitInterval, "interval", 0, "Poll interval (defaults to spot.poll_interval)")
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "Give up after this long (defaults to spot.timeout)")
}

// errSpotRequestFailed is returned by wait for requests that end in failure.
var errSpotRequestFailed = errors.New("spot request failed")

func runWait(cmd *cobra.Command, args []string) error {
	interval := waitInterval
	if interval <= 0 {
		interval = cfg.Spot.PollInterval.Duration
	}
	timeout := waitTimeout
	if timeout <= 0 {
		timeout = cfg.Spot.Timeout.Duration
	}

	spotSvc, _, err := clients(cmd.Context())
	if err != nil {
		return err
	}

	status, err := waitWithSignals(cmd.Context(), spotSvc, args[0], interval, timeout)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), status.String())
	return nil
}

// waitWithSignals runs the poller next to a signal handler; whichever
// returns first stops the other.
func waitWithSignals(ctx context.Context, c statusChecker, requestID string, interval, timeout time.Duration) (spot.Status, error) {
	var (
		g      run.Group
		status spot.Status
	)

	{
		pollCtx, cancel := context.WithTimeout(ctx, timeout)
		g.Add(func() error {
			var err error
			status, err = pollStatus(pollCtx, c, requestID, interval)
			return err
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(signalActor(ctx))
	}

	if err := g.Run(); err != nil {
		var sigErr run.SignalError
		if errors.As(err, &sigErr) {
			return spot.Status{}, fmt.Errorf("wait for %s interrupted: %w", requestID, err)
		}
		return spot.Status{}, err
	}
	return status, nil
}

// signalActor stops a wait on SIGINT or SIGTERM.
var signalActor = func(ctx context.Context) (func() error, func(error)) {
	return run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// pollStatus checks requestID every interval until it is terminal. A failed
// request is returned together with errSpotRequestFailed.
func pollStatus(ctx context.Context, c statusChecker, requestID string, interval time.Duration) (spot.Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := checkStatus(ctx, c, requestID)
		if err != nil {
			return spot.Status{}, err
		}

		if status.Terminal() {
			if status.Kind == spot.StatusFailure {
				return status, fmt.Errorf("%w: %s is %s", errSpotRequestFailed, requestID, status.State)
			}
			return status, nil
		}

		log.Debug().Str("request_id", requestID).Str("state", status.State).Dur("interval", interval).Msg("waiting for spot request")

		select {
		case <-ctx.Done():
			return status, fmt.Errorf("wait for %s: %w", requestID, ctx.Err())
		case <-ticker.C:
		}
	}
}
