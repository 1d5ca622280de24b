package main

import (
	"context"
	"fmt"
	"time"

	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/spoptimize/internal/asg"
	"github.com/yairfalse/spoptimize/internal/spot"
	"github.com/yairfalse/spoptimize/internal/telemetry"
)

var (
	requestGroup       string
	requestZone        string
	requestSubnet      string
	requestClientToken string
)

// requestCmd represents the request command
var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Submit a spot request built from an autoscaling group",
	Long: `Submit a one-time spot instance request using the launch configuration
of an autoscaling group.

Prints the spot instance request id. When the account spot instance limit is
reached nothing is submitted and "soft-failure MaxSpotInstanceCountExceeded"
is printed instead; retry later.

Without --client-token a token is derived from the group, zone, subnet and
current minute so that retries within the same minute are idempotent.`,
	Example: `  spoptimize request --group web --az us-east-1a
  spoptimize request --group web --az us-east-1a --subnet subnet-123
  spoptimize request --group web --az us-east-1a --client-token i-0abc-replacement`,
	RunE: runRequest,
}

func init() {
	rootCmd.AddCommand(requestCmd)

	requestCmd.Flags().StringVarP(&requestGroup, "group", "g", "", "Autoscaling group name")
	requestCmd.Flags().StringVar(&requestZone, "az", "", "Availability zone (defaults to spot.availability_zone)")
	requestCmd.Flags().StringVar(&requestSubnet, "subnet", "", "Subnet id (defaults to spot.subnet_id, then the group's subnet in the zone)")
	requestCmd.Flags().StringVar(&requestClientToken, "client-token", "", "Idempotency token")
	_ = requestCmd.MarkFlagRequired("group")
}

// submitter is the part of spot.Service the request command needs.
type submitter interface {
	SubmitSpotRequest(ctx context.Context, lc asgtypes.LaunchConfiguration, availabilityZone, subnetID, clientToken string) (spot.SubmitResult, error)
}

func runRequest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	spotSvc, groups, err := clients(ctx)
	if err != nil {
		return err
	}

	target, err := resolveTarget(ctx, groups, requestGroup, requestZone, requestSubnet)
	if err != nil {
		return err
	}

	token := requestClientToken
	if token == "" {
		token = defaultClientToken(target.group.Name, target.zone, target.subnet, time.Now())
	}

	result, err := submit(ctx, spotSvc, target, token)
	if err != nil {
		return err
	}

	if !result.Submitted() {
		fmt.Fprintf(cmd.OutOrStdout(), "soft-failure %s\n", result.SoftFailure)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.RequestID)
	return nil
}

func submit(ctx context.Context, s submitter, target *placement, token string) (spot.SubmitResult, error) {
	start := time.Now()
	result, err := s.SubmitSpotRequest(ctx, target.group.LaunchConfig, target.zone, target.subnet, token)

	outcome := telemetry.OutcomeSubmitted
	switch {
	case err != nil:
		outcome = telemetry.OutcomeError
	case !result.Submitted():
		outcome = telemetry.OutcomeSoftFailed
	}
	if telemetryProvider != nil {
		telemetryProvider.RecordSubmit(ctx, cfg.AWS.Region, outcome, time.Since(start))
	}

	if err != nil {
		return spot.SubmitResult{}, err
	}

	log.Info().
		Str("group", target.group.Name).
		Str("az", target.zone).
		Str("request_id", result.RequestID).
		Str("soft_failure", string(result.SoftFailure)).
		Msg("spot request handled")
	return result, nil
}

// placement is where a group's launch configuration will be replayed.
type placement struct {
	group  *asg.Group
	zone   string
	subnet string
}

// resolveTarget fills zone and subnet from flags, then config, then the group.
func resolveTarget(ctx context.Context, groups *asg.Client, groupName, zone, subnet string) (*placement, error) {
	g, err := groups.Describe(ctx, groupName)
	if err != nil {
		return nil, err
	}

	if zone == "" {
		zone = cfg.Spot.AvailabilityZone
	}
	if zone == "" {
		return nil, fmt.Errorf("availability zone required: use --az or spot.availability_zone")
	}

	if subnet == "" {
		subnet = cfg.Spot.SubnetID
	}
	if subnet == "" {
		subnet, err = groups.SubnetFor(ctx, g, zone)
		if err != nil {
			return nil, err
		}
	}

	return &placement{group: g, zone: zone, subnet: subnet}, nil
}
