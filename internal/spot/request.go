package spot

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const stateNotFound = "not-found"

// SubmitSpotRequest requests a single one-time spot instance built from lc.
// clientToken makes retries idempotent on the EC2 side.
//
// Hitting the account spot limit is not an error: the result carries
// MaxSpotInstanceCountExceeded instead. Every other provider error is
// returned as is.
func (s *Service) SubmitSpotRequest(ctx context.Context, lc asgtypes.LaunchConfiguration, availabilityZone, subnetID, clientToken string) (SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "spot.SubmitSpotRequest")
	defer span.End()
	span.SetAttributes(
		attribute.String("availability_zone", availabilityZone),
		attribute.String("subnet_id", subnetID),
	)

	log.Info().Ctx(ctx).
		Str("az", availabilityZone).
		Str("subnet_id", subnetID).
		Msg("requesting spot instance")

	spec, err := s.BuildLaunchSpecification(ctx, lc, availabilityZone, subnetID)
	if err != nil {
		span.RecordError(err)
		return SubmitResult{}, fmt.Errorf("build launch specification: %w", err)
	}

	output, err := s.ec2Client.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
		InstanceCount:       aws.Int32(1),
		LaunchSpecification: spec,
		Type:                ec2types.SpotInstanceTypeOneTime,
		ClientToken:         aws.String(clientToken),
	})
	if err != nil {
		if apiErrorCode(err) == codeMaxSpotInstanceCountExceeded {
			log.Warn().Ctx(ctx).Str("az", availabilityZone).Msg(apiErrorMessage(err))
			return SubmitResult{SoftFailure: MaxSpotInstanceCountExceeded}, nil
		}
		span.RecordError(err)
		return SubmitResult{}, fmt.Errorf("request spot instances: %w", err)
	}
	if len(output.SpotInstanceRequests) == 0 {
		return SubmitResult{}, fmt.Errorf("request spot instances: empty response")
	}

	id := aws.ToString(output.SpotInstanceRequests[0].SpotInstanceRequestId)
	span.SetAttributes(attribute.String("spot_request_id", id))
	log.Debug().Ctx(ctx).Str("request_id", id).Msg("spot request submitted")

	return SubmitResult{RequestID: id}, nil
}

// GetSpotRequestStatus reports where a spot request is in its lifecycle. A
// request EC2 no longer knows about is a failure, not an error.
func (s *Service) GetSpotRequestStatus(ctx context.Context, requestID string) (Status, error) {
	ctx, span := s.tracer.Start(ctx, "spot.GetSpotRequestStatus")
	defer span.End()
	span.SetAttributes(attribute.String("spot_request_id", requestID))

	log.Debug().Ctx(ctx).Str("request_id", requestID).Msg("checking status of spot request")

	output, err := s.ec2Client.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	})
	if err != nil {
		if apiErrorCode(err) == codeSpotRequestNotFound {
			log.Info().Ctx(ctx).Str("request_id", requestID).Msg("spot instance request does not exist")
			return Status{Kind: StatusFailure, State: stateNotFound}, nil
		}
		span.RecordError(err)
		return Status{}, fmt.Errorf("describe spot instance request %s: %w", requestID, err)
	}
	if len(output.SpotInstanceRequests) == 0 {
		log.Info().Ctx(ctx).Str("request_id", requestID).Msg("spot instance request does not exist")
		return Status{Kind: StatusFailure, State: stateNotFound}, nil
	}

	status := classify(output.SpotInstanceRequests[0])
	span.SetAttributes(attribute.String("state", status.State))

	switch status.Kind {
	case StatusActive:
		log.Info().Ctx(ctx).Str("request_id", requestID).Str("instance_id", status.InstanceID).Msg("spot instance request is active")
	case StatusFailure:
		log.Info().Ctx(ctx).Str("request_id", requestID).Str("state", status.State).Msg("spot instance request failed")
	default:
		log.Info().Ctx(ctx).Str("request_id", requestID).Str("state", status.State).Msg("spot instance request is pending")
	}

	return status, nil
}

// classify maps a provider spot request onto the pending/active/failure
// state machine. Unknown states are pending.
func classify(req ec2types.SpotInstanceRequest) Status {
	state := string(req.State)
	instanceID := aws.ToString(req.InstanceId)

	if req.State == ec2types.SpotInstanceStateActive && instanceID != "" {
		return Status{Kind: StatusActive, InstanceID: instanceID, State: state}
	}

	switch req.State {
	case ec2types.SpotInstanceStateClosed, ec2types.SpotInstanceStateCancelled, ec2types.SpotInstanceStateFailed:
		return Status{Kind: StatusFailure, State: state}
	}

	if state == "" {
		state = "unknown"
	}
	return Status{Kind: StatusPending, State: state}
}
