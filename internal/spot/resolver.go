package spot

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	instanceProfileARNPrefix = "arn:aws:iam:"
	securityGroupIDPrefix    = "sg-"
)

// IsInstanceProfileARN reports whether s is already an instance profile ARN.
func IsInstanceProfileARN(s string) bool {
	return strings.HasPrefix(s, instanceProfileARNPrefix)
}

// IsSecurityGroupID reports whether s is already a security group id.
func IsSecurityGroupID(s string) bool {
	return strings.HasPrefix(s, securityGroupIDPrefix)
}

// ResolveInstanceProfileARN returns the ARN of an instance profile given its
// name. ARNs are returned unchanged without calling IAM.
func (s *Service) ResolveInstanceProfileARN(ctx context.Context, nameOrARN string) (string, error) {
	if IsInstanceProfileARN(nameOrARN) {
		return nameOrARN, nil
	}

	ctx, span := s.tracer.Start(ctx, "spot.ResolveInstanceProfileARN")
	defer span.End()
	span.SetAttributes(attribute.String("instance_profile", nameOrARN))

	log.Info().Ctx(ctx).Str("instance_profile", nameOrARN).Msg("fetching arn for instance profile")

	output, err := s.iamClient.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
		InstanceProfileName: aws.String(nameOrARN),
	})
	if err != nil {
		span.RecordError(err)
		if apiErrorCode(err) == codeNoSuchEntity {
			return "", &notFoundError{what: "instance profile " + nameOrARN, err: err}
		}
		return "", fmt.Errorf("get instance profile %s: %w", nameOrARN, err)
	}
	if output.InstanceProfile == nil || aws.ToString(output.InstanceProfile.Arn) == "" {
		return "", &notFoundError{what: "instance profile " + nameOrARN}
	}

	return aws.ToString(output.InstanceProfile.Arn), nil
}

// ResolveSecurityGroupID returns the id of a security group given its name.
// Ids are returned unchanged without calling EC2. A name matching more than
// one group is an *AmbiguousResourceError; no group is picked in that case.
//
// Name lookups only work for EC2-Classic and default-VPC groups, which is
// where launch configurations carry names instead of ids.
func (s *Service) ResolveSecurityGroupID(ctx context.Context, nameOrID string) (string, error) {
	if IsSecurityGroupID(nameOrID) {
		return nameOrID, nil
	}

	ctx, span := s.tracer.Start(ctx, "spot.ResolveSecurityGroupID")
	defer span.End()
	span.SetAttributes(attribute.String("security_group", nameOrID))

	output, err := s.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupNames: []string{nameOrID},
	})
	if err != nil {
		span.RecordError(err)
		if apiErrorCode(err) == codeSecurityGroupNotFound {
			return "", &notFoundError{what: "security group " + nameOrID, err: err}
		}
		return "", fmt.Errorf("describe security group %s: %w", nameOrID, err)
	}

	switch len(output.SecurityGroups) {
	case 0:
		return "", &notFoundError{what: "security group " + nameOrID}
	case 1:
		return aws.ToString(output.SecurityGroups[0].GroupId), nil
	}

	ids := make([]string, len(output.SecurityGroups))
	for i, sg := range output.SecurityGroups {
		ids[i] = aws.ToString(sg.GroupId)
	}
	err = &AmbiguousResourceError{Name: nameOrID, IDs: ids}
	span.RecordError(err)
	return "", err
}
