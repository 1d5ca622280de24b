// Package asg looks up the launch configuration and placement of an
// autoscaling group so it can be replayed as a spot request.
package asg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog/log"
)

var (
	// ErrGroupNotFound reports that the autoscaling group does not exist.
	ErrGroupNotFound = errors.New("autoscaling group not found")

	// ErrNoLaunchConfiguration reports a group launched from a launch template
	// or a mixed instances policy instead of a launch configuration.
	ErrNoLaunchConfiguration = errors.New("autoscaling group has no launch configuration")

	// ErrLaunchConfigurationNotFound reports that the group references a
	// launch configuration that no longer exists.
	ErrLaunchConfigurationNotFound = errors.New("launch configuration not found")

	// ErrZoneNotInGroup reports a zone the group does not span.
	ErrZoneNotInGroup = errors.New("availability zone not used by group")
)

// AutoScalingAPI defines the Auto Scaling operations used for lookups.
type AutoScalingAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	DescribeLaunchConfigurations(ctx context.Context, params *autoscaling.DescribeLaunchConfigurationsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeLaunchConfigurationsOutput, error)
}

// EC2API defines the EC2 operations used to map zones to subnets.
type EC2API interface {
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
}

// Group is the part of an autoscaling group a spot request needs.
type Group struct {
	Name              string
	LaunchConfig      asgtypes.LaunchConfiguration
	AvailabilityZones []string
	SubnetIDs         []string
}

// Client performs the lookups.
type Client struct {
	asgClient AutoScalingAPI
	ec2Client EC2API
}

// NewFromConfig creates a Client backed by real AWS clients.
func NewFromConfig(cfg aws.Config) *Client {
	return NewWithClients(autoscaling.NewFromConfig(cfg), ec2.NewFromConfig(cfg))
}

// NewWithClients creates a Client from already constructed clients.
func NewWithClients(asgClient AutoScalingAPI, ec2Client EC2API) *Client {
	return &Client{asgClient: asgClient, ec2Client: ec2Client}
}

// Describe fetches the group and its launch configuration.
func (c *Client) Describe(ctx context.Context, name string) (*Group, error) {
	groups, err := c.asgClient.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{name},
	})
	if err != nil {
		return nil, fmt.Errorf("describe auto scaling group %s: %w", name, err)
	}
	if len(groups.AutoScalingGroups) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	group := groups.AutoScalingGroups[0]

	lcName := aws.ToString(group.LaunchConfigurationName)
	if lcName == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoLaunchConfiguration, name)
	}

	log.Debug().Ctx(ctx).Str("group", name).Str("launch_config", lcName).Msg("fetching launch configuration")

	lcs, err := c.asgClient.DescribeLaunchConfigurations(ctx, &autoscaling.DescribeLaunchConfigurationsInput{
		LaunchConfigurationNames: []string{lcName},
	})
	if err != nil {
		return nil, fmt.Errorf("describe launch configuration %s: %w", lcName, err)
	}
	if len(lcs.LaunchConfigurations) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLaunchConfigurationNotFound, lcName)
	}

	return &Group{
		Name:              name,
		LaunchConfig:      lcs.LaunchConfigurations[0],
		AvailabilityZones: group.AvailabilityZones,
		SubnetIDs:         splitZoneIdentifier(aws.ToString(group.VPCZoneIdentifier)),
	}, nil
}

// SubnetFor returns the group's subnet in zone. Groups without subnets
// (EC2-Classic or default VPC) return "".
func (c *Client) SubnetFor(ctx context.Context, g *Group, zone string) (string, error) {
	if len(g.SubnetIDs) == 0 {
		for _, z := range g.AvailabilityZones {
			if z == zone {
				return "", nil
			}
		}
		return "", fmt.Errorf("%w: %s not in %s", ErrZoneNotInGroup, zone, g.Name)
	}

	output, err := c.ec2Client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: g.SubnetIDs})
	if err != nil {
		return "", fmt.Errorf("describe subnets: %w", err)
	}
	for _, subnet := range output.Subnets {
		if aws.ToString(subnet.AvailabilityZone) == zone {
			return aws.ToString(subnet.SubnetId), nil
		}
	}

	return "", fmt.Errorf("%w: %s not in %s", ErrZoneNotInGroup, zone, g.Name)
}

func splitZoneIdentifier(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
