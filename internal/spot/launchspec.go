package spot

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"
)

const defaultTenancy = ec2types.TenancyDefault

// BuildLaunchSpecification converts an autoscaling launch configuration into
// an EC2 spot launch specification placed in availabilityZone and, when
// subnetID is not empty, in that subnet.
//
// Only fields that are set and truthy in the launch configuration are copied.
// Instance profile names and security group names are resolved to an ARN and
// ids. No other calls are made.
func (s *Service) BuildLaunchSpecification(ctx context.Context, lc asgtypes.LaunchConfiguration, availabilityZone, subnetID string) (*ec2types.RequestSpotLaunchSpecification, error) {
	log.Debug().Ctx(ctx).
		Str("launch_config", aws.ToString(lc.LaunchConfigurationName)).
		Msg("converting asg launch config to ec2 launch spec")

	tenancy := defaultTenancy
	if t := aws.ToString(lc.PlacementTenancy); t != "" {
		tenancy = ec2types.Tenancy(t)
	}

	spec := &ec2types.RequestSpotLaunchSpecification{
		Placement: &ec2types.SpotPlacement{
			AvailabilityZone: aws.String(availabilityZone),
			Tenancy:          tenancy,
		},
	}
	if subnetID != "" {
		spec.SubnetId = aws.String(subnetID)
	}

	if len(lc.BlockDeviceMappings) > 0 {
		spec.BlockDeviceMappings = convertBlockDeviceMappings(lc.BlockDeviceMappings)
	}
	if aws.ToBool(lc.EbsOptimized) {
		spec.EbsOptimized = aws.Bool(true)
	}
	spec.ImageId = nonEmpty(lc.ImageId)
	if t := aws.ToString(lc.InstanceType); t != "" {
		spec.InstanceType = ec2types.InstanceType(t)
	}
	spec.KernelId = nonEmpty(lc.KernelId)
	spec.KeyName = nonEmpty(lc.KeyName)
	spec.RamdiskId = nonEmpty(lc.RamdiskId)
	spec.UserData = nonEmpty(lc.UserData)

	if profile := aws.ToString(lc.IamInstanceProfile); profile != "" {
		arn, err := s.ResolveInstanceProfileARN(ctx, profile)
		if err != nil {
			return nil, err
		}
		spec.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Arn: aws.String(arn)}
	}

	if len(lc.SecurityGroups) > 0 {
		ids := make([]string, 0, len(lc.SecurityGroups))
		for _, sg := range lc.SecurityGroups {
			id, err := s.ResolveSecurityGroupID(ctx, sg)
			if err != nil {
				return nil, fmt.Errorf("resolve security group: %w", err)
			}
			ids = append(ids, id)
		}
		spec.SecurityGroupIds = ids
	}

	// An empty monitoring record carries nothing and is dropped.
	if lc.InstanceMonitoring != nil && lc.InstanceMonitoring.Enabled != nil {
		spec.Monitoring = &ec2types.RunInstancesMonitoringEnabled{
			Enabled: aws.Bool(*lc.InstanceMonitoring.Enabled),
		}
	}

	// EC2 only accepts a public IP association on a network interface, and
	// then wants the subnet and groups on that interface instead of the spec.
	if aws.ToBool(lc.AssociatePublicIpAddress) {
		spec.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
			DeleteOnTermination:      aws.Bool(true),
			SubnetId:                 spec.SubnetId,
			Groups:                   spec.SecurityGroupIds,
		}}
		spec.SubnetId = nil
		spec.SecurityGroupIds = nil
	}

	return spec, nil
}

func convertBlockDeviceMappings(mappings []asgtypes.BlockDeviceMapping) []ec2types.BlockDeviceMapping {
	result := make([]ec2types.BlockDeviceMapping, 0, len(mappings))
	for _, m := range mappings {
		bdm := ec2types.BlockDeviceMapping{
			DeviceName:  m.DeviceName,
			VirtualName: nonEmpty(m.VirtualName),
		}
		if aws.ToBool(m.NoDevice) {
			// EC2 suppresses a device with an empty string, not a bool.
			bdm.NoDevice = aws.String("")
		}
		if m.Ebs != nil {
			bdm.Ebs = &ec2types.EbsBlockDevice{
				DeleteOnTermination: m.Ebs.DeleteOnTermination,
				Encrypted:           m.Ebs.Encrypted,
				Iops:                m.Ebs.Iops,
				SnapshotId:          nonEmpty(m.Ebs.SnapshotId),
				Throughput:          m.Ebs.Throughput,
				VolumeSize:          m.Ebs.VolumeSize,
				VolumeType:          ec2types.VolumeType(aws.ToString(m.Ebs.VolumeType)),
			}
		}
		result = append(result, bdm)
	}
	return result
}

// nonEmpty returns a copy of s when it points at a non-empty string, nil
// otherwise.
func nonEmpty(s *string) *string {
	if aws.ToString(s) == "" {
		return nil
	}
	return aws.String(*s)
}
