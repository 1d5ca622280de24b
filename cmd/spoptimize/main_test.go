package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/oklog/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/spoptimize/internal/asg"
	"github.com/yairfalse/spoptimize/internal/config"
	"github.com/yairfalse/spoptimize/internal/spot"
)

type fakeChecker struct {
	statuses []spot.Status
	err      error
	calls    int
}

func (f *fakeChecker) GetSpotRequestStatus(_ context.Context, _ string) (spot.Status, error) {
	f.calls++
	if f.err != nil {
		return spot.Status{}, f.err
	}
	i := f.calls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

type fakeSubmitter struct {
	result spot.SubmitResult
	err    error
	token  string
	zone   string
	subnet string
}

func (f *fakeSubmitter) SubmitSpotRequest(_ context.Context, _ asgtypes.LaunchConfiguration, availabilityZone, subnetID, clientToken string) (spot.SubmitResult, error) {
	f.zone = availabilityZone
	f.subnet = subnetID
	f.token = clientToken
	return f.result, f.err
}

type fakeAutoScaling struct {
	group        *asgtypes.AutoScalingGroup
	launchConfig *asgtypes.LaunchConfiguration
}

func (f *fakeAutoScaling) DescribeAutoScalingGroups(_ context.Context, _ *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	if f.group == nil {
		return &autoscaling.DescribeAutoScalingGroupsOutput{}, nil
	}
	return &autoscaling.DescribeAutoScalingGroupsOutput{AutoScalingGroups: []asgtypes.AutoScalingGroup{*f.group}}, nil
}

func (f *fakeAutoScaling) DescribeLaunchConfigurations(_ context.Context, params *autoscaling.DescribeLaunchConfigurationsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeLaunchConfigurationsOutput, error) {
	if f.launchConfig != nil {
		return &autoscaling.DescribeLaunchConfigurationsOutput{
			LaunchConfigurations: []asgtypes.LaunchConfiguration{*f.launchConfig},
		}, nil
	}
	return &autoscaling.DescribeLaunchConfigurationsOutput{
		LaunchConfigurations: []asgtypes.LaunchConfiguration{{
			LaunchConfigurationName: aws.String(params.LaunchConfigurationNames[0]),
			ImageId:                 aws.String("ami-1"),
			InstanceType:            aws.String("m5.large"),
		}},
	}, nil
}

type fakeSubnets struct {
	subnets []ec2types.Subnet
	calls   int
}

func (f *fakeSubnets) DescribeSubnets(_ context.Context, _ *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	f.calls++
	return &ec2.DescribeSubnetsOutput{Subnets: f.subnets}, nil
}

// fakeSpotEC2 answers security group lookups by name; spot requests are
// never expected.
type fakeSpotEC2 struct {
	groups map[string][]string
}

func (f *fakeSpotEC2) DescribeSecurityGroups(_ context.Context, params *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	var out []ec2types.SecurityGroup
	for _, id := range f.groups[params.GroupNames[0]] {
		out = append(out, ec2types.SecurityGroup{GroupId: aws.String(id), GroupName: aws.String(params.GroupNames[0])})
	}
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: out}, nil
}

func (f *fakeSpotEC2) RequestSpotInstances(_ context.Context, _ *ec2.RequestSpotInstancesInput, _ ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	return nil, errors.New("unexpected RequestSpotInstances call")
}

func (f *fakeSpotEC2) DescribeSpotInstanceRequests(_ context.Context, _ *ec2.DescribeSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	return nil, errors.New("unexpected DescribeSpotInstanceRequests call")
}

type fakeIAM struct{}

func (fakeIAM) GetInstanceProfile(_ context.Context, params *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	arn := "arn:aws:iam::123456789012:instance-profile/" + aws.ToString(params.InstanceProfileName)
	return &iam.GetInstanceProfileOutput{InstanceProfile: &iamtypes.InstanceProfile{Arn: aws.String(arn)}}, nil
}

// withConfig installs c as the command config for the duration of a test.
func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prevCfg, prevProvider := cfg, telemetryProvider
	cfg, telemetryProvider = c, nil
	t.Cleanup(func() {
		cfg, telemetryProvider = prevCfg, prevProvider
	})
}

func webGroup() *asgtypes.AutoScalingGroup {
	return &asgtypes.AutoScalingGroup{
		AutoScalingGroupName:    aws.String("web"),
		LaunchConfigurationName: aws.String("web-lc"),
		AvailabilityZones:       []string{"us-east-1a", "us-east-1b"},
		VPCZoneIdentifier:       aws.String("subnet-a, subnet-b"),
	}
}

func TestDefaultClientToken(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 10, 0, time.UTC)

	token := defaultClientToken("web", "us-east-1a", "subnet-a", now)
	assert.LessOrEqual(t, len(token), 64)
	assert.Equal(t, token, defaultClientToken("web", "us-east-1a", "subnet-a", now.Add(40*time.Second)))
	assert.NotEqual(t, token, defaultClientToken("web", "us-east-1a", "subnet-a", now.Add(time.Minute)))
	assert.NotEqual(t, token, defaultClientToken("web", "us-east-1b", "subnet-a", now))
	assert.NotEqual(t, token, defaultClientToken("web", "us-east-1a", "", now))
}

func TestDefaultClientToken_IgnoresLocation(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 10, 0, time.UTC)
	local := now.In(time.FixedZone("UTC+2", 2*60*60))

	assert.Equal(t, defaultClientToken("web", "us-east-1a", "", now), defaultClientToken("web", "us-east-1a", "", local))
}

func TestCheckStatus(t *testing.T) {
	withConfig(t, config.Default())
	checker := &fakeChecker{statuses: []spot.Status{{Kind: spot.StatusActive, InstanceID: "i-123", State: "active"}}}

	status, err := checkStatus(context.Background(), checker, "sir-1")
	require.NoError(t, err)
	assert.Equal(t, "i-123", status.String())
}

func TestCheckStatus_Error(t *testing.T) {
	withConfig(t, config.Default())
	boom := errors.New("boom")

	_, err := checkStatus(context.Background(), &fakeChecker{err: boom}, "sir-1")
	assert.ErrorIs(t, err, boom)
}

func TestPollStatus_UntilActive(t *testing.T) {
	withConfig(t, config.Default())
	checker := &fakeChecker{statuses: []spot.Status{
		{Kind: spot.StatusPending, State: "open"},
		{Kind: spot.StatusPending, State: "open"},
		{Kind: spot.StatusActive, InstanceID: "i-123", State: "active"},
	}}

	status, err := pollStatus(context.Background(), checker, "sir-1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "i-123", status.InstanceID)
	assert.Equal(t, 3, checker.calls)
}

func TestPollStatus_FirstCheckIsImmediate(t *testing.T) {
	withConfig(t, config.Default())
	checker := &fakeChecker{statuses: []spot.Status{{Kind: spot.StatusActive, InstanceID: "i-123", State: "active"}}}

	start := time.Now()
	_, err := pollStatus(context.Background(), checker, "sir-1", time.Hour)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestPollStatus_Failure(t *testing.T) {
	withConfig(t, config.Default())
	checker := &fakeChecker{statuses: []spot.Status{{Kind: spot.StatusFailure, State: "cancelled"}}}

	status, err := pollStatus(context.Background(), checker, "sir-1", time.Millisecond)
	assert.ErrorIs(t, err, errSpotRequestFailed)
	assert.Contains(t, err.Error(), "cancelled")
	assert.Equal(t, spot.StatusFailure, status.Kind)
}

func TestPollStatus_CheckError(t *testing.T) {
	withConfig(t, config.Default())
	boom := errors.New("throttled")

	_, err := pollStatus(context.Background(), &fakeChecker{err: boom}, "sir-1", time.Millisecond)
	assert.ErrorIs(t, err, boom)
}

func TestWaitWithSignals_Active(t *testing.T) {
	withConfig(t, config.Default())
	checker := &fakeChecker{statuses: []spot.Status{
		{Kind: spot.StatusPending, State: "open"},
		{Kind: spot.StatusActive, InstanceID: "i-123", State: "active"},
	}}

	status, err := waitWithSignals(context.Background(), checker, "sir-1", time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "i-123", status.String())
}

func TestWaitWithSignals_Timeout(t *testing.T) {
	withConfig(t, config.Default())
	checker := &fakeChecker{statuses: []spot.Status{{Kind: spot.StatusPending, State: "open"}}}

	_, err := waitWithSignals(context.Background(), checker, "sir-1", time.Millisecond, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitWithSignals_Failure(t *testing.T) {
	withConfig(t, config.Default())
	checker := &fakeChecker{statuses: []spot.Status{{Kind: spot.StatusFailure, State: "not-found"}}}

	_, err := waitWithSignals(context.Background(), checker, "sir-1", time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, errSpotRequestFailed)
}

func TestSubmit(t *testing.T) {
	withConfig(t, config.Default())
	s := &fakeSubmitter{result: spot.SubmitResult{RequestID: "sir-1"}}
	target := &placement{group: &asg.Group{Name: "web"}, zone: "us-east-1a", subnet: "subnet-a"}

	result, err := submit(context.Background(), s, target, "token-1")
	require.NoError(t, err)
	assert.Equal(t, "sir-1", result.RequestID)
	assert.Equal(t, "token-1", s.token)
	assert.Equal(t, "us-east-1a", s.zone)
	assert.Equal(t, "subnet-a", s.subnet)
}

func TestSubmit_SoftFailure(t *testing.T) {
	withConfig(t, config.Default())
	s := &fakeSubmitter{result: spot.SubmitResult{SoftFailure: spot.MaxSpotInstanceCountExceeded}}
	target := &placement{group: &asg.Group{Name: "web"}, zone: "us-east-1a"}

	result, err := submit(context.Background(), s, target, "token-1")
	require.NoError(t, err)
	assert.False(t, result.Submitted())
	assert.Equal(t, spot.MaxSpotInstanceCountExceeded, result.SoftFailure)
}

func TestSubmit_Error(t *testing.T) {
	withConfig(t, config.Default())
	boom := errors.New("unauthorized")
	target := &placement{group: &asg.Group{Name: "web"}, zone: "us-east-1a"}

	_, err := submit(context.Background(), &fakeSubmitter{err: boom}, target, "token-1")
	assert.ErrorIs(t, err, boom)
}

func TestResolveTarget_FromGroupSubnets(t *testing.T) {
	withConfig(t, config.Default())
	subnets := &fakeSubnets{subnets: []ec2types.Subnet{
		{SubnetId: aws.String("subnet-a"), AvailabilityZone: aws.String("us-east-1a")},
		{SubnetId: aws.String("subnet-b"), AvailabilityZone: aws.String("us-east-1b")},
	}}
	groups := asg.NewWithClients(&fakeAutoScaling{group: webGroup()}, subnets)

	target, err := resolveTarget(context.Background(), groups, "web", "us-east-1b", "")
	require.NoError(t, err)
	assert.Equal(t, "web", target.group.Name)
	assert.Equal(t, "us-east-1b", target.zone)
	assert.Equal(t, "subnet-b", target.subnet)
}

func TestResolveTarget_FlagsWin(t *testing.T) {
	c := config.Default()
	c.Spot.AvailabilityZone = "us-east-1b"
	c.Spot.SubnetID = "subnet-config"
	withConfig(t, c)
	subnets := &fakeSubnets{}
	groups := asg.NewWithClients(&fakeAutoScaling{group: webGroup()}, subnets)

	target, err := resolveTarget(context.Background(), groups, "web", "us-east-1a", "subnet-flag")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1a", target.zone)
	assert.Equal(t, "subnet-flag", target.subnet)
	assert.Zero(t, subnets.calls)
}

func TestResolveTarget_ConfigDefaults(t *testing.T) {
	c := config.Default()
	c.Spot.AvailabilityZone = "us-east-1b"
	c.Spot.SubnetID = "subnet-config"
	withConfig(t, c)
	groups := asg.NewWithClients(&fakeAutoScaling{group: webGroup()}, &fakeSubnets{})

	target, err := resolveTarget(context.Background(), groups, "web", "", "")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1b", target.zone)
	assert.Equal(t, "subnet-config", target.subnet)
}

func TestResolveTarget_ZoneRequired(t *testing.T) {
	withConfig(t, config.Default())
	groups := asg.NewWithClients(&fakeAutoScaling{group: webGroup()}, &fakeSubnets{})

	_, err := resolveTarget(context.Background(), groups, "web", "", "")
	assert.ErrorContains(t, err, "availability zone required")
}

func TestResolveTarget_GroupNotFound(t *testing.T) {
	withConfig(t, config.Default())
	groups := asg.NewWithClients(&fakeAutoScaling{}, &fakeSubnets{})

	_, err := resolveTarget(context.Background(), groups, "missing", "us-east-1a", "")
	assert.ErrorIs(t, err, asg.ErrGroupNotFound)
}

func TestLoadConfig_Default(t *testing.T) {
	loaded, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), loaded)
}

func TestWaitWithSignals_Interrupted(t *testing.T) {
	withConfig(t, config.Default())
	prev := signalActor
	t.Cleanup(func() { signalActor = prev })
	signalActor = func(ctx context.Context) (func() error, func(error)) {
		ctx, cancel := context.WithCancel(ctx)
		execute := func() error {
			select {
			case <-time.After(10 * time.Millisecond):
				return run.SignalError{Signal: syscall.SIGINT}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return execute, func(error) { cancel() }
	}
	checker := &fakeChecker{statuses: []spot.Status{{Kind: spot.StatusPending, State: "open"}}}

	_, err := waitWithSignals(context.Background(), checker, "sir-1", time.Millisecond, time.Minute)

	require.Error(t, err)
	var sigErr run.SignalError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, syscall.SIGINT, sigErr.Signal)
	assert.Contains(t, err.Error(), "interrupted")
	assert.NotErrorIs(t, err, context.Canceled)
}

func launchSpecFixture(lc asgtypes.LaunchConfiguration) (*spot.Service, *asg.Client) {
	subnets := &fakeSubnets{subnets: []ec2types.Subnet{
		{SubnetId: aws.String("subnet-a"), AvailabilityZone: aws.String("us-east-1a")},
	}}
	groups := asg.NewWithClients(&fakeAutoScaling{group: webGroup(), launchConfig: &lc}, subnets)
	spotSvc := spot.NewWithClients(&fakeSpotEC2{groups: map[string][]string{
		"web-sg":  {"sg-web"},
		"dupe-sg": {"sg-1", "sg-2"},
	}}, fakeIAM{})
	return spotSvc, groups
}

func TestPrintLaunchSpec_OmitsEmptyKeys(t *testing.T) {
	withConfig(t, config.Default())
	spotSvc, groups := launchSpecFixture(asgtypes.LaunchConfiguration{
		LaunchConfigurationName: aws.String("web-lc"),
		ImageId:                 aws.String("ami-1"),
		KernelId:                aws.String(""),
		EbsOptimized:            aws.Bool(false),
		InstanceMonitoring:      &asgtypes.InstanceMonitoring{},
	})

	var out bytes.Buffer
	require.NoError(t, printLaunchSpec(context.Background(), &out, spotSvc, groups, "web", "us-east-1a", ""))

	assert.NotContains(t, out.String(), "null")
	assert.NotContains(t, out.String(), `""`)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, map[string]any{
		"ImageId":  "ami-1",
		"SubnetId": "subnet-a",
		"Placement": map[string]any{
			"AvailabilityZone": "us-east-1a",
			"Tenancy":          "default",
		},
	}, got)
}

func TestPrintLaunchSpec_KeepsMeaningfulValues(t *testing.T) {
	withConfig(t, config.Default())
	spotSvc, groups := launchSpecFixture(asgtypes.LaunchConfiguration{
		LaunchConfigurationName: aws.String("web-lc"),
		ImageId:                 aws.String("ami-1"),
		InstanceType:            aws.String("m5.large"),
		IamInstanceProfile:      aws.String("web-profile"),
		SecurityGroups:          []string{"web-sg"},
		InstanceMonitoring:      &asgtypes.InstanceMonitoring{Enabled: aws.Bool(false)},
		BlockDeviceMappings: []asgtypes.BlockDeviceMapping{
			{DeviceName: aws.String("/dev/sdb"), NoDevice: aws.Bool(true)},
		},
	})

	var out bytes.Buffer
	require.NoError(t, printLaunchSpec(context.Background(), &out, spotSvc, groups, "web", "us-east-1a", "subnet-x"))
	assert.NotContains(t, out.String(), "null")

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "m5.large", got["InstanceType"])
	assert.Equal(t, "subnet-x", got["SubnetId"])
	assert.Equal(t, []any{"sg-web"}, got["SecurityGroupIds"])
	assert.Equal(t, map[string]any{"Arn": "arn:aws:iam::123456789012:instance-profile/web-profile"}, got["IamInstanceProfile"])
	assert.Equal(t, map[string]any{"Enabled": false}, got["Monitoring"])
	assert.Equal(t, []any{map[string]any{"DeviceName": "/dev/sdb", "NoDevice": ""}}, got["BlockDeviceMappings"])
}

func TestPrintLaunchSpec_AmbiguousSecurityGroup(t *testing.T) {
	withConfig(t, config.Default())
	spotSvc, groups := launchSpecFixture(asgtypes.LaunchConfiguration{
		LaunchConfigurationName: aws.String("web-lc"),
		SecurityGroups:          []string{"dupe-sg"},
	})

	var out bytes.Buffer
	err := printLaunchSpec(context.Background(), &out, spotSvc, groups, "web", "us-east-1a", "")

	assert.ErrorIs(t, err, spot.ErrAmbiguousResource)
	assert.Empty(t, out.String())
}

func TestPruneEmpty_Nested(t *testing.T) {
	tree := map[string]any{
		"Keep":   "x",
		"Zero":   float64(0),
		"False":  false,
		"Null":   nil,
		"Blank":  "",
		"List":   []any{nil, "", map[string]any{"A": nil}},
		"Nested": map[string]any{"Inner": map[string]any{"B": nil}, "C": "c"},
	}

	pruneEmpty(tree)

	assert.Equal(t, map[string]any{
		"Keep":   "x",
		"Zero":   float64(0),
		"False":  false,
		"Nested": map[string]any{"C": "c"},
	}, tree)
}
