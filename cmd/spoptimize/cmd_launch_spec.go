package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/spf13/cobra"

	"github.com/yairfalse/spoptimize/internal/asg"
)

var (
	launchSpecGroup  string
	launchSpecZone   string
	launchSpecSubnet string
)

// launchSpecCmd represents the launch-spec command
var launchSpecCmd = &cobra.Command{
	Use:   "launch-spec",
	Short: "Print the spot launch specification for an autoscaling group",
	Long: `Translate the launch configuration of an autoscaling group into an EC2 spot
launch specification and print it as JSON. Nothing is submitted.

The output can be passed to aws ec2 request-spot-instances --launch-specification.`,
	Example: `  spoptimize launch-spec --group web --az us-east-1a`,
	RunE:    runLaunchSpec,
}

func init() {
	rootCmd.AddCommand(launchSpecCmd)

	launchSpecCmd.Flags().StringVarP(&launchSpecGroup, "group", "g", "", "Autoscaling group name")
	launchSpecCmd.Flags().StringVar(&launchSpecZone, "az", "", "Availability zone (defaults to spot.availability_zone)")
	launchSpecCmd.Flags().StringVar(&launchSpecSubnet, "subnet", "", "Subnet id (defaults to spot.subnet_id, then the group's subnet in the zone)")
	_ = launchSpecCmd.MarkFlagRequired("group")
}

// launchSpecBuilder is the part of spot.Service the launch-spec command needs.
type launchSpecBuilder interface {
	BuildLaunchSpecification(ctx context.Context, lc asgtypes.LaunchConfiguration, availabilityZone, subnetID string) (*ec2types.RequestSpotLaunchSpecification, error)
}

func runLaunchSpec(cmd *cobra.Command, _ []string) error {
	spotSvc, groups, err := clients(cmd.Context())
	if err != nil {
		return err
	}
	return printLaunchSpec(cmd.Context(), cmd.OutOrStdout(), spotSvc, groups, launchSpecGroup, launchSpecZone, launchSpecSubnet)
}

func printLaunchSpec(ctx context.Context, out io.Writer, b launchSpecBuilder, groups *asg.Client, groupName, zone, subnet string) error {
	target, err := resolveTarget(ctx, groups, groupName, zone, subnet)
	if err != nil {
		return err
	}

	spec, err := b.BuildLaunchSpecification(ctx, target.group.LaunchConfig, target.zone, target.subnet)
	if err != nil {
		return err
	}

	data, err := renderLaunchSpec(spec)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}

// renderLaunchSpec prints spec the way the EC2 API takes it. The SDK types
// serialize unset fields as null and unset enums as "", so those keys are
// pruned. NoDevice keeps its empty string, which is how EC2 suppresses a
// device.
func renderLaunchSpec(spec *ec2types.RequestSpotLaunchSpecification) ([]byte, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal launch specification: %w", err)
	}

	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode launch specification: %w", err)
	}
	pruneEmpty(tree)

	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal launch specification: %w", err)
	}
	return data, nil
}

// pruneEmpty drops null, "", empty list and empty object values from m,
// recursing into nested objects and lists.
func pruneEmpty(m map[string]any) {
	for k, v := range m {
		if k == "NoDevice" && v == "" {
			continue
		}
		if kept, ok := prune(v); ok {
			m[k] = kept
		} else {
			delete(m, k)
		}
	}
}

// prune returns v without its empty parts, and false when nothing is left.
func prune(v any) (any, bool) {
	switch v := v.(type) {
	case nil:
		return nil, false
	case string:
		return v, v != ""
	case map[string]any:
		pruneEmpty(v)
		return v, len(v) > 0
	case []any:
		kept := make([]any, 0, len(v))
		for _, item := range v {
			if item, ok := prune(item); ok {
				kept = append(kept, item)
			}
		}
		return kept, len(kept) > 0
	}
	return v, true
}
