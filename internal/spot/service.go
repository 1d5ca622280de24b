// Package spot turns autoscaling launch configurations into one-time EC2
// spot instance requests and reports on their lifecycle.
package spot

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Service holds the clients every operation talks to. It keeps no state
// between calls.
type Service struct {
	ec2Client EC2API
	iamClient IAMAPI
	tracer    trace.Tracer
}

// NewFromConfig creates a Service backed by real AWS clients.
func NewFromConfig(cfg aws.Config) *Service {
	return NewWithClients(ec2.NewFromConfig(cfg), iam.NewFromConfig(cfg))
}

// NewWithClients creates a Service from already constructed clients.
func NewWithClients(ec2Client EC2API, iamClient IAMAPI) *Service {
	return &Service{
		ec2Client: ec2Client,
		iamClient: iamClient,
		tracer:    otel.Tracer("spoptimize/spot"),
	}
}
