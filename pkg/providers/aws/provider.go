// Package aws implements the provisioning provider against AWS using the
// v2 SDK. Each resource kind lives in its own file; this file holds the
// provider shell, client wiring and shared naming/tagging helpers.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// Tag keys applied to every resource the provider creates.
const (
	TagCreatedBy      = "CreatedBy"
	TagCreatedByValue = "nimbus"
	TagIdempotencyKey = "nimbus:idempotency-key"
	TagSession        = "nimbus:session"
	TagPurpose        = "nimbus:purpose"
)

// Options configures the provider.
type Options struct {
	// Region is the AWS region to provision into.
	Region string
}

// Provider provisions AWS resources. It implements executor.Provider.
type Provider struct {
	region string
	logger zerolog.Logger

	ec2Client    *ec2.Client
	iamClient    *iam.Client
	lambdaClient *lambda.Client
	rdsClient    *rds.Client
	s3Client     *s3.Client
	logsClient   *cloudwatchlogs.Client
	stsClient    *sts.Client
}

// New loads the default AWS configuration chain and builds the per-service
// clients.
func New(ctx context.Context, opts Options, logger zerolog.Logger) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, engine.NewPermanentError("load AWS config", err).
			WithCode(engine.ErrCodePermissionDenied)
	}
	return &Provider{
		region:       opts.Region,
		logger:       logger.With().Str("component", "aws-provider").Logger(),
		ec2Client:    ec2.NewFromConfig(cfg),
		iamClient:    iam.NewFromConfig(cfg),
		lambdaClient: lambda.NewFromConfig(cfg),
		rdsClient:    rds.NewFromConfig(cfg),
		s3Client:     s3.NewFromConfig(cfg),
		logsClient:   cloudwatchlogs.NewFromConfig(cfg),
		stsClient:    sts.NewFromConfig(cfg),
	}, nil
}

// CallerIdentity returns the active account and principal, mostly for
// startup diagnostics.
func (p *Provider) CallerIdentity(ctx context.Context) (account, arn string, err error) {
	out, err := p.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", "", classify(err)
	}
	return deref(out.Account), deref(out.Arn), nil
}

// Create provisions the resource a plan node describes.
func (p *Provider) Create(ctx context.Context, node *engine.PlanNode) (string, error) {
	p.logger.Info().Str("node", node.ID).Str("type", string(node.Spec.Type)).Msg("creating resource")
	switch node.Spec.Type {
	case engine.ResourceEC2Instance:
		return p.createInstance(ctx, node)
	case engine.ResourceLambdaFunction:
		return p.createFunction(ctx, node)
	case engine.ResourceRDSDatabase:
		return p.createDBInstance(ctx, node)
	case engine.ResourceS3Bucket:
		return p.createBucket(ctx, node)
	case engine.ResourceIAMRole:
		return p.createRole(ctx, node)
	case engine.ResourceSecurityGroup:
		return p.createSecurityGroup(ctx, node)
	case engine.ResourceLogGroup:
		return p.createLogGroup(ctx, node)
	case engine.ResourceDBSubnetGroup:
		return p.createDBSubnetGroup(ctx, node)
	}
	return "", engine.NewPermanentError(
		fmt.Sprintf("unsupported resource type %q", node.Spec.Type), nil).
		WithCode(engine.ErrCodeUnknownResourceType)
}

// Find looks up a resource created under the node's idempotency key.
func (p *Provider) Find(ctx context.Context, node *engine.PlanNode) (string, bool, error) {
	switch node.Spec.Type {
	case engine.ResourceEC2Instance:
		return p.findInstance(ctx, node)
	case engine.ResourceLambdaFunction:
		return p.findFunction(ctx, node)
	case engine.ResourceRDSDatabase:
		return p.findDBInstance(ctx, node)
	case engine.ResourceS3Bucket:
		return p.findBucket(ctx, node)
	case engine.ResourceIAMRole:
		return p.findRole(ctx, node)
	case engine.ResourceSecurityGroup:
		return p.findSecurityGroup(ctx, node)
	case engine.ResourceLogGroup:
		return p.findLogGroup(ctx, node)
	case engine.ResourceDBSubnetGroup:
		return p.findDBSubnetGroup(ctx, node)
	}
	return "", false, nil
}

// Delete removes a resource created earlier in the run.
func (p *Provider) Delete(ctx context.Context, rec *engine.ExecutionRecord) error {
	p.logger.Info().Str("node", rec.NodeID).Str("provider_id", rec.ProviderID).Msg("deleting resource")
	switch rec.Type {
	case engine.ResourceEC2Instance:
		return p.deleteInstance(ctx, rec)
	case engine.ResourceLambdaFunction:
		return p.deleteFunction(ctx, rec)
	case engine.ResourceRDSDatabase:
		return p.deleteDBInstance(ctx, rec)
	case engine.ResourceS3Bucket:
		return p.deleteBucket(ctx, rec)
	case engine.ResourceIAMRole:
		return p.deleteRole(ctx, rec)
	case engine.ResourceSecurityGroup:
		return p.deleteSecurityGroup(ctx, rec)
	case engine.ResourceLogGroup:
		return p.deleteLogGroup(ctx, rec)
	case engine.ResourceDBSubnetGroup:
		return p.deleteDBSubnetGroup(ctx, rec)
	}
	return engine.NewPermanentError(
		fmt.Sprintf("unsupported resource type %q", rec.Type), nil).
		WithCode(engine.ErrCodeUnknownResourceType)
}

// resourceName returns the provider-side name for a node: the user's
// chosen name when one was configured, otherwise a deterministic name
// derived from the idempotency key so retries and re-runs target the same
// resource.
func resourceName(node *engine.PlanNode) string {
	if name := node.Config["name"]; name != "" {
		return name
	}
	return fmt.Sprintf("nimbus-%s-%s", node.Spec.Type, node.IdempotencyKey)
}

// standardTags returns the tag set applied to every created resource.
func standardTags(node *engine.PlanNode) map[string]string {
	tags := map[string]string{
		TagCreatedBy:      TagCreatedByValue,
		TagIdempotencyKey: node.IdempotencyKey,
		TagPurpose:        node.Spec.Purpose,
	}
	if session := node.Config["session"]; session != "" {
		tags[TagSession] = session
	}
	return tags
}

func strPtr(s string) *string { return &s }

func i32Ptr(i int32) *int32 { return &i }

func boolPtr(b bool) *bool { return &b }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
