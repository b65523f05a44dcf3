package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

func (p *Provider) createInstance(ctx context.Context, node *engine.PlanNode) (string, error) {
	resp, err := p.ec2Client.RunInstances(ctx, runInstancesInput(node))
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Instances) == 0 {
		return "", engine.NewTransientError("no instance in RunInstances response", nil).
			WithCode(engine.ErrCodeExecutionFailed)
	}
	return deref(resp.Instances[0].InstanceId), nil
}

// runInstancesInput builds the launch request for a plan node. The node's
// idempotency key doubles as the EC2 client token, so a retried launch
// after a timeout lands on the same instance instead of a duplicate.
func runInstancesInput(node *engine.PlanNode) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		ImageId:      strPtr(node.Config["ami"]),
		InstanceType: types.InstanceType(node.Config["instance_type"]),
		MinCount:     i32Ptr(1),
		MaxCount:     i32Ptr(1),
		ClientToken:  strPtr(node.IdempotencyKey),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         ec2Tags(node),
		}},
	}
	if keyName := node.Config["key_name"]; keyName != "" {
		input.KeyName = strPtr(keyName)
	}
	return input
}

func (p *Provider) findInstance(ctx context.Context, node *engine.PlanNode) (string, bool, error) {
	resp, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: strPtr("tag:" + TagIdempotencyKey), Values: []string{node.IdempotencyKey}},
			{Name: strPtr("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	if err != nil {
		return "", false, classify(err)
	}
	for _, res := range resp.Reservations {
		for _, inst := range res.Instances {
			return deref(inst.InstanceId), true, nil
		}
	}
	return "", false, nil
}

func (p *Provider) deleteInstance(ctx context.Context, rec *engine.ExecutionRecord) error {
	_, err := p.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{rec.ProviderID},
	})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

func (p *Provider) createSecurityGroup(ctx context.Context, node *engine.PlanNode) (string, error) {
	name := resourceName(node)
	description := node.Config["description"]
	if description == "" {
		description = "managed security group"
	}

	resp, err := p.ec2Client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   strPtr(name),
		Description: strPtr(description),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeSecurityGroup,
			Tags:         ec2Tags(node),
		}},
	})
	if err != nil {
		if isAlreadyExists(err) {
			id, found, ferr := p.findSecurityGroup(ctx, node)
			if ferr == nil && found {
				return id, nil
			}
		}
		return "", classify(err)
	}
	groupID := deref(resp.GroupId)

	perms, err := ingressPermissions(node.Config["ingress_ports"])
	if err != nil {
		return "", err
	}
	if len(perms) > 0 {
		_, err := p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       strPtr(groupID),
			IpPermissions: perms,
		})
		if err != nil && !isAlreadyExists(err) {
			return "", classify(err)
		}
	}
	return groupID, nil
}

func (p *Provider) findSecurityGroup(ctx context.Context, node *engine.PlanNode) (string, bool, error) {
	resp, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: strPtr("tag:" + TagIdempotencyKey), Values: []string{node.IdempotencyKey}},
		},
	})
	if err != nil {
		return "", false, classify(err)
	}
	if len(resp.SecurityGroups) == 0 {
		return "", false, nil
	}
	return deref(resp.SecurityGroups[0].GroupId), true, nil
}

func (p *Provider) deleteSecurityGroup(ctx context.Context, rec *engine.ExecutionRecord) error {
	_, err := p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: strPtr(rec.ProviderID),
	})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

// ingressPermissions parses the comma-separated port list into tcp ingress
// rules open to 0.0.0.0/0.
func ingressPermissions(ports string) ([]types.IpPermission, error) {
	if ports == "" {
		return nil, nil
	}
	var perms []types.IpPermission
	for _, raw := range strings.Split(ports, ",") {
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("invalid ingress port %q", raw), err).
				WithCode(engine.ErrCodeValidation)
		}
		perms = append(perms, types.IpPermission{
			IpProtocol: strPtr("tcp"),
			FromPort:   i32Ptr(int32(port)),
			ToPort:     i32Ptr(int32(port)),
			IpRanges:   []types.IpRange{{CidrIp: strPtr("0.0.0.0/0")}},
		})
	}
	return perms, nil
}

func ec2Tags(node *engine.PlanNode) []types.Tag {
	src := standardTags(node)
	tags := make([]types.Tag, 0, len(src)+1)
	for k, v := range src {
		tags = append(tags, types.Tag{Key: strPtr(k), Value: strPtr(v)})
	}
	tags = append(tags, types.Tag{Key: strPtr("Name"), Value: strPtr(resourceName(node))})
	return tags
}
