package aws

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// trustPolicy builds the assume-role document for the configured service
// principal.
func trustPolicy(service string) string {
	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":    "Allow",
			"Principal": map[string]any{"Service": service},
			"Action":    "sts:AssumeRole",
		}},
	}
	out, _ := json.Marshal(doc)
	return string(out)
}

func (p *Provider) createRole(ctx context.Context, node *engine.PlanNode) (string, error) {
	name := resourceName(node)
	service := node.Config["assume_role_service"]
	if service == "" {
		service = "ec2.amazonaws.com"
	}

	input := &iam.CreateRoleInput{
		RoleName:                 strPtr(name),
		AssumeRolePolicyDocument: strPtr(trustPolicy(service)),
		Tags:                     iamTags(node),
	}
	_, err := p.iamClient.CreateRole(ctx, input)
	if err != nil && !isAlreadyExists(err) {
		return "", classify(err)
	}

	if policy := node.Config["managed_policy"]; policy != "" {
		_, err := p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  strPtr(name),
			PolicyArn: strPtr(policy),
		})
		if err != nil {
			return "", classify(err)
		}
	}
	return name, nil
}

func (p *Provider) findRole(ctx context.Context, node *engine.PlanNode) (string, bool, error) {
	name := resourceName(node)
	out, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: strPtr(name)})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, classify(err)
	}
	return deref(out.Role.RoleName), true, nil
}

func (p *Provider) deleteRole(ctx context.Context, rec *engine.ExecutionRecord) error {
	if policy := rec.Config["managed_policy"]; policy != "" {
		_, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  strPtr(rec.ProviderID),
			PolicyArn: strPtr(policy),
		})
		if err != nil && !isNotFound(err) {
			return classify(err)
		}
	}
	_, err := p.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: strPtr(rec.ProviderID)})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

func iamTags(node *engine.PlanNode) []types.Tag {
	src := standardTags(node)
	tags := make([]types.Tag, 0, len(src))
	for k, v := range src {
		tags = append(tags, types.Tag{Key: strPtr(k), Value: strPtr(v)})
	}
	return tags
}
