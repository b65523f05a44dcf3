package aws

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// logGroupName namespaces managed log groups under /nimbus/.
func logGroupName(node *engine.PlanNode) string {
	return "/nimbus/" + resourceName(node)
}

func (p *Provider) createLogGroup(ctx context.Context, node *engine.PlanNode) (string, error) {
	name := logGroupName(node)

	_, err := p.logsClient.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: strPtr(name),
		Tags:         standardTags(node),
	})
	if err != nil && !isAlreadyExists(err) {
		return "", classify(err)
	}

	if days, _ := strconv.Atoi(node.Config["retention_days"]); days > 0 {
		_, err := p.logsClient.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    strPtr(name),
			RetentionInDays: i32Ptr(int32(days)),
		})
		if err != nil {
			return "", classify(err)
		}
	}
	return name, nil
}

func (p *Provider) findLogGroup(ctx context.Context, node *engine.PlanNode) (string, bool, error) {
	name := logGroupName(node)
	out, err := p.logsClient.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: strPtr(name),
	})
	if err != nil {
		return "", false, classify(err)
	}
	for _, group := range out.LogGroups {
		if deref(group.LogGroupName) == name {
			return name, true, nil
		}
	}
	return "", false, nil
}

func (p *Provider) deleteLogGroup(ctx context.Context, rec *engine.ExecutionRecord) error {
	_, err := p.logsClient.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{
		LogGroupName: strPtr(rec.ProviderID),
	})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}
