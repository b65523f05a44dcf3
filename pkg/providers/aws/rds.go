package aws

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

func (p *Provider) createDBInstance(ctx context.Context, node *engine.PlanNode) (string, error) {
	identifier := resourceName(node)

	storage, _ := strconv.Atoi(node.Config["storage_gb"])
	if storage == 0 {
		storage = 20
	}

	input := &rds.CreateDBInstanceInput{
		DBInstanceIdentifier: strPtr(identifier),
		Engine:               strPtr(node.Config["engine"]),
		EngineVersion:        strPtr(node.Config["engine_version"]),
		DBInstanceClass:      strPtr(node.Config["instance_class"]),
		AllocatedStorage:     i32Ptr(int32(storage)),
		MasterUsername:       strPtr("nimbus_admin"),
		ManageMasterUserPassword: boolPtr(true),
		MultiAZ:              boolPtr(node.Config["multi_az"] == "true"),
		Tags:                 rdsTags(node),
	}
	if sg := node.Config[engine.DepConfigPrefix+string(engine.ResourceSecurityGroup)]; sg != "" {
		input.VpcSecurityGroupIds = []string{sg}
	}
	if sng := node.Config[engine.DepConfigPrefix+string(engine.ResourceDBSubnetGroup)]; sng != "" {
		input.DBSubnetGroupName = strPtr(sng)
	}

	out, err := p.rdsClient.CreateDBInstance(ctx, input)
	if err != nil {
		if isAlreadyExists(err) {
			return identifier, nil
		}
		return "", classify(err)
	}
	return deref(out.DBInstance.DBInstanceIdentifier), nil
}

func (p *Provider) findDBInstance(ctx context.Context, node *engine.PlanNode) (string, bool, error) {
	identifier := resourceName(node)
	out, err := p.rdsClient.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: strPtr(identifier),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, classify(err)
	}
	if len(out.DBInstances) == 0 {
		return "", false, nil
	}
	return deref(out.DBInstances[0].DBInstanceIdentifier), true, nil
}

func (p *Provider) deleteDBInstance(ctx context.Context, rec *engine.ExecutionRecord) error {
	_, err := p.rdsClient.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
		DBInstanceIdentifier: strPtr(rec.ProviderID),
		SkipFinalSnapshot:    boolPtr(true),
	})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

func (p *Provider) createDBSubnetGroup(ctx context.Context, node *engine.PlanNode) (string, error) {
	name := resourceName(node)
	description := node.Config["description"]
	if description == "" {
		description = "managed db subnet group"
	}

	subnets, err := p.defaultSubnets(ctx)
	if err != nil {
		return "", err
	}

	_, err = p.rdsClient.CreateDBSubnetGroup(ctx, &rds.CreateDBSubnetGroupInput{
		DBSubnetGroupName:        strPtr(name),
		DBSubnetGroupDescription: strPtr(description),
		SubnetIds:                subnets,
		Tags:                     rdsTags(node),
	})
	if err != nil && !isAlreadyExists(err) {
		return "", classify(err)
	}
	return name, nil
}

func (p *Provider) findDBSubnetGroup(ctx context.Context, node *engine.PlanNode) (string, bool, error) {
	name := resourceName(node)
	out, err := p.rdsClient.DescribeDBSubnetGroups(ctx, &rds.DescribeDBSubnetGroupsInput{
		DBSubnetGroupName: strPtr(name),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, classify(err)
	}
	if len(out.DBSubnetGroups) == 0 {
		return "", false, nil
	}
	return deref(out.DBSubnetGroups[0].DBSubnetGroupName), true, nil
}

func (p *Provider) deleteDBSubnetGroup(ctx context.Context, rec *engine.ExecutionRecord) error {
	_, err := p.rdsClient.DeleteDBSubnetGroup(ctx, &rds.DeleteDBSubnetGroupInput{
		DBSubnetGroupName: strPtr(rec.ProviderID),
	})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

// defaultSubnets lists the subnets of the default VPC for subnet-group
// membership.
func (p *Provider) defaultSubnets(ctx context.Context) ([]string, error) {
	out, err := p.ec2Client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{
			{Name: strPtr("default-for-az"), Values: []string{"true"}},
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(out.Subnets) == 0 {
		return nil, engine.NewPermanentError("no default subnets available", nil).
			WithCode(engine.ErrCodeValidation)
	}
	ids := make([]string, 0, len(out.Subnets))
	for _, s := range out.Subnets {
		ids = append(ids, deref(s.SubnetId))
	}
	return ids, nil
}

func rdsTags(node *engine.PlanNode) []types.Tag {
	src := standardTags(node)
	tags := make([]types.Tag, 0, len(src))
	for k, v := range src {
		tags = append(tags, types.Tag{Key: strPtr(k), Value: strPtr(v)})
	}
	return tags
}
