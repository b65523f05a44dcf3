package aws

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

func (p *Provider) createBucket(ctx context.Context, node *engine.PlanNode) (string, error) {
	name := resourceName(node)

	input := &s3.CreateBucketInput{Bucket: strPtr(name)}
	// us-east-1 rejects an explicit location constraint.
	if p.region != "" && p.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(p.region),
		}
	}
	if _, err := p.s3Client.CreateBucket(ctx, input); err != nil && !isAlreadyExists(err) {
		return "", classify(err)
	}

	if node.Config["versioning"] == "true" {
		_, err := p.s3Client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket: strPtr(name),
			VersioningConfiguration: &types.VersioningConfiguration{
				Status: types.BucketVersioningStatusEnabled,
			},
		})
		if err != nil {
			return "", classify(err)
		}
	}

	if node.Config["website"] == "true" {
		index := node.Config["index_document"]
		if index == "" {
			index = "index.html"
		}
		_, err := p.s3Client.PutBucketWebsite(ctx, &s3.PutBucketWebsiteInput{
			Bucket: strPtr(name),
			WebsiteConfiguration: &types.WebsiteConfiguration{
				IndexDocument: &types.IndexDocument{Suffix: strPtr(index)},
			},
		})
		if err != nil {
			return "", classify(err)
		}
	}

	if days, _ := strconv.Atoi(node.Config["lifecycle_days"]); days > 0 {
		_, err := p.s3Client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
			Bucket: strPtr(name),
			LifecycleConfiguration: &types.BucketLifecycleConfiguration{
				Rules: []types.LifecycleRule{{
					ID:         strPtr("nimbus-expiry"),
					Status:     types.ExpirationStatusEnabled,
					Filter:     &types.LifecycleRuleFilter{Prefix: strPtr("")},
					Expiration: &types.LifecycleExpiration{Days: i32Ptr(int32(days))},
				}},
			},
		})
		if err != nil {
			return "", classify(err)
		}
	}

	if err := p.tagBucket(ctx, name, node); err != nil {
		return "", err
	}
	return name, nil
}

func (p *Provider) findBucket(ctx context.Context, node *engine.PlanNode) (string, bool, error) {
	name := resourceName(node)
	_, err := p.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: strPtr(name)})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, classify(err)
	}
	return name, true, nil
}

func (p *Provider) deleteBucket(ctx context.Context, rec *engine.ExecutionRecord) error {
	_, err := p.s3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: strPtr(rec.ProviderID)})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

func (p *Provider) tagBucket(ctx context.Context, name string, node *engine.PlanNode) error {
	src := standardTags(node)
	tags := make([]types.Tag, 0, len(src))
	for k, v := range src {
		tags = append(tags, types.Tag{Key: strPtr(k), Value: strPtr(v)})
	}
	_, err := p.s3Client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket:  strPtr(name),
		Tagging: &types.Tagging{TagSet: tags},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}
