package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudfront"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/s3"
	"github.com/pulumi/pulumi-github/sdk/v4/go/github"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// AWS managed CachingOptimized policy.
const _cachingOptimizedPolicyID = "658327ea-f89d-4fab-a63d-7e88639e58f6"

type widgetCDN struct {
	bucket       *s3.BucketV2
	distribution *cloudfront.Distribution
}

// widgetSettings are published to the widget repository so its pipeline can
// build against this environment.
type widgetSettings struct {
	APIURL           pulumi.StringOutput
	APIKey           pulumi.StringOutput
	UserPoolID       pulumi.StringOutput
	UserPoolClientID pulumi.StringOutput
}

func newWidgetCdnStack(ctx *pulumi.Context, env environment, settings widgetSettings, tags pulumi.StringMap) (*widgetCDN, error) {
	w := &widgetCDN{}

	// Bucket
	bucket, err := s3.NewBucketV2(ctx, "s3-widget-"+env.Name, &s3.BucketV2Args{
		Bucket:       pulumi.String(resourceName(env.Name, "rag-widget")),
		ForceDestroy: pulumi.Bool(!env.Database.DeletionProtection),
		Tags:         tags,
	})
	if err != nil {
		return nil, fmt.Errorf("creating widget bucket: %w", err)
	}
	w.bucket = bucket

	publicAccess, err := s3.NewBucketPublicAccessBlock(ctx, "s3-widget-public-access-"+env.Name, &s3.BucketPublicAccessBlockArgs{
		Bucket:                bucket.ID(),
		BlockPublicAcls:       pulumi.Bool(true),
		BlockPublicPolicy:     pulumi.Bool(true),
		IgnorePublicAcls:      pulumi.Bool(true),
		RestrictPublicBuckets: pulumi.Bool(true),
	}, pulumi.Parent(bucket))
	if err != nil {
		return nil, fmt.Errorf("creating widget bucket public access block: %w", err)
	}

	_, err = s3.NewBucketVersioningV2(ctx, "s3-widget-versioning-"+env.Name, &s3.BucketVersioningV2Args{
		Bucket: bucket.ID(),
		VersioningConfiguration: &s3.BucketVersioningV2VersioningConfigurationArgs{
			Status: pulumi.String("Enabled"),
		},
	}, pulumi.Parent(bucket))
	if err != nil {
		return nil, fmt.Errorf("creating widget bucket versioning: %w", err)
	}

	_, err = s3.NewBucketServerSideEncryptionConfigurationV2(ctx, "s3-widget-sse-"+env.Name, &s3.BucketServerSideEncryptionConfigurationV2Args{
		Bucket: bucket.ID(),
		Rules: s3.BucketServerSideEncryptionConfigurationV2RuleArray{
			s3.BucketServerSideEncryptionConfigurationV2RuleArgs{
				ApplyServerSideEncryptionByDefault: &s3.BucketServerSideEncryptionConfigurationV2RuleApplyServerSideEncryptionByDefaultArgs{
					SseAlgorithm: pulumi.String("AES256"),
				},
			},
		},
	}, pulumi.Parent(bucket))
	if err != nil {
		return nil, fmt.Errorf("creating widget bucket encryption: %w", err)
	}

	// CloudFront
	oac, err := cloudfront.NewOriginAccessControl(ctx, "cf-oac-widget-"+env.Name, &cloudfront.OriginAccessControlArgs{
		Name:                          pulumi.String(resourceName(env.Name, "rag-widget")),
		Description:                   pulumi.Sprintf("Widget bucket access for %s", env.Name),
		OriginAccessControlOriginType: pulumi.String("s3"),
		SigningBehavior:               pulumi.String("always"),
		SigningProtocol:               pulumi.String("sigv4"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating cloudfront origin access control: %w", err)
	}

	originID := "widget-s3"
	errorResponses := cloudfront.DistributionCustomErrorResponseArray{}
	for _, code := range []int{403, 404} {
		errorResponses = append(errorResponses, cloudfront.DistributionCustomErrorResponseArgs{
			ErrorCode:          pulumi.Int(code),
			ResponseCode:       pulumi.Int(200),
			ResponsePagePath:   pulumi.String("/index.html"),
			ErrorCachingMinTtl: pulumi.Int(0),
		})
	}

	dist, err := cloudfront.NewDistribution(ctx, "cf-widget-"+env.Name, &cloudfront.DistributionArgs{
		Enabled:           pulumi.Bool(true),
		IsIpv6Enabled:     pulumi.Bool(true),
		Comment:           pulumi.Sprintf("RAG widget for %s", env.Name),
		DefaultRootObject: pulumi.String("index.html"),
		PriceClass:        pulumi.String(env.WidgetCDN.PriceClass),
		Origins: cloudfront.DistributionOriginArray{
			cloudfront.DistributionOriginArgs{
				OriginId:              pulumi.String(originID),
				DomainName:            bucket.BucketRegionalDomainName,
				OriginAccessControlId: oac.ID(),
			},
		},
		DefaultCacheBehavior: &cloudfront.DistributionDefaultCacheBehaviorArgs{
			TargetOriginId:       pulumi.String(originID),
			ViewerProtocolPolicy: pulumi.String("redirect-to-https"),
			AllowedMethods:       pulumi.ToStringArray([]string{"GET", "HEAD", "OPTIONS"}),
			CachedMethods:        pulumi.ToStringArray([]string{"GET", "HEAD"}),
			CachePolicyId:        pulumi.String(_cachingOptimizedPolicyID),
			Compress:             pulumi.Bool(true),
		},
		CustomErrorResponses: errorResponses,
		Restrictions: &cloudfront.DistributionRestrictionsArgs{
			GeoRestriction: &cloudfront.DistributionRestrictionsGeoRestrictionArgs{
				RestrictionType: pulumi.String("none"),
			},
		},
		ViewerCertificate: &cloudfront.DistributionViewerCertificateArgs{
			CloudfrontDefaultCertificate: pulumi.Bool(true),
		},
		Tags: tags,
	})
	if err != nil {
		return nil, fmt.Errorf("creating cloudfront distribution: %w", err)
	}
	w.distribution = dist

	_, err = s3.NewBucketPolicy(ctx, "s3-widget-policy-"+env.Name, &s3.BucketPolicyArgs{
		Bucket: bucket.ID(),
		Policy: pulumi.All(bucket.Arn, dist.Arn).ApplyT(func(args []interface{}) string {
			return policyDocument(map[string]interface{}{
				"Effect":    "Allow",
				"Principal": map[string]string{"Service": "cloudfront.amazonaws.com"},
				"Action":    []string{"s3:GetObject"},
				"Resource":  args[0].(string) + "/*",
				"Condition": map[string]interface{}{
					"StringEquals": map[string]string{"AWS:SourceArn": args[1].(string)},
				},
			})
		}).(pulumi.StringOutput),
	}, pulumi.Parent(bucket), pulumi.DependsOn([]pulumi.Resource{publicAccess}))
	if err != nil {
		return nil, fmt.Errorf("creating widget bucket policy: %w", err)
	}

	if env.WidgetCDN.GithubRepository != "" {
		secrets := map[string]pulumi.StringOutput{
			"API_URL":             settings.APIURL,
			"API_KEY":             settings.APIKey,
			"USER_POOL_ID":        settings.UserPoolID,
			"USER_POOL_CLIENT_ID": settings.UserPoolClientID,
			"WIDGET_BUCKET":       bucket.Bucket,
			"CDN_DOMAIN":          dist.DomainName,
		}
		if err := newWidgetRepositorySecrets(ctx, env, secrets); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// newWidgetRepositorySecrets publishes secrets on a deployment environment
// of the widget repository named after env, so several environments can
// share one repository.
func newWidgetRepositorySecrets(ctx *pulumi.Context, env environment, secrets map[string]pulumi.StringOutput) error {
	repoEnv, err := github.NewRepositoryEnvironment(ctx, "github-env-"+env.Name, &github.RepositoryEnvironmentArgs{
		Repository:  pulumi.String(env.WidgetCDN.GithubRepository),
		Environment: pulumi.String(env.Name),
	})
	if err != nil {
		return fmt.Errorf("creating github repository environment: %w", err)
	}

	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		_, err := github.NewActionsEnvironmentSecret(ctx, fmt.Sprintf("github-secret-%s-%s", env.Name, strings.ToLower(name)), &github.ActionsEnvironmentSecretArgs{
			Repository:     pulumi.String(env.WidgetCDN.GithubRepository),
			Environment:    repoEnv.Environment,
			SecretName:     pulumi.String(name),
			PlaintextValue: secrets[name],
		}, pulumi.Parent(repoEnv))
		if err != nil {
			return fmt.Errorf("creating github actions secret [%s]: %w", name, err)
		}
	}

	return nil
}
