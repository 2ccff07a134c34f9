// Package aws implements the AWS adapters for autotag: event lookup, identity
// and parameter tags, tag writes, and resource inventories.
package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/memorydb"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	"github.com/aws/aws-sdk-go-v2/service/resourceexplorer2"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Plugin holds the AWS clients shared by every adapter.
type Plugin struct {
	region string
	awsCfg aws.Config

	// AWS clients (interfaces for testability)
	cloudtrailClient CloudTrailAPI
	iamClient        IAMAPI
	ssmClient        SSMAPI
	taggingClient    TaggingAPI
	explorerClient   ResourceExplorerAPI
	stsClient        STSAPI
	s3Client         *s3.Client
	dynamodbClient   *dynamodb.Client
	clients          nativeClients

	accountOnce sync.Once
	accountID   string
	accountErr  error
}

// nativeClients are the per-service clients used by the native inventory.
type nativeClients struct {
	ec2      EC2API
	rds      RDSAPI
	elb      ELBAPI
	s3       S3API
	eks      EKSAPI
	asg      AutoScalingAPI
	lambda   LambdaAPI
	dynamodb DynamoDBAPI
	sqs      SQSAPI
	iam      IAMAPI
	ecs      ECSAPI
	route53  Route53API
	cwLogs   CloudWatchLogsAPI
	ecr      ECRAPI
	kms      KMSAPI
	memorydb MemoryDBAPI
	redshift RedshiftAPI
}

// Config holds AWS plugin configuration.
type Config struct {
	Region  string
	Profile string
}

// New loads the shared AWS configuration and creates every client.
func New(ctx context.Context, cfg Config) (*Plugin, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		return nil, fmt.Errorf("load aws config: no region configured")
	}

	s3Client := s3.NewFromConfig(awsCfg)
	dynamodbClient := dynamodb.NewFromConfig(awsCfg)
	iamClient := iam.NewFromConfig(awsCfg)

	return &Plugin{
		region:           awsCfg.Region,
		awsCfg:           awsCfg,
		cloudtrailClient: cloudtrail.NewFromConfig(awsCfg),
		iamClient:        iamClient,
		ssmClient:        ssm.NewFromConfig(awsCfg),
		taggingClient:    resourcegroupstaggingapi.NewFromConfig(awsCfg),
		explorerClient:   resourceexplorer2.NewFromConfig(awsCfg),
		stsClient:        sts.NewFromConfig(awsCfg),
		s3Client:         s3Client,
		dynamodbClient:   dynamodbClient,
		clients: nativeClients{
			ec2:      ec2.NewFromConfig(awsCfg),
			rds:      rds.NewFromConfig(awsCfg),
			elb:      elasticloadbalancingv2.NewFromConfig(awsCfg),
			s3:       s3Client,
			eks:      eks.NewFromConfig(awsCfg),
			asg:      autoscaling.NewFromConfig(awsCfg),
			lambda:   lambda.NewFromConfig(awsCfg),
			dynamodb: dynamodbClient,
			sqs:      sqs.NewFromConfig(awsCfg),
			iam:      iamClient,
			ecs:      ecs.NewFromConfig(awsCfg),
			route53:  route53.NewFromConfig(awsCfg),
			cwLogs:   cloudwatchlogs.NewFromConfig(awsCfg),
			ecr:      ecr.NewFromConfig(awsCfg),
			kms:      kms.NewFromConfig(awsCfg),
			memorydb: memorydb.NewFromConfig(awsCfg),
			redshift: redshift.NewFromConfig(awsCfg),
		},
	}, nil
}

// Region returns the region every regional call is made in.
func (p *Plugin) Region() string {
	return p.region
}

// S3 returns the S3 client, used by the mapping store.
func (p *Plugin) S3() *s3.Client {
	return p.s3Client
}

// DynamoDB returns the DynamoDB client, used by the mapping store.
func (p *Plugin) DynamoDB() *dynamodb.Client {
	return p.dynamodbClient
}

// account resolves the caller's account once. It is only needed to build
// ARNs that list APIs do not return.
func (p *Plugin) account(ctx context.Context) (string, error) {
	p.accountOnce.Do(func() {
		p.accountID, p.accountErr = getAccountID(ctx, p.stsClient)
	})
	return p.accountID, p.accountErr
}

func getAccountID(ctx context.Context, client STSAPI) (string, error) {
	output, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	if aws.ToString(output.Account) == "" {
		return "", fmt.Errorf("get caller identity: no account returned")
	}
	return aws.ToString(output.Account), nil
}
