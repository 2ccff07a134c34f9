package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/memorydb"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/autotag/pkg/resource"
)

// listEC2Instances lists instances that are not terminated.
func (n *Native) listEC2Instances(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var nextToken *string

	for {
		output, err := n.clients.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{{
				Name:   aws.String("instance-state-name"),
				Values: []string{"pending", "running", "stopping", "stopped"},
			}},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}

		for _, reservation := range output.Reservations {
			owner := aws.ToString(reservation.OwnerId)
			for _, instance := range reservation.Instances {
				arn := n.arn("ec2", owner, "instance/"+aws.ToString(instance.InstanceId))
				records = append(records, n.record("ec2:instance", arn, ec2Tags(instance.Tags)))
			}
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return records, nil
}

// listEC2Volumes lists EBS volumes.
func (n *Native) listEC2Volumes(ctx context.Context) ([]resource.Record, error) {
	account, err := n.account(ctx)
	if err != nil {
		return nil, err
	}

	var records []resource.Record
	var nextToken *string

	for {
		output, err := n.clients.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe volumes: %w", err)
		}

		for _, vol := range output.Volumes {
			arn := n.arn("ec2", account, "volume/"+aws.ToString(vol.VolumeId))
			records = append(records, n.record("ec2:volume", arn, ec2Tags(vol.Tags)))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return records, nil
}

func ec2Tags(tags []ec2types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		out[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return out
}

// listS3Buckets lists buckets with their tags. Buckets whose tags cannot be
// read are skipped, since the marker cannot be checked.
func (n *Native) listS3Buckets(ctx context.Context) ([]resource.Record, error) {
	output, err := n.clients.s3.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	var records []resource.Record
	for _, bucket := range output.Buckets {
		name := aws.ToString(bucket.Name)
		tags, err := n.bucketTags(ctx, name)
		if err != nil {
			n.logger.Warn().Err(err).Str("bucket", name).Msg("skipping bucket")
			continue
		}
		r := n.record("s3:bucket", fmt.Sprintf("arn:%s:s3:::%s", n.partition, name), tags)
		r.Region = resource.GlobalRegion
		records = append(records, r)
	}

	return records, nil
}

func (n *Native) bucketTags(ctx context.Context, bucket string) (map[string]string, error) {
	output, err := n.clients.s3.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(bucket)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchTagSet" {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("get bucket tagging %s: %w", bucket, err)
	}

	tags := make(map[string]string, len(output.TagSet))
	for _, tag := range output.TagSet {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return tags, nil
}

// listLambdaFunctions lists functions with their tags.
func (n *Native) listLambdaFunctions(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var marker *string

	for {
		output, err := n.clients.lambda.ListFunctions(ctx, &lambda.ListFunctionsInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list functions: %w", err)
		}

		for _, fn := range output.Functions {
			arn := aws.ToString(fn.FunctionArn)
			tags, err := n.clients.lambda.ListTags(ctx, &lambda.ListTagsInput{Resource: aws.String(arn)})
			if err != nil {
				return nil, fmt.Errorf("list tags %s: %w", arn, err)
			}
			records = append(records, n.record("lambda:function", arn, tags.Tags))
		}

		if output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	return records, nil
}

// listECSClusters lists clusters with their tags.
func (n *Native) listECSClusters(ctx context.Context) ([]resource.Record, error) {
	var clusterArns []string
	var nextToken *string

	for {
		listOutput, err := n.clients.ecs.ListClusters(ctx, &ecs.ListClustersInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("list clusters: %w", err)
		}
		clusterArns = append(clusterArns, listOutput.ClusterArns...)

		if listOutput.NextToken == nil {
			break
		}
		nextToken = listOutput.NextToken
	}

	// DescribeClusters has a limit of 100 clusters per call
	var records []resource.Record
	for _, batch := range chunk(clusterArns, 100) {
		descOutput, err := n.clients.ecs.DescribeClusters(ctx, &ecs.DescribeClustersInput{
			Clusters: batch,
			Include:  []ecstypes.ClusterField{ecstypes.ClusterFieldTags},
		})
		if err != nil {
			return nil, fmt.Errorf("describe clusters: %w", err)
		}

		for _, cluster := range descOutput.Clusters {
			tags := make(map[string]string, len(cluster.Tags))
			for _, tag := range cluster.Tags {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			records = append(records, n.record("ecs:cluster", aws.ToString(cluster.ClusterArn), tags))
		}
	}

	return records, nil
}

// listRDSInstances lists database instances.
func (n *Native) listRDSInstances(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var marker *string

	for {
		output, err := n.clients.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("describe db instances: %w", err)
		}

		for _, instance := range output.DBInstances {
			tags := make(map[string]string, len(instance.TagList))
			for _, tag := range instance.TagList {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			records = append(records, n.record("rds:db", aws.ToString(instance.DBInstanceArn), tags))
		}

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return records, nil
}

// listDynamoDBTables lists tables with their tags.
func (n *Native) listDynamoDBTables(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var lastKey *string

	for {
		output, err := n.clients.dynamodb.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: lastKey})
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}

		for _, tableName := range output.TableNames {
			desc, err := n.clients.dynamodb.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)})
			if err != nil {
				return nil, fmt.Errorf("describe table %s: %w", tableName, err)
			}
			arn := aws.ToString(desc.Table.TableArn)
			tags, err := n.tableTags(ctx, arn)
			if err != nil {
				return nil, err
			}
			records = append(records, n.record("dynamodb:table", arn, tags))
		}

		if output.LastEvaluatedTableName == nil {
			break
		}
		lastKey = output.LastEvaluatedTableName
	}

	return records, nil
}

func (n *Native) tableTags(ctx context.Context, arn string) (map[string]string, error) {
	tags := make(map[string]string)
	var nextToken *string

	for {
		output, err := n.clients.dynamodb.ListTagsOfResource(ctx, &dynamodb.ListTagsOfResourceInput{
			ResourceArn: aws.String(arn),
			NextToken:   nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("list tags of %s: %w", arn, err)
		}
		for _, tag := range output.Tags {
			tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return tags, nil
}

// listSQSQueues lists queues with their tags.
func (n *Native) listSQSQueues(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var nextToken *string

	for {
		output, err := n.clients.sqs.ListQueues(ctx, &sqs.ListQueuesInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("list queues: %w", err)
		}

		for _, queueURL := range output.QueueUrls {
			arn, err := n.queueARN(queueURL)
			if err != nil {
				return nil, err
			}
			tags, err := n.clients.sqs.ListQueueTags(ctx, &sqs.ListQueueTagsInput{QueueUrl: aws.String(queueURL)})
			if err != nil {
				return nil, fmt.Errorf("list queue tags %s: %w", queueURL, err)
			}
			records = append(records, n.record("sqs:queue", arn, tags.Tags))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return records, nil
}

// queueARN derives the queue ARN from a URL of the form
// https://sqs.<region>.amazonaws.com/<account>/<name>.
func (n *Native) queueARN(queueURL string) (string, error) {
	u, err := url.Parse(queueURL)
	if err != nil {
		return "", fmt.Errorf("parse queue url %q: %w", queueURL, err)
	}
	account, name, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || account == "" || name == "" {
		return "", fmt.Errorf("parse queue url %q: unexpected path", queueURL)
	}
	return n.arn("sqs", account, name), nil
}

// listEKSClusters lists clusters with their tags.
func (n *Native) listEKSClusters(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var nextToken *string

	for {
		listOutput, err := n.clients.eks.ListClusters(ctx, &eks.ListClustersInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("list clusters: %w", err)
		}

		for _, clusterName := range listOutput.Clusters {
			descOutput, err := n.clients.eks.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(clusterName)})
			if err != nil {
				return nil, fmt.Errorf("describe cluster %s: %w", clusterName, err)
			}
			cluster := descOutput.Cluster
			records = append(records, n.record("eks:cluster", aws.ToString(cluster.Arn), cluster.Tags))
		}

		if listOutput.NextToken == nil {
			break
		}
		nextToken = listOutput.NextToken
	}

	return records, nil
}

// listLoadBalancers lists v2 load balancers with their tags.
func (n *Native) listLoadBalancers(ctx context.Context) ([]resource.Record, error) {
	var arns []string
	var marker *string

	for {
		output, err := n.clients.elb.DescribeLoadBalancers(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("describe load balancers: %w", err)
		}

		for _, lb := range output.LoadBalancers {
			arns = append(arns, aws.ToString(lb.LoadBalancerArn))
		}

		if output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	// DescribeTags accepts at most 20 ARNs per call
	var records []resource.Record
	for _, batch := range chunk(arns, 20) {
		output, err := n.clients.elb.DescribeTags(ctx, &elasticloadbalancingv2.DescribeTagsInput{ResourceArns: batch})
		if err != nil {
			return nil, fmt.Errorf("describe tags: %w", err)
		}

		for _, desc := range output.TagDescriptions {
			tags := make(map[string]string, len(desc.Tags))
			for _, tag := range desc.Tags {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			records = append(records, n.record("elasticloadbalancing:loadbalancer", aws.ToString(desc.ResourceArn), tags))
		}
	}

	return records, nil
}

// listAutoScalingGroups lists Auto Scaling groups.
func (n *Native) listAutoScalingGroups(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var nextToken *string

	for {
		output, err := n.clients.asg.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe auto scaling groups: %w", err)
		}

		for _, asg := range output.AutoScalingGroups {
			tags := make(map[string]string, len(asg.Tags))
			for _, tag := range asg.Tags {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			records = append(records, n.record("autoscaling:autoScalingGroup", aws.ToString(asg.AutoScalingGroupARN), tags))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return records, nil
}

// listLogGroups lists CloudWatch log groups with their tags.
func (n *Native) listLogGroups(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var nextToken *string

	for {
		output, err := n.clients.cwLogs.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe log groups: %w", err)
		}

		for _, lg := range output.LogGroups {
			// LogGroupArn omits the ":*" suffix Arn carries
			arn := aws.ToString(lg.LogGroupArn)
			tags, err := n.clients.cwLogs.ListTagsForResource(ctx, &cloudwatchlogs.ListTagsForResourceInput{ResourceArn: aws.String(arn)})
			if err != nil {
				return nil, fmt.Errorf("list tags %s: %w", arn, err)
			}
			records = append(records, n.record("logs:log-group", arn, tags.Tags))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return records, nil
}

// listECRRepositories lists repositories with their tags.
func (n *Native) listECRRepositories(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var nextToken *string

	for {
		output, err := n.clients.ecr.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe repositories: %w", err)
		}

		for _, repo := range output.Repositories {
			arn := aws.ToString(repo.RepositoryArn)
			tagOutput, err := n.clients.ecr.ListTagsForResource(ctx, &ecr.ListTagsForResourceInput{ResourceArn: aws.String(arn)})
			if err != nil {
				return nil, fmt.Errorf("list tags %s: %w", arn, err)
			}
			tags := make(map[string]string, len(tagOutput.Tags))
			for _, tag := range tagOutput.Tags {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			records = append(records, n.record("ecr:repository", arn, tags))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return records, nil
}

// listKMSKeys lists keys with their tags.
func (n *Native) listKMSKeys(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var marker *string

	for {
		output, err := n.clients.kms.ListKeys(ctx, &kms.ListKeysInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}

		for _, key := range output.Keys {
			tagOutput, err := n.clients.kms.ListResourceTags(ctx, &kms.ListResourceTagsInput{KeyId: key.KeyId})
			if err != nil {
				return nil, fmt.Errorf("list resource tags %s: %w", aws.ToString(key.KeyId), err)
			}
			tags := make(map[string]string, len(tagOutput.Tags))
			for _, tag := range tagOutput.Tags {
				tags[aws.ToString(tag.TagKey)] = aws.ToString(tag.TagValue)
			}
			records = append(records, n.record("kms:key", aws.ToString(key.KeyArn), tags))
		}

		if !output.Truncated || output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	return records, nil
}

// listIAMRoles lists roles with their tags.
func (n *Native) listIAMRoles(ctx context.Context) ([]resource.Record, error) {
	identities := NewIdentities(n.clients.iam)

	var records []resource.Record
	var marker *string

	for {
		output, err := n.clients.iam.ListRoles(ctx, &iam.ListRolesInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list roles: %w", err)
		}

		for _, role := range output.Roles {
			roleTags, err := identities.RoleTags(ctx, aws.ToString(role.RoleName))
			if err != nil {
				return nil, err
			}
			tags := make(map[string]string, len(roleTags))
			for _, tag := range roleTags {
				tags[tag.Key] = tag.Value
			}
			r := n.record("iam:role", aws.ToString(role.Arn), tags)
			r.Region = resource.GlobalRegion
			records = append(records, r)
		}

		if !output.IsTruncated || output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return records, nil
}

// listHostedZones lists Route53 hosted zones with their tags.
func (n *Native) listHostedZones(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var marker *string

	for {
		output, err := n.clients.route53.ListHostedZones(ctx, &route53.ListHostedZonesInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list hosted zones: %w", err)
		}

		for _, zone := range output.HostedZones {
			id := strings.TrimPrefix(aws.ToString(zone.Id), "/hostedzone/")
			tagOutput, err := n.clients.route53.ListTagsForResource(ctx, &route53.ListTagsForResourceInput{
				ResourceId:   aws.String(id),
				ResourceType: r53types.TagResourceTypeHostedzone,
			})
			if err != nil {
				return nil, fmt.Errorf("list tags for hosted zone %s: %w", id, err)
			}
			tags := make(map[string]string)
			if tagOutput.ResourceTagSet != nil {
				for _, tag := range tagOutput.ResourceTagSet.Tags {
					tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
				}
			}
			r := n.record("route53:hostedzone", fmt.Sprintf("arn:%s:route53:::hostedzone/%s", n.partition, id), tags)
			r.Region = resource.GlobalRegion
			records = append(records, r)
		}

		if !output.IsTruncated {
			break
		}
		marker = output.NextMarker
	}

	return records, nil
}

// listMemoryDBClusters lists MemoryDB clusters with their tags.
func (n *Native) listMemoryDBClusters(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var nextToken *string

	for {
		output, err := n.clients.memorydb.DescribeClusters(ctx, &memorydb.DescribeClustersInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe memorydb clusters: %w", err)
		}

		for _, cluster := range output.Clusters {
			arn := aws.ToString(cluster.ARN)
			tagOutput, err := n.clients.memorydb.ListTags(ctx, &memorydb.ListTagsInput{ResourceArn: aws.String(arn)})
			if err != nil {
				return nil, fmt.Errorf("list tags %s: %w", arn, err)
			}
			tags := make(map[string]string, len(tagOutput.TagList))
			for _, tag := range tagOutput.TagList {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			records = append(records, n.record("memorydb:cluster", arn, tags))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return records, nil
}

// listRedshiftClusters lists Redshift clusters.
func (n *Native) listRedshiftClusters(ctx context.Context) ([]resource.Record, error) {
	account, err := n.account(ctx)
	if err != nil {
		return nil, err
	}

	var records []resource.Record
	var marker *string

	for {
		output, err := n.clients.redshift.DescribeClusters(ctx, &redshift.DescribeClustersInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("describe redshift clusters: %w", err)
		}

		for _, cluster := range output.Clusters {
			tags := make(map[string]string, len(cluster.Tags))
			for _, tag := range cluster.Tags {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			arn := n.arn("redshift", account, "cluster:"+aws.ToString(cluster.ClusterIdentifier))
			records = append(records, n.record("redshift:cluster", arn, tags))
		}

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return records, nil
}

func chunk(items []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := min(i+size, len(items))
		out = append(out, items[i:end])
	}
	return out
}
