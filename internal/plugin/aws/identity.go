package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/yairfalse/autotag/pkg/resource"
)

// Identities reads the tags attached to IAM users and roles
type Identities struct {
	client IAMAPI
}

// NewIdentities creates an IAM tag reader.
func NewIdentities(client IAMAPI) *Identities {
	return &Identities{client: client}
}

// Identities returns an IAM tag reader bound to the plugin's IAM client.
func (p *Plugin) Identities() *Identities {
	return NewIdentities(p.iamClient)
}

// UserTags returns every tag of the IAM user, in API order.
func (i *Identities) UserTags(ctx context.Context, user string) ([]resource.Tag, error) {
	var (
		tags   []resource.Tag
		marker *string
	)

	for {
		output, err := i.client.ListUserTags(ctx, &iam.ListUserTagsInput{
			UserName: aws.String(user),
			Marker:   marker,
		})
		if err != nil {
			return nil, fmt.Errorf("list user tags %s: %w", user, err)
		}

		tags = append(tags, convertIAMTags(output.Tags)...)

		if !output.IsTruncated || output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return tags, nil
}

// RoleTags returns every tag of the IAM role, in API order.
func (i *Identities) RoleTags(ctx context.Context, role string) ([]resource.Tag, error) {
	var (
		tags   []resource.Tag
		marker *string
	)

	for {
		output, err := i.client.ListRoleTags(ctx, &iam.ListRoleTagsInput{
			RoleName: aws.String(role),
			Marker:   marker,
		})
		if err != nil {
			return nil, fmt.Errorf("list role tags %s: %w", role, err)
		}

		tags = append(tags, convertIAMTags(output.Tags)...)

		if !output.IsTruncated || output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return tags, nil
}

func convertIAMTags(in []iamtypes.Tag) []resource.Tag {
	out := make([]resource.Tag, 0, len(in))
	for _, t := range in {
		out = append(out, resource.Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	return out
}
