package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/yairfalse/autotag/pkg/resource"
)

// Parameters reads SSM parameter trees
type Parameters struct {
	client SSMAPI
}

// NewParameters creates an SSM parameter reader.
func NewParameters(client SSMAPI) *Parameters {
	return &Parameters{client: client}
}

// Parameters returns a parameter reader bound to the plugin's SSM client.
func (p *Plugin) Parameters() *Parameters {
	return NewParameters(p.ssmClient)
}

// ParametersByPath returns every parameter below path, recursively and
// decrypted, across all result pages.
func (s *Parameters) ParametersByPath(ctx context.Context, path string) ([]resource.Parameter, error) {
	var (
		params    []resource.Parameter
		nextToken *string
	)

	for {
		output, err := s.client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           aws.String(path),
			Recursive:      aws.Bool(true),
			WithDecryption: aws.Bool(true),
			NextToken:      nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("get parameters by path %s: %w", path, err)
		}

		for _, p := range output.Parameters {
			params = append(params, resource.Parameter{
				Name:  aws.ToString(p.Name),
				Value: aws.ToString(p.Value),
			})
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return params, nil
}
