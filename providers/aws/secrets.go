package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/yairfalse/stackline/providers"
	"github.com/yairfalse/stackline/types"
)

// putSecret stores a SecureString parameter. Existing parameters are never
// overwritten.
func (p *Provider) putSecret(ctx context.Context, req types.CreateRequest) (string, error) {
	_, err := p.ssm.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(req.Name),
		Value:     aws.String(req.SecretValue),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(false),
		Tags:      ssmTags(req.Tags),
	})
	if err != nil {
		return "", classify("create", types.NodeSecretParameter, req.Name, err)
	}
	return req.Name, nil
}

func (p *Provider) deleteSecret(ctx context.Context, name string) error {
	_, err := p.ssm.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(name)})
	return classify("delete", types.NodeSecretParameter, name, err)
}

func (p *Provider) lookupSecret(ctx context.Context, name string) (string, error) {
	out, err := p.ssm.DescribeParameters(ctx, &ssm.DescribeParametersInput{
		ParameterFilters: []ssmtypes.ParameterStringFilter{{
			Key:    aws.String("Name"),
			Option: aws.String("Equals"),
			Values: []string{name},
		}},
	})
	if err != nil {
		return "", classify("lookup", types.NodeSecretParameter, name, err)
	}
	if len(out.Parameters) == 0 {
		return "", notFound(types.NodeSecretParameter, name)
	}
	return aws.ToString(out.Parameters[0].Name), nil
}

func (p *Provider) secretTags(ctx context.Context, name string) (types.Tags, error) {
	out, err := p.ssm.ListTagsForResource(ctx, &ssm.ListTagsForResourceInput{
		ResourceType: ssmtypes.ResourceTypeForTaggingParameter,
		ResourceId:   aws.String(name),
	})
	if err != nil {
		return types.Tags{}, classify("describe", types.NodeSecretParameter, name, err)
	}
	return fromSSMTags(out.TagList), nil
}

// ListSecrets returns every parameter name below prefix.
func (p *Provider) ListSecrets(ctx context.Context, prefix string) ([]string, error) {
	paginator := ssm.NewDescribeParametersPaginator(p.ssm, &ssm.DescribeParametersInput{
		ParameterFilters: []ssmtypes.ParameterStringFilter{{
			Key:    aws.String("Path"),
			Option: aws.String("Recursive"),
			Values: []string{strings.TrimSuffix(prefix, "/")},
		}},
	})

	var names []string
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list", types.NodeSecretParameter, prefix, err)
		}
		for _, param := range output.Parameters {
			names = append(names, aws.ToString(param.Name))
		}
	}
	return names, nil
}

// findSecretsByTag lists the parameters carrying key=value.
func (p *Provider) findSecretsByTag(ctx context.Context, key, value string) ([]types.TaggedResource, error) {
	paginator := ssm.NewDescribeParametersPaginator(p.ssm, &ssm.DescribeParametersInput{
		ParameterFilters: []ssmtypes.ParameterStringFilter{{
			Key:    aws.String("tag:" + key),
			Option: aws.String("Equals"),
			Values: []string{value},
		}},
	})

	var found []types.TaggedResource
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("describe-parameters", types.NodeSecretParameter, "", err)
		}
		for _, param := range output.Parameters {
			name := aws.ToString(param.Name)
			tags, err := p.secretTags(ctx, name)
			if providers.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if tags.Get(key) != value {
				continue
			}
			found = append(found, types.TaggedResource{Type: types.NodeSecretParameter, ID: name, Tags: tags})
		}
	}
	return found, nil
}
