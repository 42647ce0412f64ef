// Package aws implements the lifecycle provider on AWS SDK v2: EC2 for the
// network and compute nodes, IAM for identity and SSM Parameter Store for
// secret parameters.
package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/stackline/providers"
	"github.com/yairfalse/stackline/types"
)

// DefaultWaitTimeout bounds instance state polling.
const DefaultWaitTimeout = 10 * time.Minute

func init() {
	providers.RegisterProvider("aws", NewFactory)
}

// NewFactory adapts New to providers.ProviderFactory.
func NewFactory(ctx context.Context, cfg providers.ProviderConfig) (providers.CloudProvider, error) {
	return New(ctx, cfg)
}

// Provider implements providers.CloudProvider.
type Provider struct {
	ec2         EC2API
	iam         IAMAPI
	ssm         SSMAPI
	region      string
	waitTimeout time.Duration
}

// New creates a provider from the default AWS credential chain.
func New(ctx context.Context, cfg providers.ProviderConfig) (*Provider, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.Debug().Str("region", cfg.Region).Str("profile", cfg.Profile).Msg("aws provider configured")

	return NewWithClients(
		ec2.NewFromConfig(awsCfg),
		iam.NewFromConfig(awsCfg),
		ssm.NewFromConfig(awsCfg),
		cfg.Region,
	), nil
}

// NewWithClients creates a provider from explicit API clients.
func NewWithClients(ec2Client EC2API, iamClient IAMAPI, ssmClient SSMAPI, region string) *Provider {
	return &Provider{
		ec2:         ec2Client,
		iam:         iamClient,
		ssm:         ssmClient,
		region:      region,
		waitTimeout: DefaultWaitTimeout,
	}
}

var _ providers.CloudProvider = (*Provider)(nil)

// Name returns the provider name
func (p *Provider) Name() string {
	return "aws"
}

// Region returns the AWS region
func (p *Provider) Region() string {
	return p.region
}

// Create creates one node, tagging it in the same call.
func (p *Provider) Create(ctx context.Context, req types.CreateRequest) (string, error) {
	switch req.Type {
	case types.NodeNetwork:
		return p.createVPC(ctx, req)
	case types.NodeGateway:
		return p.createGateway(ctx, req)
	case types.NodeSubnet:
		return p.createSubnet(ctx, req)
	case types.NodeRouteTable:
		return p.createRouteTable(ctx, req)
	case types.NodeSecurityGroup:
		return p.createSecurityGroup(ctx, req)
	case types.NodeComputeInstance:
		return p.createInstance(ctx, req)
	case types.NodeIAMRole:
		return p.createRole(ctx, req)
	case types.NodeInstanceProfile:
		return p.createInstanceProfile(ctx, req)
	case types.NodeSecretParameter:
		return p.putSecret(ctx, req)
	default:
		return "", fmt.Errorf("create: unsupported node type %q", req.Type)
	}
}

// Configure applies the settings that follow creation: attributes,
// attachments, routes and policies. Every step checks or overwrites, so it is
// safe to run again on a node that is already configured.
func (p *Provider) Configure(ctx context.Context, req types.CreateRequest, id string) error {
	switch req.Type {
	case types.NodeNetwork:
		return p.configureVPC(ctx, id)
	case types.NodeGateway:
		return p.configureGateway(ctx, id, req)
	case types.NodeSubnet:
		return p.configureSubnet(ctx, id)
	case types.NodeRouteTable:
		return p.configureRouteTable(ctx, id, req)
	case types.NodeIAMRole:
		return p.configureRole(ctx, id, req)
	case types.NodeInstanceProfile:
		return p.configureInstanceProfile(ctx, id, req)
	default:
		return nil
	}
}

// Delete removes one node after detaching whatever the API requires.
func (p *Provider) Delete(ctx context.Context, nodeType types.NodeType, id string) error {
	switch nodeType {
	case types.NodeNetwork:
		return p.deleteVPC(ctx, id)
	case types.NodeGateway:
		return p.deleteGateway(ctx, id)
	case types.NodeSubnet:
		return p.deleteSubnet(ctx, id)
	case types.NodeRouteTable:
		return p.deleteRouteTable(ctx, id)
	case types.NodeSecurityGroup:
		return p.deleteSecurityGroup(ctx, id)
	case types.NodeComputeInstance:
		return p.terminateInstance(ctx, id)
	case types.NodeIAMRole:
		return p.deleteRole(ctx, id)
	case types.NodeInstanceProfile:
		return p.deleteInstanceProfile(ctx, id)
	case types.NodeSecretParameter:
		return p.deleteSecret(ctx, id)
	default:
		return fmt.Errorf("delete: unsupported node type %q", nodeType)
	}
}

// Tags describes a node and returns its live tags.
func (p *Provider) Tags(ctx context.Context, nodeType types.NodeType, id string) (types.Tags, error) {
	switch nodeType {
	case types.NodeNetwork:
		return p.vpcTags(ctx, id)
	case types.NodeGateway:
		return p.gatewayTags(ctx, id)
	case types.NodeSubnet:
		return p.subnetTags(ctx, id)
	case types.NodeRouteTable:
		return p.routeTableTags(ctx, id)
	case types.NodeSecurityGroup:
		return p.securityGroupTags(ctx, id)
	case types.NodeComputeInstance:
		return p.instanceTags(ctx, id)
	case types.NodeIAMRole:
		return p.roleTags(ctx, id)
	case types.NodeInstanceProfile:
		return p.instanceProfileTags(ctx, id)
	case types.NodeSecretParameter:
		return p.secretTags(ctx, id)
	default:
		return types.Tags{}, fmt.Errorf("tags: unsupported node type %q", nodeType)
	}
}

// Lookup resolves a uniquely named node. IAM and parameter names are their
// own identifiers.
func (p *Provider) Lookup(ctx context.Context, nodeType types.NodeType, name string) (string, error) {
	switch nodeType {
	case types.NodeIAMRole:
		return p.lookupRole(ctx, name)
	case types.NodeInstanceProfile:
		return p.lookupInstanceProfile(ctx, name)
	case types.NodeSecretParameter:
		return p.lookupSecret(ctx, name)
	default:
		return "", fmt.Errorf("lookup: %s is not uniquely named", nodeType)
	}
}

// FindByTag returns the nodes carrying key=value: EC2 resources through
// DescribeTags, parameters through a tag filter and IAM identities by name
// suffix. Terminated instances are left out.
func (p *Provider) FindByTag(ctx context.Context, key, value string) ([]types.TaggedResource, error) {
	found, err := p.findEC2ByTag(ctx, key, value)
	if err != nil {
		return nil, err
	}

	secrets, err := p.findSecretsByTag(ctx, key, value)
	if err != nil {
		return nil, err
	}
	found = append(found, secrets...)

	identities, err := p.findIdentitiesByTag(ctx, key, value)
	if err != nil {
		return nil, err
	}
	found = append(found, identities...)

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found, nil
}

func (p *Provider) findEC2ByTag(ctx context.Context, key, value string) ([]types.TaggedResource, error) {
	paginator := ec2.NewDescribeTagsPaginator(p.ec2, &ec2.DescribeTagsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("key"), Values: []string{key}},
			{Name: aws.String("value"), Values: []string{value}},
		},
	})

	var found []types.TaggedResource
	seen := make(map[string]bool)
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("describe-tags", "", "", err)
		}

		for _, desc := range output.Tags {
			nodeType, ok := nodeTypeForEC2(desc.ResourceType)
			id := aws.ToString(desc.ResourceId)
			if !ok || seen[id] {
				continue
			}
			seen[id] = true

			tags, err := p.Tags(ctx, nodeType, id)
			if providers.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			found = append(found, types.TaggedResource{Type: nodeType, ID: id, Tags: tags})
		}
	}
	return found, nil
}

// Wait polls an instance until it reaches state.
func (p *Provider) Wait(ctx context.Context, nodeType types.NodeType, id string, state types.WaitState) error {
	if nodeType != types.NodeComputeInstance {
		return nil
	}
	return p.waitInstance(ctx, id, state)
}

// DeleteCommand renders the AWS CLI command that removes one node by hand.
func (p *Provider) DeleteCommand(nodeType types.NodeType, id string) string {
	switch nodeType {
	case types.NodeNetwork:
		return fmt.Sprintf("aws ec2 delete-vpc --vpc-id %s --region %s", id, p.region)
	case types.NodeGateway:
		return fmt.Sprintf("aws ec2 delete-internet-gateway --internet-gateway-id %s --region %s", id, p.region)
	case types.NodeSubnet:
		return fmt.Sprintf("aws ec2 delete-subnet --subnet-id %s --region %s", id, p.region)
	case types.NodeRouteTable:
		return fmt.Sprintf("aws ec2 delete-route-table --route-table-id %s --region %s", id, p.region)
	case types.NodeSecurityGroup:
		return fmt.Sprintf("aws ec2 delete-security-group --group-id %s --region %s", id, p.region)
	case types.NodeComputeInstance:
		return fmt.Sprintf("aws ec2 terminate-instances --instance-ids %s --region %s", id, p.region)
	case types.NodeIAMRole:
		return fmt.Sprintf("aws iam delete-role --role-name %s", id)
	case types.NodeInstanceProfile:
		return fmt.Sprintf("aws iam delete-instance-profile --instance-profile-name %s", id)
	case types.NodeSecretParameter:
		return fmt.Sprintf("aws ssm delete-parameter --name %s --region %s", id, p.region)
	default:
		return ""
	}
}
