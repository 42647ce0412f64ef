package aws

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/stackline/providers"
	"github.com/yairfalse/stackline/types"
)

// mockEC2 implements the EC2 calls the tests exercise; anything else panics
// through the nil embedded interface.
type mockEC2 struct {
	EC2API
	calls     []string
	createVpc *ec2.CreateVpcInput
	vpcs      []ec2types.Vpc
	gateways  []ec2types.InternetGateway
	instances []ec2types.Instance
	tags      []ec2types.TagDescription
	deleteErr error
}

func (m *mockEC2) CreateVpc(ctx context.Context, in *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	m.calls = append(m.calls, "CreateVpc")
	m.createVpc = in
	return &ec2.CreateVpcOutput{Vpc: &ec2types.Vpc{VpcId: aws.String("vpc-123")}}, nil
}

func (m *mockEC2) ModifyVpcAttribute(ctx context.Context, in *ec2.ModifyVpcAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error) {
	m.calls = append(m.calls, "ModifyVpcAttribute")
	return &ec2.ModifyVpcAttributeOutput{}, nil
}

func (m *mockEC2) DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	for _, vpc := range m.vpcs {
		if aws.ToString(vpc.VpcId) == in.VpcIds[0] {
			return &ec2.DescribeVpcsOutput{Vpcs: []ec2types.Vpc{vpc}}, nil
		}
	}
	return nil, &smithy.GenericAPIError{Code: "InvalidVpcID.NotFound", Message: "The vpc ID does not exist"}
}

func (m *mockEC2) DeleteVpc(ctx context.Context, in *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	m.calls = append(m.calls, "DeleteVpc")
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return &ec2.DeleteVpcOutput{}, nil
}

func (m *mockEC2) DescribeInternetGateways(ctx context.Context, in *ec2.DescribeInternetGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	return &ec2.DescribeInternetGatewaysOutput{InternetGateways: m.gateways}, nil
}

func (m *mockEC2) AttachInternetGateway(ctx context.Context, in *ec2.AttachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	m.calls = append(m.calls, "AttachInternetGateway:"+aws.ToString(in.VpcId))
	return &ec2.AttachInternetGatewayOutput{}, nil
}

func (m *mockEC2) DetachInternetGateway(ctx context.Context, in *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	m.calls = append(m.calls, "DetachInternetGateway:"+aws.ToString(in.VpcId))
	return &ec2.DetachInternetGatewayOutput{}, nil
}

func (m *mockEC2) DeleteInternetGateway(ctx context.Context, in *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	m.calls = append(m.calls, "DeleteInternetGateway")
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

func (m *mockEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: m.instances}},
	}, nil
}

func (m *mockEC2) DescribeTags(ctx context.Context, in *ec2.DescribeTagsInput, _ ...func(*ec2.Options)) (*ec2.DescribeTagsOutput, error) {
	return &ec2.DescribeTagsOutput{Tags: m.tags}, nil
}

type mockIAM struct {
	IAMAPI
	roles     map[string]iamtypes.Role
	profiles  map[string]iamtypes.InstanceProfile
	putPolicy *iam.PutRolePolicyInput
	attached  []string
	addedRole []string
}

func (m *mockIAM) ListRoles(ctx context.Context, in *iam.ListRolesInput, _ ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	var out []iamtypes.Role
	for _, role := range m.roles {
		out = append(out, iamtypes.Role{RoleName: role.RoleName})
	}
	return &iam.ListRolesOutput{Roles: out}, nil
}

func (m *mockIAM) ListInstanceProfiles(ctx context.Context, in *iam.ListInstanceProfilesInput, _ ...func(*iam.Options)) (*iam.ListInstanceProfilesOutput, error) {
	var out []iamtypes.InstanceProfile
	for _, profile := range m.profiles {
		out = append(out, iamtypes.InstanceProfile{InstanceProfileName: profile.InstanceProfileName})
	}
	return &iam.ListInstanceProfilesOutput{InstanceProfiles: out}, nil
}

func (m *mockIAM) GetInstanceProfile(ctx context.Context, in *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	profile, ok := m.profiles[aws.ToString(in.InstanceProfileName)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchEntity", Message: "Instance Profile cannot be found."}
	}
	return &iam.GetInstanceProfileOutput{InstanceProfile: &profile}, nil
}

func (m *mockIAM) AddRoleToInstanceProfile(ctx context.Context, in *iam.AddRoleToInstanceProfileInput, _ ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error) {
	name := aws.ToString(in.InstanceProfileName)
	profile := m.profiles[name]
	profile.Roles = append(profile.Roles, iamtypes.Role{RoleName: in.RoleName})
	m.profiles[name] = profile
	m.addedRole = append(m.addedRole, aws.ToString(in.RoleName))
	return &iam.AddRoleToInstanceProfileOutput{}, nil
}

func (m *mockIAM) CreateRole(ctx context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	name := aws.ToString(in.RoleName)
	if _, ok := m.roles[name]; ok {
		return nil, &smithy.GenericAPIError{Code: "EntityAlreadyExists", Message: "Role with name " + name + " already exists."}
	}
	m.roles[name] = iamtypes.Role{RoleName: in.RoleName, Tags: in.Tags}
	return &iam.CreateRoleOutput{}, nil
}

func (m *mockIAM) AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	m.attached = append(m.attached, aws.ToString(in.PolicyArn))
	return &iam.AttachRolePolicyOutput{}, nil
}

func (m *mockIAM) PutRolePolicy(ctx context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	m.putPolicy = in
	return &iam.PutRolePolicyOutput{}, nil
}

func (m *mockIAM) GetRole(ctx context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	role, ok := m.roles[aws.ToString(in.RoleName)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchEntity", Message: "The role cannot be found."}
	}
	return &iam.GetRoleOutput{Role: &role}, nil
}

type mockSSM struct {
	SSMAPI
	params map[string]bool
	names  []string
	tags   map[string][]ssmtypes.Tag
}

func (m *mockSSM) ListTagsForResource(ctx context.Context, in *ssm.ListTagsForResourceInput, _ ...func(*ssm.Options)) (*ssm.ListTagsForResourceOutput, error) {
	return &ssm.ListTagsForResourceOutput{TagList: m.tags[aws.ToString(in.ResourceId)]}, nil
}

func (m *mockSSM) PutParameter(ctx context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	name := aws.ToString(in.Name)
	if m.params[name] {
		return nil, &smithy.GenericAPIError{Code: "ParameterAlreadyExists", Message: "The parameter already exists."}
	}
	m.params[name] = true
	return &ssm.PutParameterOutput{}, nil
}

// DescribeParameters honors tag filters and ignores every other filter.
func (m *mockSSM) DescribeParameters(ctx context.Context, in *ssm.DescribeParametersInput, _ ...func(*ssm.Options)) (*ssm.DescribeParametersOutput, error) {
	var out []ssmtypes.ParameterMetadata
	for _, name := range m.names {
		if !m.matches(name, in.ParameterFilters) {
			continue
		}
		out = append(out, ssmtypes.ParameterMetadata{Name: aws.String(name)})
	}
	return &ssm.DescribeParametersOutput{Parameters: out}, nil
}

func (m *mockSSM) matches(name string, filters []ssmtypes.ParameterStringFilter) bool {
	for _, f := range filters {
		key, ok := strings.CutPrefix(aws.ToString(f.Key), "tag:")
		if !ok {
			continue
		}
		found := false
		for _, tag := range m.tags[name] {
			if aws.ToString(tag.Key) == key && aws.ToString(tag.Value) == f.Values[0] {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func newTestProvider() (*Provider, *mockEC2, *mockIAM, *mockSSM) {
	e := &mockEC2{}
	i := &mockIAM{
		roles:    make(map[string]iamtypes.Role),
		profiles: make(map[string]iamtypes.InstanceProfile),
	}
	s := &mockSSM{params: make(map[string]bool), tags: make(map[string][]ssmtypes.Tag)}
	return NewWithClients(e, i, s, "eu-west-1"), e, i, s
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		notFound      bool
		alreadyExists bool
		transient     bool
	}{
		{"vpc not found", &smithy.GenericAPIError{Code: "InvalidVpcID.NotFound"}, true, false, false},
		{"no such role", &smithy.GenericAPIError{Code: "NoSuchEntity"}, true, false, false},
		{"role exists", &smithy.GenericAPIError{Code: "EntityAlreadyExists"}, false, true, false},
		{"throttled", &smithy.GenericAPIError{Code: "Throttling"}, false, false, true},
		{"dependency violation", &smithy.GenericAPIError{Code: "DependencyViolation"}, false, false, true},
		{"profile not propagated", &smithy.GenericAPIError{
			Code:    "InvalidParameterValue",
			Message: "Value (demo-instance-profile) for parameter iamInstanceProfile.name is invalid",
		}, false, false, true},
		{"bad parameter", &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "bad cidr"}, false, false, false},
		{"plain error", errors.New("connection reset"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("delete", types.NodeNetwork, "vpc-1", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.notFound, providers.IsNotFound(err))
			assert.Equal(t, tt.alreadyExists, providers.IsAlreadyExists(err))
			assert.Equal(t, tt.transient, providers.IsTransient(err))
		})
	}

	assert.NoError(t, classify("delete", types.NodeNetwork, "vpc-1", nil))
}

func TestClassify_KeepsProviderText(t *testing.T) {
	err := classify("delete", types.NodeSecurityGroup, "sg-1",
		&smithy.GenericAPIError{Code: "DependencyViolation", Message: "resource sg-1 has a dependent object"})
	assert.Contains(t, err.Error(), "resource sg-1 has a dependent object")
	assert.Contains(t, err.Error(), "sg-1")
}

func TestProvider_CreateVPCTagsAtomically(t *testing.T) {
	p, e, _, _ := newTestProvider()

	id, err := p.Create(context.Background(), types.CreateRequest{
		Type: types.NodeNetwork,
		CIDR: "10.0.0.0/16",
		Tags: types.NewTags("demo", "demo-1700000000"),
	})
	require.NoError(t, err)
	assert.Equal(t, "vpc-123", id)

	require.NotNil(t, e.createVpc)
	require.Len(t, e.createVpc.TagSpecifications, 1)
	spec := e.createVpc.TagSpecifications[0]
	assert.Equal(t, ec2types.ResourceTypeVpc, spec.ResourceType)
	assert.Equal(t, types.NewTags("demo", "demo-1700000000"), fromEC2Tags(spec.Tags))
	assert.Equal(t, []string{"CreateVpc"}, e.calls)

	require.NoError(t, p.Configure(context.Background(), types.CreateRequest{Type: types.NodeNetwork}, id))
	assert.Equal(t, []string{"CreateVpc", "ModifyVpcAttribute"}, e.calls)
}

func TestProvider_ConfigureGatewayAttachesOnce(t *testing.T) {
	p, e, _, _ := newTestProvider()
	req := types.CreateRequest{Type: types.NodeGateway, Deps: types.ResourceIdentifiers{Network: "vpc-1"}}

	e.gateways = []ec2types.InternetGateway{{InternetGatewayId: aws.String("igw-1")}}
	require.NoError(t, p.Configure(context.Background(), req, "igw-1"))
	assert.Equal(t, []string{"AttachInternetGateway:vpc-1"}, e.calls)

	e.gateways[0].Attachments = []ec2types.InternetGatewayAttachment{{VpcId: aws.String("vpc-1")}}
	require.NoError(t, p.Configure(context.Background(), req, "igw-1"))
	assert.Equal(t, []string{"AttachInternetGateway:vpc-1"}, e.calls)
}

func TestProvider_TagsNotFound(t *testing.T) {
	p, _, _, _ := newTestProvider()

	_, err := p.Tags(context.Background(), types.NodeNetwork, "vpc-gone")
	assert.True(t, providers.IsNotFound(err))
}

func TestProvider_TerminatedInstanceIsGone(t *testing.T) {
	p, e, _, _ := newTestProvider()
	e.instances = []ec2types.Instance{{
		InstanceId: aws.String("i-1"),
		State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated},
	}}

	_, err := p.Tags(context.Background(), types.NodeComputeInstance, "i-1")
	assert.True(t, providers.IsNotFound(err))
}

func TestProvider_DeleteGatewayDetachesFirst(t *testing.T) {
	p, e, _, _ := newTestProvider()
	e.gateways = []ec2types.InternetGateway{{
		InternetGatewayId: aws.String("igw-1"),
		Attachments:       []ec2types.InternetGatewayAttachment{{VpcId: aws.String("vpc-1")}},
	}}

	require.NoError(t, p.Delete(context.Background(), types.NodeGateway, "igw-1"))
	assert.Equal(t, []string{"DetachInternetGateway:vpc-1", "DeleteInternetGateway"}, e.calls)
}

func TestProvider_DeleteTransient(t *testing.T) {
	p, e, _, _ := newTestProvider()
	e.deleteErr = &smithy.GenericAPIError{Code: "DependencyViolation", Message: "The vpc has dependencies"}

	err := p.Delete(context.Background(), types.NodeNetwork, "vpc-1")
	assert.True(t, providers.IsTransient(err))
}

func TestProvider_FindByTag(t *testing.T) {
	p, e, _, _ := newTestProvider()
	tags := []ec2types.Tag{
		{Key: aws.String("Project"), Value: aws.String("demo")},
		{Key: aws.String("DeployId"), Value: aws.String("demo-1")},
	}
	e.vpcs = []ec2types.Vpc{{VpcId: aws.String("vpc-1"), Tags: tags}}
	e.instances = []ec2types.Instance{{
		InstanceId: aws.String("i-1"),
		State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated},
		Tags:       tags,
	}}
	e.tags = []ec2types.TagDescription{
		{ResourceId: aws.String("vpc-1"), ResourceType: ec2types.ResourceTypeVpc},
		{ResourceId: aws.String("vpc-1"), ResourceType: ec2types.ResourceTypeVpc},
		{ResourceId: aws.String("i-1"), ResourceType: ec2types.ResourceTypeInstance},
		{ResourceId: aws.String("vol-1"), ResourceType: ec2types.ResourceTypeVolume},
	}

	found, err := p.FindByTag(context.Background(), types.TagDeployID, "demo-1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, types.NodeNetwork, found[0].Type)
	assert.Equal(t, "vpc-1", found[0].ID)
	assert.Equal(t, "demo", found[0].Tags.Project)
}

func TestProvider_CreateRole(t *testing.T) {
	p, _, i, _ := newTestProvider()
	req := types.CreateRequest{
		Type:         types.NodeIAMRole,
		Name:         "demo-instance-role",
		Tags:         types.NewTags("demo", "demo-1"),
		SecretPrefix: "/demo/",
	}

	id, err := p.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "demo-instance-role", id)
	assert.Empty(t, i.attached)

	require.NoError(t, p.Configure(context.Background(), req, id))
	assert.Equal(t, []string{ssmCorePolicyARN}, i.attached)
	require.NotNil(t, i.putPolicy)
	assert.Contains(t, aws.ToString(i.putPolicy.PolicyDocument), "arn:aws:ssm:*:*:parameter/demo/*")

	_, err = p.Create(context.Background(), req)
	assert.True(t, providers.IsAlreadyExists(err))

	// A reused role is configured again; both calls overwrite.
	i.putPolicy = nil
	require.NoError(t, p.Configure(context.Background(), req, id))
	assert.Equal(t, []string{ssmCorePolicyARN, ssmCorePolicyARN}, i.attached)
	assert.NotNil(t, i.putPolicy)

	got, err := p.Lookup(context.Background(), types.NodeIAMRole, "demo-instance-role")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	tags, err := p.Tags(context.Background(), types.NodeIAMRole, id)
	require.NoError(t, err)
	assert.Equal(t, "demo-1", tags.DeployID)
}

func TestProvider_ConfigureInstanceProfile(t *testing.T) {
	p, _, i, _ := newTestProvider()
	i.profiles["demo-instance-profile"] = iamtypes.InstanceProfile{InstanceProfileName: aws.String("demo-instance-profile")}
	req := types.CreateRequest{
		Type: types.NodeInstanceProfile,
		Name: "demo-instance-profile",
		Deps: types.ResourceIdentifiers{IAMRole: "demo-instance-role"},
	}

	require.NoError(t, p.Configure(context.Background(), req, "demo-instance-profile"))
	require.NoError(t, p.Configure(context.Background(), req, "demo-instance-profile"))
	assert.Equal(t, []string{"demo-instance-role"}, i.addedRole)

	req.Deps.IAMRole = "other-instance-role"
	err := p.Configure(context.Background(), req, "demo-instance-profile")
	require.Error(t, err)
	assert.False(t, providers.IsTransient(err))
}

func TestProvider_FindByTagIncludesNamedNodes(t *testing.T) {
	p, _, i, s := newTestProvider()
	i.roles["demo-instance-role"] = iamtypes.Role{
		RoleName: aws.String("demo-instance-role"),
		Tags:     iamTags(types.NewTags("demo", "demo-1")),
	}
	i.roles["other-instance-role"] = iamtypes.Role{
		RoleName: aws.String("other-instance-role"),
		Tags:     iamTags(types.NewTags("other", "other-1")),
	}
	i.roles["unrelated"] = iamtypes.Role{RoleName: aws.String("unrelated")}
	s.names = []string{"/demo/db/password", "/other/db/password"}
	s.tags["/demo/db/password"] = ssmTags(types.NewTags("demo", "demo-1"))
	s.tags["/other/db/password"] = ssmTags(types.NewTags("other", "other-1"))

	found, err := p.FindByTag(context.Background(), types.TagDeployID, "demo-1")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, types.NodeSecretParameter, found[0].Type)
	assert.Equal(t, "/demo/db/password", found[0].ID)
	assert.Equal(t, types.NodeIAMRole, found[1].Type)
	assert.Equal(t, "demo-instance-role", found[1].ID)
	assert.Equal(t, "demo", found[1].Tags.Project)
}

func TestProvider_PutSecretExisting(t *testing.T) {
	p, _, _, s := newTestProvider()
	s.params["/demo/db/password"] = true

	_, err := p.Create(context.Background(), types.CreateRequest{
		Type:        types.NodeSecretParameter,
		Name:        "/demo/db/password",
		SecretValue: "hunter2",
	})
	assert.True(t, providers.IsAlreadyExists(err))
}

func TestProvider_ListSecrets(t *testing.T) {
	p, _, _, s := newTestProvider()
	s.names = []string{"/demo/db/password", "/demo/app/token"}

	names, err := p.ListSecrets(context.Background(), "/demo/")
	require.NoError(t, err)
	assert.Equal(t, s.names, names)
}

func TestProvider_DeleteCommand(t *testing.T) {
	p, _, _, _ := newTestProvider()

	assert.Equal(t, "aws ec2 delete-security-group --group-id sg-1 --region eu-west-1",
		p.DeleteCommand(types.NodeSecurityGroup, "sg-1"))
	assert.Equal(t, "aws iam delete-role --role-name demo-instance-role",
		p.DeleteCommand(types.NodeIAMRole, "demo-instance-role"))
	assert.Equal(t, "aws ssm delete-parameter --name /demo/db/password --region eu-west-1",
		p.DeleteCommand(types.NodeSecretParameter, "/demo/db/password"))
}

func TestProvider_Registered(t *testing.T) {
	assert.Contains(t, providers.ListProviders(), "aws")
	assert.Equal(t, "aws", (&Provider{}).Name())
}
