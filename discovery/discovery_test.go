package discovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/stackline/manifest"
	"github.com/yairfalse/stackline/providers/fake"
	"github.com/yairfalse/stackline/provisioner"
	"github.com/yairfalse/stackline/retry"
	"github.com/yairfalse/stackline/types"
)

var (
	timeT  = time.Unix(1700000000, 0)
	timeT2 = time.Unix(1700003600, 0)
)

func provision(t *testing.T, cloud *fake.Cloud, project string, at time.Time) *types.Manifest {
	t.Helper()
	p := provisioner.New(cloud,
		provisioner.WithRetry(retry.Once()),
		provisioner.WithClock(func() time.Time { return at }),
	)
	m, err := p.Provision(context.Background(), provisioner.Spec{
		Project:      project,
		Region:       cloud.Region(),
		NetworkCIDR:  "10.0.0.0/16",
		SubnetCIDR:   "10.0.1.0/24",
		InstanceType: "t3.micro",
		ImageID:      "ami-0123456789",
		Secrets: []provisioner.Secret{
			{Category: "db", Kind: "password", Value: "s3cret"},
		},
	})
	require.NoError(t, err)
	return m
}

func newEngine(cloud *fake.Cloud) *Engine {
	return New(cloud, retry.Once())
}

func TestByProject_Ambiguous(t *testing.T) {
	cloud := fake.New("eu-west-1")
	provision(t, cloud, "demo", timeT)
	provision(t, cloud, "demo", timeT2)

	res, err := newEngine(cloud).Discover(context.Background(), ByProject, "demo")
	require.Error(t, err)
	assert.Nil(t, res)

	var ambiguity *AmbiguityError
	require.ErrorAs(t, err, &ambiguity)
	assert.Equal(t, "demo", ambiguity.Project)
	assert.Equal(t, []string{"demo-1700000000", "demo-1700003600"}, ambiguity.Candidates)
	assert.Contains(t, err.Error(), "demo-1700000000")
	assert.Contains(t, err.Error(), "demo-1700003600")
}

func TestByProject_SingleDeployment(t *testing.T) {
	cloud := fake.New("eu-west-1")
	m := provision(t, cloud, "demo", timeT)
	provision(t, cloud, "other", timeT2)

	res, err := newEngine(cloud).Discover(context.Background(), ByProject, "demo")
	require.NoError(t, err)

	assert.Equal(t, types.ResolvedByProject, res.ResolvedBy)
	assert.Equal(t, "demo", res.Project)
	assert.Equal(t, m.DeployID, res.DeployID)
	assert.Equal(t, "eu-west-1", res.Region)
	assert.Equal(t, m.Resources, res.Resources)
	assert.Equal(t, m.Secrets, res.Secrets)
	assert.Empty(t, res.Unresolved)
	assert.Empty(t, res.Extra)
}

func TestByProject_NoMatches(t *testing.T) {
	cloud := fake.New("eu-west-1")
	provision(t, cloud, "demo", timeT)

	res, err := newEngine(cloud).Discover(context.Background(), ByProject, "ghost")
	require.NoError(t, err)
	assert.True(t, res.IsEmpty())
	assert.Equal(t, types.ResolvedByProject, res.ResolvedBy)
	assert.Equal(t, "ghost", res.Project)
}

func TestByProject_IgnoresResourcesWithoutDeployID(t *testing.T) {
	cloud := fake.New("eu-west-1")
	_, err := cloud.Create(context.Background(), types.CreateRequest{
		Type: types.NodeNetwork,
		Tags: types.Tags{Project: "demo"},
	})
	require.NoError(t, err)

	res, err := newEngine(cloud).ByProject(context.Background(), "demo")
	require.NoError(t, err)
	assert.True(t, res.IsEmpty())
}

func TestByDeployID(t *testing.T) {
	cloud := fake.New("eu-west-1")
	m := provision(t, cloud, "demo", timeT)

	res, err := newEngine(cloud).Discover(context.Background(), ByDeployID, m.DeployID)
	require.NoError(t, err)

	assert.Equal(t, types.ResolvedByDeployID, res.ResolvedBy)
	assert.Equal(t, "demo", res.Project)
	assert.Equal(t, m.Resources, res.Resources)
	assert.Equal(t, []string{"/demo/db/password"}, res.Secrets)
}

func TestByDeployID_NamedNodesOwnedByFirstDeployment(t *testing.T) {
	cloud := fake.New("eu-west-1")
	first := provision(t, cloud, "demo", timeT)
	second := provision(t, cloud, "demo", timeT2)

	res, err := newEngine(cloud).ByDeployID(context.Background(), second.DeployID)
	require.NoError(t, err)
	assert.Equal(t, second.Resources.Network, res.Resources.Network)
	assert.Empty(t, res.Resources.IAMRole)
	assert.Empty(t, res.Resources.InstanceProfile)
	assert.Empty(t, res.Secrets)

	res, err = newEngine(cloud).ByDeployID(context.Background(), first.DeployID)
	require.NoError(t, err)
	assert.Equal(t, "demo-instance-role", res.Resources.IAMRole)
	assert.Equal(t, "demo-instance-profile", res.Resources.InstanceProfile)
	assert.Equal(t, first.Secrets, res.Secrets)
}

func TestByDeployID_NamedNodesOutliveNetwork(t *testing.T) {
	cloud := fake.New("eu-west-1")
	m := provision(t, cloud, "demo", timeT)
	for _, nt := range types.AllNodeTypes() {
		if nt.IsTagQueryable() {
			cloud.Remove(m.Resources.Get(nt))
		}
	}
	require.Equal(t, 3, cloud.Len())

	res, err := newEngine(cloud).ByDeployID(context.Background(), m.DeployID)
	require.NoError(t, err)

	assert.Equal(t, "demo", res.Project)
	assert.Empty(t, res.Unresolved)
	assert.Equal(t, "demo-instance-role", res.Resources.IAMRole)
	assert.Equal(t, "demo-instance-profile", res.Resources.InstanceProfile)
	assert.Equal(t, m.Secrets, res.Secrets)
	assert.Empty(t, res.Resources.Network)
}

func TestByDeployID_ProjectUnknown(t *testing.T) {
	cloud := fake.New("eu-west-1")
	_, err := cloud.Create(context.Background(), types.CreateRequest{
		Type: types.NodeNetwork,
		Tags: types.Tags{DeployID: "demo-1700000000"},
	})
	require.NoError(t, err)

	res, err := newEngine(cloud).ByDeployID(context.Background(), "demo-1700000000")
	require.NoError(t, err)

	assert.Empty(t, res.Project)
	assert.Equal(t, "vpc-0001", res.Resources.Network)
	assert.Equal(t, []types.NodeType{
		types.NodeSecretParameter,
		types.NodeIAMRole,
		types.NodeInstanceProfile,
	}, res.Unresolved)
	assert.Empty(t, cloud.Calls("lookup"))
	assert.Empty(t, cloud.Calls("list-secrets"))
}

func TestByDeployID_NothingFound(t *testing.T) {
	cloud := fake.New("eu-west-1")

	res, err := newEngine(cloud).ByDeployID(context.Background(), "demo-1700000000")
	require.NoError(t, err)
	assert.True(t, res.IsEmpty())
	assert.Len(t, res.Unresolved, 3)
}

func TestByDeployID_DuplicatesGoToExtra(t *testing.T) {
	cloud := fake.New("eu-west-1")
	tags := types.NewTags("demo", "demo-1700000000")
	for i := 0; i < 2; i++ {
		_, err := cloud.Create(context.Background(), types.CreateRequest{Type: types.NodeNetwork, Tags: tags})
		require.NoError(t, err)
	}

	res, err := newEngine(cloud).ByDeployID(context.Background(), "demo-1700000000")
	require.NoError(t, err)

	assert.Equal(t, "vpc-0001", res.Resources.Network)
	require.Len(t, res.Extra, 1)
	assert.Equal(t, "vpc-0002", res.Extra[0].ID)
	assert.True(t, res.Has(types.NodeNetwork))
}

func TestFromManifest_RoundTrip(t *testing.T) {
	cloud := fake.New("eu-west-1")
	m := provision(t, cloud, "demo", timeT)

	path := filepath.Join(t.TempDir(), manifest.FileName(m.DeployID))
	require.NoError(t, manifest.Write(path, m))

	before := len(cloud.Calls("find")) + len(cloud.Calls("lookup")) + len(cloud.Calls("tags"))

	res, err := newEngine(cloud).Discover(context.Background(), ByManifest, path)
	require.NoError(t, err)

	assert.Equal(t, types.ResolvedByManifest, res.ResolvedBy)
	assert.Equal(t, path, res.ManifestPath)
	assert.Equal(t, m.Resources, res.Resources)
	assert.Equal(t, m.Secrets, res.Secrets)
	assert.Equal(t, m.DeployID, res.DeployID)
	assert.Equal(t, m.Project, res.Project)

	after := len(cloud.Calls("find")) + len(cloud.Calls("lookup")) + len(cloud.Calls("tags"))
	assert.Equal(t, before, after)
}

func TestFromManifest_NoProvider(t *testing.T) {
	m := &types.Manifest{
		Project:   "demo",
		DeployID:  "demo-1700000000",
		Region:    "eu-west-1",
		Resources: types.ResourceIdentifiers{Network: "vpc-1"},
	}
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, manifest.Write(path, m))

	engine := New(nil, retry.Once())
	res, err := engine.Discover(context.Background(), ByManifest, path)
	require.NoError(t, err)
	assert.Equal(t, "vpc-1", res.Resources.Network)

	_, err = engine.Discover(context.Background(), ByDeployID, "demo-1700000000")
	assert.Error(t, err)
}

func TestDiscover_BadInput(t *testing.T) {
	engine := newEngine(fake.New("eu-west-1"))

	_, err := engine.Discover(context.Background(), ByProject, "")
	assert.Error(t, err)

	_, err = engine.Discover(context.Background(), Mode("tag"), "demo")
	assert.Error(t, err)

	_, err = engine.Discover(context.Background(), ByManifest, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
