package journal

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/stackline/types"
)

func TestJournal_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, "demo-1", OpTeardown)
	require.NoError(t, err)
	require.NotEmpty(t, j.RunID())

	require.NoError(t, j.Append(EntryStarted, "", "", nil))
	require.NoError(t, j.Append(EntryDeleted, types.NodeComputeInstance, "i-1", nil))
	require.NoError(t, j.AppendError(EntryFailed, types.NodeSecurityGroup, "sg-1", nil, errors.New("DependencyViolation")))
	require.NoError(t, j.Close())

	var entries []*Entry
	require.NoError(t, Replay(Path(dir, "demo-1"), func(e *Entry) error {
		entries = append(entries, e)
		return nil
	}))

	require.Len(t, entries, 3)
	assert.Equal(t, []EntryType{EntryStarted, EntryDeleted, EntryFailed},
		[]EntryType{entries[0].Type, entries[1].Type, entries[2].Type})
	assert.Equal(t, int64(3), entries[2].Sequence)
	assert.Equal(t, "DependencyViolation", entries[2].Error)
	assert.Equal(t, OpTeardown, entries[1].Operation)
	assert.Equal(t, j.RunID(), entries[1].RunID)
}

func TestJournal_SequenceContinues(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir, "demo-1", OpProvision)
	require.NoError(t, err)
	require.NoError(t, first.Append(EntryStarted, "", "", nil))
	require.NoError(t, first.Append(EntryFinished, "", "", nil))
	require.NoError(t, first.Close())

	second, err := Open(dir, "demo-1", OpTeardown)
	require.NoError(t, err)
	require.NoError(t, second.Append(EntryStarted, "", "", nil))
	require.NoError(t, second.Close())

	var seqs []int64
	runs := map[string]bool{}
	require.NoError(t, Replay(Path(dir, "demo-1"), func(e *Entry) error {
		seqs = append(seqs, e.Sequence)
		runs[e.RunID] = true
		return nil
	}))
	assert.Equal(t, []int64{1, 2, 3}, seqs)
	assert.Len(t, runs, 2)
}

func TestJournal_NilIsNoop(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.Append(EntryCreated, types.NodeNetwork, "vpc-1", nil))
	assert.NoError(t, j.Close())
	assert.Empty(t, j.RunID())
}

func TestRecover(t *testing.T) {
	dir := t.TempDir()
	created := time.Unix(1700000000, 0).UTC()

	j, err := Open(dir, "demo-1700000000", OpProvision)
	require.NoError(t, err)
	require.NoError(t, j.Append(EntryStarted, "", "", RunHeader{
		Project:   "demo",
		DeployID:  "demo-1700000000",
		Region:    "eu-west-1",
		CreatedAt: created,
	}))
	require.NoError(t, j.Append(EntryCreated, types.NodeNetwork, "vpc-1", nil))
	require.NoError(t, j.Append(EntryCreated, types.NodeSecretParameter, "/demo/db/password", nil))
	require.NoError(t, j.Append(EntryReused, types.NodeIAMRole, "demo-instance-role", nil))
	require.NoError(t, j.AppendError(EntryFailed, types.NodeInstanceProfile, "", nil, errors.New("boom")))
	require.NoError(t, j.Close())

	m, err := Recover(Path(dir, "demo-1700000000"))
	require.NoError(t, err)
	assert.Equal(t, "demo", m.Project)
	assert.Equal(t, "eu-west-1", m.Region)
	assert.True(t, created.Equal(m.CreatedAt))
	assert.Equal(t, "vpc-1", m.Resources.Network)
	assert.Equal(t, "demo-instance-role", m.Resources.IAMRole)
	assert.Empty(t, m.Resources.InstanceProfile)
	assert.Equal(t, []string{"/demo/db/password"}, m.Secrets)
}

func TestRecover_NoProvisionRun(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "demo-1", OpTeardown)
	require.NoError(t, err)
	require.NoError(t, j.Append(EntryStarted, "", "", nil))
	require.NoError(t, j.Close())

	_, err = Recover(Path(dir, "demo-1"))
	assert.ErrorContains(t, err, "no provision run")
}

func TestRecover_Missing(t *testing.T) {
	_, err := Recover(Path(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestOutstanding(t *testing.T) {
	dir := t.TempDir()

	p, err := Open(dir, "demo-1700000000", OpProvision)
	require.NoError(t, err)
	require.NoError(t, p.Append(EntryStarted, "", "", RunHeader{Project: "demo", DeployID: "demo-1700000000"}))
	require.NoError(t, p.Append(EntryCreated, types.NodeNetwork, "vpc-1", nil))
	require.NoError(t, p.Append(EntryCreated, types.NodeIAMRole, "demo-instance-role", nil))
	require.NoError(t, p.Append(EntryReused, types.NodeInstanceProfile, "demo-instance-profile", nil))
	require.NoError(t, p.Append(EntryCreated, types.NodeSecretParameter, "/demo/db/password", nil))
	require.NoError(t, p.Close())

	td, err := Open(dir, "demo-1700000000", OpTeardown)
	require.NoError(t, err)
	require.NoError(t, td.Append(EntryStarted, "", "", nil))
	require.NoError(t, td.AppendError(EntryFailed, types.NodeIAMRole, "demo-instance-role", nil, errors.New("DeleteConflict")))
	require.NoError(t, td.Append(EntryDeleted, types.NodeSecretParameter, "/demo/db/password", nil))
	require.NoError(t, td.Append(EntryDeleted, types.NodeNetwork, "vpc-1", nil))
	require.NoError(t, td.Close())

	ledger, err := Outstanding(Path(dir, "demo-1700000000"))
	require.NoError(t, err)
	assert.Equal(t, "demo", ledger.Project)
	assert.Equal(t, map[types.NodeType][]string{
		types.NodeIAMRole: {"demo-instance-role"},
	}, ledger.Nodes)
}

func TestOutstanding_TeardownOnly(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "demo-1", OpTeardown)
	require.NoError(t, err)
	require.NoError(t, j.AppendError(EntryFailed, types.NodeIAMRole, "demo-instance-role", nil, errors.New("boom")))
	require.NoError(t, j.Close())

	ledger, err := Outstanding(Path(dir, "demo-1"))
	require.NoError(t, err)
	assert.Empty(t, ledger.Project)
	assert.Equal(t, []string{"demo-instance-role"}, ledger.Nodes[types.NodeIAMRole])

	_, err = Outstanding(Path(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
