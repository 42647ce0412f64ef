package graph

import (
	"strings"
	"testing"

	"github.com/awalterschulze/gographviz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/stackline/types"
)

func position(order []types.NodeType) map[types.NodeType]int {
	pos := make(map[types.NodeType]int, len(order))
	for i, t := range order {
		pos[t] = i
	}
	return pos
}

func TestDependencyOrder_DependenciesFirst(t *testing.T) {
	order := DependencyOrder()
	require.Len(t, order, len(types.AllNodeTypes()))

	pos := position(order)
	for _, n := range Nodes() {
		for _, dep := range n.DependsOn {
			assert.Less(t, pos[dep], pos[n.Type], "%s must be created before %s", dep, n.Type)
		}
	}
}

func TestDependencyOrder_Fixed(t *testing.T) {
	expected := []types.NodeType{
		types.NodeNetwork,
		types.NodeGateway,
		types.NodeSubnet,
		types.NodeRouteTable,
		types.NodeSecurityGroup,
		types.NodeSecretParameter,
		types.NodeIAMRole,
		types.NodeInstanceProfile,
		types.NodeComputeInstance,
	}
	assert.Equal(t, expected, DependencyOrder())
	assert.Equal(t, DependencyOrder(), DependencyOrder())
}

func TestReverseOrder_DependentsFirst(t *testing.T) {
	order := ReverseOrder()
	pos := position(order)
	for _, n := range Nodes() {
		for _, dep := range n.DependsOn {
			assert.Greater(t, pos[dep], pos[n.Type], "%s must be deleted after %s", dep, n.Type)
		}
	}
	assert.Equal(t, types.NodeComputeInstance, order[0])
	assert.Equal(t, types.NodeNetwork, order[len(order)-1])
}

func TestOrders_ReturnCopies(t *testing.T) {
	order := DependencyOrder()
	order[0] = types.NodeComputeInstance
	assert.Equal(t, types.NodeNetwork, DependencyOrder()[0])
}

func TestRestrict(t *testing.T) {
	present := map[types.NodeType]bool{
		types.NodeSubnet:          true,
		types.NodeNetwork:         true,
		types.NodeComputeInstance: true,
	}
	got := Restrict(ReverseOrder(), func(t types.NodeType) bool { return present[t] })
	assert.Equal(t, []types.NodeType{types.NodeComputeInstance, types.NodeSubnet, types.NodeNetwork}, got)
}

func TestLookup(t *testing.T) {
	n, ok := Lookup(types.NodeComputeInstance)
	require.True(t, ok)
	assert.True(t, n.Billable)
	assert.Contains(t, n.DependsOn, types.NodeInstanceProfile)

	n, ok = Lookup(types.NodeIAMRole)
	require.True(t, ok)
	assert.True(t, n.Global)
	assert.Empty(t, n.DependsOn)

	_, ok = Lookup(types.NodeType("bogus"))
	assert.False(t, ok)
}

func TestDependents(t *testing.T) {
	assert.ElementsMatch(t,
		[]types.NodeType{types.NodeGateway, types.NodeSubnet, types.NodeRouteTable, types.NodeSecurityGroup},
		Dependents(types.NodeNetwork))
	assert.Empty(t, Dependents(types.NodeComputeInstance))
}

func TestSortTopology_Errors(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []Node
		wantErr string
	}{
		{
			name: "cycle",
			nodes: []Node{
				{Type: "a", DependsOn: []types.NodeType{"b"}},
				{Type: "b", DependsOn: []types.NodeType{"a"}},
			},
			wantErr: "circular dependency",
		},
		{
			name:    "unknown dependency",
			nodes:   []Node{{Type: "a", DependsOn: []types.NodeType{"missing"}}},
			wantErr: "unknown node",
		},
		{
			name:    "duplicate",
			nodes:   []Node{{Type: "a"}, {Type: "a"}},
			wantErr: "duplicate node",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sortTopology(tt.nodes)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRenderDOT(t *testing.T) {
	out, err := RenderDOT()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "digraph"))

	ast, err := gographviz.ParseString(out)
	require.NoError(t, err)
	parsed := gographviz.NewGraph()
	require.NoError(t, gographviz.Analyse(ast, parsed))

	edges := 0
	for _, n := range Nodes() {
		edges += len(n.DependsOn)
	}
	assert.Len(t, parsed.Nodes.Nodes, len(Nodes()))
	assert.Len(t, parsed.Edges.Edges, edges)
}
