// Package graph describes the fixed deployment topology and its dependency
// edges. It has no runtime state; the provisioner walks DependencyOrder and
// teardown walks ReverseOrder.
package graph

import (
	"fmt"

	"github.com/yairfalse/stackline/types"
)

// Node is one entry in the topology.
type Node struct {
	Type      types.NodeType
	DependsOn []types.NodeType
	// Billable nodes cost money while they exist; surfaced in plans.
	Billable bool
	// Global nodes are not region scoped (IAM).
	Global bool
}

// topology is the static node table. The secret and IAM sub-chain has no
// edge into the network chain; it is interleaved into the single linear
// order only because declaration order breaks ties.
var topology = []Node{
	{Type: types.NodeNetwork},
	{Type: types.NodeGateway, DependsOn: []types.NodeType{types.NodeNetwork}},
	{Type: types.NodeSubnet, DependsOn: []types.NodeType{types.NodeNetwork}},
	{Type: types.NodeRouteTable, DependsOn: []types.NodeType{types.NodeNetwork, types.NodeGateway, types.NodeSubnet}},
	{Type: types.NodeSecurityGroup, DependsOn: []types.NodeType{types.NodeNetwork}},
	{Type: types.NodeSecretParameter},
	{Type: types.NodeIAMRole, Global: true},
	{Type: types.NodeInstanceProfile, DependsOn: []types.NodeType{types.NodeIAMRole}, Global: true},
	{
		Type: types.NodeComputeInstance,
		DependsOn: []types.NodeType{
			types.NodeSubnet,
			types.NodeRouteTable,
			types.NodeSecurityGroup,
			types.NodeInstanceProfile,
			types.NodeSecretParameter,
		},
		Billable: true,
	},
}

var creationOrder []types.NodeType

func init() {
	order, err := sortTopology(topology)
	if err != nil {
		panic(fmt.Sprintf("graph: invalid topology: %v", err))
	}
	creationOrder = order
}

// Nodes returns a copy of the node table in declaration order.
func Nodes() []Node {
	nodes := make([]Node, len(topology))
	copy(nodes, topology)
	return nodes
}

// Lookup returns the node description for a type.
func Lookup(t types.NodeType) (Node, bool) {
	for _, n := range topology {
		if n.Type == t {
			return n, true
		}
	}
	return Node{}, false
}

// DependencyOrder returns node types with dependencies first.
func DependencyOrder() []types.NodeType {
	order := make([]types.NodeType, len(creationOrder))
	copy(order, creationOrder)
	return order
}

// ReverseOrder returns node types with dependents first.
func ReverseOrder() []types.NodeType {
	order := make([]types.NodeType, 0, len(creationOrder))
	for i := len(creationOrder) - 1; i >= 0; i-- {
		order = append(order, creationOrder[i])
	}
	return order
}

// Restrict filters an order down to the node types present reports true for.
func Restrict(order []types.NodeType, present func(types.NodeType) bool) []types.NodeType {
	var out []types.NodeType
	for _, t := range order {
		if present(t) {
			out = append(out, t)
		}
	}
	return out
}

// Dependents returns the node types that directly depend on t.
func Dependents(t types.NodeType) []types.NodeType {
	var out []types.NodeType
	for _, n := range topology {
		for _, dep := range n.DependsOn {
			if dep == t {
				out = append(out, n.Type)
			}
		}
	}
	return out
}

// sortTopology runs Kahn's algorithm. Among ready nodes the one declared
// first wins, so the order is fixed for a given table.
func sortTopology(nodes []Node) ([]types.NodeType, error) {
	index := make(map[types.NodeType]int, len(nodes))
	for i, n := range nodes {
		if _, dup := index[n.Type]; dup {
			return nil, fmt.Errorf("duplicate node %s", n.Type)
		}
		index[n.Type] = i
	}

	inDegree := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, n := range nodes {
		for _, dep := range n.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("node %s depends on unknown node %s", n.Type, dep)
			}
			dependents[j] = append(dependents[j], i)
			inDegree[i]++
		}
	}

	done := make([]bool, len(nodes))
	order := make([]types.NodeType, 0, len(nodes))
	for len(order) < len(nodes) {
		next := -1
		for i := range nodes {
			if !done[i] && inDegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("circular dependency among %d remaining nodes", len(nodes)-len(order))
		}
		done[next] = true
		order = append(order, nodes[next].Type)
		for _, d := range dependents[next] {
			inDegree[d]--
		}
	}

	return order, nil
}
