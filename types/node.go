package types

import "fmt"

// NodeType identifies one kind of resource in the deployment topology.
type NodeType string

const (
	NodeNetwork         NodeType = "network"
	NodeGateway         NodeType = "gateway"
	NodeSubnet          NodeType = "subnet"
	NodeRouteTable      NodeType = "route-table"
	NodeSecurityGroup   NodeType = "security-group"
	NodeIAMRole         NodeType = "iam-role"
	NodeInstanceProfile NodeType = "instance-profile"
	NodeSecretParameter NodeType = "secret-parameter"
	NodeComputeInstance NodeType = "compute-instance"
)

// AllNodeTypes lists every node type in declaration order.
func AllNodeTypes() []NodeType {
	return []NodeType{
		NodeNetwork,
		NodeGateway,
		NodeSubnet,
		NodeRouteTable,
		NodeSecurityGroup,
		NodeSecretParameter,
		NodeIAMRole,
		NodeInstanceProfile,
		NodeComputeInstance,
	}
}

// ParseNodeType converts a string into a known NodeType.
func ParseNodeType(s string) (NodeType, error) {
	for _, t := range AllNodeTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown node type %q", s)
}

// IsUniquelyNamed reports whether the node is addressed by a deterministic
// name derived from the project rather than a provider-assigned id.
func (t NodeType) IsUniquelyNamed() bool {
	switch t {
	case NodeIAMRole, NodeInstanceProfile, NodeSecretParameter:
		return true
	default:
		return false
	}
}

// IsTagQueryable reports whether the provider can find the node by tag filter.
func (t NodeType) IsTagQueryable() bool {
	return !t.IsUniquelyNamed()
}

func (t NodeType) String() string {
	return string(t)
}
