package types

// TaggedResource is a live provider resource returned by a tag query.
type TaggedResource struct {
	Type NodeType `json:"type"`
	ID   string   `json:"id"`
	Tags Tags     `json:"tags"`
}

// ResourceIdentifiers maps each single-instance node type to the identifier
// the provider assigned. Empty fields mean the node is absent.
type ResourceIdentifiers struct {
	Network         string `json:"network,omitempty"`
	Gateway         string `json:"gateway,omitempty"`
	Subnet          string `json:"subnet,omitempty"`
	RouteTable      string `json:"route-table,omitempty"`
	SecurityGroup   string `json:"security-group,omitempty"`
	IAMRole         string `json:"iam-role,omitempty"`
	InstanceProfile string `json:"instance-profile,omitempty"`
	ComputeInstance string `json:"compute-instance,omitempty"`
}

// Get returns the identifier recorded for a node type.
func (r ResourceIdentifiers) Get(t NodeType) string {
	switch t {
	case NodeNetwork:
		return r.Network
	case NodeGateway:
		return r.Gateway
	case NodeSubnet:
		return r.Subnet
	case NodeRouteTable:
		return r.RouteTable
	case NodeSecurityGroup:
		return r.SecurityGroup
	case NodeIAMRole:
		return r.IAMRole
	case NodeInstanceProfile:
		return r.InstanceProfile
	case NodeComputeInstance:
		return r.ComputeInstance
	default:
		return ""
	}
}

// Set records the identifier for a node type. Secret parameters are tracked
// separately and are ignored here.
func (r *ResourceIdentifiers) Set(t NodeType, id string) {
	switch t {
	case NodeNetwork:
		r.Network = id
	case NodeGateway:
		r.Gateway = id
	case NodeSubnet:
		r.Subnet = id
	case NodeRouteTable:
		r.RouteTable = id
	case NodeSecurityGroup:
		r.SecurityGroup = id
	case NodeIAMRole:
		r.IAMRole = id
	case NodeInstanceProfile:
		r.InstanceProfile = id
	case NodeComputeInstance:
		r.ComputeInstance = id
	}
}

// IsEmpty reports whether no identifier is recorded.
func (r ResourceIdentifiers) IsEmpty() bool {
	return r == ResourceIdentifiers{}
}
