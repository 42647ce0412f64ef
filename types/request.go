package types

// CreateRequest describes one node to create. Deps carries the identifiers
// of nodes created earlier in the same run.
type CreateRequest struct {
	Type NodeType
	// Name is the deterministic name for uniquely named nodes.
	Name string
	Tags Tags
	Deps ResourceIdentifiers

	// network and subnet
	CIDR string

	// compute instance
	InstanceType string
	ImageID      string
	UserData     []byte

	// secret parameter
	SecretValue string
	// SecretPrefix scopes the role's parameter read policy.
	SecretPrefix string
}

// WaitState is a state a provider can poll for.
type WaitState string

const (
	WaitRunning    WaitState = "running"
	WaitTerminated WaitState = "terminated"
)
