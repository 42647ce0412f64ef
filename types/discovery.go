package types

import "slices"

// ResolvedBy records which discovery mode produced a result.
type ResolvedBy string

const (
	ResolvedByManifest ResolvedBy = "manifest"
	ResolvedByDeployID ResolvedBy = "deployId"
	ResolvedByProject  ResolvedBy = "project"
)

// DiscoveryResult is the identifier set a teardown run acts on.
type DiscoveryResult struct {
	ResolvedBy ResolvedBy          `json:"resolvedBy"`
	Project    string              `json:"project,omitempty"`
	DeployID   string              `json:"deployId,omitempty"`
	Region     string              `json:"region,omitempty"`
	Resources  ResourceIdentifiers `json:"resourceIdentifiers"`
	Secrets    []string            `json:"secretReferences,omitempty"`

	// ManifestPath is the file a manifest-resolved result was read from.
	ManifestPath string `json:"manifestPath,omitempty"`

	// Unresolved lists node types whose owner could not be established;
	// teardown skips them instead of guessing a name.
	Unresolved []NodeType `json:"unresolved,omitempty"`

	// Extra holds additional tagged resources of a type already present in
	// Resources (the topology expects one per type).
	Extra []TaggedResource `json:"extra,omitempty"`
}

// ExpectedTags is the tag set every resource in the result must carry.
func (d *DiscoveryResult) ExpectedTags() Tags {
	return NewTags(d.Project, d.DeployID)
}

// IsEmpty reports whether there is nothing to tear down.
func (d *DiscoveryResult) IsEmpty() bool {
	return d.Resources.IsEmpty() && len(d.Secrets) == 0 && len(d.Extra) == 0
}

// Has reports whether the result contains at least one node of type t.
func (d *DiscoveryResult) Has(t NodeType) bool {
	if t == NodeSecretParameter {
		if len(d.Secrets) > 0 {
			return true
		}
	} else if d.Resources.Get(t) != "" {
		return true
	}
	for _, r := range d.Extra {
		if r.Type == t {
			return true
		}
	}
	return false
}

// IsUnresolved reports whether t was flagged owner-unknown.
func (d *DiscoveryResult) IsUnresolved(t NodeType) bool {
	for _, u := range d.Unresolved {
		if u == t {
			return true
		}
	}
	return false
}

// FromManifest copies a manifest verbatim into a discovery result.
func FromManifest(m *Manifest) *DiscoveryResult {
	return &DiscoveryResult{
		ResolvedBy: ResolvedByManifest,
		Project:    m.Project,
		DeployID:   m.DeployID,
		Region:     m.Region,
		Resources:  m.Resources,
		Secrets:    slices.Clone(m.Secrets),
	}
}
