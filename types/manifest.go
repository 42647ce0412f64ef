package types

import (
	"fmt"
	"time"
)

// Manifest is the durable record of one provisioning run.
type Manifest struct {
	Project   string              `json:"project"`
	DeployID  string              `json:"deployId"`
	Region    string              `json:"region"`
	Resources ResourceIdentifiers `json:"resourceIdentifiers"`
	Secrets   []string            `json:"secretReferences"`
	CreatedAt time.Time           `json:"createdAt"`
}

// Tags returns the tag set every node of this deployment carries.
func (m *Manifest) Tags() Tags {
	return NewTags(m.Project, m.DeployID)
}

// Validate ensures the manifest has the fields discovery relies on
func (m *Manifest) Validate() error {
	if m.Project == "" {
		return fmt.Errorf("project is required")
	}
	if m.DeployID == "" {
		return fmt.Errorf("deployId is required")
	}
	if m.Region == "" {
		return fmt.Errorf("region is required")
	}
	return nil
}
