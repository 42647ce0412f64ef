package types

// Tag keys applied to every node created by a provisioning run.
const (
	TagProject  = "Project"
	TagDeployID = "DeployId"
	TagName     = "Name"
)

// Tags is the ownership tag set written on every node of a deployment. The
// fields map one to one onto the Tag* keys.
type Tags struct {
	Project  string `json:"project,omitempty"`
	DeployID string `json:"deployId,omitempty"`
	Name     string `json:"name,omitempty"`
}

// NewTags returns the tag set for one provisioning run.
func NewTags(project, deployID string) Tags {
	return Tags{Project: project, DeployID: deployID}
}

// WithName returns a copy of the tags carrying a Name tag.
func (t Tags) WithName(name string) Tags {
	t.Name = name
	return t
}

// Get returns the value of a tag by key name
func (t Tags) Get(key string) string {
	switch key {
	case TagProject:
		return t.Project
	case TagDeployID:
		return t.DeployID
	case TagName:
		return t.Name
	default:
		return ""
	}
}

// Matches compares the ownership tags against the expected set. An empty
// expected Project is not compared; DeployID always is.
func (t Tags) Matches(expected Tags) bool {
	if expected.DeployID == "" || t.DeployID != expected.DeployID {
		return false
	}
	if expected.Project != "" && t.Project != expected.Project {
		return false
	}
	return true
}

// ToMap returns the non-empty tags keyed by their cloud tag key.
func (t Tags) ToMap() map[string]string {
	tags := make(map[string]string)

	if t.Project != "" {
		tags[TagProject] = t.Project
	}
	if t.DeployID != "" {
		tags[TagDeployID] = t.DeployID
	}
	if t.Name != "" {
		tags[TagName] = t.Name
	}

	return tags
}

// TagsFromMap reads the ownership tags out of a cloud tag listing. Other keys
// are ignored.
func TagsFromMap(tagMap map[string]string) Tags {
	return Tags{
		Project:  tagMap[TagProject],
		DeployID: tagMap[TagDeployID],
		Name:     tagMap[TagName],
	}
}
