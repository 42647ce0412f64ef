package types

import (
	"fmt"
	"strings"
	"time"
)

// NewDeployID builds the per-run deployment id: project + "-" + unix seconds.
func NewDeployID(project string, createdAt time.Time) string {
	return fmt.Sprintf("%s-%d", project, createdAt.Unix())
}

// Suffixes of the per-project identity names.
const (
	RoleSuffix            = "-instance-role"
	InstanceProfileSuffix = "-instance-profile"
)

// RoleName is the deterministic IAM role name for a project.
func RoleName(project string) string {
	return project + RoleSuffix
}

// InstanceProfileName is the deterministic instance profile name for a project.
func InstanceProfileName(project string) string {
	return project + InstanceProfileSuffix
}

// SecretPrefix is the parameter path under which all project secrets live.
func SecretPrefix(project string) string {
	return "/" + project + "/"
}

// SecretName builds "/" + project + "/" + category + "/" + kind.
func SecretName(project, category, kind string) string {
	return SecretPrefix(project) + category + "/" + kind
}

// SecretOwner returns the project segment of a secret name, or "" when the
// name does not follow the SecretName layout.
func SecretOwner(name string) string {
	parts := strings.Split(strings.TrimPrefix(name, "/"), "/")
	if !strings.HasPrefix(name, "/") || len(parts) != 3 {
		return ""
	}
	return parts[0]
}

// ResourceName is the Name tag given to tag-queryable nodes.
func ResourceName(deployID string, t NodeType) string {
	return deployID + "-" + string(t)
}
