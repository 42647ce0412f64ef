// Package discovery resolves which resources belong to a deployment. A
// manifest is trusted verbatim; without one the live tags are queried, and a
// project that maps to more than one deployment is refused rather than guessed.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yairfalse/stackline/graph"
	"github.com/yairfalse/stackline/internal/telemetry"
	"github.com/yairfalse/stackline/manifest"
	"github.com/yairfalse/stackline/providers"
	"github.com/yairfalse/stackline/retry"
	"github.com/yairfalse/stackline/types"
)

// Mode selects how a deployment is identified.
type Mode string

const (
	// ByManifest reads a manifest file; the key is its path.
	ByManifest Mode = "manifest"
	// ByDeployID queries the DeployId tag.
	ByDeployID Mode = "deployId"
	// ByProject queries the Project tag and requires a single deployment.
	ByProject Mode = "project"
)

// AmbiguityError is returned when a project maps to several deployments.
type AmbiguityError struct {
	Project    string
	Candidates []string
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("project %s matches %d deployments (%s); select one with --deploy-id",
		e.Project, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

// Engine runs discovery against one provider.
type Engine struct {
	provider providers.CloudProvider
	policy   retry.Policy
}

// New creates a discovery engine. provider may be nil when only manifests
// are read.
func New(provider providers.CloudProvider, policy retry.Policy) *Engine {
	return &Engine{provider: provider, policy: policy}
}

// Discover resolves key according to mode.
func (e *Engine) Discover(ctx context.Context, mode Mode, key string) (*types.DiscoveryResult, error) {
	if key == "" {
		return nil, fmt.Errorf("discover by %s: empty key", mode)
	}

	ctx, span := telemetry.StartSpan(ctx, "discover",
		attribute.String("stackline.discovery.mode", string(mode)),
		attribute.String("stackline.discovery.key", key),
	)
	defer span.End()

	var (
		res *types.DiscoveryResult
		err error
	)
	switch mode {
	case ByManifest:
		res, err = e.FromManifest(key)
	case ByDeployID:
		res, err = e.ByDeployID(ctx, key)
	case ByProject:
		res, err = e.ByProject(ctx, key)
	default:
		err = fmt.Errorf("unknown discovery mode %q", mode)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	log.Info().Ctx(ctx).
		Str("mode", string(mode)).
		Str("deploy_id", res.DeployID).
		Str("project", res.Project).
		Int("secrets", len(res.Secrets)).
		Int("extra", len(res.Extra)).
		Msg("deployment discovered")
	return res, nil
}

// FromManifest returns the manifest's identifiers without any API call.
func (e *Engine) FromManifest(path string) (*types.DiscoveryResult, error) {
	m, err := manifest.Read(path)
	if err != nil {
		return nil, err
	}
	res := types.FromManifest(m)
	res.ManifestPath = path
	return res, nil
}

// ByDeployID finds every resource tagged with deployID. The project comes
// from the resources' Project tags, named nodes included, so a deployment
// whose network is already gone still resolves its role and secrets. When no
// project can be established the uniquely named nodes are reported
// unresolved instead of guessed.
func (e *Engine) ByDeployID(ctx context.Context, deployID string) (*types.DiscoveryResult, error) {
	if err := e.requireProvider(); err != nil {
		return nil, err
	}

	found, err := e.findByTag(ctx, types.TagDeployID, deployID)
	if err != nil {
		return nil, err
	}

	res := &types.DiscoveryResult{
		ResolvedBy: types.ResolvedByDeployID,
		DeployID:   deployID,
		Region:     e.provider.Region(),
	}
	logger := log.With().Str("deploy_id", deployID).Ctx(ctx).Logger()

	res.Project = agreedProject(found, logger)
	collect(res, found)

	if res.Project == "" {
		for _, t := range graph.DependencyOrder() {
			if t.IsUniquelyNamed() {
				res.Unresolved = append(res.Unresolved, t)
			}
		}
		logger.Warn().
			Interface("unresolved", res.Unresolved).
			Msg("project unknown; named resources will not be touched")
		return res, nil
	}

	if err := e.resolveNamed(ctx, res, logger); err != nil {
		return nil, err
	}
	return res, nil
}

// ByProject finds the single deployment of project.
func (e *Engine) ByProject(ctx context.Context, project string) (*types.DiscoveryResult, error) {
	if err := e.requireProvider(); err != nil {
		return nil, err
	}

	found, err := e.findByTag(ctx, types.TagProject, project)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool)
	for _, r := range found {
		if r.Tags.DeployID == "" {
			log.Warn().Ctx(ctx).
				Str("project", project).
				Str("type", r.Type.String()).
				Str("id", r.ID).
				Msg("resource has no DeployId tag; ignored")
			continue
		}
		ids[r.Tags.DeployID] = true
	}

	switch len(ids) {
	case 0:
		return &types.DiscoveryResult{
			ResolvedBy: types.ResolvedByProject,
			Project:    project,
			Region:     e.provider.Region(),
		}, nil
	case 1:
		var deployID string
		for id := range ids {
			deployID = id
		}
		res, err := e.ByDeployID(ctx, deployID)
		if err != nil {
			return nil, err
		}
		res.ResolvedBy = types.ResolvedByProject
		return res, nil
	default:
		candidates := make([]string, 0, len(ids))
		for id := range ids {
			candidates = append(candidates, id)
		}
		sort.Strings(candidates)
		return nil, &AmbiguityError{Project: project, Candidates: candidates}
	}
}

// resolveNamed confirms the project's IAM nodes and secrets exist and belong
// to the deployment.
func (e *Engine) resolveNamed(ctx context.Context, res *types.DiscoveryResult, logger zerolog.Logger) error {
	named := []struct {
		t    types.NodeType
		name string
	}{
		{types.NodeIAMRole, types.RoleName(res.Project)},
		{types.NodeInstanceProfile, types.InstanceProfileName(res.Project)},
	}
	for _, n := range named {
		id, err := e.lookup(ctx, n.t, n.name)
		if providers.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		owned, err := e.owned(ctx, res, n.t, id, logger)
		if err != nil {
			return err
		}
		if owned {
			res.Resources.Set(n.t, id)
		}
	}

	var names []string
	_, err := retry.Do(ctx, e.policy, providers.IsTransient, func(ctx context.Context) error {
		var err error
		names, err = e.provider.ListSecrets(ctx, types.SecretPrefix(res.Project))
		return err
	})
	if err != nil {
		return fmt.Errorf("list secrets: %w", err)
	}
	for _, name := range names {
		owned, err := e.owned(ctx, res, types.NodeSecretParameter, name, logger)
		if err != nil {
			return err
		}
		if owned {
			res.Secrets = append(res.Secrets, name)
		}
	}
	return nil
}

// owned reports whether a named node carries the deployment's tags. Named
// nodes are shared by every deployment of a project; the first run owns them.
func (e *Engine) owned(ctx context.Context, res *types.DiscoveryResult, t types.NodeType, id string, logger zerolog.Logger) (bool, error) {
	var tags types.Tags
	_, err := retry.Do(ctx, e.policy, providers.IsTransient, func(ctx context.Context) error {
		var err error
		tags, err = e.provider.Tags(ctx, t, id)
		return err
	})
	if providers.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read tags of %s %s: %w", t, id, err)
	}
	if !tags.Matches(res.ExpectedTags()) {
		logger.Info().
			Str("type", t.String()).
			Str("id", id).
			Str("owner", tags.DeployID).
			Msg("named resource belongs to another deployment")
		return false, nil
	}
	return true, nil
}

func (e *Engine) findByTag(ctx context.Context, key, value string) ([]types.TaggedResource, error) {
	var found []types.TaggedResource
	_, err := retry.Do(ctx, e.policy, providers.IsTransient, func(ctx context.Context) error {
		var err error
		found, err = e.provider.FindByTag(ctx, key, value)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find resources by %s=%s: %w", key, value, err)
	}
	return found, nil
}

func (e *Engine) lookup(ctx context.Context, t types.NodeType, name string) (string, error) {
	var id string
	_, err := retry.Do(ctx, e.policy, providers.IsTransient, func(ctx context.Context) error {
		var err error
		id, err = e.provider.Lookup(ctx, t, name)
		return err
	})
	if err != nil && !providers.IsNotFound(err) {
		return "", fmt.Errorf("lookup %s %s: %w", t, name, err)
	}
	return id, err
}

func (e *Engine) requireProvider() error {
	if e.provider == nil {
		return fmt.Errorf("tag discovery needs a provider")
	}
	return nil
}

// agreedProject returns the Project tag shared by every resource, or "" when
// none is set or the tags disagree.
func agreedProject(found []types.TaggedResource, logger zerolog.Logger) string {
	projects := make(map[string]bool)
	for _, r := range found {
		if r.Tags.Project != "" {
			projects[r.Tags.Project] = true
		}
	}
	if len(projects) == 1 {
		for p := range projects {
			return p
		}
	}
	if len(projects) > 1 {
		logger.Warn().Int("projects", len(projects)).Msg("resources disagree on Project tag")
	}
	return ""
}

// collect places tagged resources into the single-instance slots; further
// resources of an occupied type go to Extra.
func collect(res *types.DiscoveryResult, found []types.TaggedResource) {
	for _, r := range found {
		if !r.Type.IsTagQueryable() {
			continue
		}
		if res.Resources.Get(r.Type) == "" {
			res.Resources.Set(r.Type, r.ID)
			continue
		}
		res.Extra = append(res.Extra, r)
	}
}
