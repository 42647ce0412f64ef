// Package provisioner creates the fixed deployment topology in dependency
// order. Every node is tagged with the run's Project and DeployId so
// discovery can find it again without the manifest.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yairfalse/stackline/bootstrap"
	"github.com/yairfalse/stackline/graph"
	"github.com/yairfalse/stackline/internal/journal"
	"github.com/yairfalse/stackline/internal/telemetry"
	"github.com/yairfalse/stackline/providers"
	"github.com/yairfalse/stackline/retry"
	"github.com/yairfalse/stackline/types"
)

// ProvisionError aborts a run. Manifest holds every node created before the
// failure so the partial deployment can be torn down.
type ProvisionError struct {
	Manifest    *types.Manifest
	Node        types.NodeType
	Err         error
	Remediation string
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s for %s: %v", e.Node, e.Manifest.DeployID, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Provisioner creates deployments through one provider.
type Provisioner struct {
	provider   providers.CloudProvider
	policy     retry.Policy
	journalDir  string
	nodeTimeout time.Duration
	now         func() time.Time
	validator   *validator.Validate
}

// DefaultNodeTimeout bounds the provider calls of one node, instance
// readiness included.
const DefaultNodeTimeout = 15 * time.Minute

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithRetry sets the policy applied to transient provider errors.
func WithRetry(p retry.Policy) Option {
	return func(pr *Provisioner) { pr.policy = p }
}

// WithClock replaces time.Now; the clock fixes the deployId.
func WithClock(now func() time.Time) Option {
	return func(pr *Provisioner) { pr.now = now }
}

// WithNodeTimeout bounds the provider calls of a single node.
func WithNodeTimeout(d time.Duration) Option {
	return func(pr *Provisioner) { pr.nodeTimeout = d }
}

// WithJournalDir enables the run journal.
func WithJournalDir(dir string) Option {
	return func(pr *Provisioner) { pr.journalDir = dir }
}

// New creates a provisioner.
func New(provider providers.CloudProvider, opts ...Option) *Provisioner {
	p := &Provisioner{
		provider:    provider,
		policy:      retry.Linear(5, 2*time.Second),
		nodeTimeout: DefaultNodeTimeout,
		now:         time.Now,
		validator:   newValidator(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision creates every node of the topology for spec and returns the
// manifest. On failure it returns a *ProvisionError and creates nothing more.
func (p *Provisioner) Provision(ctx context.Context, spec Spec) (*types.Manifest, error) {
	if err := p.validate(spec); err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}

	createdAt := p.now().UTC().Truncate(time.Second)
	m := &types.Manifest{
		Project:   spec.Project,
		DeployID:  types.NewDeployID(spec.Project, createdAt),
		Region:    spec.Region,
		CreatedAt: createdAt,
	}

	payload, err := bootstrap.Build(p.bootstrapInput(spec, m))
	if err != nil {
		return nil, fmt.Errorf("build bootstrap payload: %w", err)
	}

	var j *journal.Journal
	if p.journalDir != "" {
		j, err = journal.Open(p.journalDir, m.DeployID, journal.OpProvision)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
	}
	if err := j.Append(journal.EntryStarted, "", "", journal.RunHeader{
		Project:   m.Project,
		DeployID:  m.DeployID,
		Region:    m.Region,
		CreatedAt: m.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("journal run start: %w", err)
	}

	ctx, span := telemetry.StartSpan(ctx, "provision",
		attribute.String("stackline.project", m.Project),
		attribute.String("stackline.deploy_id", m.DeployID),
	)
	defer span.End()

	logger := log.With().
		Str("project", m.Project).
		Str("deploy_id", m.DeployID).
		Str("region", m.Region).
		Ctx(ctx).
		Logger()
	logger.Info().Int("nodes", len(graph.DependencyOrder())).Msg("provisioning deployment")

	for _, t := range graph.DependencyOrder() {
		if err := ctx.Err(); err != nil {
			return nil, p.abort(logger, j, m, t, err)
		}

		if t == types.NodeSecretParameter {
			for _, s := range spec.Secrets {
				req := p.request(t, spec, m, payload)
				req.Name = s.Name(m.Project)
				req.Tags = m.Tags().WithName(req.Name)
				req.SecretValue = s.Value
				id, err := p.createNode(ctx, j, logger, req)
				if id != "" {
					m.Secrets = append(m.Secrets, id)
				}
				if err != nil {
					return nil, p.abort(logger, j, m, t, err)
				}
			}
			continue
		}

		id, err := p.createNode(ctx, j, logger, p.request(t, spec, m, payload))
		if id != "" {
			m.Resources.Set(t, id)
		}
		if err != nil {
			return nil, p.abort(logger, j, m, t, err)
		}
	}

	if err := j.Append(journal.EntryFinished, "", "", m); err != nil {
		logger.Warn().Err(err).Msg("failed to journal run finish")
	}
	logger.Info().
		Str("instance", m.Resources.ComputeInstance).
		Int("secrets", len(m.Secrets)).
		Msg("deployment provisioned")
	return m, nil
}

// request builds the create call for one node from the identifiers gathered
// so far.
func (p *Provisioner) request(t types.NodeType, spec Spec, m *types.Manifest, payload *bootstrap.Payload) types.CreateRequest {
	req := types.CreateRequest{
		Type: t,
		Tags: m.Tags().WithName(types.ResourceName(m.DeployID, t)),
		Deps: m.Resources,
	}

	switch t {
	case types.NodeNetwork:
		req.CIDR = spec.NetworkCIDR
	case types.NodeSubnet:
		req.CIDR = spec.SubnetCIDR
	case types.NodeSecurityGroup:
		req.Name = types.ResourceName(m.DeployID, t)
	case types.NodeIAMRole:
		req.Name = types.RoleName(m.Project)
		req.SecretPrefix = types.SecretPrefix(m.Project)
	case types.NodeInstanceProfile:
		req.Name = types.InstanceProfileName(m.Project)
	case types.NodeComputeInstance:
		req.InstanceType = spec.InstanceType
		req.ImageID = spec.ImageID
		req.UserData = payload.Script
	}

	if t.IsUniquelyNamed() {
		req.Tags = m.Tags().WithName(req.Name)
	}
	return req
}

// createNode creates and configures one node under the retry policy. A
// uniquely named node that already exists is looked up, reused and
// configured again. The returned id is set whenever the node exists, even
// alongside an error, so the caller can keep it in the manifest.
//
// Once started, a node's provider calls run to completion on a context that
// ignores cancellation; Provision checks ctx between nodes.
func (p *Provisioner) createNode(ctx context.Context, j *journal.Journal, logger zerolog.Logger, req types.CreateRequest) (string, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "provision."+req.Type.String(),
		telemetry.NodeAttributes(req.Type, req.Name)...)
	defer span.End()
	logger = logger.With().Str("node", req.Type.String()).Ctx(ctx).Logger()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.nodeTimeout)
	defer cancel()

	var id string
	attempts, err := retry.Do(callCtx, p.policy, providers.IsTransient, func(ctx context.Context) error {
		got, err := p.provider.Create(ctx, req)
		if got != "" {
			// The node exists; whatever failed after the create call is
			// repeated by Configure below.
			if err != nil {
				logger.Warn().Err(err).Str("id", got).Msg("node created with errors, configuring again")
			}
			id = got
			return nil
		}
		return err
	})

	entry := journal.EntryCreated
	if err != nil && req.Type.IsUniquelyNamed() && providers.IsAlreadyExists(err) {
		var n int
		n, err = retry.Do(callCtx, p.policy, providers.IsTransient, func(ctx context.Context) error {
			var err error
			id, err = p.provider.Lookup(ctx, req.Type, req.Name)
			return err
		})
		attempts += n
		entry = journal.EntryReused
	}

	if err == nil {
		// the node exists; without a journal entry recovery cannot see it
		if jerr := j.Append(entry, req.Type, id, nil); jerr != nil {
			err = fmt.Errorf("journal %s %s: %w", req.Type, id, jerr)
		}
	}
	if err == nil {
		var n int
		n, err = retry.Do(callCtx, p.policy, providers.IsTransient, func(ctx context.Context) error {
			return p.provider.Configure(ctx, req, id)
		})
		attempts += n
		if err != nil {
			err = fmt.Errorf("configure %s: %w", id, err)
		}
	}
	if err == nil && req.Type == types.NodeComputeInstance {
		if werr := p.provider.Wait(callCtx, req.Type, id, types.WaitRunning); werr != nil {
			err = fmt.Errorf("wait for running: %w", werr)
		}
	}

	outcome := string(entry)
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).
			Str("id", id).
			Int("attempts", attempts).
			Msg("node creation failed")
		ref := id
		if ref == "" {
			ref = req.Name
		}
		if jerr := j.AppendError(journal.EntryFailed, req.Type, ref, nil, err); jerr != nil {
			logger.Warn().Err(jerr).Msg("failed to journal node failure")
		}
	} else {
		span.SetAttributes(attribute.String("stackline.node.id", id))
		logger.Info().
			Str("id", id).
			Int("attempts", attempts).
			Msgf("node %s", entry)
	}

	telemetry.Nodes().RecordNode(ctx, "provision", req.Type, outcome, attempts, time.Since(start))
	return id, err
}

// abort journals the failure and wraps it with the manifest so far.
func (p *Provisioner) abort(logger zerolog.Logger, j *journal.Journal, m *types.Manifest, t types.NodeType, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Warn().Str("node", t.String()).Msg("provisioning interrupted")
	}
	_ = j.AppendError(journal.EntryFinished, t, "", m, err)
	return &ProvisionError{
		Manifest:    m,
		Node:        t,
		Err:         err,
		Remediation: fmt.Sprintf("stackline teardown --deploy-id %s --region %s", m.DeployID, m.Region),
	}
}

// bootstrapInput adds the deployment vars to the configured input.
func (p *Provisioner) bootstrapInput(spec Spec, m *types.Manifest) bootstrap.Input {
	in := spec.Bootstrap
	vars := make(map[string]string, len(in.Vars)+4)
	maps.Copy(vars, in.Vars)
	vars["project"] = m.Project
	vars["deployId"] = m.DeployID
	vars["region"] = m.Region
	vars["secretPrefix"] = types.SecretPrefix(m.Project)
	in.Vars = vars
	if in.Retry.MaxAttempts == 0 {
		in.Retry = p.policy
	}
	return in
}
