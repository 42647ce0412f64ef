// Package teardown deletes a discovered deployment in reverse dependency
// order. Every node's live tags are re-read right before its delete call and
// a failure on one node never stops the rest of the run.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yairfalse/stackline/graph"
	"github.com/yairfalse/stackline/internal/journal"
	"github.com/yairfalse/stackline/internal/telemetry"
	"github.com/yairfalse/stackline/providers"
	"github.com/yairfalse/stackline/retry"
	"github.com/yairfalse/stackline/types"
)

// Executor tears deployments down through one provider.
type Executor struct {
	provider   providers.CloudProvider
	policy     retry.Policy
	confirmer   Confirmer
	journalDir  string
	nodeTimeout time.Duration
	now         func() time.Time
}

// DefaultNodeTimeout bounds the provider calls of one node, the wait for
// instance termination included.
const DefaultNodeTimeout = 15 * time.Minute

// Option configures an Executor.
type Option func(*Executor)

// WithRetry sets the policy applied to transient delete errors.
func WithRetry(p retry.Policy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithConfirmer sets who approves non auto-confirmed runs.
func WithConfirmer(c Confirmer) Option {
	return func(e *Executor) { e.confirmer = c }
}

// WithJournalDir enables the run journal.
func WithJournalDir(dir string) Option {
	return func(e *Executor) { e.journalDir = dir }
}

// WithNodeTimeout bounds the provider calls of a single node.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Executor) { e.nodeTimeout = d }
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates a teardown executor.
func NewExecutor(provider providers.CloudProvider, opts ...Option) *Executor {
	e := &Executor{
		provider:    provider,
		policy:      retry.Linear(5, 2*time.Second),
		nodeTimeout: DefaultNodeTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plan lists the steps for res in reverse dependency order. Secrets expand
// to one step each and extra resources join their type's phase.
func (e *Executor) Plan(res *types.DiscoveryResult) []Step {
	order := graph.Restrict(graph.ReverseOrder(), func(t types.NodeType) bool {
		return res.Has(t) || res.IsUnresolved(t)
	})

	var steps []Step
	for _, t := range order {
		node, _ := graph.Lookup(t)
		if res.IsUnresolved(t) && !res.Has(t) {
			steps = append(steps, Step{Type: t, Unresolved: true})
			continue
		}

		if t == types.NodeSecretParameter {
			for _, name := range res.Secrets {
				steps = append(steps, Step{Type: t, ID: name})
			}
		} else if id := res.Resources.Get(t); id != "" {
			steps = append(steps, Step{Type: t, ID: id, Billable: node.Billable})
		}
		for _, extra := range res.Extra {
			if extra.Type == t {
				steps = append(steps, Step{Type: t, ID: extra.ID, Billable: node.Billable})
			}
		}
	}
	return steps
}

// Teardown runs the plan for res. Partial failures are reported, not
// returned: the error is non-nil only when the run could not start.
//
// Node types left unresolved by discovery are looked up in the deployment's
// journal first. Nodes it proves live are torn down when the journal also
// names the project, and counted as errors when it does not.
func (e *Executor) Teardown(ctx context.Context, res *types.DiscoveryResult, opts Options) (*types.TeardownReport, error) {
	res, known := e.resolveFromJournal(ctx, res)
	report := &types.TeardownReport{
		DeployID:   res.DeployID,
		Project:    res.Project,
		Region:     res.Region,
		ResolvedBy: res.ResolvedBy,
		DryRun:     opts.DryRun,
		StartedAt:  e.now(),
	}
	steps := e.Plan(res)

	logger := log.With().
		Str("deploy_id", res.DeployID).
		Str("resolved_by", string(res.ResolvedBy)).
		Logger()

	if opts.DryRun {
		for _, s := range steps {
			outcome := types.OutcomePlanned
			if s.Unresolved {
				outcome = types.OutcomeOwnerUnknown
			}
			report.Add(types.NodeResult{Type: s.Type, ID: s.ID, Outcome: outcome})
		}
		report.FinishedAt = e.now()
		logger.Info().Int("steps", len(steps)).Msg("dry run, nothing deleted")
		return report, nil
	}

	if !opts.AutoConfirm && len(steps) > 0 {
		if err := e.confirm(ctx, res, steps); err != nil {
			return nil, err
		}
	}

	var j *journal.Journal
	if e.journalDir != "" && res.DeployID != "" {
		var err error
		j, err = journal.Open(e.journalDir, res.DeployID, journal.OpTeardown)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
	}
	if err := j.Append(journal.EntryStarted, "", "", steps); err != nil {
		return nil, fmt.Errorf("journal run start: %w", err)
	}

	ctx, span := telemetry.StartSpan(ctx, "teardown",
		attribute.String("stackline.deploy_id", res.DeployID),
		attribute.Int("stackline.teardown.steps", len(steps)),
	)
	defer span.End()
	logger = logger.With().Ctx(ctx).Logger()

	logger.Info().Int("steps", len(steps)).Msg("tearing down deployment")

	expected := res.ExpectedTags()
	for _, s := range steps {
		if s.Unresolved {
			for _, result := range e.unresolved(s, known[s.Type]) {
				if result.ID == "" {
					logger.Warn().Str("node", s.Type.String()).Msg("owner unknown, skipped")
					_ = j.Append(journal.EntrySkipped, s.Type, "", result)
				} else {
					e.journalResult(j, logger, result)
				}
				report.Add(result)
			}
			continue
		}

		result := e.teardownNode(ctx, logger, expected, s)
		e.journalResult(j, logger, result)
		report.Add(result)
	}

	report.FinishedAt = e.now()
	if !report.Succeeded() {
		report.Rerun = RerunCommand(res)
		span.SetStatus(codes.Error, fmt.Sprintf("%d nodes remain", report.Errors))
	}
	_ = j.Append(journal.EntryFinished, "", "", report)

	logger.Info().
		Int("errors", report.Errors).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg(report.Summary())
	return report, nil
}

// resolveFromJournal fills unresolved node types from what the deployment's
// journal proves live. It returns the possibly completed result and the
// journal's live nodes, which matter only when the project stays unknown.
func (e *Executor) resolveFromJournal(ctx context.Context, res *types.DiscoveryResult) (*types.DiscoveryResult, map[types.NodeType][]string) {
	if len(res.Unresolved) == 0 || res.DeployID == "" || e.journalDir == "" {
		return res, nil
	}

	ledger, err := journal.Outstanding(journal.Path(e.journalDir, res.DeployID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Ctx(ctx).Err(err).Str("deploy_id", res.DeployID).Msg("cannot read run journal")
		}
		return res, nil
	}
	if ledger.Project == "" || (res.Project != "" && res.Project != ledger.Project) {
		return res, ledger.Nodes
	}

	resolved := *res
	resolved.Project = ledger.Project
	resolved.Secrets = slices.Clone(res.Secrets)
	resolved.Unresolved = nil
	for _, t := range res.Unresolved {
		ids := ledger.Nodes[t]
		switch {
		case len(ids) == 0:
			resolved.Unresolved = append(resolved.Unresolved, t)
		case t == types.NodeSecretParameter:
			resolved.Secrets = append(resolved.Secrets, ids...)
		default:
			resolved.Resources.Set(t, ids[len(ids)-1])
		}
	}
	log.Info().Ctx(ctx).
		Str("deploy_id", res.DeployID).
		Str("project", resolved.Project).
		Interface("unresolved", resolved.Unresolved).
		Msg("project recovered from run journal")
	return &resolved, nil
}

// unresolved reports a step whose owner is unknown. Nodes an earlier run
// proved live are failures; anything else cannot be named and is skipped.
func (e *Executor) unresolved(s Step, live []string) []types.NodeResult {
	if len(live) == 0 {
		return []types.NodeResult{{
			Type:    s.Type,
			Outcome: types.OutcomeOwnerUnknown,
			Error:   "project unknown; resource name cannot be derived",
		}}
	}
	results := make([]types.NodeResult, 0, len(live))
	for _, id := range live {
		results = append(results, e.failed(types.NodeResult{Type: s.Type, ID: id},
			errors.New("project unknown; the run journal shows this node was left in place")))
	}
	return results
}

func (e *Executor) confirm(ctx context.Context, res *types.DiscoveryResult, steps []Step) error {
	if e.confirmer == nil {
		return ErrNotConfirmed
	}
	resp, err := e.confirmer.RequestConfirmation(ctx, ConfirmationRequest{
		DeployID: res.DeployID,
		Project:  res.Project,
		Region:   res.Region,
		Steps:    steps,
		Message:  fmt.Sprintf("Tear down deployment %s in %s (%d resources):", res.DeployID, res.Region, len(steps)),
	})
	if err != nil {
		return fmt.Errorf("confirmation failed: %w", err)
	}
	if !resp.Approved {
		return ErrNotConfirmed
	}
	return nil
}

// teardownNode verifies ownership and deletes one node.
func (e *Executor) teardownNode(ctx context.Context, logger zerolog.Logger, expected types.Tags, s Step) types.NodeResult {
	start := time.Now()
	result := types.NodeResult{Type: s.Type, ID: s.ID}

	ctx, span := telemetry.StartSpan(ctx, "teardown."+s.Type.String(), telemetry.NodeAttributes(s.Type, s.ID)...)
	logger = logger.With().Ctx(ctx).Logger()
	defer func() {
		span.SetAttributes(attribute.String("stackline.outcome", string(result.Outcome)))
		if result.Outcome.CountsAsError() {
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()
		telemetry.Nodes().RecordNode(ctx, "teardown", s.Type, string(result.Outcome), result.Attempts, time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return e.interrupted(result, err)
	}

	// A started node runs to completion; cancellation is honored between
	// nodes so an interrupted run never reports a finished delete as pending.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.nodeTimeout)
	defer cancel()

	var tags types.Tags
	n, err := retry.Do(callCtx, e.policy, providers.IsTransient, func(ctx context.Context) error {
		var err error
		tags, err = e.provider.Tags(ctx, s.Type, s.ID)
		return err
	})
	result.Attempts = n
	switch {
	case providers.IsNotFound(err):
		result.Outcome = types.OutcomeNotFound
		return result
	case isInterrupt(err):
		return e.interrupted(result, err)
	case err != nil:
		return e.failed(result, fmt.Errorf("verify tags: %w", err))
	}

	if !tags.Matches(expected) {
		result.Outcome = types.OutcomeSkippedTagMismatch
		result.Error = fmt.Sprintf("live tags Project=%q DeployId=%q, expected Project=%q DeployId=%q",
			tags.Project, tags.DeployID, expected.Project, expected.DeployID)
		result.Remediation = "verify ownership before deleting: " + e.provider.DeleteCommand(s.Type, s.ID)
		logger.Warn().
			Str("node", s.Type.String()).
			Str("id", s.ID).
			Str("owner", tags.DeployID).
			Msg("tag mismatch, not deleting")
		return result
	}

	n, err = retry.Do(callCtx, e.policy, providers.IsTransient, func(ctx context.Context) error {
		return e.provider.Delete(ctx, s.Type, s.ID)
	})
	result.Attempts += n
	switch {
	case providers.IsNotFound(err):
		result.Outcome = types.OutcomeNotFound
		return result
	case isInterrupt(err):
		return e.interrupted(result, err)
	case err != nil:
		return e.failed(result, err)
	}

	if s.Type == types.NodeComputeInstance {
		if err := e.provider.Wait(callCtx, s.Type, s.ID, types.WaitTerminated); err != nil {
			if isInterrupt(err) {
				return e.interrupted(result, err)
			}
			return e.failed(result, fmt.Errorf("wait for termination: %w", err))
		}
	}

	result.Outcome = types.OutcomeDeleted
	logger.Info().
		Str("node", s.Type.String()).
		Str("id", s.ID).
		Int("attempts", result.Attempts).
		Msg("node deleted")
	return result
}

func (e *Executor) failed(result types.NodeResult, err error) types.NodeResult {
	result.Outcome = types.OutcomeFailed
	result.Error = err.Error()
	result.Remediation = e.provider.DeleteCommand(result.Type, result.ID)
	return result
}

func (e *Executor) interrupted(result types.NodeResult, err error) types.NodeResult {
	result.Outcome = types.OutcomeInterrupted
	result.Error = err.Error()
	result.Remediation = e.provider.DeleteCommand(result.Type, result.ID)
	return result
}

func (e *Executor) journalResult(j *journal.Journal, logger zerolog.Logger, result types.NodeResult) {
	var err error
	switch result.Outcome {
	case types.OutcomeDeleted, types.OutcomeNotFound:
		err = j.Append(journal.EntryDeleted, result.Type, result.ID, result)
	case types.OutcomeSkippedTagMismatch:
		err = j.Append(journal.EntrySkipped, result.Type, result.ID, result)
	default:
		err = j.AppendError(journal.EntryFailed, result.Type, result.ID, result, errors.New(result.Error))
	}
	if err != nil {
		logger.Warn().Err(err).Str("node", result.Type.String()).Msg("failed to journal node result")
	}
	if result.Outcome == types.OutcomeFailed {
		logger.Error().
			Str("node", result.Type.String()).
			Str("id", result.ID).
			Int("attempts", result.Attempts).
			Str("error", result.Error).
			Msg("node deletion failed")
	}
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// RerunCommand is the command that retries a deployment's teardown. A
// manifest run is retried from the same manifest: tag discovery may no
// longer see the nodes it names.
func RerunCommand(res *types.DiscoveryResult) string {
	if res.ResolvedBy == types.ResolvedByManifest && res.ManifestPath != "" {
		return fmt.Sprintf("stackline teardown --manifest %s", res.ManifestPath)
	}
	if res.DeployID == "" {
		return fmt.Sprintf("stackline teardown --project %s --region %s", res.Project, res.Region)
	}
	return fmt.Sprintf("stackline teardown --deploy-id %s --region %s", res.DeployID, res.Region)
}
