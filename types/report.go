package types

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the terminal state of one node in a teardown run.
type Outcome string

const (
	OutcomeDeleted            Outcome = "deleted"
	OutcomeNotFound           Outcome = "not-found"
	OutcomeSkippedTagMismatch Outcome = "skipped-tag-mismatch"
	OutcomeFailed             Outcome = "failed"
	OutcomeOwnerUnknown       Outcome = "skipped-owner-unknown"
	OutcomeInterrupted        Outcome = "interrupted"
	OutcomePlanned            Outcome = "planned"
)

// IsSuccess reports whether the node is gone after the run.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeDeleted || o == OutcomeNotFound
}

// CountsAsError reports whether the outcome leaves a known resource behind.
func (o Outcome) CountsAsError() bool {
	switch o {
	case OutcomeFailed, OutcomeSkippedTagMismatch, OutcomeInterrupted:
		return true
	default:
		return false
	}
}

// NodeResult is the outcome of one teardown step.
type NodeResult struct {
	Type        NodeType `json:"type"`
	ID          string   `json:"id,omitempty"`
	Outcome     Outcome  `json:"outcome"`
	Attempts    int      `json:"attempts,omitempty"`
	Error       string   `json:"error,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
}

// TeardownReport is produced once per teardown invocation.
type TeardownReport struct {
	DeployID   string       `json:"deployId,omitempty"`
	Project    string       `json:"project,omitempty"`
	Region     string       `json:"region,omitempty"`
	ResolvedBy ResolvedBy   `json:"resolvedBy"`
	DryRun     bool         `json:"dryRun"`
	Results    []NodeResult `json:"results"`
	Errors     int          `json:"errors"`
	// Rerun is the command that retries the remaining nodes.
	Rerun      string       `json:"rerun,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// Add appends a node result and updates the aggregate error count.
func (r *TeardownReport) Add(result NodeResult) {
	r.Results = append(r.Results, result)
	if result.Outcome.CountsAsError() {
		r.Errors++
	}
}

// Succeeded reports whether teardown removed everything it targeted.
func (r *TeardownReport) Succeeded() bool {
	return r.Errors == 0
}

// Remaining returns the nodes that may still exist after the run.
func (r *TeardownReport) Remaining() []NodeResult {
	var remaining []NodeResult
	for _, res := range r.Results {
		if !res.Outcome.IsSuccess() && res.Outcome != OutcomePlanned {
			remaining = append(remaining, res)
		}
	}
	return remaining
}

// Count returns how many nodes ended with the given outcome.
func (r *TeardownReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Summary renders a one-line human summary.
func (r *TeardownReport) Summary() string {
	parts := make([]string, 0, 4)
	for _, o := range []Outcome{OutcomeDeleted, OutcomeNotFound, OutcomeSkippedTagMismatch, OutcomeFailed, OutcomeOwnerUnknown, OutcomeInterrupted, OutcomePlanned} {
		if n := r.Count(o); n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", o, n))
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("deployment %s: nothing to tear down", r.DeployID)
	}
	return fmt.Sprintf("deployment %s: %s errors=%d", r.DeployID, strings.Join(parts, " "), r.Errors)
}
