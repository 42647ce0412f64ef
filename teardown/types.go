package teardown

import (
	"context"
	"errors"

	"github.com/yairfalse/stackline/types"
)

// ErrNotConfirmed is returned when the operator declines the plan.
var ErrNotConfirmed = errors.New("teardown not confirmed")

// Step is one node the executor will visit.
type Step struct {
	Type types.NodeType `json:"type"`
	ID   string         `json:"id,omitempty"`
	// Unresolved steps have no owner and are reported, never deleted.
	Unresolved bool `json:"unresolved,omitempty"`
	Billable   bool `json:"billable,omitempty"`
}

// Options configure a teardown run
type Options struct {
	DryRun      bool `json:"dry_run"`
	AutoConfirm bool `json:"auto_confirm"`
}

// ConfirmationRequest represents a request for operator confirmation
type ConfirmationRequest struct {
	DeployID string `json:"deploy_id"`
	Project  string `json:"project,omitempty"`
	Region   string `json:"region,omitempty"`
	Steps    []Step `json:"steps"`
	Message  string `json:"message"`
}

// ConfirmationResponse represents the operator's answer
type ConfirmationResponse struct {
	Approved bool   `json:"approved"`
	Message  string `json:"message,omitempty"`
}

// Confirmer approves destructive runs.
type Confirmer interface {
	RequestConfirmation(ctx context.Context, req ConfirmationRequest) (*ConfirmationResponse, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, req ConfirmationRequest) (*ConfirmationResponse, error)

// RequestConfirmation calls f.
func (f ConfirmFunc) RequestConfirmation(ctx context.Context, req ConfirmationRequest) (*ConfirmationResponse, error) {
	return f(ctx, req)
}
