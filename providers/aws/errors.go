package aws

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/stackline/providers"
	"github.com/yairfalse/stackline/types"
)

var notFoundCodes = map[string]bool{
	"InvalidVpcID.NotFound":             true,
	"InvalidInternetGatewayID.NotFound": true,
	"InvalidSubnetID.NotFound":          true,
	"InvalidRouteTableID.NotFound":      true,
	"InvalidGroup.NotFound":             true,
	"InvalidInstanceID.NotFound":        true,
	"InvalidAssociationID.NotFound":     true,
	"NoSuchEntity":                      true,
	"ParameterNotFound":                 true,
	"InvalidResourceId":                 true,
}

var alreadyExistsCodes = map[string]bool{
	"EntityAlreadyExists":    true,
	"ParameterAlreadyExists": true,
	"InvalidGroup.Duplicate": true,
}

// Throttling and eventual consistency. DependencyViolation shows up while a
// terminated instance still holds a network interface.
var transientCodes = map[string]bool{
	"Throttling":                true,
	"ThrottlingException":       true,
	"RequestLimitExceeded":      true,
	"TooManyUpdates":            true,
	"DependencyViolation":       true,
	"DeleteConflict":            true,
	"IncorrectState":            true,
	"InvalidGatewayID.NotFound": true,
	"ServiceUnavailable":        true,
	"InternalError":             true,
	"InternalFailure":           true,
	"ConcurrentModification":    true,
}

// classify maps an SDK error onto the provider error taxonomy. The raw
// provider text is kept so operators see exactly what the API returned.
func classify(op string, nodeType types.NodeType, id string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return providers.Permanent(op, nodeType, id, err)
	}

	code := apiErr.ErrorCode()
	switch {
	case notFoundCodes[code]:
		return providers.Permanent(op, nodeType, id, fmt.Errorf("%w: %v", providers.ErrNotFound, err))
	case alreadyExistsCodes[code]:
		return providers.Permanent(op, nodeType, id, fmt.Errorf("%w: %v", providers.ErrAlreadyExists, err))
	case transientCodes[code]:
		return providers.Transient(op, nodeType, id, err)
	case isProfilePropagation(code, apiErr.ErrorMessage()):
		return providers.Transient(op, nodeType, id, err)
	default:
		return providers.Permanent(op, nodeType, id, err)
	}
}

// isProfilePropagation detects RunInstances rejecting an instance profile
// that IAM has created but EC2 cannot see yet.
func isProfilePropagation(code, message string) bool {
	return code == "InvalidParameterValue" && strings.Contains(message, "iamInstanceProfile")
}
