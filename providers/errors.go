package providers

import (
	"errors"
	"fmt"

	"github.com/yairfalse/stackline/types"
)

var (
	// ErrNotFound means the provider has no such resource. Teardown treats
	// it as success.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists means a uniquely named resource is already present.
	ErrAlreadyExists = errors.New("resource already exists")
)

// ErrorClass classifies provider failures for retry decisions.
type ErrorClass string

const (
	// ClassTransient covers throttling and eventual-consistency lag; the
	// call may succeed if retried.
	ClassTransient ErrorClass = "transient"
	// ClassPermanent will not succeed on retry.
	ClassPermanent ErrorClass = "permanent"
)

// Error is a classified provider failure with the raw provider text kept in Err.
type Error struct {
	Class     ErrorClass
	Operation string
	NodeType  types.NodeType
	ID        string
	Err       error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Operation, e.NodeType, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Operation, e.NodeType, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(op string, nodeType types.NodeType, id string, err error) error {
	return &Error{Class: ClassTransient, Operation: op, NodeType: nodeType, ID: id, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, nodeType types.NodeType, id string, err error) error {
	return &Error{Class: ClassPermanent, Operation: op, NodeType: nodeType, ID: id, Err: err}
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassTransient
	}
	return false
}

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err is a name collision.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
