package sitemap

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
)

// Error categories. Every ServiceError unwraps to exactly one of them.
var (
	ErrNotFound           = errors.New("sitemap: not found")
	ErrLockConflict       = errors.New("sitemap: lock conflict")
	ErrInvalidTransition  = errors.New("sitemap: invalid transition")
	ErrPartialApplication = errors.New("sitemap: partial application")
	ErrInvalidRequest     = errors.New("sitemap: invalid request")
	ErrStorage            = errors.New("sitemap: storage failure")
)

const (
	opServiceNew   = "sitemap.service.new"
	opSave         = "sitemap.save"
	opSplit        = "sitemap.split"
	opMerge        = "sitemap.merge"
	opBrokenLinks  = "sitemap.broken_links"
	opLoadTree     = "sitemap.load_tree"
	opGetEntry     = "sitemap.get_entry"
	opPrefetch     = "sitemap.prefetch"
	opClipboard    = "sitemap.clipboard"
	reasonNotFound = "not_found"
)

// ServiceError carries a stable code, a category and the node/step context of a failure.
type ServiceError struct {
	code      string
	category  error
	nodeID    string
	path      string
	step      string
	completed int
	err       error
}

func (e *ServiceError) Error() string {
	message := e.code
	if e.nodeID != "" {
		message = fmt.Sprintf("%s [node %s]", message, e.nodeID)
	}
	if e.step != "" {
		message = fmt.Sprintf("%s [step %s after %d writes]", message, e.step, e.completed)
	}
	if e.err == nil {
		return message
	}
	return fmt.Sprintf("%s: %v", message, e.err)
}

// Unwrap exposes both the category and the underlying cause to errors.Is/As.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.category != nil {
		unwrapped = append(unwrapped, e.category)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns "<operation>.<reason>".
func (e *ServiceError) Code() string {
	return e.code
}

// Category returns the category sentinel.
func (e *ServiceError) Category() error {
	return e.category
}

// NodeID returns the node the failure relates to, if any.
func (e *ServiceError) NodeID() string {
	return e.nodeID
}

// Path returns the node path the failure relates to, if any.
func (e *ServiceError) Path() string {
	return e.path
}

// Step names the sub-operation that failed during a multi-step operation.
func (e *ServiceError) Step() string {
	return e.step
}

// CompletedWrites is the number of persisted writes that preceded the failure.
func (e *ServiceError) CompletedWrites() int {
	return e.completed
}

func newServiceError(operation, reason string, category error, cause error) *ServiceError {
	return &ServiceError{
		code:     fmt.Sprintf("%s.%s", operation, reason),
		category: category,
		err:      cause,
	}
}

func (e *ServiceError) forNode(node store.Node) *ServiceError {
	e.nodeID = node.ID
	e.path = node.Path
	return e
}

func (e *ServiceError) forID(nodeID string) *ServiceError {
	e.nodeID = nodeID
	return e
}

// classify translates a repository failure into a categorized ServiceError.
func classify(operation string, cause error) *ServiceError {
	var existing *ServiceError
	if errors.As(cause, &existing) {
		return existing
	}
	switch {
	case errors.Is(cause, store.ErrNotFound):
		return newServiceError(operation, reasonNotFound, ErrNotFound, cause)
	case errors.Is(cause, store.ErrParentMissing):
		return newServiceError(operation, "parent_missing", ErrNotFound, cause)
	case errors.Is(cause, store.ErrLocked):
		return newServiceError(operation, "locked", ErrLockConflict, cause)
	case errors.Is(cause, store.ErrPathExists):
		return newServiceError(operation, "path_exists", ErrInvalidTransition, cause)
	case errors.Is(cause, store.ErrNotDeleted):
		return newServiceError(operation, "not_deleted", ErrInvalidTransition, cause)
	case errors.Is(cause, store.ErrInvalidPath):
		return newServiceError(operation, "invalid_path", ErrInvalidRequest, cause)
	default:
		return newServiceError(operation, "storage_failed", ErrStorage, cause)
	}
}

// partial reports a multi-step failure after some writes were persisted. With no completed
// writes the failure is classified normally.
func partial(operation, step string, completed int, cause error) *ServiceError {
	if completed == 0 {
		failure := classify(operation, cause)
		if failure.step == "" {
			failure.step = step
		}
		return failure
	}
	failure := newServiceError(operation, "partial_application", ErrPartialApplication, cause)
	var inner *ServiceError
	if errors.As(cause, &inner) {
		failure.nodeID = inner.nodeID
		failure.path = inner.path
	}
	failure.step = step
	failure.completed = completed
	return failure
}

func isPartial(err error) bool {
	return errors.Is(err, ErrPartialApplication)
}
