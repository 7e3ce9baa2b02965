// Package apierr defines the stable error taxonomy AgentTree surfaces to
// callers: the CLI maps a Kind to a process exit code, and the sync loop
// maps a Kind to a retry decision.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories the core distinguishes.
type Kind string

const (
	// Validation means a pre-completion hook reported a block.
	Validation Kind = "validation"
	// ResourceLocked means a sidecar or state lock could not be acquired in time.
	ResourceLocked Kind = "resource_locked"
	// ResourceExhausted means a bounded resource scan (e.g. the port pool) found nothing free.
	ResourceExhausted Kind = "resource_exhausted"
	// ExternalTool means the forge CLI/API, container runtime, or git returned an error.
	ExternalTool Kind = "external_tool"
	// CorruptRecord means a YAML record failed to parse.
	CorruptRecord Kind = "corrupt_record"
	// NonFatalPostStart means a post-start hook failed after the transition already committed.
	NonFatalPostStart Kind = "non_fatal_post_start"
)

// ExternalCategory refines ExternalTool errors; the code-forge client
// maps tool errors into one of these.
type ExternalCategory string

const (
	CategoryAuth        ExternalCategory = "auth"
	CategoryNotFound    ExternalCategory = "not_found"
	CategoryRateLimited ExternalCategory = "rate_limited"
	CategoryConflict    ExternalCategory = "conflict"
	CategoryOther       ExternalCategory = "other"
)

// Error is a Kind-tagged error with an optional external category and a
// list of human-readable messages (used for aggregated validation failures).
type Error struct {
	Kind     Kind
	Category ExternalCategory
	Messages []string
	Err      error
}

func (e *Error) Error() string {
	if len(e.Messages) > 0 {
		return fmt.Sprintf("%s: %v", e.Kind, e.Messages)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode maps a Kind to the CLI's process exit code: 0 success,
// 2 validation-blocked, 3 resource conflict, 4 external-tool error.
func (e *Error) ExitCode() int {
	switch e.Kind {
	case Validation:
		return 2
	case ResourceLocked, ResourceExhausted:
		return 3
	case ExternalTool:
		return 4
	default:
		return 1
	}
}

// New builds a new tagged Error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Messages: []string{msg}}
}

// Wrap tags an existing error with a Kind.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithMessages builds a Validation-style error carrying one line per failed hook.
func WithMessages(kind Kind, messages []string) *Error {
	return &Error{Kind: kind, Messages: messages}
}

// ExitCode extracts the exit code from any error, defaulting to 1 for
// untagged errors and 0 for nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.ExitCode()
	}
	return 1
}

// Is reports whether err is (or wraps) an *Error tagged with kind.
func Is(err error, kind Kind) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Kind == kind
}
