// Package errors defines the typed error kinds cycle components report
// and the context-rich wrapper surfaced to operators.
package errors

import (
	stderrors "errors"
	"strings"
)

// Kind classifies a failure for propagation policy decisions.
type Kind string

const (
	KindInterfaceCreate        Kind = "interface_create_error"
	KindLeaseTimeout           Kind = "lease_timeout"
	KindRoutingSetup           Kind = "routing_setup_error"
	KindDiscoveryTimeout       Kind = "discovery_timeout"
	KindNoTargets              Kind = "no_targets_available"
	KindModuleTimeout          Kind = "module_timeout"
	KindModuleExecution        Kind = "module_execution_error"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindConfigRejected         Kind = "config_rejected"
)

// CycleError carries a failure kind plus operator-facing context.
type CycleError struct {
	Kind    Kind
	Message string
	Reason  string
	Hint    string
	Err     error
}

func (e *CycleError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Message)
	if e.Reason != "" {
		buf.WriteString("\n  Reason: " + e.Reason)
	}
	if e.Hint != "" {
		buf.WriteString("\n  Hint: " + e.Hint)
	}
	if e.Err != nil {
		buf.WriteString("\n  Details: " + e.Err.Error())
	}
	return buf.String()
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// New creates a CycleError of the given kind.
func New(kind Kind, message string) *CycleError {
	return &CycleError{Kind: kind, Message: message}
}

// Wrap creates a CycleError of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *CycleError {
	return &CycleError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var ce *CycleError
	if stderrors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Rejection reports whether err is a synchronous control-request rejection
// (invalid transition or config rejected) rather than a cycle failure.
func Rejection(err error) bool {
	k := KindOf(err)
	return k == KindInvalidStateTransition || k == KindConfigRejected
}
