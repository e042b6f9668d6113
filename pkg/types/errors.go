package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the stable machine-readable classification of a failure.
type ErrorKind string

const (
	KindMissingRequired    ErrorKind = "missing_required_parameter"
	KindUnknownParameter   ErrorKind = "unknown_parameter"
	KindTypeMismatch       ErrorKind = "type_mismatch"
	KindInvalidDefinition  ErrorKind = "invalid_definition"
	KindUnboundPlaceholder ErrorKind = "unbound_placeholder"
	KindMalformedTemplate  ErrorKind = "malformed_template"
	KindConnection         ErrorKind = "connection_error"
	KindSyntaxOrRuntime    ErrorKind = "syntax_or_runtime_error"
	KindTimeout            ErrorKind = "timeout"
	KindTransport          ErrorKind = "transport_error"
)

// ──────────────────────────────────────────────────────────────────────────────
// Validation and bind errors (collected, never fail-fast)
// ──────────────────────────────────────────────────────────────────────────────

type ValidationError struct {
	Kind   ErrorKind `json:"kind"`
	Field  string    `json:"field"`
	Reason string    `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Kind, e.Field, e.Reason)
}

// Errors is a batch of validation or bind errors.
type Errors []*ValidationError

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether the batch contains an error of the given kind.
func (es Errors) Has(kind ErrorKind) bool {
	for _, e := range es {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// ForField returns the errors recorded against a single field.
func (es Errors) ForField(field string) Errors {
	var out Errors
	for _, e := range es {
		if e.Field == field {
			out = append(out, e)
		}
	}
	return out
}

// Kind returns the kind of the first error, or "" for an empty batch.
func (es Errors) Kind() ErrorKind {
	if len(es) == 0 {
		return ""
	}
	return es[0].Kind
}

// ──────────────────────────────────────────────────────────────────────────────
// ExecError: a classified dispatch failure
// ──────────────────────────────────────────────────────────────────────────────

type ExecError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ExecError) Error() string {
	if e.Kind == KindTimeout {
		return string(KindTimeout)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecError) Unwrap() error { return e.Err }

func ErrConnection(err error) *ExecError {
	return &ExecError{Kind: KindConnection, Message: err.Error(), Err: err}
}

func ErrSyntaxOrRuntime(err error) *ExecError {
	return &ExecError{Kind: KindSyntaxOrRuntime, Message: err.Error(), Err: err}
}

func ErrTimeout(err error) *ExecError {
	return &ExecError{Kind: KindTimeout, Message: "timeout", Err: err}
}

func ErrTransport(err error) *ExecError {
	return &ExecError{Kind: KindTransport, Message: err.Error(), Err: err}
}

// KindOf extracts the classification from err, falling back to fallback.
func KindOf(err error, fallback ErrorKind) ErrorKind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	var es Errors
	if errors.As(err, &es) && len(es) > 0 {
		return es.Kind()
	}
	return fallback
}
