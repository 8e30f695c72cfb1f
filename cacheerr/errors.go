// Package cacheerr defines the typed error kinds the cache surfaces.
package cacheerr

import "fmt"

// Kind categorizes a cache error.
type Kind string

const (
	// KindPlan signals a Plan missing a required selection map during traversal.
	KindPlan Kind = "PLAN_ERROR"

	// KindIdentification signals an object expected to be identifiable was not.
	KindIdentification Kind = "IDENTIFICATION_ERROR"

	// KindMissingData signals a required link or record was absent during materialization.
	KindMissingData Kind = "MISSING_DATA_ERROR"

	// KindReentrancy signals nested normalize/materialize of the same plan from an observer.
	KindReentrancy Kind = "REENTRANCY_ERROR"

	// KindConfig signals a setup-time configuration problem.
	KindConfig Kind = "CONFIG_ERROR"
)

// Error is the cache's error type. It carries a Kind, a stable Code, a
// human Message, optional structured Fields, and an optional Cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause attaches an underlying error and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithField attaches a structured detail and returns the receiver.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func new_(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// NewPlanError reports a fatal defect in a CachePlan (missing selectionMap, etc).
func NewPlanError(code, message string) *Error {
	return new_(KindPlan, code, message)
}

// NewIdentificationError reports an object that could not be identified by the
// configured keying function.
func NewIdentificationError(code, message string) *Error {
	return new_(KindIdentification, code, message)
}

// NewMissingDataError reports a required link or record absent at materialize time.
func NewMissingDataError(code, message string) *Error {
	return new_(KindMissingData, code, message)
}

// NewReentrancyError reports a nested normalize/materialize call on the same plan.
func NewReentrancyError(code, message string) *Error {
	return new_(KindReentrancy, code, message)
}

// NewConfigError reports an invalid Config at setup time.
func NewConfigError(code, message string) *Error {
	return new_(KindConfig, code, message)
}

// Is reports whether err is a *Error of the given kind. It lets callers write
// cacheerr.Is(err, cacheerr.KindMissingData) instead of type-asserting.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
