// Package diagnostics defines the shared Diagnostic/error taxonomy used
// across the belief-core: one vocabulary shared by the parser, the event
// protocol, and the balance check.
package diagnostics

import "fmt"

// Severity classifies the impact level of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Code identifies the specific rule or failure mode that produced a
// diagnostic. Codes are the BC (belief-core) prefix and a three-digit number
// (BC001..BC013), or BCW and a number for two warnings (BCW001, BCW002). The
// code does not otherwise encode severity.
type Code string

const (
	// CodeReferentialClosure is invariant 1: an edge names a missing endpoint.
	CodeReferentialClosure Code = "BC001"
	// CodeSiblingGap is invariant 2: sibling sort keys are not 0..k-1.
	CodeSiblingGap Code = "BC002"
	// CodeMultipleParents is invariant 3: a node has more than one Section parent.
	CodeMultipleParents Code = "BC003"
	// CodeHierarchySpine is invariant 4: a node does not sit on API<-Network<-Document<-Section/Symbol.
	CodeHierarchySpine Code = "BC004"
	// CodePathDivergence is invariant 5: paths does not match a fresh PathMap.
	CodePathDivergence Code = "BC005"
	// CodeTraceConsistency is invariant 6: an incomplete node has no referencing edge.
	CodeTraceConsistency Code = "BC006"
	// CodeDuplicateSortKey is a duplicate sibling sort key found during a sibling scan.
	CodeDuplicateSortKey Code = "BC007"
	// CodeSiblingIndexGap is the sibling-index diagnostic emitted by
	// built_in_test for invariant 2; a gap and a duplicate sort key are both
	// reported under this one code.
	CodeSiblingIndexGap Code = "BC008"
	// CodePathOrderDivergence is the specific order-vector divergence diagnostic
	// for invariant 5.
	CodePathOrderDivergence Code = "BC009"

	// CodeUnresolvedReference reports a trace node that never
	// completed after all compiler passes converged.
	CodeUnresolvedReference Code = "BC010"
	// CodeParseError reports a document a codec could not recover.
	CodeParseError Code = "BC011"
	// CodeSchemaError reports payload deserialization that failed
	// against a declared schema.
	CodeSchemaError Code = "BC012"

	// CodeUnmatchedSection warns that a frontmatter sections entry matches no
	// heading and will be garbage-collected on rewrite.
	CodeUnmatchedSection Code = "BCW001"
	// CodeSchemaMigrated warns that a legacy payload field was migrated to
	// its current form, forcing a rewrite.
	CodeSchemaMigrated Code = "BCW002"
	// CodeIoError reports a filesystem or durable-store failure.
	CodeIoError Code = "BC013"
)

// Location identifies a source position within a document, when known.
type Location struct {
	Path       string `json:"path,omitempty"`
	Line       int    `json:"line,omitempty"`
	Column     int    `json:"column,omitempty"`
	ByteOffset int    `json:"byteOffset,omitempty"`
}

// Diagnostic is a single finding produced by parsing, event processing, or
// the balance check.
type Diagnostic struct {
	Severity Severity  `json:"severity"`
	Code     Code      `json:"code"`
	Message  string    `json:"message"`
	Location *Location `json:"location,omitempty"`
}

func (d Diagnostic) String() string {
	if d.Location != nil && d.Location.Path != "" {
		return fmt.Sprintf("%s: %s (%s) at %s:%d", d.Severity, d.Message, d.Code, d.Location.Path, d.Location.Line)
	}
	return fmt.Sprintf("%s: %s (%s)", d.Severity, d.Message, d.Code)
}

// Error reports a fatal condition (an invariant violation or I/O failure),
// distinct from the Diagnostic slice used for recoverable findings.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewInvariantViolation constructs the Error returned when an event would
// break one of the structural invariants; the event is rejected and the
// BeliefSet is left unchanged.
func NewInvariantViolation(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Err(severity Severity, code Code, message string, loc *Location) Diagnostic {
	return Diagnostic{Severity: severity, Code: code, Message: message, Location: loc}
}

func ErrorDiag(code Code, message string, loc *Location) Diagnostic {
	return Err(SeverityError, code, message, loc)
}

func WarningDiag(code Code, message string, loc *Location) Diagnostic {
	return Err(SeverityWarning, code, message, loc)
}
