package diagnostics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorDiagAndWarningDiagSetSeverity(t *testing.T) {
	e := ErrorDiag(CodeReferentialClosure, "dangling edge", nil)
	require.Equal(t, SeverityError, e.Severity)

	w := WarningDiag(CodeUnresolvedReference, "still a stub", &Location{Path: "a.md", Line: 3})
	require.Equal(t, SeverityWarning, w.Severity)
	require.Equal(t, "a.md", w.Location.Path)
}

func TestDiagnosticStringIncludesLocationWhenPresent(t *testing.T) {
	d := ErrorDiag(CodeSiblingIndexGap, "gap found", &Location{Path: "doc.md", Line: 12})
	require.Contains(t, d.String(), "doc.md:12")

	d2 := ErrorDiag(CodeSiblingIndexGap, "gap found", nil)
	require.NotContains(t, d2.String(), "doc.md")
}

func TestErrorWrapsCauseAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Code: CodeParseError, Message: "could not parse", Cause: cause}

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "boom")
}

func TestNewInvariantViolationHasNoCause(t *testing.T) {
	err := NewInvariantViolation(CodeMultipleParents, "two parents")
	require.Nil(t, err.Unwrap())
	require.Equal(t, CodeMultipleParents, err.Code)
}
