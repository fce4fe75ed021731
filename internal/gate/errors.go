package gate

import (
	"errors"
	"fmt"

	"rolegate.org/internal/resolve"
)

// Code is the stable numbered error code exposed through the HTTP
// boundary. Values are part of the external contract; never renumber.
type Code int

const (
	CodeInvalidRoleSpec   Code = 1
	CodeUnknownAccount    Code = 2
	CodeNoMatchingRole    Code = 3
	CodeAmbiguousRole     Code = 4
	CodeCertificateTooOld Code = 5
	CodeMFADenied         Code = 6
	CodeVendorError       Code = 7
)

// Error is a typed failure from resolution or an issuance gate stage.
// Stage names are stable so audit queries can group on them.
type Error struct {
	Code       Code
	Stage      string
	Message    string
	Candidates []string
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// FromResolveError maps resolver failures onto the numbered contract.
// Unrecognized errors map to the invalid-role-spec code: surfacing an
// unexpected internal detail would leak more than it helps.
func FromResolveError(err error) *Error {
	var ambiguous *resolve.AmbiguousRoleError
	switch {
	case errors.As(err, &ambiguous):
		return &Error{
			Code:       CodeAmbiguousRole,
			Stage:      "resolve",
			Message:    "role specification matches multiple roles",
			Candidates: ambiguous.Candidates,
			cause:      err,
		}
	case errors.Is(err, resolve.ErrUnknownAccount):
		return &Error{Code: CodeUnknownAccount, Stage: "resolve", Message: "unknown account", cause: err}
	case errors.Is(err, resolve.ErrNoMatchingRole):
		return &Error{Code: CodeNoMatchingRole, Stage: "resolve", Message: "no matching role", cause: err}
	default:
		return &Error{Code: CodeInvalidRoleSpec, Stage: "resolve", Message: "invalid role specification", cause: err}
	}
}
