package launch

import "errors"

// ValidationError rejects a request for its shape or policy before any
// credits are spent or network calls made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// ErrAuthMismatch is returned when simulation produced a different set of
// authorization entries than the request supplied. Simulation must never
// silently broaden or narrow authorization, so this is always fatal.
var ErrAuthMismatch = errors.New("authorization entries do not match simulation")

// SubmissionError wraps a network-stage failure together with the token's
// balance after reconciliation, so callers can report credits remaining even
// when the submission failed.
type SubmissionError struct {
	Cause            error
	CreditsRemaining int64
}

func (e *SubmissionError) Error() string {
	return e.Cause.Error()
}

func (e *SubmissionError) Unwrap() error {
	return e.Cause
}
