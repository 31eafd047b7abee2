package emission

import (
	"errors"
	"fmt"

	"batchline/internal/engine/auth"
	"batchline/internal/principal"
	"batchline/internal/report"
)

var (
	// ErrAlreadyInProgressOrIssued means another caller owns the report. It
	// is a benign outcome, never retried.
	ErrAlreadyInProgressOrIssued = errors.New("report already in progress or issued")
	ErrNoIssuer                  = errors.New("no authorized issuer")
	ErrEmergencyUsed             = errors.New("emergency emission already used for this batch")
	// ErrNotCompleted is a precondition failure: the batch cannot be
	// emitted in its current status.
	ErrNotCompleted = errors.New("batch is not completed")
)

// PermanentError wraps failures that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

func permanent(format string, args ...any) error {
	return PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent classifies an emission error. Anything not listed here is
// transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe PermanentError
	var fe auth.ForbiddenError
	switch {
	case errors.As(err, &pe), errors.As(err, &fe):
		return true
	case errors.Is(err, ErrNoIssuer), errors.Is(err, report.ErrMalformed), errors.Is(err, ErrEmergencyUsed), errors.Is(err, principal.ErrMissing):
		return true
	}
	return false
}
