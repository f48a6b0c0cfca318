package core

import (
	"github.com/cockroachdb/errors"
)

// Error classes. Every error returned by the wager core carries exactly one
// of these marks; test with errors.Is.
var (
	ErrRejectedInput     = errors.New("rejected input")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTransferFailure   = errors.New("transfer failure")
	ErrNotFound          = errors.New("not found")

	// ErrPaused is a RejectedInput raised by creation paths while paused.
	ErrPaused = errors.Mark(errors.New("system paused"), ErrRejectedInput)

	ErrBelowTick = errors.Mark(errors.New("amount below tick size"), ErrRejectedInput)
)

func Rejectf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrRejectedInput)
}

func Transitionf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidTransition)
}

func Unauthorizedf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnauthorized)
}

func NotFoundf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// TransferFailed wraps a funds collaborator error. On the stake-in path the
// failure is also a RejectedInput since nothing was escrowed.
func TransferFailed(err error, stakeIn bool) error {
	wrapped := errors.Mark(errors.Wrap(err, "funds transfer declined"), ErrTransferFailure)
	if stakeIn {
		wrapped = errors.Mark(wrapped, ErrRejectedInput)
	}
	return wrapped
}

// Class names the error class of err, "internal" when unmarked.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransferFailure):
		return "transfer_failure"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrRejectedInput):
		return "rejected_input"
	default:
		return "internal"
	}
}
