// Package errors re-exports github.com/cockroachdb/errors and defines the
// sentinel errors shared by the store, scheduler and HTTP layer.
//
// Wrap a sentinel to add context while keeping it matchable:
//
//	return errors.Wrapf(errors.ErrNotFound, "job %s", id)
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	WithHint     = crdb.WithHint
	Mark         = crdb.Mark
	Is           = crdb.Is
	As           = crdb.As
	Join         = crdb.Join
	UnwrapAll    = crdb.UnwrapAll
	GetAllHints  = crdb.GetAllHints
	FlattenHints = crdb.FlattenHints
)

var (
	// ErrValidation marks bad caller input: empty target set, unknown kind,
	// lead time violated.
	ErrValidation = New("validation error")

	// ErrNotFound marks an unknown job or schedule id.
	ErrNotFound = New("not found")

	// ErrInvalidTransition marks an illegal job state change.
	ErrInvalidTransition = New("invalid transition")

	// ErrExecutor marks a failure of the automation itself.
	ErrExecutor = New("executor failure")

	// ErrTimeout marks an executor call that exceeded its deadline.
	ErrTimeout = New("executor timed out")

	// ErrSlotBusy is returned when the session slot is held elsewhere.
	ErrSlotBusy = New("session slot busy")

	// ErrRateLimited is returned when a client exhausted its request budget.
	ErrRateLimited = New("rate limited")
)

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return crdb.Mark(crdb.Newf(format, args...), ErrValidation)
}

// NotFoundf builds a not-found error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return crdb.Mark(crdb.Newf(format, args...), ErrNotFound)
}

// InvalidTransitionf builds an invalid-transition error with a formatted message.
func InvalidTransitionf(format string, args ...any) error {
	return crdb.Mark(crdb.Newf(format, args...), ErrInvalidTransition)
}

func IsValidation(err error) bool        { return err != nil && crdb.Is(err, ErrValidation) }
func IsNotFound(err error) bool          { return err != nil && crdb.Is(err, ErrNotFound) }
func IsInvalidTransition(err error) bool { return err != nil && crdb.Is(err, ErrInvalidTransition) }
