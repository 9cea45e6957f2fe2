package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error kinds. Every error returned by the core wraps exactly one of these so
// callers can map it with errors.Is.
var (
	// ErrValidation marks bad input rejected before any mutation.
	ErrValidation = errors.New("validation error")

	// ErrRiskLimit marks a trade rejected by the risk engine.
	ErrRiskLimit = errors.New("risk limit exceeded")

	// ErrPrecondition marks a request whose precondition does not hold yet.
	// Safe to retry once the precondition is fixed.
	ErrPrecondition = errors.New("precondition failed")

	// ErrConsistency marks stored state that disagrees with an invariant.
	ErrConsistency = errors.New("consistency fault")

	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Preconditionf wraps ErrPrecondition with a formatted message.
func Preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

// Consistencyf wraps ErrConsistency with a formatted message.
func Consistencyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConsistency, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// RiskLimitError is returned when a trade exceeds the binding risk constraint.
// Limit is the dollar amount the constraint currently allows.
type RiskLimitError struct {
	Constraint string
	Limit      decimal.Decimal
	Reason     string
}

func (e *RiskLimitError) Error() string {
	return e.Reason
}

// Is lets errors.Is(err, ErrRiskLimit) match. A trade bound by the cash
// balance also matches ErrValidation.
func (e *RiskLimitError) Is(target error) bool {
	return target == ErrRiskLimit || (target == ErrValidation && e.Constraint == "balance")
}
