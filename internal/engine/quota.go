package engine

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// DefaultMaxSteps is the default number of rule invocations one inbox item
// may cause, counting the whole breadth-first cascade.
const DefaultMaxSteps = 10000

// QuotaEnforcer counts rule invocations caused by one inbox item and
// enforces a limit.
//
// A fresh enforcer is used for every item. Without it, a rule table with
// an insert -> insert cycle on changing values would never return control
// to the node loop.
type QuotaEnforcer struct {
	maxSteps int
	current  int
}

// NewQuotaEnforcer creates a new quota enforcer with the given limit.
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: maxSteps}
}

// Check increments the step counter and validates against the limit.
// Returns StepsExceededError if the quota is exceeded.
func (q *QuotaEnforcer) Check(cause string) error {
	q.current++
	if q.current > q.maxSteps {
		return &StepsExceededError{
			Cause: cause,
			Steps: q.current,
			Limit: q.maxSteps,
		}
	}
	return nil
}

// Current returns the current step count.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// MaxSteps returns the maximum steps limit.
func (q *QuotaEnforcer) MaxSteps() int {
	return q.maxSteps
}

// StepsExceededError is returned when a cascade exceeds the step quota.
// The rest of the cascade is discarded.
type StepsExceededError struct {
	Cause string // the inbox item that started the cascade
	Steps int
	Limit int
}

// Error implements the error interface.
func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("cascade from %s exceeded max steps quota: %d steps > %d limit",
		e.Cause, e.Steps, e.Limit)
}

// IsStepsExceededError returns true if the error is a StepsExceededError.
// Uses errors.As to handle wrapped errors.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
