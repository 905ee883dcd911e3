package engine

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// RuntimeError represents a problem detected while a node processes an
// event. None of these stop the node; they are logged, reported to the
// observer as a drop and the offending tuple is discarded.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Rule names the rule or handler involved, if any.
	Rule string

	// Tuple is the tuple being processed, rendered for logs.
	Tuple string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeQuotaExceeded indicates a cascade exceeded max steps.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeVerifyFailed indicates a missing or invalid signature.
	ErrCodeVerifyFailed RuntimeErrorCode = "VERIFY_FAILED"

	// ErrCodeMalformed indicates a received tuple that does not match its
	// declared event schema.
	ErrCodeMalformed RuntimeErrorCode = "MALFORMED"

	// ErrCodeRuleFailed indicates a rule body or handler returned an error.
	ErrCodeRuleFailed RuntimeErrorCode = "RULE_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s: %s (rule=%s)", e.Code, e.Message, e.Rule)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the code of a wrapped RuntimeError, or "" if err is not one.
func CodeOf(err error) RuntimeErrorCode {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	if IsStepsExceededError(err) {
		return ErrCodeQuotaExceeded
	}
	return ""
}

// IsVerifyError returns true if the error is a signature verification failure.
func IsVerifyError(err error) bool {
	return CodeOf(err) == ErrCodeVerifyFailed
}

// IsQuotaError returns true if the error is a quota exceeded error.
// Matches both RuntimeError with ErrCodeQuotaExceeded and StepsExceededError.
func IsQuotaError(err error) bool {
	return CodeOf(err) == ErrCodeQuotaExceeded
}

func newVerifyError(rule, tuple, msg string) *RuntimeError {
	return &RuntimeError{Code: ErrCodeVerifyFailed, Message: msg, Rule: rule, Tuple: tuple}
}

func newMalformedError(tuple string, cause error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeMalformed, Message: cause.Error(), Tuple: tuple}
}

func newRuleError(rule, tuple string, cause error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeRuleFailed, Message: cause.Error(), Rule: rule, Tuple: tuple}
}
