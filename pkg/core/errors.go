package core

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the registry, scheduler, and pool.
var (
	ErrInvalidPayload    = errors.New("benchwork: payload does not match the work kind's required shape")
	ErrBudgetExceeded    = errors.New("benchwork: run budget exceeded")
	ErrUnitNotFound      = errors.New("benchwork: work unit not found")
	ErrRunNotFound       = errors.New("benchwork: run not found")
	ErrUnitNotOwned      = errors.New("benchwork: work unit not owned by this slot")
	ErrInvalidTransition = errors.New("benchwork: invalid status transition")
	ErrUnknownKind       = errors.New("benchwork: no executor registered for work kind")
	ErrShuttingDown      = errors.New("benchwork: pool is shutting down")
	ErrPayloadTooLarge   = errors.New("benchwork: payload exceeds size limit")
	ErrInvalidClass      = errors.New("benchwork: unknown resource class")
	ErrJudgeUnavailable  = errors.New("benchwork: no judge produced a verdict")

	// ErrCancelRequested and ErrPauseRequested are returned by executors
	// when a checkpoint observes the corresponding cooperative flag. The
	// pool translates them into Cancelled and Paused transitions.
	ErrCancelRequested = errors.New("benchwork: cancel requested at checkpoint")
	ErrPauseRequested  = errors.New("benchwork: pause requested at checkpoint")
)

// FailureKind classifies why a unit reached Failed (or Cancelled).
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureInvalidPayload   FailureKind = "invalid_payload"
	FailureBudgetExceeded   FailureKind = "budget_exceeded"
	FailureTimeout          FailureKind = "timeout"
	FailureExecutorFault    FailureKind = "executor_fault"
	FailureCancelled        FailureKind = "cancelled"
	FailureJudgeUnavailable FailureKind = "judge_unavailable"
)

// TransientError marks an executor failure as retryable, e.g. a flaky
// external tool invocation that is worth another attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error to mark it retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// Classify maps an executor error to its failure kind.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrInvalidPayload):
		return FailureInvalidPayload
	case errors.Is(err, ErrBudgetExceeded):
		return FailureBudgetExceeded
	case errors.Is(err, ErrCancelRequested):
		return FailureCancelled
	case errors.Is(err, ErrJudgeUnavailable):
		return FailureJudgeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureExecutorFault
	}
}

// IsRetryable reports whether a failed execution should be re-attempted:
// timeouts and explicitly transient errors are, everything else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
