package engine

import (
	"errors"
	"fmt"
)

// Termination reasons that are not failures.
var (
	// ErrNormal is the reason of a stage that finished its work.
	ErrNormal = errors.New("normal")

	// ErrShutdown is the reason of stages stopped by Pipeline.Shutdown or
	// context cancellation.
	ErrShutdown = errors.New("shutdown")

	// ErrExhausted is returned by a finite source's HandleDemand, alongside
	// its last events, when it has nothing more to produce.
	ErrExhausted = errors.New("source exhausted")
)

// ErrCallbackPanic is the cause of a collaborator failure raised by a
// panicking stage callback.
var ErrCallbackPanic = errors.New("callback panicked")

// IsAbnormal reports whether reason is a failure. nil, ErrNormal and
// ErrShutdown (wrapped or not) are normal.
func IsAbnormal(reason error) bool {
	if reason == nil {
		return false
	}
	return !errors.Is(reason, ErrNormal) && !errors.Is(reason, ErrShutdown)
}

// RuntimeError is a coded error raised by the pipeline runtime.
//
// Runtime errors include:
//   - Contract violations: a producer returned more events than demanded
//   - Subscription errors: rejected synchronously by Subscribe or Ask
//   - Upstream termination: a producer's termination propagated to a consumer
//   - Collaborator failures: a stage callback returned an error or panicked
//   - Routing errors: partition dispatch found no subscription under "fail"
//
// Cause carries the underlying error and is exposed to errors.Is/As.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Stage is the stage the error is attributed to.
	Stage string

	// SubscriptionID identifies the subscription involved, if any.
	SubscriptionID int64

	// Cause is the wrapped error, if any.
	Cause error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeContractViolation indicates a producer or dispatcher exceeded demand.
	ErrCodeContractViolation RuntimeErrorCode = "CONTRACT_VIOLATION"

	// ErrCodeSubscriptionError indicates a rejected subscribe or ask.
	ErrCodeSubscriptionError RuntimeErrorCode = "SUBSCRIPTION_ERROR"

	// ErrCodeUpstreamTerminated indicates a consumer stopped because its
	// producer did.
	ErrCodeUpstreamTerminated RuntimeErrorCode = "UPSTREAM_TERMINATED"

	// ErrCodeCollaboratorFailure indicates a stage callback failed.
	ErrCodeCollaboratorFailure RuntimeErrorCode = "COLLABORATOR_FAILURE"

	// ErrCodeRoutingError indicates an event had no subscription to go to.
	ErrCodeRoutingError RuntimeErrorCode = "ROUTING_ERROR"

	// ErrCodeStageTerminated indicates an operation addressed a dead stage.
	ErrCodeStageTerminated RuntimeErrorCode = "STAGE_TERMINATED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (stage=%s)", msg, e.Stage)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the cause.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// CodeOf returns the code of the outermost RuntimeError in err's chain, or
// "" if there is none.
func CodeOf(err error) RuntimeErrorCode {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

func hasCode(err error, code RuntimeErrorCode) bool {
	for err != nil {
		var re *RuntimeError
		if !errors.As(err, &re) {
			return false
		}
		if re.Code == code {
			return true
		}
		err = re.Cause
	}
	return false
}

// IsContractViolation returns true if err contains a contract violation.
func IsContractViolation(err error) bool { return hasCode(err, ErrCodeContractViolation) }

// IsSubscriptionError returns true if err contains a subscription error.
func IsSubscriptionError(err error) bool { return hasCode(err, ErrCodeSubscriptionError) }

// IsUpstreamTerminated returns true if err contains an upstream termination.
func IsUpstreamTerminated(err error) bool { return hasCode(err, ErrCodeUpstreamTerminated) }

// IsCollaboratorFailure returns true if err contains a callback failure.
func IsCollaboratorFailure(err error) bool { return hasCode(err, ErrCodeCollaboratorFailure) }

// IsRoutingError returns true if err contains a routing error.
func IsRoutingError(err error) bool { return hasCode(err, ErrCodeRoutingError) }

// IsStageTerminated returns true if err contains a stage-terminated error.
func IsStageTerminated(err error) bool { return hasCode(err, ErrCodeStageTerminated) }

func newSubscriptionError(format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeSubscriptionError,
		Message: fmt.Sprintf(format, args...),
	}
}

func newContractViolation(stage string, subID int64, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeContractViolation,
		Message:        fmt.Sprintf(format, args...),
		Stage:          stage,
		SubscriptionID: subID,
	}
}

func newCollaboratorFailure(stage, callback string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCollaboratorFailure,
		Message: callback + " failed",
		Stage:   stage,
		Cause:   cause,
	}
}

func newUpstreamTerminated(stage, producer string, subID int64, cause error) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeUpstreamTerminated,
		Message:        fmt.Sprintf("producer %q terminated", producer),
		Stage:          stage,
		SubscriptionID: subID,
		Cause:          cause,
	}
}

func newStageTerminated(stage string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeStageTerminated,
		Message: "stage is not running",
		Stage:   stage,
	}
}
