package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors covering the scheduler and attendance domains.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")

	// Scheduler errors.
	ErrInfeasible     = New("INFEASIBLE", http.StatusUnprocessableEntity, "constraints cannot be satisfied before solving begins")
	ErrUnschedulable  = New("UNSCHEDULABLE", http.StatusUnprocessableEntity, "no complete assignment exists for the given inputs")
	ErrSchedulingTimeout = New("SCHEDULING_TIMEOUT", http.StatusGatewayTimeout, "scheduler exceeded its deadline")

	// Attendance token/capture errors.
	ErrTokenMissing       = New("TOKEN_MISSING", http.StatusNotFound, "attendance token not found")
	ErrTokenExpired       = New("TOKEN_EXPIRED", http.StatusGone, "attendance token has expired")
	ErrTokenConsumed      = New("TOKEN_CONSUMED", http.StatusConflict, "attendance token already consumed")
	ErrNotYetStarted      = New("NOT_YET_STARTED", http.StatusPreconditionFailed, "class instance has not started")
	ErrEnded              = New("ENDED", http.StatusGone, "class instance capture window has ended")
	ErrAlreadyMarked      = New("ALREADY_MARKED", http.StatusConflict, "student already has an attendance record for this instance")
	ErrUnauthorisedMarker = New("UNAUTHORISED_MARKER", http.StatusForbidden, "marker is not authorised for this class instance")
	ErrWrongGroup         = New("WRONG_GROUP", http.StatusForbidden, "student does not belong to this class instance's group")

	ErrRepositoryFailure = New("REPOSITORY_FAILURE", http.StatusInternalServerError, "repository operation failed")

	// ErrCacheMiss signals that a cache lookup found nothing, distinct from
	// a repository failure; callers fall back to recomputing the value.
	ErrCacheMiss = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// baseError names the embedded *Error in the payload types below. Embedding
// *Error directly would create a field called Error that hides the Error()
// method, so those types would not implement error.
type baseError = Error

// InfeasibleError reports the constraint that made a request infeasible
// before the solver attempted any assignment, carrying a typed payload
// alongside the base *Error.
type InfeasibleError struct {
	*baseError
	Reason       string   `json:"reason"`
	OffendingIDs []string `json:"offending_ids,omitempty"`
}

func NewInfeasibleError(reason string, offendingIDs ...string) *InfeasibleError {
	return &InfeasibleError{
		baseError:    Clone(ErrInfeasible, reason),
		Reason:       reason,
		OffendingIDs: offendingIDs,
	}
}

// UnschedulableError reports that the solver exhausted its search space
// without finding a complete assignment.
type UnschedulableError struct {
	*baseError
	UnplacedCourseIDs []string `json:"unplaced_course_ids"`
	BacktrackCount    int      `json:"backtrack_count"`
}

func NewUnschedulableError(unplacedCourseIDs []string, backtrackCount int) *UnschedulableError {
	return &UnschedulableError{
		baseError:         Clone(ErrUnschedulable, ""),
		UnplacedCourseIDs: unplacedCourseIDs,
		BacktrackCount:    backtrackCount,
	}
}

// TimeoutError reports that the solver's context deadline elapsed mid-search.
type TimeoutError struct {
	*baseError
	BacktrackCount int `json:"backtrack_count"`
}

func NewTimeoutError(backtrackCount int) *TimeoutError {
	return &TimeoutError{
		baseError:      Clone(ErrSchedulingTimeout, ""),
		BacktrackCount: backtrackCount,
	}
}

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var infeasible *InfeasibleError
	if errors.As(err, &infeasible) {
		return infeasible.baseError
	}
	var unschedulable *UnschedulableError
	if errors.As(err, &unschedulable) {
		return unschedulable.baseError
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return timeout.baseError
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
