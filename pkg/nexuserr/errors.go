// Package nexuserr defines the error taxonomy shared by the orchestration
// core. Every error leaving the core is an *Error carrying a stable code,
// the correlation ID, and whatever task/agent/model scope is known at the
// point of failure.
package nexuserr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Code is a stable machine-readable error classification.
type Code string

// Error codes, one per taxonomy kind.
const (
	CodeValidation         Code = "validation_error"
	CodeAuth               Code = "auth_error"
	CodeNotFound           Code = "not_found"
	CodeRateLimit          Code = "rate_limited"
	CodeTransientUpstream  Code = "transient_upstream"
	CodeGatewayUnavailable Code = "gateway_unavailable"
	CodeResourceExhausted  Code = "resource_exhausted"
	CodeCancelled          Code = "cancelled"
	CodeInternal           Code = "internal_error"
	CodeDurability         Code = "durability_error"
	CodeAdaptiveHung       Code = "adaptive_hung"
	CodeTimeout            Code = "timeout"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Code          Code
	Message       string
	CorrelationID string
	TaskID        string
	AgentID       string
	ModelID       string
	Duration      time.Duration
	RetryAfter    time.Duration // honored for rate-limit errors
	cause         error
}

// New creates an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error, preserving the chain.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so errors.Is(err, nexuserr.New(CodeTimeout, "")) works
// with sentinel values.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithTask returns a copy scoped to the given task.
func (e *Error) WithTask(taskID string) *Error {
	c := *e
	c.TaskID = taskID
	return &c
}

// WithAgent returns a copy scoped to the given agent and model.
func (e *Error) WithAgent(agentID, modelID string) *Error {
	c := *e
	c.AgentID = agentID
	c.ModelID = modelID
	return &c
}

// WithCorrelation returns a copy carrying the correlation ID.
func (e *Error) WithCorrelation(correlationID string) *Error {
	c := *e
	c.CorrelationID = correlationID
	return &c
}

// WithDuration returns a copy recording how long the failed operation ran.
func (e *Error) WithDuration(d time.Duration) *Error {
	c := *e
	c.Duration = d
	return &c
}

// CodeOf extracts the code from an error chain, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrCancelled) {
		return CodeCancelled
	}
	return CodeInternal
}

// Sentinel values for errors.Is checks without constructing messages.
var (
	ErrCancelled = errors.New("operation cancelled")
)

// retryableStatus lists upstream HTTP statuses worth retrying.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// nonRetryableFragments are message shapes that mark an error permanent
// regardless of transport status.
var nonRetryableFragments = []string{
	"invalid",
	"unauthorized",
	"forbidden",
	"not found",
	"bad request",
}

// FromStatus maps an upstream HTTP status to an Error.
func FromStatus(status int, body string) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Newf(CodeAuth, "upstream returned %d: %s", status, body)
	case status == http.StatusNotFound:
		return Newf(CodeNotFound, "upstream returned 404: %s", body)
	case status == http.StatusTooManyRequests:
		return Newf(CodeRateLimit, "upstream rate limited: %s", body)
	case retryableStatus[status]:
		return Newf(CodeTransientUpstream, "upstream returned %d: %s", status, body)
	case status >= 400 && status < 500:
		return Newf(CodeValidation, "upstream returned %d: %s", status, body)
	default:
		return Newf(CodeTransientUpstream, "upstream returned %d: %s", status, body)
	}
}

// Retryable reports whether the error is worth retrying. Permanent codes and
// permanent message shapes are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeValidation, CodeAuth, CodeNotFound, CodeCancelled, CodeDurability:
		return false
	case CodeRateLimit, CodeTransientUpstream, CodeGatewayUnavailable, CodeTimeout:
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range nonRetryableFragments {
		if strings.Contains(msg, frag) {
			return false
		}
	}
	return true
}

// RetryableStatus reports whether an HTTP status code is in the retry set.
func RetryableStatus(status int) bool {
	return retryableStatus[status]
}
