package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Status is the outcome of a request as reported to the client.
type Status string

const (
	StatusOK                  Status = "ok"
	StatusAccepted            Status = "accepted"
	StatusAlreadyCounted      Status = "already_counted"
	StatusRoundClosed         Status = "round_closed"
	StatusParseError          Status = "parse_error"
	StatusSignatureFailed     Status = "signature_failed"
	StatusSignatureTimeout    Status = "signature_timeout"
	StatusThresholdNotReached Status = "threshold_not_reached"
	StatusAggregationFailed   Status = "aggregation_failed"
	StatusNotReady            Status = "not_ready"
	StatusInternal            Status = "internal"
)

// ResponseCode is the wire response code. Values match HTTP status codes.
type ResponseCode int

const (
	CodeSucceed        ResponseCode = http.StatusOK
	CodeRequestError   ResponseCode = http.StatusBadRequest
	CodeSignatureError ResponseCode = http.StatusForbidden
	CodeOutOfTime      ResponseCode = http.StatusConflict
	CodeNotReady       ResponseCode = http.StatusNotFound
	CodeSystemError    ResponseCode = http.StatusInternalServerError
)

// Code maps a status to its response code.
func (s Status) Code() ResponseCode {
	switch s {
	case StatusOK, StatusAccepted, StatusAlreadyCounted:
		return CodeSucceed
	case StatusParseError:
		return CodeRequestError
	case StatusSignatureFailed, StatusSignatureTimeout:
		return CodeSignatureError
	case StatusRoundClosed:
		return CodeOutOfTime
	case StatusNotReady:
		return CodeNotReady
	}
	return CodeSystemError
}

// KernelError is a recoverable request failure with the status reported to the client.
type KernelError struct {
	Kind   Status
	Reason string
	Err    error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *KernelError) Unwrap() error {
	return e.Err
}

// Is matches any KernelError of the same kind, so callers can use the
// Err* sentinels with errors.Is.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*KernelError)
	return ok && t.Kind == e.Kind
}

var (
	ErrParse             = &KernelError{Kind: StatusParseError}
	ErrSignatureFailed   = &KernelError{Kind: StatusSignatureFailed}
	ErrSignatureTimeout  = &KernelError{Kind: StatusSignatureTimeout}
	ErrRoundClosed       = &KernelError{Kind: StatusRoundClosed}
	ErrAggregationFailed = &KernelError{Kind: StatusAggregationFailed}
	ErrNotReady          = &KernelError{Kind: StatusNotReady}
	ErrInternal          = &KernelError{Kind: StatusInternal}
)

func newKernelError(kind Status, format string, args ...any) *KernelError {
	return &KernelError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func wrapKernelError(kind Status, reason string, err error) *KernelError {
	return &KernelError{Kind: kind, Reason: reason, Err: err}
}

// StatusOf returns the client-facing status of err.
// Nil maps to StatusOK and unknown errors to StatusInternal.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var kerr *KernelError
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return StatusInternal
}
